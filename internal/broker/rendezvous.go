package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrRendezvousTimeout is returned by [Rendezvous.Await] when the
	// forwarding outcome did not arrive before the deadline.
	ErrRendezvousTimeout = errors.New("rendezvous timeout")

	// ErrNoWaiter means no waiter is open for the connection.
	ErrNoWaiter = errors.New("no waiter for connection")

	// ErrWaiterExists means a waiter is already open for the connection.
	ErrWaiterExists = errors.New("waiter already open for connection")
)

// OutcomeKind tags a forwarding outcome.
type OutcomeKind int

const (
	Pending OutcomeKind = iota
	Success
	Failure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	default:
		return "pending"
	}
}

// Outcome is the value a waiter resolves to. Reason is set only for Failure.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Clock is the deadline source for [Rendezvous.Await].
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once d has elapsed and a func that
	// stops the timer.
	After(d time.Duration) (<-chan time.Time, func())
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTimer(d)
	return t.C, func() { t.Stop() }
}

// waiter is a single-resolution signal: one writer resolves it, one reader
// awaits it, and the deadline or a closing connection cancels the read.
type waiter struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{}), outcome: Outcome{Kind: Pending}}
}

func (w *waiter) resolve(o Outcome) bool {
	resolved := false
	w.once.Do(func() {
		w.outcome = o
		close(w.done)
		resolved = true
	})
	return resolved
}

// Rendezvous pairs each connection's forwarding outcome with its session
// start. Waiters are keyed by connection ID and live only while a connection
// is between authorization and the end of its session wait.
type Rendezvous struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	timeout time.Duration
	clock   Clock
}

// NewRendezvous returns a coordinator whose sessions wait at most timeout.
// A nil clock uses wall time.
func NewRendezvous(timeout time.Duration, clock Clock) *Rendezvous {
	if clock == nil {
		clock = realClock{}
	}
	return &Rendezvous{
		waiters: make(map[string]*waiter),
		timeout: timeout,
		clock:   clock,
	}
}

// Open creates the waiter for id.
func (r *Rendezvous) Open(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waiters[id]; ok {
		return ErrWaiterExists
	}
	r.waiters[id] = newWaiter()
	return nil
}

// Resolve settles the waiter for id. It reports false, and does nothing,
// when the waiter is absent or was already resolved.
func (r *Rendezvous) Resolve(id string, o Outcome) bool {
	r.mu.Lock()
	w := r.waiters[id]
	r.mu.Unlock()
	if w == nil {
		return false
	}
	return w.resolve(o)
}

// Succeed resolves id with success.
func (r *Rendezvous) Succeed(id string) bool {
	return r.Resolve(id, Outcome{Kind: Success})
}

// Fail resolves id with a failure reason.
func (r *Rendezvous) Fail(id, reason string) bool {
	return r.Resolve(id, Outcome{Kind: Failure, Reason: reason})
}

// Await blocks until the waiter for id resolves, the deadline passes, or ctx
// ends. The waiter is removed before Await returns on every path.
func (r *Rendezvous) Await(ctx context.Context, id string) (Outcome, error) {
	r.mu.Lock()
	w := r.waiters[id]
	r.mu.Unlock()
	if w == nil {
		return Outcome{}, ErrNoWaiter
	}
	defer r.Discard(id)

	deadline, stop := r.clock.After(r.timeout)
	defer stop()

	select {
	case <-w.done:
		return w.outcome, nil
	case <-deadline:
		// A resolution racing the deadline still wins.
		select {
		case <-w.done:
			return w.outcome, nil
		default:
		}
		return Outcome{}, ErrRendezvousTimeout
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Discard removes the waiter for id if present.
func (r *Rendezvous) Discard(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// Pending returns the number of live waiters.
func (r *Rendezvous) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
