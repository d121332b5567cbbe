// Package broker implements tunnel admission and lifecycle for addr: binding
// a client name to its device fingerprint under a plan limit, pairing each
// connection's forwarding request with its interactive session, and
// presenting the resulting public addresses until the client disconnects.
//
// The broker never speaks a wire protocol. A transport adapter drives a
// [Conn] through its callbacks and supplies the [Forwarder] and [Process]
// capabilities.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/addr/internal/domain"
	"github.com/koltyakov/addr/internal/metrics"
	"github.com/koltyakov/addr/internal/routes"
)

const defaultRendezvousTimeout = 10 * time.Second

// Config holds broker policy.
type Config struct {
	// Domain is the base domain names are published under.
	Domain string
	// DefaultPlan is the plan recorded on newly registered names.
	DefaultPlan int
	// ForwardBindHost is the interface forwarding listeners bind to; empty
	// means all interfaces.
	ForwardBindHost string
	// RendezvousTimeout bounds how long a session waits for its forwarding
	// outcome.
	RendezvousTimeout time.Duration
}

// Deps are the collaborators a Broker needs. Feed, Metrics, and Clock are
// optional.
type Deps struct {
	Acquire AcquireFunc
	Sink    routes.Sink
	Feed    *routes.Feed
	Metrics *metrics.Metrics
	Clock   Clock
	Log     *slog.Logger
}

// Broker is shared by every connection of one server.
type Broker struct {
	cfg     Config
	acquire AcquireFunc
	sink    routes.Sink
	feed    *routes.Feed
	metrics *metrics.Metrics
	clock   Clock
	log     *slog.Logger
	waiters *Rendezvous
}

// New builds a Broker.
func New(cfg Config, deps Deps) *Broker {
	if cfg.RendezvousTimeout <= 0 {
		cfg.RendezvousTimeout = defaultRendezvousTimeout
	}
	if cfg.DefaultPlan <= 0 {
		cfg.DefaultPlan = 10
	}
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := deps.Log
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:     cfg,
		acquire: deps.Acquire,
		sink:    deps.Sink,
		feed:    deps.Feed,
		metrics: deps.Metrics,
		clock:   clock,
		log:     logger,
		waiters: NewRendezvous(cfg.RendezvousTimeout, clock),
	}
}

// Domain returns the base domain.
func (b *Broker) Domain() string {
	return b.cfg.Domain
}

// Pending returns the number of connections currently holding a waiter.
func (b *Broker) Pending() int {
	return b.waiters.Pending()
}

// Establish opens the per-connection state for a new transport connection,
// including its registry handle. The caller must Close the returned Conn.
func (b *Broker) Establish(ctx context.Context, remote string) (*Conn, error) {
	reg, err := b.acquire(ctx)
	if err != nil {
		return nil, &domain.TunnelError{Op: "establish", Err: err}
	}
	id := uuid.NewString()
	return &Conn{
		b:      b,
		id:     id,
		remote: remote,
		reg:    reg,
		log:    b.log.With("conn_id", id, "remote", remote),
	}, nil
}

// Conn is the broker side of one transport connection. The transport calls
// the Offer methods during authentication, Authorize once it has accepted a
// key, then HandleForward and RunSession from independent goroutines.
type Conn struct {
	b      *Broker
	id     string
	remote string
	reg    Registry
	log    *slog.Logger

	mu          sync.Mutex
	name        string
	fingerprint string
	rejected    error
	authorized  bool

	closeOnce sync.Once
	closeErr  error
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// Name returns the authorized name, or "" before authorization.
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authorized {
		return ""
	}
	return c.name
}

// Fingerprint returns the authorized device fingerprint.
func (c *Conn) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fingerprint
}

// Close discards any waiter and releases the registry handle.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.b.waiters.Discard(c.id)
		c.closeErr = c.reg.Close()
	})
	return c.closeErr
}

func (c *Conn) reject(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejected == nil {
		c.rejected = err
	}
	return c.rejected
}

func (c *Conn) rejection() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

func admissionResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidName):
		return metrics.AdmitInvalid
	case errors.Is(err, domain.ErrNameOwned):
		return metrics.AdmitOwned
	case errors.Is(err, domain.ErrQuotaExceeded):
		return metrics.AdmitQuota
	default:
		return metrics.AdmitError
	}
}
