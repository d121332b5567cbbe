package routes

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 32

// Feed fans committed bindings out to live subscribers. A subscriber that
// falls behind loses events rather than stalling the publisher.
type Feed struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

type subscriber struct {
	ch chan Binding
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a listener. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (f *Feed) Subscribe(buffer int) (<-chan Binding, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Binding, buffer)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, sub)
			f.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Notify delivers b to every subscriber without blocking.
func (f *Feed) Notify(b Binding) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		select {
		case sub.ch <- b:
		default:
			f.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}
