// Package feed provides a latest-value multicast primitive: every
// publication fans out to all subscribers, late subscribers immediately
// receive the most recent value, and a slow subscriber never blocks the
// publisher (its oldest pending value is dropped instead).
package feed

import (
	"sync"
)

// Feed multicasts values of type T to any number of subscribers while
// retaining the latest published value for replay.
type Feed[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	latest T
	seeded bool
	closed bool
}

// New constructs an empty feed. The first subscriber receives nothing
// until the first Publish.
func New[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[uint64]*Subscription[T])}
}

// Publish stores v as the latest value and delivers it to every
// subscriber. Delivery is non-blocking: a subscriber whose buffer is
// full has its oldest buffered value replaced.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.latest = v
	f.seeded = true
	for _, sub := range f.subs {
		sub.deliver(v)
	}
}

// PublishDistinct publishes v only when eq reports it differs from the
// latest published value (or when nothing has been published yet). It
// returns true when a publication happened.
func (f *Feed[T]) PublishDistinct(v T, eq func(a, b T) bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	if f.seeded && eq(f.latest, v) {
		return false
	}

	f.latest = v
	f.seeded = true
	for _, sub := range f.subs {
		sub.deliver(v)
	}
	return true
}

// Latest returns the most recently published value, if any.
func (f *Feed[T]) Latest() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.seeded
}

// Subscribe registers a new subscriber. If a value has already been
// published it is replayed into the subscription buffer before
// Subscribe returns.
func (f *Feed[T]) Subscribe(opts ...SubscriptionOption) *Subscription[T] {
	cfg := subscriptionConfig{bufferSize: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		ch := make(chan T)
		close(ch)
		return &Subscription[T]{ch: ch, detached: true}
	}

	f.nextID++
	sub := &Subscription[T]{
		id:   f.nextID,
		ch:   make(chan T, cfg.bufferSize),
		feed: f,
	}
	f.subs[sub.id] = sub

	if f.seeded {
		sub.deliver(f.latest)
	}
	return sub
}

// Close terminates the feed and closes every subscription channel.
// Publish calls after Close are no-ops.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		sub.detached = true
		close(sub.ch)
		delete(f.subs, id)
	}
}

// SubscriptionOption customises a subscription.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
}

// WithBuffer overrides the subscription channel buffer. The default of
// one conflates pending deliveries down to the latest value.
func WithBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// Subscription is a single consumer of a feed.
type Subscription[T any] struct {
	id       uint64
	ch       chan T
	feed     *Feed[T]
	detached bool
}

// C exposes the delivery channel. It is closed when the subscription or
// the owning feed is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close detaches the subscription from the feed and closes its channel.
// Safe to call more than once.
func (s *Subscription[T]) Close() {
	if s.feed == nil {
		return
	}
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()

	if s.detached {
		return
	}
	s.detached = true
	delete(s.feed.subs, s.id)
	close(s.ch)
}

// deliver enqueues v without blocking, evicting the oldest buffered
// value when the channel is full. Callers hold the feed mutex, which
// also serialises deliver against Close.
func (s *Subscription[T]) deliver(v T) {
	if s.detached {
		return
	}

	select {
	case s.ch <- v:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}

	select {
	case s.ch <- v:
	default:
	}
}
