package events

import (
	"context"
	"log"
	"log/slog"
	"sync"

	"github.com/umbrix/backend/internal/metrics"
)

// Publisher is the outbound surface workers see.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Bus is the in-process, tenant-scoped fanout. Delivery is at-least-once to
// currently connected subscribers; there is no durable replay.
//
// Back-pressure: when a subscriber's pending queue grows past the coalesce
// threshold, progress messages collapse last-value-wins per (connection,
// kind). automation:discovered messages are never coalesced.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]*Subscription // organizationID -> subscribers
	validator *Validator
	coalesce  int
	buffer    int
	logger    *log.Logger
	metrics   *metrics.Metrics
	closed    bool
}

// BusConfig tunes delivery.
type BusConfig struct {
	// SendBuffer is each subscriber's channel capacity.
	SendBuffer int
	// CoalesceAbove is the pending-queue length past which progress events
	// start collapsing.
	CoalesceAbove int
}

// NewBus creates the bus. The schema validator is compiled here; malformed
// outbound events are dropped with a log entry.
func NewBus(cfg BusConfig) (*Bus, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.CoalesceAbove <= 0 {
		cfg.CoalesceAbove = 64
	}
	return &Bus{
		subs:      make(map[string][]*Subscription),
		validator: v,
		coalesce:  cfg.CoalesceAbove,
		buffer:    cfg.SendBuffer,
		logger:    log.New(log.Writer(), "[Bus] ", log.LstdFlags),
		metrics:   metrics.Default(),
	}, nil
}

// Publish validates and fans the event out to the organization's
// subscribers. Events for other organizations are never visible.
func (b *Bus) Publish(_ context.Context, event *Event) error {
	if err := b.validator.Validate(event); err != nil {
		b.metrics.EventsDropped.WithLabelValues("schema").Inc()
		slog.Warn("dropping malformed event", "kind", event.Kind, "org", event.OrganizationID, "error", err)
		return nil
	}

	b.mu.RLock()
	subs := b.subs[event.OrganizationID]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		b.metrics.EventsDropped.WithLabelValues("closed").Inc()
		return nil
	}

	b.metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()
	for _, s := range subs {
		s.enqueue(event)
	}
	return nil
}

// Subscribe attaches one consumer to an organization's stream. Kinds filters
// delivery; empty means every kind.
func (b *Bus) Subscribe(organizationID string, kinds ...Kind) *Subscription {
	s := &Subscription{
		bus:            b,
		organizationID: organizationID,
		kinds:          kindSet(kinds),
		out:            make(chan *Event, b.buffer),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[organizationID] = append(b.subs[organizationID], s)
	b.mu.Unlock()

	go s.pump()
	return s
}

// Unsubscribe detaches a consumer and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	subs := b.subs[s.organizationID]
	for i, cur := range subs {
		if cur == s {
			b.subs[s.organizationID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.organizationID]) == 0 {
		delete(b.subs, s.organizationID)
	}
	b.mu.Unlock()

	s.close()
}

// SubscriberCount reports attached consumers, for stats endpoints.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}

// ============================================================================
// SUBSCRIPTION
// ============================================================================

// Subscription is one consumer's ordered view of a tenant's stream. The
// pending queue preserves publish order; the pump goroutine moves events to
// the outbound channel so a slow consumer never blocks the publisher.
type Subscription struct {
	bus            *Bus
	organizationID string
	kinds          map[Kind]bool

	mu      sync.Mutex
	pending []*Event
	closed  bool

	out  chan *Event
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// Events is the delivery channel. Closed on unsubscribe.
func (s *Subscription) Events() <-chan *Event { return s.out }

// OrganizationID names the tenant this subscription is scoped to.
func (s *Subscription) OrganizationID() string { return s.organizationID }

func (s *Subscription) wants(kind Kind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// enqueue appends under the ordering lock. Past the coalesce threshold a
// progress event replaces the queued one for the same (connection, kind) —
// last value wins, in place, so ordering relative to other keys holds.
func (s *Subscription) enqueue(event *Event) {
	if !s.wants(event.Kind) {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if event.Kind == KindDiscoveryProgress && len(s.pending) >= s.bus.coalesce {
		for i := len(s.pending) - 1; i >= 0; i-- {
			q := s.pending[i]
			if q.Kind == event.Kind && q.orderKey() == event.orderKey() {
				s.pending[i] = event
				s.mu.Unlock()
				s.bus.metrics.EventsCoalesced.WithLabelValues(string(event.Kind)).Inc()
				return
			}
		}
	}
	s.pending = append(s.pending, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump drains pending into the outbound channel in order. It is the only
// sender on out, so close-on-done is race free.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			event := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func kindSet(kinds []Kind) map[Kind]bool {
	if len(kinds) == 0 {
		return nil
	}
	m := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}
