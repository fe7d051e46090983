package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/umbrix/backend/internal/infra"
)

// RedisBus bridges bus instances across processes with Redis Pub/Sub. An
// event published on one instance is delivered to subscribers attached to
// any instance; the API pods and the realtime gateway share one stream.
//
// Redis Pub/Sub preserves publish order per channel, and every publisher of
// a (tenant, connection) pair is a single worker, so the per-pair ordering
// guarantee survives the hop.
type RedisBus struct {
	*Bus // local subscribers attach here

	pubsub infra.PubSubClient
	prefix string

	mu      sync.Mutex
	unsubs  map[string]func() // organizationID -> redis unsubscribe
	bridged map[string]int    // organizationID -> local subscriber count
}

// NewRedisBus wraps a local bus with cross-instance fanout.
func NewRedisBus(local *Bus, pubsub infra.PubSubClient, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "umbrix:events:"
	}
	return &RedisBus{
		Bus:     local,
		pubsub:  pubsub,
		prefix:  channelPrefix,
		unsubs:  make(map[string]func()),
		bridged: make(map[string]int),
	}
}

func (rb *RedisBus) channel(organizationID string) string {
	return rb.prefix + organizationID
}

// Publish validates locally, then sends through Redis. Local delivery
// happens on receipt of our own message, so every instance (including the
// publisher) observes the same order.
func (rb *RedisBus) Publish(ctx context.Context, event *Event) error {
	if err := rb.validator.Validate(event); err != nil {
		rb.metrics.EventsDropped.WithLabelValues("schema").Inc()
		slog.Warn("dropping malformed event", "kind", event.Kind, "org", event.OrganizationID, "error", err)
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := rb.pubsub.Publish(ctx, rb.channel(event.OrganizationID), payload); err != nil {
		// Redis down: degrade to local-only delivery rather than losing the
		// event entirely.
		slog.Warn("redis publish failed, delivering locally", "org", event.OrganizationID, "error", err)
		return rb.Bus.Publish(ctx, event)
	}
	return nil
}

// Subscribe attaches a local consumer and lazily opens the tenant's Redis
// channel on first use.
func (rb *RedisBus) Subscribe(organizationID string, kinds ...Kind) *Subscription {
	s := rb.Bus.Subscribe(organizationID, kinds...)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.bridged[organizationID]++
	if rb.bridged[organizationID] > 1 {
		return s
	}

	unsub, err := rb.pubsub.Subscribe(context.Background(), rb.channel(organizationID), func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("unreadable event from redis", "org", organizationID, "error", err)
			return
		}
		_ = rb.Bus.Publish(context.Background(), &event)
	})
	if err != nil {
		slog.Warn("redis subscribe failed, local-only stream", "org", organizationID, "error", err)
		return s
	}
	rb.unsubs[organizationID] = unsub
	return s
}

// Unsubscribe detaches the consumer and closes the Redis channel when the
// tenant has no local subscribers left.
func (rb *RedisBus) Unsubscribe(s *Subscription) {
	rb.Bus.Unsubscribe(s)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	org := s.OrganizationID()
	rb.bridged[org]--
	if rb.bridged[org] > 0 {
		return
	}
	delete(rb.bridged, org)
	if unsub := rb.unsubs[org]; unsub != nil {
		unsub()
		delete(rb.unsubs, org)
	}
}

// Close tears down every Redis channel and the local bus.
func (rb *RedisBus) Close() {
	rb.mu.Lock()
	for _, unsub := range rb.unsubs {
		unsub()
	}
	rb.unsubs = make(map[string]func())
	rb.bridged = make(map[string]int)
	rb.mu.Unlock()

	rb.Bus.Close()
}
