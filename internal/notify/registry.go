// Package notify delivers operator notifications: every notification job is
// fanned out to the tenant's webhook subscriptions and mirrored onto the
// realtime event bus. Delivery runs through Cloud Tasks when configured and
// an in-process worker pool otherwise.
package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/umbrix/backend/internal/events"
)

// Subscription is one webhook target. An empty OrganizationID subscribes to
// every tenant; that form is reserved for the operator's on-call endpoint.
type Subscription struct {
	ID             string                     `json:"id"`
	OrganizationID string                     `json:"organizationId,omitempty"`
	URL            string                     `json:"url"`
	Secret         string                     `json:"secret,omitempty"`
	Levels         []events.NotificationLevel `json:"levels"`
	Active         bool                       `json:"active"`
	CreatedAt      time.Time                  `json:"createdAt"`
	FailCount      int                        `json:"failCount"`
}

func (s *Subscription) accepts(level events.NotificationLevel) bool {
	if len(s.Levels) == 0 {
		return true
	}
	for _, l := range s.Levels {
		if l == level {
			return true
		}
	}
	return false
}

// Registry stores webhook subscriptions indexed per tenant.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	byOrg  map[string][]*Subscription
	logger *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		subs:   make(map[string]*Subscription),
		byOrg:  make(map[string][]*Subscription),
		logger: log.New(log.Writer(), "[Notify] ", log.LstdFlags),
	}
}

// Register adds a subscription. The caller owns tenant scoping: the
// organization id on the subscription is the only tenant a delivery can
// reach.
func (r *Registry) Register(sub *Subscription) error {
	if sub.URL == "" {
		return fmt.Errorf("notify: subscription URL is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.ID == "" {
		sub.ID = fmt.Sprintf("sub-%d", time.Now().UnixNano())
	}
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()
	sub.FailCount = 0

	r.subs[sub.ID] = sub
	r.byOrg[sub.OrganizationID] = append(r.byOrg[sub.OrganizationID], sub)
	r.logger.Printf("registered %s -> %s (org=%q levels=%v)",
		sub.ID, sub.URL, sub.OrganizationID, sub.Levels)
	return nil
}

// Unregister removes a subscription by id.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return fmt.Errorf("notify: subscription %s not found", id)
	}
	delete(r.subs, id)

	kept := r.byOrg[sub.OrganizationID][:0]
	for _, s := range r.byOrg[sub.OrganizationID] {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	r.byOrg[sub.OrganizationID] = kept
	return nil
}

// Subscribers returns the active subscriptions a delivery for this tenant
// and level must reach: the tenant's own plus the global on-call entries.
func (r *Registry) Subscribers(organizationID string, level events.NotificationLevel) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, bucket := range [][]*Subscription{r.byOrg[organizationID], r.byOrg[""]} {
		for _, sub := range bucket {
			if sub.Active && sub.accepts(level) {
				out = append(out, sub)
			}
		}
	}
	return out
}

// MarkFailed counts a delivery failure and disables the subscription after
// ten consecutive ones.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
		r.logger.Printf("subscription %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the failure counter.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload produces the HMAC-SHA256 hex digest receivers verify against
// the X-Umbrix-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
