package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ============================================================================
// Repeatable Scheduler
// ============================================================================

// Scheduler owns the cron table for repeatable work: per-connection periodic
// discovery plus housekeeping sweeps. Repeatable jobs use deterministic ids,
// so if a tick fires while the previous run is still queued or active the
// broker's enqueue is a no-op and runs never pile up.
type Scheduler struct {
	broker *Broker
	cron   *cron.Cron
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// DefaultDiscoveryCadence applies when a connection's sync config names none.
const DefaultDiscoveryCadence = 24 * time.Hour

// NewScheduler builds a stopped scheduler on the broker.
func NewScheduler(broker *Broker) *Scheduler {
	return &Scheduler{
		broker:  broker,
		cron:    cron.New(),
		logger:  log.New(log.Writer(), "[Scheduler] ", log.LstdFlags),
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins firing entries.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron table and waits for running entries.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RegisterPeriodicDiscovery schedules recurring discovery for a connection.
// Re-registering replaces the previous cadence.
func (s *Scheduler) RegisterPeriodicDiscovery(organizationID, connectionID string, every time.Duration) error {
	if every <= 0 {
		every = DefaultDiscoveryCadence
	}
	id := PeriodicDiscoveryID(connectionID)
	spec := fmt.Sprintf("@every %s", every)
	return s.register(id, spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.broker.Enqueue(ctx, &Job{
			Queue: QueueDiscovery,
			ID:    id,
			Payload: Payload{
				OrganizationID: organizationID,
				ConnectionID:   connectionID,
				TriggeredBy:    "schedule",
			},
		})
		if err != nil {
			s.logger.Printf("periodic discovery %s: %v", connectionID, err)
		}
	})
}

// UnregisterConnection removes a connection's repeatable entry, typically on
// disconnect.
func (s *Scheduler) UnregisterConnection(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := PeriodicDiscoveryID(connectionID)
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

// RegisterTask adds a named housekeeping entry (staleness sweep, credential
// expiration check, retention trims) on a cron spec.
func (s *Scheduler) RegisterTask(name, spec string, fn func(ctx context.Context)) error {
	return s.register("task:"+name, spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		fn(ctx)
	})
}

func (s *Scheduler) register(id, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[id]; ok {
		s.cron.Remove(prev)
	}
	entry, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	s.entries[id] = entry
	return nil
}
