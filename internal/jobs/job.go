// Package jobs is the durable multi-queue orchestrator. Three queues —
// discovery, risk-assessment, notifications — share one Redis broker with
// at-least-once delivery; handlers are idempotent on (queue, jobId).
package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue names. Each queue has its own concurrency cap and default policy.
const (
	QueueDiscovery     = "discovery"
	QueueRisk          = "risk-assessment"
	QueueNotifications = "notifications"
)

// Queues lists every queue in scheduling order.
func Queues() []string { return []string{QueueDiscovery, QueueRisk, QueueNotifications} }

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Payload is the work order. Every payload embeds the owning organization;
// workers refuse payloads without one and record a security event.
type Payload struct {
	OrganizationID string                 `json:"organizationId"`
	ConnectionID   string                 `json:"connectionId,omitempty"`
	RunID          string                 `json:"runId,omitempty"`
	AutomationID   string                 `json:"automationId,omitempty"`
	TriggeredBy    string                 `json:"triggeredBy,omitempty"` // api, schedule, chain
	Notification   map[string]interface{} `json:"notification,omitempty"`
}

// Job is one unit of work on one queue.
type Job struct {
	Queue       string        `json:"queue"`
	ID          string        `json:"id"`
	Payload     Payload       `json:"payload"`
	Priority    int           `json:"priority"` // higher runs first
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	BackoffBase time.Duration `json:"backoffBase"`

	State       State      `json:"state"`
	Progress    int        `json:"progress"`
	StallCount  int        `json:"stallCount"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Validate rejects jobs the broker must not accept.
func (j *Job) Validate() error {
	if j.Queue == "" || j.ID == "" {
		return fmt.Errorf("job needs queue and id")
	}
	if j.Payload.OrganizationID == "" {
		return fmt.Errorf("job %s/%s has no organizationId", j.Queue, j.ID)
	}
	return nil
}

// NextBackoff is the delay before attempt n+1: base · 2^(attempts-1).
func (j *Job) NextBackoff() time.Duration {
	base := j.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	d := base
	for i := 1; i < j.Attempts; i++ {
		d *= 2
		if d > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return d
}

// Terminal reports whether the job can no longer run.
func (j *Job) Terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed || j.State == StateCancelled
}

func (j *Job) marshal() ([]byte, error) { return json.Marshal(j) }

func unmarshalJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unreadable job record: %w", err)
	}
	return &j, nil
}

// PeriodicDiscoveryID is the deterministic id for a connection's repeatable
// discovery job; re-registration with the same id is a no-op.
func PeriodicDiscoveryID(connectionID string) string {
	return "periodic:discovery:" + connectionID
}
