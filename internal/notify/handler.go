package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/jobs"
)

// Publisher is the slice of the event bus the handler needs.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service consumes the notifications queue: each job becomes a
// system:notification event for the tenant's realtime subscribers plus a
// webhook fan-out through the configured emitter.
type Service struct {
	emitter Emitter
	bus     Publisher
	slog    *slog.Logger
}

func NewService(emitter Emitter, bus Publisher) *Service {
	return &Service{
		emitter: emitter,
		bus:     bus,
		slog:    slog.Default().With("component", "notify"),
	}
}

// Handler adapts the service to the notifications queue.
func (s *Service) Handler() jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, report jobs.ProgressFunc) (string, error) {
		delivery, err := s.deliveryFromJob(job)
		if err != nil {
			return "", err
		}
		report(50)
		s.Send(ctx, delivery)
		report(100)
		return fmt.Sprintf(`{"notificationId":%q}`, delivery.ID), nil
	}
}

// Shutdown drains the underlying emitter.
func (s *Service) Shutdown() {
	if s.emitter != nil {
		s.emitter.Shutdown()
	}
}

// Send publishes the realtime event and fans out webhooks. Webhook failures
// are the dispatcher's problem; Send itself only fails when the bus does.
func (s *Service) Send(ctx context.Context, delivery *Delivery) {
	if s.bus != nil {
		err := s.bus.Publish(ctx, events.NewSystemNotification(
			delivery.OrganizationID, delivery.Level,
			delivery.Message, delivery.Title, delivery.Details))
		if err != nil {
			s.slog.Warn("notification event publish failed",
				"org", delivery.OrganizationID, "error", err)
		}
	}
	if s.emitter != nil {
		s.emitter.Emit(delivery)
	}
}

func (s *Service) deliveryFromJob(job *jobs.Job) (*Delivery, error) {
	n := job.Payload.Notification
	message, _ := n["message"].(string)
	if message == "" {
		return nil, faults.Invariant("notification job without a message")
	}
	level := events.LevelInfo
	if l, ok := n["level"].(string); ok && l != "" {
		level = events.NotificationLevel(l)
	}
	title, _ := n["title"].(string)

	var details map[string]interface{}
	if d, ok := n["details"].(map[string]interface{}); ok {
		details = d
	}

	return &Delivery{
		ID:             uuid.NewString(),
		OrganizationID: job.Payload.OrganizationID,
		Level:          level,
		Title:          title,
		Message:        message,
		AutomationID:   job.Payload.AutomationID,
		ConnectionID:   job.Payload.ConnectionID,
		RunID:          job.Payload.RunID,
		Details:        details,
		SentAt:         time.Now().UTC(),
	}, nil
}
