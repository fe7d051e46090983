package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/metrics"
)

// Delivery is the wire payload a subscriber receives.
type Delivery struct {
	ID             string                   `json:"id"`
	OrganizationID string                   `json:"organizationId"`
	Level          events.NotificationLevel `json:"level"`
	Title          string                   `json:"title,omitempty"`
	Message        string                   `json:"message"`
	AutomationID   string                   `json:"automationId,omitempty"`
	ConnectionID   string                   `json:"connectionId,omitempty"`
	RunID          string                   `json:"runId,omitempty"`
	Details        map[string]interface{}   `json:"details,omitempty"`
	SentAt         time.Time                `json:"sentAt"`
}

// Emitter fans one delivery out to its subscribers. Both the in-process
// Dispatcher and the Cloud Tasks dispatcher satisfy it.
type Emitter interface {
	Emit(delivery *Delivery)
	Shutdown()
}

type deliveryJob struct {
	sub      *Subscription
	delivery *Delivery
	payload  []byte
	attempt  int
}

// Dispatcher delivers webhooks from an in-process worker pool. Failed
// deliveries retry twice with quadratic backoff before counting against the
// subscription.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	queue    chan *deliveryJob
	logger   *log.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan *deliveryJob, 1000),
		logger:   log.New(log.Writer(), "[Notify] ", log.LstdFlags),
		metrics:  metrics.Default(),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit enqueues the delivery for every matching subscriber. A full queue
// drops rather than blocks the job handler.
func (d *Dispatcher) Emit(delivery *Delivery) {
	subs := d.registry.Subscribers(delivery.OrganizationID, delivery.Level)
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(delivery)
	if err != nil {
		d.logger.Printf("marshal delivery %s: %v", delivery.ID, err)
		return
	}
	for _, sub := range subs {
		select {
		case d.queue <- &deliveryJob{sub: sub, delivery: delivery, payload: payload, attempt: 1}:
		default:
			d.logger.Printf("queue full, dropping %s for %s", delivery.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("build request for %s: %v", job.sub.URL, err)
		return
	}
	setDeliveryHeaders(req.Header.Set, job.sub, job.delivery, job.payload, job.attempt)

	resp, err := d.client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	if err != nil || resp.StatusCode >= 400 {
		d.registry.MarkFailed(job.sub.ID)
		d.metrics.NotificationsSent.WithLabelValues(string(job.delivery.Level), "failed").Inc()
		if job.attempt < 3 {
			time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
			job.attempt++
			select {
			case d.queue <- job:
			default:
			}
		}
		return
	}
	d.registry.MarkDelivered(job.sub.ID)
	d.metrics.NotificationsSent.WithLabelValues(string(job.delivery.Level), "delivered").Inc()
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

func setDeliveryHeaders(set func(k, v string), sub *Subscription, delivery *Delivery, payload []byte, attempt int) {
	set("Content-Type", "application/json")
	set("X-Umbrix-Notification-ID", delivery.ID)
	set("X-Umbrix-Level", string(delivery.Level))
	set("X-Umbrix-Delivery-Attempt", fmt.Sprintf("%d", attempt))
	if sub.Secret != "" {
		set("X-Umbrix-Signature", "sha256="+SignPayload(payload, sub.Secret))
	}
}
