package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/umbrix/backend/internal/metrics"
)

// CloudDispatcher hands deliveries to a Google Cloud Tasks queue so retry,
// backoff, and dead-lettering happen outside the worker process. Enqueue
// failures fall back to the in-process dispatcher when one is configured.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	metrics   *metrics.Metrics
	fallback  *Dispatcher
}

// NewCloudDispatcher connects to the queue at
// projects/<project>/locations/<location>/queues/<queue>. fallbackWorkers > 0
// also starts an in-process dispatcher used when an enqueue fails.
func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    log.New(log.Writer(), "[Notify] ", log.LstdFlags),
		metrics:   metrics.Default(),
	}
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers)
	}
	cd.logger.Printf("cloud tasks queue connected: %s", cd.queuePath)
	return cd, nil
}

// Emit creates one HTTP task per matching subscriber.
func (cd *CloudDispatcher) Emit(delivery *Delivery) {
	subs := cd.registry.Subscribers(delivery.OrganizationID, delivery.Level)
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(delivery)
	if err != nil {
		cd.logger.Printf("marshal delivery %s: %v", delivery.ID, err)
		return
	}
	for _, sub := range subs {
		cd.enqueueTask(sub, delivery, payload)
	}
}

func (cd *CloudDispatcher) enqueueTask(sub *Subscription, delivery *Delivery, payload []byte) {
	headers := make(map[string]string, 5)
	setDeliveryHeaders(func(k, v string) { headers[k] = v }, sub, delivery, payload, 1)

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Off the job handler's path: the broker heartbeat must not wait on the
	// Tasks API.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := cd.client.CreateTask(ctx, req); err != nil {
			cd.logger.Printf("cloud task enqueue failed: %s -> %s: %v", delivery.ID, sub.URL, err)
			if cd.fallback != nil {
				cd.fallback.Emit(delivery)
			}
			return
		}
		cd.metrics.NotificationsSent.WithLabelValues(string(delivery.Level), "enqueued").Inc()
	}()
}

// Shutdown closes the Tasks client and drains the fallback pool.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("cloud tasks client close: %v", err)
	}
}
