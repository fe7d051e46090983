package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus mirrors every event onto a Google Cloud Pub/Sub topic for
// downstream consumers (webhooks, SIEM export, analytics) while fanning out
// locally as usual. Message ordering is enabled with the (tenant,
// connection) pair as the ordering key, matching the bus guarantee.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects to the topic, creating it when absent.
func NewPubSubBus(local *Bus, projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("create topic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	pb := &PubSubBus{
		Bus:    local,
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PubSub] ", log.LstdFlags),
	}
	pb.logger.Printf("connected to %s", topic.String())
	return pb, nil
}

// Publish delivers locally first (the realtime path must not wait on GCP),
// then mirrors to Pub/Sub asynchronously.
func (pb *PubSubBus) Publish(ctx context.Context, event *Event) error {
	if err := pb.Bus.Publish(ctx, event); err != nil {
		return err
	}

	payload, err := event.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	result := pb.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"kind":           string(event.Kind),
			"organizationId": event.OrganizationID,
			"eventId":        event.ID,
		},
		OrderingKey: event.orderKey(),
	})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("pubsub publish failed for %s: %v", event.ID, err)
			// An ordering-key error pauses the key until resumed.
			pb.topic.ResumePublish(event.orderKey())
		}
	}()
	return nil
}

// Close stops the topic publisher and the local bus.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	pb.Bus.Close()
	return pb.client.Close()
}

// HealthCheck verifies the topic is still reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("pubsub health: %w", err)
	}
	if !exists {
		return fmt.Errorf("pubsub topic missing")
	}
	return nil
}
