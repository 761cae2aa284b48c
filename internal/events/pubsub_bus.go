package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery.
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery to downstream consumers
//   - In-memory: immediate push to SSE / websocket stream subscribers
type PubSubBus struct {
	*Bus // embedded, stream subscribers keep working

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus creates a Pub/Sub-backed event bus, creating the topic if
// it does not exist.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}

	// Per-agent ordering: consumers see one agent's decisions in order
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}

	bus.logger.Printf("Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit creates a CloudEvent, publishes it durably, and fans out to
// in-memory subscribers.
func (pb *PubSubBus) Emit(eventType, source, agentID string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, agentID, data)
	pb.publishDurable(event)
	pb.Bus.Publish(event)
}

// publishDurable serializes the CloudEvent as a Pub/Sub message. Message
// attributes mirror CloudEvents metadata for server-side filtering.
func (pb *PubSubBus) publishDurable(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("Failed to marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-agentid":     event.AgentID,
		},
		OrderingKey: event.AgentID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: confirm delivery off the hot path
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := result.Get(ctx); err != nil {
			pb.logger.Printf("Pub/Sub publish failed for %s: %v", event.ID, err)
		}
	}()
}

// Close flushes pending publishes and releases the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	return pb.client.Close()
}
