// Package pubsub publishes notifications to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/linkwatch/internal/notify"
)

// PublishFunc sends one message and returns the server-assigned ID.
type PublishFunc func(ctx context.Context, data []byte, attrs map[string]string) (string, error)

// Sink marshals notifications to JSON and publishes them.
type Sink struct {
	topic   string
	publish PublishFunc
	closeFn func() error
}

var _ notify.Sink = (*Sink)(nil)

// New connects to Pub/Sub with Application Default Credentials.
func New(ctx context.Context, projectID, topicID string) (*Sink, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project_id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	publisher := client.Publisher(topicID)
	publish := func(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
		result := publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
		return result.Get(ctx)
	}
	closeFn := func() error {
		publisher.Stop()
		if err := client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
		return nil
	}
	return &Sink{topic: topicID, publish: publish, closeFn: closeFn}, nil
}

// NewWithPublisher builds a Sink around an existing publish function (primarily for testing).
func NewWithPublisher(topic string, publish PublishFunc) (*Sink, error) {
	if publish == nil {
		return nil, errors.New("publish func is required")
	}
	return &Sink{topic: topic, publish: publish}, nil
}

// Name implements notify.Sink.
func (*Sink) Name() string { return "pubsub" }

// Send publishes n as JSON. Marshal failures are permanent.
func (s *Sink) Send(ctx context.Context, n notify.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return notify.Permanent(fmt.Errorf("marshal notification: %w", err))
	}
	attrs := map[string]string{"kind": string(n.Kind)}
	if n.Event != nil {
		attrs["event_id"] = n.Event.ID
		attrs["target"] = n.Event.Target
	}
	if _, err := s.publish(ctx, data, attrs); err != nil {
		return fmt.Errorf("publish to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes pending messages and releases the client.
func (s *Sink) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}
