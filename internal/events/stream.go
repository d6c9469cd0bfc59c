package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/pkg/metrics"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the conversations stream exists.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil // Stream already exists
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Conversation messages and events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// MessageSubject returns the subject for a message.
func MessageSubject(userID, conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", SubjectPrefix, userID, conversationID, role)
}

// EventSubject returns the subject for an event.
func EventSubject(userID, conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", SubjectPrefix, userID, conversationID, eventType)
}

// PublishMessage publishes a message and returns its stream sequence.
func (m *StreamManager) PublishMessage(ctx context.Context, userID string, msg *model.Message) (uint64, error) {
	subject := MessageSubject(userID, msg.ConversationID, msg.Role)

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}

	metrics.EventsPublished.WithLabelValues("message").Inc()
	return ack.Sequence, nil
}

// PublishEvent publishes an out-of-band conversation event.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	subject := EventSubject(event.UserID, event.ConversationID, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	return ack.Sequence, nil
}

// Consume delivers a conversation's messages published after the given
// sequence to handler until stop is called. Used by the live SSE tail.
func (m *StreamManager) Consume(ctx context.Context, userID, conversationID string, afterSequence uint64, handler func(model.Message)) (stop func(), err error) {
	js := m.client.JetStream()

	cfg := jetstream.ConsumerConfig{
		FilterSubject: fmt.Sprintf("%s.%s.%s.msg.>", SubjectPrefix, userID, conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(natsMsg jetstream.Msg) {
		var message model.Message
		if err := json.Unmarshal(natsMsg.Data(), &message); err != nil {
			return
		}
		if meta, err := natsMsg.Metadata(); err == nil {
			message.Sequence = meta.Sequence.Stream
		}
		handler(message)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	return cc.Stop, nil
}
