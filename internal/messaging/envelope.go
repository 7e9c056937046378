// internal/messaging/envelope.go
package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the unit carried by every topic.
type Envelope struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Subject       string          `json:"subject"`
	Body          json.RawMessage `json:"body"`
	CorrelationID string          `json:"correlation_id"`
	// Reason is set on dead-lettered copies.
	Reason string `json:"reason,omitempty"`
	// Attempt is the delivery count reported by the broker, starting at 1.
	Attempt int `json:"-"`
}

// NewEnvelope encodes body as JSON.
func NewEnvelope(topic, subject, correlationID string, body interface{}) (Envelope, error) {
	raw, err := Encode(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Topic: topic, Subject: subject, Body: raw, CorrelationID: correlationID}, nil
}

func Encode(v interface{}) (json.RawMessage, error) {
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return raw, nil
}

func Decode(body []byte, v interface{}) error {
	if err := codec.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// Publisher hands an envelope to the broker. A nil error means the broker
// accepted it durably.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Delivery is a received message that must be acknowledged explicitly.
type Delivery interface {
	Envelope() Envelope
	Ack(ctx context.Context) error
	// Nack leaves the message for redelivery.
	Nack(ctx context.Context) error
}

// Source yields deliveries for one topic and consumer group. Fetch waits a
// bounded time and may return an empty batch.
type Source interface {
	Fetch(ctx context.Context, max int) ([]Delivery, error)
}

// DeadLetterTopic names the failure topic for topic.
func DeadLetterTopic(topic string) string {
	return topic + ".deadletter"
}
