package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OutboxMessage is an integration message waiting to be handed to the broker.
type OutboxMessage struct {
	ID            int64           `json:"id" db:"id"`
	Topic         string          `json:"topic" db:"topic"`
	Subject       string          `json:"subject" db:"subject"`
	Body          json.RawMessage `json:"body" db:"body"`
	CorrelationID string          `json:"correlation_id" db:"correlation_id"`
	Attempts      int             `json:"attempts" db:"attempts"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty" db:"published_at"`
}

// Outbox is the drain side of the transactional outbox.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
}

// PendingOutbox returns unpublished messages in insertion order.
func (es *EventStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.outbox_pending",
		trace.WithAttributes(attribute.Int("batch.size", limit)),
	)
	defer span.End()

	rows, err := es.db.QueryContext(ctx, `
		SELECT id, topic, subject, body, correlation_id, attempts, COALESCE(last_error, ''), created_at, published_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var publishedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.Topic, &m.Subject, &m.Body, &m.CorrelationID, &m.Attempts, &m.LastError, &m.CreatedAt, &publishedAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		if publishedAt.Valid {
			m.PublishedAt = &publishedAt.Time
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}

	span.SetAttributes(attribute.Int("outbox.pending", len(msgs)))
	return msgs, nil
}

// MarkPublished records broker acknowledgment of a message.
func (es *EventStore) MarkPublished(ctx context.Context, id int64) error {
	_, err := es.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = $2 WHERE id = $1 AND published_at IS NULL
	`, id, es.now())
	if err != nil {
		return fmt.Errorf("mark outbox message %d published: %w", id, err)
	}
	return nil
}

// MarkFailed bumps the attempt counter and keeps the message pending.
func (es *EventStore) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := es.db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1
	`, id, msg)
	if err != nil {
		return fmt.Errorf("mark outbox message %d failed: %w", id, err)
	}
	return nil
}
