package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
	ErrClaimTaken          = errors.New("claim already taken")
)

const uniqueViolation = "23505"

// DefaultBatchSize is used by StreamEvents when the batch size is not positive.
const DefaultBatchSize = 500

// Event represents a domain event with full metadata
type Event struct {
	ID            int64                  `json:"id" db:"id"`
	AggregateID   uuid.UUID              `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type" db:"aggregate_type"`
	EventType     string                 `json:"event_type" db:"event_type"`
	EventData     json.RawMessage        `json:"event_data" db:"event_data"`
	Metadata      map[string]interface{} `json:"metadata" db:"metadata"`
	Version       int                    `json:"version" db:"version"`
	CorrelationID string                 `json:"correlation_id" db:"correlation_id"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// Store is the append-only, per-aggregate event log.
type Store interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event, opts ...AppendOption) (int, error)
	LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error)
	GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)
	StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error)
	// ClaimedStreams lists the streams holding a claim of scope whose key
	// starts with keyPrefix and ends with keySuffix. Empty affixes match any key.
	ClaimedStreams(ctx context.Context, scope, keyPrefix, keySuffix string) ([]uuid.UUID, error)
}

// EventStore provides ACID guarantees for event sourcing on PostgreSQL
type EventStore struct {
	db     *sql.DB
	tracer trace.Tracer
	now    func() time.Time
}

// NewEventStore creates a new event store with connection pooling
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("fcglibraries/eventstore"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AppendEvents atomically appends events with optimistic concurrency control.
//
// Each insert is conditional on the stream's current maximum version, so the
// check and the write are a single statement. The UNIQUE(aggregate_id, version)
// constraint catches writers that raced past the condition. Outbox rows and
// claims passed as options commit or roll back together with the events.
// It returns the committed stream version.
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event, opts ...AppendOption) (int, error) {
	if expectedVersion < 0 {
		return 0, ErrInvalidVersion
	}
	cfg := newAppendConfig(opts)

	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
			attribute.Int("outbox.count", len(cfg.outbox)),
			attribute.String("correlation.id", cfg.correlationID),
		),
	)
	defer span.End()

	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, metadata, version, correlation_id, created_at)
		SELECT $1::uuid, $2::text, $3::text, $4::jsonb, $5::jsonb, $6::int, $7::text, $8::timestamptz
		WHERE (SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1::uuid) = $9::int
		RETURNING id
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := es.now()
	version := expectedVersion
	for i, event := range events {
		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata %d: %w", i, err)
		}

		var eventID int64
		err = stmt.QueryRowContext(
			ctx,
			aggregateID,
			aggregateType,
			event.EventType,
			[]byte(event.EventData),
			metadataJSON,
			version+1,
			cfg.correlationID,
			now,
			version,
		).Scan(&eventID)

		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
			return 0, ErrConcurrencyConflict
		}
		if err != nil {
			return 0, fmt.Errorf("insert event %d: %w", i, err)
		}
		version++

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", eventID),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}

	for _, c := range cfg.releases {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM stream_claims
			WHERE scope = $1 AND claim_key = $2 AND aggregate_id = $3
		`, c.Scope, c.Key, aggregateID); err != nil {
			return 0, fmt.Errorf("release claim %s/%s: %w", c.Scope, c.Key, err)
		}
	}

	for _, c := range cfg.claims {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stream_claims (scope, claim_key, aggregate_id, created_at)
			VALUES ($1, $2, $3, $4)
		`, c.Scope, c.Key, aggregateID, now)
		if isUniqueViolation(err) {
			span.SetAttributes(attribute.Bool("claim.taken", true))
			return 0, fmt.Errorf("%w: %s/%s", ErrClaimTaken, c.Scope, c.Key)
		}
		if err != nil {
			return 0, fmt.Errorf("insert claim %s/%s: %w", c.Scope, c.Key, err)
		}
	}

	for _, m := range cfg.outbox {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (topic, subject, body, correlation_id, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, m.Topic, m.Subject, []byte(m.Body), m.CorrelationID, now); err != nil {
			return 0, fmt.Errorf("insert outbox message %s: %w", m.Subject, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConcurrencyConflict
		}
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("append.success", true),
		attribute.Int("committed.version", version),
	)
	return version, nil
}

// LoadEvents retrieves all events for an aggregate with optional version range
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, correlation_id, created_at
		FROM events
		WHERE aggregate_id = $1
		AND version >= $2
	`

	args := []interface{}{aggregateID, fromVersion}

	if toVersion > 0 {
		query += " AND version <= $3"
		args = append(args, toVersion)
	}

	query += " ORDER BY version ASC"

	rows, err := es.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// GetCurrentVersion returns the latest version for an aggregate
func (es *EventStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
		),
	)
	defer span.End()

	var version int
	err := es.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM events
		WHERE aggregate_id = $1
	`, aggregateID).Scan(&version)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query version: %w", err)
	}

	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

// StreamEvents provides a cursor-based event stream for projections
func (es *EventStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	rows, err := es.db.QueryContext(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, correlation_id, created_at
		FROM events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

// ClaimedStreams reads stream_claims, which is written in the same
// transaction as the events, so a committed stream is visible here before
// any projection of it.
func (es *EventStore) ClaimedStreams(ctx context.Context, scope, keyPrefix, keySuffix string) ([]uuid.UUID, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.claimed_streams",
		trace.WithAttributes(
			attribute.String("claim.scope", scope),
			attribute.String("claim.prefix", keyPrefix),
			attribute.String("claim.suffix", keySuffix),
		),
	)
	defer span.End()

	rows, err := es.db.QueryContext(ctx, `
		SELECT aggregate_id
		FROM stream_claims
		WHERE scope = $1
		  AND left(claim_key, length($2::text)) = $2::text
		  AND right(claim_key, length($3::text)) = $3::text
		ORDER BY created_at ASC, aggregate_id ASC
	`, scope, keyPrefix, keySuffix)
	if err != nil {
		return nil, fmt.Errorf("query claims %s: %w", scope, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	span.SetAttributes(attribute.Int("claims.found", len(ids)))
	return ids, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var event Event
		var metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&event.EventData,
			&metadataJSON,
			&event.Version,
			&event.CorrelationID,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", event.ID, err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
