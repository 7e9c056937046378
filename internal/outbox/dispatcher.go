// internal/outbox/dispatcher.go

// Package outbox relays committed outbox rows to the broker.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fcglibraries/internal/messaging"
	"fcglibraries/internal/platform/logger"
	"fcglibraries/pkg/eventstore"
)

// Options tunes a Dispatcher. Zero values fall back to defaults.
type Options struct {
	Interval    time.Duration
	BatchSize   int
	MaxTries    uint
	BaseBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxTries == 0 {
		o.MaxTries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	return o
}

// Dispatcher drains the outbox in insertion order. A message is marked
// published only after the broker accepted it, so delivery is at least once.
type Dispatcher struct {
	store     eventstore.Outbox
	publisher messaging.Publisher
	log       *logger.Logger
	opts      Options

	published metric.Int64Counter
	failed    metric.Int64Counter
}

func NewDispatcher(store eventstore.Outbox, publisher messaging.Publisher, log *logger.Logger, opts Options) *Dispatcher {
	meter := otel.Meter("fcglibraries/outbox")
	published, _ := meter.Int64Counter("libraries.outbox.published")
	failed, _ := meter.Int64Counter("libraries.outbox.failed")
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		log:       log.With("component", "outbox_dispatcher"),
		opts:      opts.withDefaults(),
		published: published,
		failed:    failed,
	}
}

// Run drains on every tick until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	d.log.Info("outbox dispatcher started", "interval", d.opts.Interval, "batch_size", d.opts.BatchSize)
	for {
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// DrainOnce publishes one batch. It stops at the first message the broker
// refuses so later messages never overtake it. It returns how many messages
// were published.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	pending, err := d.store.PendingOutbox(ctx, d.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending outbox: %w", err)
	}

	sent := 0
	for _, msg := range pending {
		env := Envelope(msg)
		attrs := metric.WithAttributes(attribute.String("topic", msg.Topic), attribute.String("subject", msg.Subject))

		if err := d.publish(ctx, env); err != nil {
			d.failed.Add(ctx, 1, attrs)
			d.log.Warn("outbox publish failed", "outbox_id", msg.ID, "topic", msg.Topic, "subject", msg.Subject, "correlation_id", msg.CorrelationID, "error", err)
			if markErr := d.store.MarkFailed(ctx, msg.ID, err); markErr != nil {
				return sent, markErr
			}
			return sent, nil
		}
		if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
			// the message will be published again; consumers are idempotent
			return sent, err
		}
		d.published.Add(ctx, 1, attrs)
		d.log.Debug("outbox message published", "outbox_id", msg.ID, "topic", msg.Topic, "subject", msg.Subject, "correlation_id", msg.CorrelationID)
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) publish(ctx context.Context, env messaging.Envelope) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.BaseBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.publisher.Publish(ctx, env)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.opts.MaxTries))
	return err
}

// Envelope converts an outbox row to the broker message. The envelope id is
// derived from the row id so redelivered copies are recognizable.
func Envelope(msg eventstore.OutboxMessage) messaging.Envelope {
	return messaging.Envelope{
		ID:            fmt.Sprintf("outbox-%d", msg.ID),
		Topic:         msg.Topic,
		Subject:       msg.Subject,
		Body:          msg.Body,
		CorrelationID: msg.CorrelationID,
	}
}
