// internal/messaging/processor.go
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"fcglibraries/internal/platform/ctxutil"
	"fcglibraries/internal/platform/logger"
)

// Outcome labels what happened to a delivery.
type Outcome string

const (
	OutcomeHandled      Outcome = "handled"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeRetry        Outcome = "retry"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// ProcessorOptions tunes a Processor. Zero values fall back to defaults.
type ProcessorOptions struct {
	MaxConcurrent int
	Prefetch      int
	MaxDeliveries int
	// ErrorBackoff is the pause after a failed fetch.
	ErrorBackoff time.Duration
}

func (o ProcessorOptions) withDefaults() ProcessorOptions {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.Prefetch <= 0 {
		o.Prefetch = 20
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 10
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = time.Second
	}
	return o
}

// Processor is the receive loop of one topic subscription.
type Processor struct {
	topic      string
	source     Source
	router     *Router
	deadLetter Publisher
	log        *logger.Logger
	opts       ProcessorOptions

	tracer   trace.Tracer
	messages metric.Int64Counter
}

func NewProcessor(topic string, source Source, router *Router, deadLetter Publisher, log *logger.Logger, opts ProcessorOptions) *Processor {
	meter := otel.Meter("fcglibraries/messaging")
	messages, _ := meter.Int64Counter("libraries.consumer.messages",
		metric.WithDescription("Deliveries processed by outcome"),
	)
	return &Processor{
		topic:      topic,
		source:     source,
		router:     router,
		deadLetter: deadLetter,
		log:        log.With("component", "processor", "topic", topic),
		opts:       opts.withDefaults(),
		tracer:     otel.Tracer("fcglibraries/messaging"),
		messages:   messages,
	}
}

// Run polls until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("consumer started", "subjects", p.router.Subjects(), "max_concurrent", p.opts.MaxConcurrent, "prefetch", p.opts.Prefetch)
	defer p.log.Info("consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Error("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.opts.ErrorBackoff):
			}
		}
	}
}

// Poll fetches one batch and processes it with bounded concurrency. It
// returns the number of deliveries seen.
func (p *Processor) Poll(ctx context.Context) (int, error) {
	batch, err := p.source.Fetch(ctx, p.opts.Prefetch)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(p.opts.MaxConcurrent)
	for _, d := range batch {
		d := d
		g.Go(func() error {
			p.Process(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

// Process dispatches one delivery and settles it. It never panics on bad
// input and never returns an error: every failure ends in a log line and
// either an ack or a nack.
func (p *Processor) Process(ctx context.Context, d Delivery) Outcome {
	env := d.Envelope()
	log := p.log.With(
		"subject", env.Subject,
		"message_id", env.ID,
		"correlation_id", env.CorrelationID,
		"attempt", env.Attempt,
	)

	ctx = ctxutil.WithCorrelationID(ctx, env.CorrelationID)
	ctx, span := p.tracer.Start(ctx, "consumer.process", trace.WithAttributes(
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.subject", env.Subject),
		attribute.String("correlation.id", env.CorrelationID),
		attribute.Int("messaging.attempt", env.Attempt),
	))
	defer span.End()

	log.Info("message received")

	outcome := p.settle(ctx, d, env, p.dispatch(ctx, env), log)
	if outcome == OutcomeRetry || outcome == OutcomeDeadLettered {
		span.SetStatus(codes.Error, string(outcome))
	}
	p.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", p.topic),
		attribute.String("subject", env.Subject),
		attribute.String("outcome", string(outcome)),
	))
	return outcome
}

func (p *Processor) dispatch(ctx context.Context, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(panicError{value: r})
		}
	}()
	return p.router.Dispatch(ctx, env)
}

func (p *Processor) settle(ctx context.Context, d Delivery, env Envelope, err error, log *logger.Logger) Outcome {
	switch {
	case err == nil:
		p.ack(ctx, d, log)
		return OutcomeHandled

	case errors.Is(err, ErrUnknownSubject):
		log.Warn("unknown subject, skipping")
		p.ack(ctx, d, log)
		return OutcomeSkipped

	case IsPermanent(err):
		log.Error("message rejected", "error", err)
		return p.deadLetterOrRetry(ctx, d, env, err, log)

	case env.Attempt >= p.opts.MaxDeliveries:
		log.Error("delivery limit reached", "error", err, "max_deliveries", p.opts.MaxDeliveries)
		return p.deadLetterOrRetry(ctx, d, env, err, log)

	default:
		log.Warn("handler failed, leaving for redelivery", "error", err)
		p.nack(ctx, d, log)
		return OutcomeRetry
	}
}

func (p *Processor) deadLetterOrRetry(ctx context.Context, d Delivery, env Envelope, cause error, log *logger.Logger) Outcome {
	if p.deadLetter != nil {
		dl := env
		dl.Topic = DeadLetterTopic(p.topic)
		dl.Reason = cause.Error()
		if err := p.deadLetter.Publish(ctx, dl); err != nil {
			log.Error("dead-letter publish failed, leaving for redelivery", "error", err)
			p.nack(ctx, d, log)
			return OutcomeRetry
		}
	}
	p.ack(ctx, d, log)
	return OutcomeDeadLettered
}

func (p *Processor) ack(ctx context.Context, d Delivery, log *logger.Logger) {
	if err := d.Ack(ctx); err != nil {
		log.Error("ack failed, message will be redelivered", "error", err)
	}
}

func (p *Processor) nack(ctx context.Context, d Delivery, log *logger.Logger) {
	if err := d.Nack(ctx); err != nil {
		log.Error("nack failed", "error", err)
	}
}

type panicError struct{ value interface{} }

func (e panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }
