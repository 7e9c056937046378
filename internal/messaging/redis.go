// internal/messaging/redis.go
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"fcglibraries/internal/platform/logger"
)

const (
	fieldID            = "id"
	fieldSubject       = "subject"
	fieldBody          = "body"
	fieldCorrelationID = "correlation_id"
	fieldReason        = "reason"
)

// RedisBroker carries topics as Redis streams, one stream per topic, and
// subscriptions as stream consumer groups.
type RedisBroker struct {
	rdb *goredis.Client
	log *logger.Logger
}

// NewRedisBroker connects and pings addr.
func NewRedisBroker(ctx context.Context, addr string, log *logger.Logger) (*RedisBroker, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBroker{rdb: rdb, log: log.With("component", "redis_broker")}, nil
}

func (b *RedisBroker) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	if env.Topic == "" {
		return fmt.Errorf("publish %q: empty topic", env.Subject)
	}
	values := map[string]interface{}{
		fieldID:            env.ID,
		fieldSubject:       env.Subject,
		fieldBody:          string(env.Body),
		fieldCorrelationID: env.CorrelationID,
	}
	if env.Reason != "" {
		values[fieldReason] = env.Reason
	}
	if err := b.rdb.XAdd(ctx, &goredis.XAddArgs{Stream: env.Topic, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", env.Topic, err)
	}
	return nil
}

// RedisSourceOptions configures one consumer of a group.
type RedisSourceOptions struct {
	Group    string
	Consumer string
	// Block bounds how long Fetch waits for new entries.
	Block time.Duration
	// ClaimIdle is how long an unacked entry stays with its consumer before
	// any consumer of the group may take it over.
	ClaimIdle time.Duration
}

// Source creates the consumer group on topic if needed. A new group reads
// the stream from its beginning.
func (b *RedisBroker) Source(ctx context.Context, topic string, opts RedisSourceOptions) (*RedisSource, error) {
	if opts.Group == "" || opts.Consumer == "" {
		return nil, fmt.Errorf("redis source %s: group and consumer are required", topic)
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = 30 * time.Second
	}

	err := b.rdb.XGroupCreateMkStream(ctx, topic, opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %w", opts.Group, topic, err)
	}
	return &RedisSource{rdb: b.rdb, topic: topic, opts: opts, cursor: "0-0"}, nil
}

// RedisSource is a consumer-group reader. Unacked entries remain pending and
// are reclaimed once idle for ClaimIdle.
type RedisSource struct {
	rdb    *goredis.Client
	topic  string
	opts   RedisSourceOptions
	cursor string
}

func (s *RedisSource) Fetch(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}

	reclaimed, err := s.reclaim(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams, err := s.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		Streams:  []string{s.topic, ">"},
		Count:    int64(max),
		Block:    s.opts.Block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", s.topic, err)
	}

	var out []Delivery
	for _, st := range streams {
		for _, m := range st.Messages {
			out = append(out, s.delivery(m, 1))
		}
	}
	return out, nil
}

func (s *RedisSource) reclaim(ctx context.Context, max int) ([]Delivery, error) {
	msgs, next, err := s.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   s.topic,
		Group:    s.opts.Group,
		Consumer: s.opts.Consumer,
		MinIdle:  s.opts.ClaimIdle,
		Start:    s.cursor,
		Count:    int64(max),
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s: %w", s.topic, err)
	}
	s.cursor = next
	if next == "" {
		s.cursor = "0-0"
	}

	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, s.delivery(m, s.deliveryCount(ctx, m.ID)))
	}
	return out, nil
}

func (s *RedisSource) deliveryCount(ctx context.Context, id string) int {
	pending, err := s.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: s.topic,
		Group:  s.opts.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}
	return int(pending[0].RetryCount)
}

func (s *RedisSource) delivery(m goredis.XMessage, attempt int) Delivery {
	env := Envelope{
		ID:            stringField(m.Values, fieldID),
		Topic:         s.topic,
		Subject:       stringField(m.Values, fieldSubject),
		Body:          []byte(stringField(m.Values, fieldBody)),
		CorrelationID: stringField(m.Values, fieldCorrelationID),
		Reason:        stringField(m.Values, fieldReason),
		Attempt:       attempt,
	}
	if env.ID == "" {
		env.ID = m.ID
	}
	return &redisDelivery{source: s, streamID: m.ID, env: env}
}

func stringField(values map[string]interface{}, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

type redisDelivery struct {
	source   *RedisSource
	streamID string
	env      Envelope
}

func (d *redisDelivery) Envelope() Envelope { return d.env }

func (d *redisDelivery) Ack(ctx context.Context) error {
	s := d.source
	if err := s.rdb.XAck(ctx, s.topic, s.opts.Group, d.streamID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", s.topic, d.streamID, err)
	}
	return nil
}

// Nack leaves the entry pending; it is reclaimed after ClaimIdle.
func (d *redisDelivery) Nack(ctx context.Context) error { return nil }
