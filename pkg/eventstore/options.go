package eventstore

// Claim reserves a unique key (for example a natural key of an aggregate)
// for the lifetime of a stream.
type Claim struct {
	Scope string
	Key   string
}

type appendConfig struct {
	correlationID string
	outbox        []OutboxMessage
	claims        []Claim
	releases      []Claim
}

// AppendOption adds work to the append transaction.
type AppendOption func(*appendConfig)

// WithCorrelationID stamps the appended events with a correlation id.
func WithCorrelationID(id string) AppendOption {
	return func(c *appendConfig) { c.correlationID = id }
}

// WithOutbox writes integration messages in the same transaction as the events.
func WithOutbox(msgs ...OutboxMessage) AppendOption {
	return func(c *appendConfig) { c.outbox = append(c.outbox, msgs...) }
}

// WithClaim inserts a uniqueness claim owned by the stream. The append fails
// with ErrClaimTaken when another stream already holds it.
func WithClaim(scope, key string) AppendOption {
	return func(c *appendConfig) { c.claims = append(c.claims, Claim{Scope: scope, Key: key}) }
}

// WithReleaseClaim drops a claim held by the stream.
func WithReleaseClaim(scope, key string) AppendOption {
	return func(c *appendConfig) { c.releases = append(c.releases, Claim{Scope: scope, Key: key}) }
}

func newAppendConfig(opts []AppendOption) appendConfig {
	var cfg appendConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	for i := range cfg.outbox {
		if cfg.outbox[i].CorrelationID == "" {
			cfg.outbox[i].CorrelationID = cfg.correlationID
		}
	}
	return cfg
}
