package eventstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store and Outbox. Appends are serialized by a
// mutex, which gives the same all-or-nothing semantics as the SQL transaction.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[uuid.UUID][]Event
	global  []Event
	claims  map[Claim]uuid.UUID
	outbox  []OutboxMessage
	seq     int64
	outSeq  int64
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[uuid.UUID][]Event),
		claims:  make(map[Claim]uuid.UUID),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event, opts ...AppendOption) (int, error) {
	if expectedVersion < 0 {
		return 0, ErrInvalidVersion
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cfg := newAppendConfig(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	if len(stream) != expectedVersion {
		return 0, ErrConcurrencyConflict
	}

	for _, c := range cfg.claims {
		if owner, ok := s.claims[c]; ok && !(owner == aggregateID && releasedIn(cfg.releases, c)) {
			return 0, fmt.Errorf("%w: %s/%s", ErrClaimTaken, c.Scope, c.Key)
		}
	}

	now := s.now()
	version := expectedVersion
	for _, e := range events {
		s.seq++
		version++
		e.ID = s.seq
		e.AggregateID = aggregateID
		e.AggregateType = aggregateType
		e.Version = version
		e.CorrelationID = cfg.correlationID
		e.CreatedAt = now
		stream = append(stream, e)
		s.global = append(s.global, e)
	}
	s.streams[aggregateID] = stream

	for _, c := range cfg.releases {
		if s.claims[c] == aggregateID {
			delete(s.claims, c)
		}
	}
	for _, c := range cfg.claims {
		s.claims[c] = aggregateID
	}
	for _, m := range cfg.outbox {
		s.outSeq++
		m.ID = s.outSeq
		m.CreatedAt = now
		s.outbox = append(s.outbox, m)
	}

	return version, nil
}

func releasedIn(releases []Claim, c Claim) bool {
	for _, r := range releases {
		if r == c {
			return true
		}
	}
	return false
}

func (s *MemoryStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.streams[aggregateID] {
		if e.Version < fromVersion || (toVersion > 0 && e.Version > toVersion) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[aggregateID]), nil
}

func (s *MemoryStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.global {
		if e.ID <= fromID {
			continue
		}
		out = append(out, e)
		if len(out) == batchSize {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimedStreams(ctx context.Context, scope, keyPrefix, keySuffix string) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for c, owner := range s.claims {
		if c.Scope == scope && strings.HasPrefix(c.Key, keyPrefix) && strings.HasSuffix(c.Key, keySuffix) {
			ids = append(ids, owner)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (s *MemoryStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OutboxMessage
	for _, m := range s.outbox {
		if m.PublishedAt != nil {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id && s.outbox[i].PublishedAt == nil {
			t := s.now()
			s.outbox[i].PublishedAt = &t
		}
	}
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id int64, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].Attempts++
			if cause != nil {
				s.outbox[i].LastError = cause.Error()
			}
		}
	}
	return nil
}

// Outbox returns a copy of every outbox message, published or not.
func (s *MemoryStore) Outbox() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OutboxMessage(nil), s.outbox...)
}
