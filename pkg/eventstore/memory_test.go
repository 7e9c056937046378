package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMemoryStaleAppendNeverOverwrites(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := NewMemoryStore()
		ctx := context.Background()
		id := uuid.New()

		n := rapid.IntRange(1, 10).Draw(t, "events")
		for i := 0; i < n; i++ {
			_, err := store.AppendEvents(ctx, id, "agg", i, []Event{{EventType: "E", EventData: json.RawMessage(`{}`)}})
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		stale := rapid.IntRange(0, n-1).Draw(t, "stale")
		_, err := store.AppendEvents(ctx, id, "agg", stale, []Event{{EventType: "Stale", EventData: json.RawMessage(`{}`)}})
		if !errors.Is(err, ErrConcurrencyConflict) {
			t.Fatalf("expected conflict for stale version %d of %d, got %v", stale, n, err)
		}

		events, _ := store.LoadEvents(ctx, id, 0, 0)
		if len(events) != n {
			t.Fatalf("stream length changed: %d != %d", len(events), n)
		}
		for i, e := range events {
			if e.EventType == "Stale" || e.Version != i+1 {
				t.Fatalf("unexpected event at %d: %+v", i, e)
			}
		}
	})
}

func TestMemoryClaims(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	_, err := store.AppendEvents(ctx, a, "agg", 0, []Event{{EventType: "Created"}}, WithClaim("pair", "u:g"))
	require.NoError(t, err)

	_, err = store.AppendEvents(ctx, b, "agg", 0, []Event{{EventType: "Created"}}, WithClaim("pair", "u:g"))
	require.ErrorIs(t, err, ErrClaimTaken)

	v, err := store.GetCurrentVersion(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, v)

	_, err = store.AppendEvents(ctx, a, "agg", 1, []Event{{EventType: "Deleted"}}, WithReleaseClaim("pair", "u:g"))
	require.NoError(t, err)

	_, err = store.AppendEvents(ctx, b, "agg", 0, []Event{{EventType: "Created"}}, WithClaim("pair", "u:g"))
	assert.NoError(t, err)
}

func TestMemoryOutboxLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.AppendEvents(ctx, uuid.New(), "agg", 0, []Event{{EventType: "Created"}},
		WithCorrelationID("corr"),
		WithOutbox(OutboxMessage{Topic: "T", Subject: "Created", Body: json.RawMessage(`{}`)}),
	)
	require.NoError(t, err)

	pending, err := store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "corr", pending[0].CorrelationID)

	require.NoError(t, store.MarkFailed(ctx, pending[0].ID, errors.New("broker down")))
	pending, err = store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	require.NoError(t, store.MarkPublished(ctx, pending[0].ID))
	pending, err = store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryStreamEventsCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.AppendEvents(ctx, uuid.New(), "agg", 0, []Event{{EventType: "Created"}})
		require.NoError(t, err)
	}

	first, err := store.StreamEvents(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	rest, err := store.StreamEvents(ctx, first[2].ID, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestMemoryStreamEventsDefaultsBatchSize(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < DefaultBatchSize+1; i++ {
		_, err := store.AppendEvents(ctx, uuid.New(), "agg", 0, []Event{{EventType: "Created"}})
		require.NoError(t, err)
	}

	for _, size := range []int{0, -1} {
		batch, err := store.StreamEvents(ctx, 0, size)
		require.NoError(t, err)
		assert.Len(t, batch, DefaultBatchSize)
	}
}

func TestMemoryClaimedStreams(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	for id, key := range map[uuid.UUID]string{a: "u1:g1", b: "u1:g2", c: "u2:g1"} {
		_, err := store.AppendEvents(ctx, id, "agg", 0, []Event{{EventType: "Created"}}, WithClaim("pair", key))
		require.NoError(t, err)
	}
	_, err := store.AppendEvents(ctx, uuid.New(), "agg", 0, []Event{{EventType: "Created"}}, WithClaim("other", "u1:g1"))
	require.NoError(t, err)

	tests := []struct {
		prefix, suffix string
		want           []uuid.UUID
	}{
		{"u1:", "", []uuid.UUID{a, b}},
		{"", ":g1", []uuid.UUID{a, c}},
		{"u2:", ":g2", nil},
		{"", "", []uuid.UUID{a, b, c}},
	}
	for _, tt := range tests {
		got, err := store.ClaimedStreams(ctx, "pair", tt.prefix, tt.suffix)
		require.NoError(t, err)
		assert.ElementsMatch(t, tt.want, got, "%q %q", tt.prefix, tt.suffix)
	}

	_, err = store.AppendEvents(ctx, a, "agg", 1, []Event{{EventType: "Deleted"}}, WithReleaseClaim("pair", "u1:g1"))
	require.NoError(t, err)
	got, err := store.ClaimedStreams(ctx, "pair", "u1:", "")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b}, got)
}
