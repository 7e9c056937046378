package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerGroupsSeeEveryMessage(t *testing.T) {
	b := NewMemoryBroker(10 * time.Millisecond)
	ctx := context.Background()

	early := b.Source("Users", "a")
	require.NoError(t, b.Publish(ctx, Envelope{Topic: "Users", Subject: "UserDeleted"}))
	late := b.Source("Users", "b")

	for _, src := range []Source{early, late} {
		batch, err := src.Fetch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, "UserDeleted", batch[0].Envelope().Subject)
		assert.Equal(t, 1, batch[0].Envelope().Attempt)
	}
}

func TestMemoryBrokerNackRedelivers(t *testing.T) {
	b := NewMemoryBroker(10 * time.Millisecond)
	ctx := context.Background()
	src := b.Source("Payments", "libraries")
	require.NoError(t, b.Publish(ctx, Envelope{Topic: "Payments", Subject: "PaymentApprovedEvent"}))

	batch, err := src.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, batch[0].Nack(ctx))

	batch, err = src.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 2, batch[0].Envelope().Attempt)
	require.NoError(t, batch[0].Ack(ctx))

	assert.Zero(t, b.Pending("Payments", "libraries"))
	batch, err = src.Fetch(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestMemoryBrokerDuplicateFault(t *testing.T) {
	b := NewMemoryBroker(10 * time.Millisecond)
	b.SetFaults(Faults{DuplicateRate: 1})
	ctx := context.Background()
	src := b.Source("Games", "libraries")

	require.NoError(t, b.Publish(ctx, Envelope{Topic: "Games", Subject: "GameDeleted"}))

	batch, err := src.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, batch[0].Envelope().ID, batch[1].Envelope().ID)
	assert.Len(t, b.Published("Games"), 1)
}

func TestMemoryBrokerFetchHonorsContext(t *testing.T) {
	b := NewMemoryBroker(time.Second)
	src := b.Source("Games", "libraries")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Fetch(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
