package library

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fcglibraries/internal/clients"
	"fcglibraries/internal/messaging"
	"fcglibraries/internal/outbox"
	"fcglibraries/internal/platform/logger"
	"fcglibraries/pkg/eventstore"
)

type fakeUsers struct {
	mu    sync.Mutex
	known map[uuid.UUID]bool
	err   error
}

func (f *fakeUsers) add(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[id] = true
}

func (f *fakeUsers) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.known[id], nil
}

type fakeCatalog struct {
	mu    sync.Mutex
	games map[uuid.UUID]*clients.Game
	err   error
}

func (f *fakeCatalog) add(id uuid.UUID, price *float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games[id] = &clients.Game{ID: id, Price: price}
}

func (f *fakeCatalog) GetGame(_ context.Context, id uuid.UUID) (*clients.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	g, ok := f.games[id]
	if !ok {
		return nil, clients.ErrNotFound
	}
	return g, nil
}

func price(v float64) *float64 { return &v }

func ptype(p PaymentType) *PaymentType { return &p }

// harness wires the service to in-memory infrastructure: commands append to
// the store, the dispatcher moves the outbox to the broker, and one processor
// per topic consumes it.
type harness struct {
	ctx        context.Context
	store      *eventstore.MemoryStore
	projection *MemoryProjection
	users      *fakeUsers
	catalog    *fakeCatalog
	svc        Service
	projector  *Projector
	broker     *messaging.MemoryBroker
	dispatcher *outbox.Dispatcher
	processors []*messaging.Processor
}

// testingT is satisfied by both *testing.T and *rapid.T.
type testingT interface {
	require.TestingT
	Helper()
	Fatalf(format string, args ...interface{})
}

func newHarness(t testingT) *harness {
	t.Helper()
	log := logger.Nop()
	h := &harness{
		ctx:        context.Background(),
		store:      eventstore.NewMemoryStore(),
		projection: NewMemoryProjection(),
		users:      &fakeUsers{known: make(map[uuid.UUID]bool)},
		catalog:    &fakeCatalog{games: make(map[uuid.UUID]*clients.Game)},
		broker:     messaging.NewMemoryBroker(2 * time.Millisecond),
	}
	h.svc = NewService(h.store, h.projection, h.users, h.catalog, log, Options{CreateRatePerSecond: 1000, CreateBurst: 1000})
	h.projector = NewProjector(h.store, h.projection, log)
	h.dispatcher = outbox.NewDispatcher(h.store, h.broker, log, outbox.Options{MaxTries: 1, BaseBackoff: time.Millisecond})

	consumers := NewConsumers(h.svc, h.projector, log)
	for _, sub := range []struct {
		topic  string
		router func() (*messaging.Router, error)
	}{
		{"Libraries", consumers.LibrariesRouter},
		{"Users", consumers.UsersRouter},
		{"Games", consumers.GamesRouter},
		{"Payments", consumers.PaymentsRouter},
	} {
		router, err := sub.router()
		require.NoError(t, err)
		src := h.broker.Source(sub.topic, "libraries")
		h.processors = append(h.processors, messaging.NewProcessor(sub.topic, src, router, h.broker, log, messaging.ProcessorOptions{MaxDeliveries: 5}))
	}
	return h
}

// knownPair registers a user and a game with the fake remotes.
func (h *harness) knownPair(gamePrice *float64) (uuid.UUID, uuid.UUID) {
	userID, gameID := uuid.New(), uuid.New()
	h.users.add(userID)
	h.catalog.add(gameID, gamePrice)
	return userID, gameID
}

func (h *harness) publish(t testingT, topic, subject string, body interface{}) {
	t.Helper()
	env, err := messaging.NewEnvelope(topic, subject, "corr-"+subject, body)
	require.NoError(t, err)
	require.NoError(t, h.broker.Publish(h.ctx, env))
}

// settle drains the outbox and runs every processor until nothing moves.
func (h *harness) settle(t testingT) {
	t.Helper()
	for i := 0; i < 200; i++ {
		moved, err := h.dispatcher.DrainOnce(h.ctx)
		require.NoError(t, err)
		for _, p := range h.processors {
			n, err := p.Poll(h.ctx)
			require.NoError(t, err)
			moved += n
		}
		if moved == 0 {
			return
		}
	}
	t.Fatalf("pipeline did not settle")
}

func (h *harness) rows(t testingT) []Item {
	t.Helper()
	rows, err := h.projection.GetAll(h.ctx)
	require.NoError(t, err)
	return rows
}

func (h *harness) deadLetters(topic string) []messaging.Envelope {
	return h.broker.Published(messaging.DeadLetterTopic(topic))
}
