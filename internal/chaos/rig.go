// internal/chaos/rig.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fcglibraries/internal/clients"
	"fcglibraries/internal/library"
	"fcglibraries/internal/messaging"
	"fcglibraries/internal/outbox"
	"fcglibraries/internal/platform/logger"
	"fcglibraries/pkg/eventstore"
)

var topics = []string{"Libraries", "Users", "Games", "Payments"}

const consumerGroup = "libraries"

// ErrBrokerDown is returned by the broker while an outage is injected.
var ErrBrokerDown = errors.New("broker unreachable")

// directory is the users and catalog services of the rig.
type directory struct {
	mu    sync.RWMutex
	users map[uuid.UUID]bool
	games map[uuid.UUID]*float64
}

func (d *directory) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.users[id], nil
}

func (d *directory) GetGame(_ context.Context, id uuid.UUID) (*clients.Game, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	price, ok := d.games[id]
	if !ok {
		return nil, clients.ErrNotFound
	}
	return &clients.Game{ID: id, Price: price}, nil
}

// flakyBroker fails every publish while down is set.
type flakyBroker struct {
	*messaging.MemoryBroker
	down atomic.Bool
}

func (b *flakyBroker) Publish(ctx context.Context, env messaging.Envelope) error {
	if b.down.Load() {
		return ErrBrokerDown
	}
	return b.MemoryBroker.Publish(ctx, env)
}

// RigOptions sizes the rig.
type RigOptions struct {
	Users int
	Games int
	// OutboxInterval is the dispatcher tick.
	OutboxInterval time.Duration
}

// Rig is the service wired to in-memory infrastructure, with knobs to
// perturb the broker.
type Rig struct {
	Store      *eventstore.MemoryStore
	Projection *library.MemoryProjection
	Service    library.Service
	Projector  *library.Projector

	broker     *flakyBroker
	dispatcher *outbox.Dispatcher
	processors []*messaging.Processor
	dir        *directory
	users      []uuid.UUID
	games      []uuid.UUID
	log        *logger.Logger
}

func NewRig(log *logger.Logger, opts RigOptions) (*Rig, error) {
	if opts.Users <= 0 {
		opts.Users = 20
	}
	if opts.Games <= 0 {
		opts.Games = 20
	}
	if opts.OutboxInterval <= 0 {
		opts.OutboxInterval = 20 * time.Millisecond
	}

	r := &Rig{
		Store:      eventstore.NewMemoryStore(),
		Projection: library.NewMemoryProjection(),
		broker:     &flakyBroker{MemoryBroker: messaging.NewMemoryBroker(20 * time.Millisecond)},
		dir:        &directory{users: make(map[uuid.UUID]bool), games: make(map[uuid.UUID]*float64)},
		log:        log.With("component", "rig"),
	}
	for i := 0; i < opts.Users; i++ {
		id := uuid.New()
		r.dir.users[id] = true
		r.users = append(r.users, id)
	}
	for i := 0; i < opts.Games; i++ {
		id := uuid.New()
		price := float64(rand.IntN(20000)) / 100
		r.dir.games[id] = &price
		r.games = append(r.games, id)
	}

	r.Service = library.NewService(r.Store, r.Projection, r.dir, r.dir, log, library.Options{
		CreateRatePerSecond: 10000,
		CreateBurst:         10000,
		ConflictRetries:     10,
	})
	r.Projector = library.NewProjector(r.Store, r.Projection, log)
	r.dispatcher = outbox.NewDispatcher(r.Store, r.broker, log, outbox.Options{
		Interval:    opts.OutboxInterval,
		MaxTries:    2,
		BaseBackoff: 5 * time.Millisecond,
	})

	consumers := library.NewConsumers(r.Service, r.Projector, log)
	routers := map[string]func() (*messaging.Router, error){
		"Libraries": consumers.LibrariesRouter,
		"Users":     consumers.UsersRouter,
		"Games":     consumers.GamesRouter,
		"Payments":  consumers.PaymentsRouter,
	}
	for _, topic := range topics {
		router, err := routers[topic]()
		if err != nil {
			return nil, fmt.Errorf("%s router: %w", topic, err)
		}
		src := r.broker.Source(topic, consumerGroup)
		// dead letters bypass the outage so a failed publish never loops
		r.processors = append(r.processors, messaging.NewProcessor(topic, src, router, r.broker.MemoryBroker, log, messaging.ProcessorOptions{
			MaxConcurrent: 8,
			MaxDeliveries: 20,
			ErrorBackoff:  50 * time.Millisecond,
		}))
	}
	return r, nil
}

// Run drives the dispatcher and every processor until ctx is cancelled.
func (r *Rig) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.dispatcher.Run(ctx) })
	for _, p := range r.processors {
		g.Go(func() error { return p.Run(ctx) })
	}
	return g.Wait()
}

func (r *Rig) SetFaults(f messaging.Faults) { r.broker.SetFaults(f) }

// SetBrokerDown makes outbox publishes fail until called with false.
func (r *Rig) SetBrokerDown(down bool) { r.broker.down.Store(down) }

// Backlog counts unpublished outbox rows plus unacknowledged deliveries.
func (r *Rig) Backlog(ctx context.Context) (int, error) {
	pending, err := r.Store.PendingOutbox(ctx, 0)
	if err != nil {
		return 0, err
	}
	n := len(pending)
	for _, t := range topics {
		n += r.broker.Pending(t, consumerGroup)
	}
	return n, nil
}

// Quiesce waits until the backlog is empty.
func (r *Rig) Quiesce(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		n, err := r.Backlog(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("backlog of %d not drained: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Drift counts differences between replayed streams and the projection.
func (r *Rig) Drift(ctx context.Context) (int, error) {
	drift, err := r.Projector.Verify(ctx, 500)
	if err != nil {
		return 0, err
	}
	for _, d := range drift {
		r.log.Debug("projection drift", "item_id", d.ItemID, "kind", d.Kind)
	}
	return len(drift), nil
}

// DeadLetters counts messages sent to any dead-letter topic.
func (r *Rig) DeadLetters() int {
	n := 0
	for _, t := range topics {
		n += len(r.broker.Published(messaging.DeadLetterTopic(t)))
	}
	return n
}

// DoubleTransitions counts items whose stream holds more than one status
// change.
func (r *Rig) DoubleTransitions(ctx context.Context) (int, error) {
	counts := make(map[uuid.UUID]int)
	var cursor int64
	for {
		batch, err := r.Store.StreamEvents(ctx, cursor, 500)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			cursor = e.ID
			if e.EventType == library.EventItemStatusUpdated {
				counts[e.AggregateID]++
			}
		}
	}
	n := 0
	for _, c := range counts {
		if c > 1 {
			n++
		}
	}
	return n, nil
}

// CreateItems requests n items for random free pairs, with up to
// concurrency commands in flight. Duplicate pairs are expected and skipped.
func (r *Rig) CreateItems(ctx context.Context, n, concurrency int) ([]uuid.UUID, error) {
	var (
		mu  sync.Mutex
		ids []uuid.UUID
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := 0; i < n; i++ {
		req := library.CreateItemRequest{
			UserID: r.users[rand.IntN(len(r.users))],
			GameID: r.games[rand.IntN(len(r.games))],
		}
		g.Go(func() error {
			item, err := r.Service.CreateItem(ctx, req)
			switch {
			case errors.Is(err, library.ErrDuplicate):
				return nil
			case err != nil:
				return fmt.Errorf("create %s/%s: %w", req.UserID, req.GameID, err)
			}
			mu.Lock()
			ids = append(ids, item.ID)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return ids, err
}

// SettlePayments publishes a payment outcome for every item the way the
// payments service would, approving roughly four in five.
func (r *Rig) SettlePayments(ctx context.Context, items []uuid.UUID) error {
	for _, id := range items {
		subject := library.SubjectPaymentApproved
		if rand.IntN(5) == 0 {
			subject = library.SubjectPaymentFailed
		}
		env, err := messaging.NewEnvelope("Payments", subject, uuid.NewString(), library.PaymentProcessed{
			OrderID:   id.String(),
			PaymentID: uuid.NewString(),
		})
		if err != nil {
			return err
		}
		if err := r.broker.MemoryBroker.Publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// RaceStatusUpdates sends contenders conflicting status commands to each
// item at once.
func (r *Rig) RaceStatusUpdates(ctx context.Context, items []uuid.UUID, contenders int) error {
	var g errgroup.Group
	for _, id := range items {
		for c := 0; c < contenders; c++ {
			id, target := id, library.StatusOwned
			if c%2 == 1 {
				target = library.StatusFailed
			}
			g.Go(func() error {
				_, err := r.Service.UpdateStatus(ctx, id, target, nil)
				if err != nil && !errors.Is(err, library.ErrInvalidTransition) && !errors.Is(err, library.ErrNotFound) {
					return fmt.Errorf("update %s: %w", id, err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// DeleteUsers announces the deletion of count random users on the Users topic.
func (r *Rig) DeleteUsers(ctx context.Context, count int) error {
	for i := 0; i < count && i < len(r.users); i++ {
		env, err := messaging.NewEnvelope("Users", library.SubjectUserDeleted, uuid.NewString(), library.EntityDeleted{
			UserID: r.users[rand.IntN(len(r.users))].String(),
		})
		if err != nil {
			return err
		}
		if err := r.broker.MemoryBroker.Publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}
