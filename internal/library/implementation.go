// internal/library/implementation.go
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"fcglibraries/internal/clients"
	"fcglibraries/internal/platform/ctxutil"
	"fcglibraries/internal/platform/logger"
	"fcglibraries/pkg/eventstore"
)

// claimScope is the uniqueness scope of the (user, game) pair.
const claimScope = "library_item"

func pairKey(userID, gameID uuid.UUID) string {
	return userID.String() + ":" + gameID.String()
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	// Topic receives the integration messages of item events.
	Topic               string
	CreateRatePerSecond float64
	CreateBurst         int
	ConflictRetries     uint
	Now                 func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Topic == "" {
		o.Topic = "Libraries"
	}
	if o.CreateRatePerSecond <= 0 {
		o.CreateRatePerSecond = 50
	}
	if o.CreateBurst <= 0 {
		o.CreateBurst = 100
	}
	if o.ConflictRetries == 0 {
		o.ConflictRetries = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// service implements the Service interface.
type service struct {
	store      eventstore.Store
	projector  *Projector
	projection Projection
	users      UserDirectory
	catalog    GameCatalog
	limiter    *rate.Limiter
	log        *logger.Logger
	tracer     trace.Tracer
	opts       Options
}

// NewService creates a new libraries service instance.
func NewService(store eventstore.Store, projection Projection, users UserDirectory, catalog GameCatalog, log *logger.Logger, opts Options) Service {
	opts = opts.withDefaults()
	log = log.With("component", "library_service")
	return &service{
		store:      store,
		projector:  NewProjector(store, projection, log),
		projection: projection,
		users:      users,
		catalog:    catalog,
		limiter:    rate.NewLimiter(rate.Limit(opts.CreateRatePerSecond), opts.CreateBurst),
		log:        log,
		tracer:     otel.Tracer("fcglibraries/library"),
		opts:       opts,
	}
}

// CreateItem checks the request against the projection and the remote
// services, then appends LibraryItemCreated together with its outbox message
// and the pair claim.
func (s *service) CreateItem(ctx context.Context, req CreateItemRequest) (*Item, error) {
	ctx, corr := ctxutil.EnsureCorrelationID(ctx)
	ctx, span := s.tracer.Start(ctx, "library.create", trace.WithAttributes(
		attribute.String("user.id", req.UserID.String()),
		attribute.String("game.id", req.GameID.String()),
		attribute.String("correlation.id", corr),
	))
	defer span.End()

	item, err := s.create(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("create rejected", "user_id", req.UserID, "game_id", req.GameID, "correlation_id", corr, "error", err)
		return nil, err
	}
	s.log.Info("library item requested", "item_id", item.ID, "user_id", item.UserID, "game_id", item.GameID, "correlation_id", corr)
	return item, nil
}

func (s *service) create(ctx context.Context, req CreateItemRequest) (*Item, error) {
	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}
	if err := ValidateNew(req.UserID, req.GameID, req.PricePaid, req.PaymentType); err != nil {
		return nil, err
	}

	exists, err := s.projection.ExistsForPair(ctx, req.UserID, req.GameID)
	if err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: user %s already has game %s", ErrDuplicate, req.UserID, req.GameID)
	}

	game, err := s.catalog.GetGame(ctx, req.GameID)
	if errors.Is(err, clients.ErrNotFound) {
		return nil, fmt.Errorf("%w: game %s", ErrNotFound, req.GameID)
	}
	if err != nil {
		return nil, fmt.Errorf("look up game: %w", err)
	}
	ok, err := s.users.Exists(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, req.UserID)
	}

	price := req.PricePaid
	switch {
	case price == nil:
		price = game.Price
	case game.Price != nil && *price+0.005 < *game.Price:
		return nil, fmt.Errorf("%w: paid %.2f, game costs %.2f", ErrPaymentRequired, *price, *game.Price)
	}

	item, err := NewLibraryItem(req.UserID, req.GameID, price, req.PaymentType, s.opts.Now())
	if err != nil {
		return nil, err
	}
	err = s.commit(ctx, item, 0, eventstore.WithClaim(claimScope, pairKey(item.UserID, item.GameID)))
	if errors.Is(err, eventstore.ErrClaimTaken) {
		return nil, fmt.Errorf("%w: user %s already has game %s", ErrDuplicate, req.UserID, req.GameID)
	}
	if err != nil {
		return nil, err
	}
	out := ItemFromAggregate(item)
	return &out, nil
}

// UpdateStatus moves an item out of Requested. Asking for the current status
// again succeeds without appending.
func (s *service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, paymentID *uuid.UUID) (*Item, error) {
	ctx, corr := ctxutil.EnsureCorrelationID(ctx)
	ctx, span := s.tracer.Start(ctx, "library.update_status", trace.WithAttributes(
		attribute.String("item.id", id.String()),
		attribute.String("item.status", string(status)),
		attribute.String("correlation.id", corr),
	))
	defer span.End()

	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, string(status))
	}

	var result *LibraryItem
	err := s.retryConflicts(ctx, func() error {
		item, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if item.Status == status {
			result = item
			return nil
		}
		loaded := item.Version
		if err := item.UpdateStatus(status, paymentID, s.opts.Now()); err != nil {
			return err
		}
		if err := s.commit(ctx, item, loaded); err != nil {
			return err
		}
		result = item
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.log.Info("library item status updated", "item_id", id, "status", result.Status, "version", result.Version, "correlation_id", corr)
	out := ItemFromAggregate(result)
	return &out, nil
}

// DeleteItem appends LibraryItemDeleted and releases the pair claim.
func (s *service) DeleteItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	ctx, corr := ctxutil.EnsureCorrelationID(ctx)
	ctx, span := s.tracer.Start(ctx, "library.delete", trace.WithAttributes(
		attribute.String("item.id", id.String()),
		attribute.String("correlation.id", corr),
	))
	defer span.End()

	item, err := s.delete(ctx, id, "requested")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.log.Info("library item deleted", "item_id", id, "correlation_id", corr)
	out := ItemFromAggregate(item)
	return &out, nil
}

func (s *service) delete(ctx context.Context, id uuid.UUID, reason string) (*LibraryItem, error) {
	var result *LibraryItem
	err := s.retryConflicts(ctx, func() error {
		item, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		loaded := item.Version
		if err := item.Delete(reason, s.opts.Now()); err != nil {
			return err
		}
		if err := s.commit(ctx, item, loaded, eventstore.WithReleaseClaim(claimScope, pairKey(item.UserID, item.GameID))); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

func (s *service) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	return s.projection.GetByID(ctx, id)
}

func (s *service) ListItems(ctx context.Context, f Filter) ([]Item, error) {
	return s.projection.Query(ctx, f)
}

func (s *service) AcquiredByUser(ctx context.Context, userID uuid.UUID) ([]Item, error) {
	return s.projection.Query(ctx, Filter{UserID: &userID, Statuses: []Status{StatusOwned}})
}

// RequestedByUser lists every item of the user that is not owned yet,
// including failed ones.
func (s *service) RequestedByUser(ctx context.Context, userID uuid.UUID) ([]Item, error) {
	owned := StatusOwned
	return s.projection.Query(ctx, Filter{UserID: &userID, ExcludeStatus: &owned})
}

func (s *service) RemoveUserItems(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.removeWhere(ctx, Filter{UserID: &userID}, userID.String()+":", "", "user deleted")
}

func (s *service) RemoveGameItems(ctx context.Context, gameID uuid.UUID) (int, error) {
	return s.removeWhere(ctx, Filter{GameID: &gameID}, "", ":"+gameID.String(), "game deleted")
}

// removeWhere deletes the stream of every matching item, then drops the rows.
// Targets come from the pair claims, which commit with the item's first
// event, so items not projected yet are found too. Matching rows are added
// for streams whose claim is gone. Streams that are already deleted are
// skipped, so replays are harmless. It returns the number of streams it
// deleted.
func (s *service) removeWhere(ctx context.Context, f Filter, keyPrefix, keySuffix, reason string) (int, error) {
	ctx, _ = ctxutil.EnsureCorrelationID(ctx)
	claimed, err := s.store.ClaimedStreams(ctx, claimScope, keyPrefix, keySuffix)
	if err != nil {
		return 0, fmt.Errorf("find claimed items: %w", err)
	}
	rows, err := s.projection.Query(ctx, f)
	if err != nil {
		return 0, err
	}

	targets := make([]uuid.UUID, 0, len(claimed)+len(rows))
	seen := make(map[uuid.UUID]bool, len(claimed)+len(rows))
	for _, id := range claimed {
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	for _, row := range rows {
		if !seen[row.ID] {
			seen[row.ID] = true
			targets = append(targets, row.ID)
		}
	}

	deleted := 0
	for _, id := range targets {
		_, err := s.delete(ctx, id, reason)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return deleted, fmt.Errorf("delete item %s: %w", id, err)
		default:
			deleted++
		}
	}
	n, err := s.projector.RemoveWhere(ctx, f)
	if err != nil {
		return deleted, err
	}
	s.log.Info("library items removed", "reason", reason, "streams", deleted, "rows", n, "correlation_id", ctxutil.CorrelationID(ctx))
	return deleted, nil
}

// load replays an item. Missing and deleted streams are ErrNotFound.
func (s *service) load(ctx context.Context, id uuid.UUID) (*LibraryItem, error) {
	events, err := s.store.LoadEvents(ctx, id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", id, err)
	}
	item, err := Replay(events)
	if errors.Is(err, ErrNotFound) || (err == nil && item.Deleted) {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("replay item %s: %w", id, err)
	}
	return item, nil
}

// commit appends the pending changes of item on top of expected, with one
// outbox message per event in the same transaction.
func (s *service) commit(ctx context.Context, item *LibraryItem, expected int, opts ...eventstore.AppendOption) error {
	corr := ctxutil.CorrelationID(ctx)
	changes := item.Changes()
	events := make([]eventstore.Event, 0, len(changes))
	msgs := make([]eventstore.OutboxMessage, 0, len(changes))
	for _, c := range changes {
		data, err := json.Marshal(c.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		events = append(events, eventstore.Event{
			AggregateID:   item.ID,
			AggregateType: AggregateType,
			EventType:     c.Type,
			EventData:     data,
			CorrelationID: corr,
		})
		msgs = append(msgs, eventstore.OutboxMessage{Topic: s.opts.Topic, Subject: c.Type, Body: data, CorrelationID: corr})
	}

	opts = append(opts, eventstore.WithCorrelationID(corr), eventstore.WithOutbox(msgs...))
	if _, err := s.store.AppendEvents(ctx, item.ID, AggregateType, expected, events, opts...); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) || errors.Is(err, eventstore.ErrClaimTaken) {
			return err
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// retryConflicts reruns op while it loses the version race. Every other
// error ends the retries.
func (s *service) retryConflicts(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil || errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.opts.ConflictRetries))

	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
