// internal/library/projector.go
package library

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"fcglibraries/internal/platform/logger"
	"fcglibraries/pkg/eventstore"
)

// ErrProjectionBehind means an event cannot be applied yet because an earlier
// one has not reached the projection. It is worth retrying.
var ErrProjectionBehind = errors.New("projection behind event stream")

// Projector derives the read model from item events. It is the only writer of
// the projection.
type Projector struct {
	store      eventstore.Store
	projection Projection
	log        *logger.Logger
}

func NewProjector(store eventstore.Store, projection Projection, log *logger.Logger) *Projector {
	return &Projector{store: store, projection: projection, log: log.With("component", "projector")}
}

// ApplyCreated inserts the row unless it, or a live row for the same pair, is
// already present.
func (p *Projector) ApplyCreated(ctx context.Context, e ItemCreated) error {
	deleted, err := p.streamDeleted(ctx, e.ItemID)
	if err != nil {
		return err
	}
	if deleted {
		p.log.Debug("skipping creation of deleted item", "item_id", e.ItemID)
		return nil
	}

	it := Item{
		ID:          e.ItemID,
		UserID:      e.UserID,
		GameID:      e.GameID,
		Status:      e.Status,
		PricePaid:   e.PricePaid,
		PaymentType: e.PaymentType,
		Version:     e.Version,
		UpdatedAt:   e.OccurredAt,
	}
	inserted, err := p.projection.Add(ctx, it)
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}

	if _, err := p.projection.GetByID(ctx, e.ItemID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	// a previous item for the pair is still projected; its deletion is in flight
	return fmt.Errorf("%w: pair %s/%s still held by another row", ErrProjectionBehind, e.UserID, e.GameID)
}

// ApplyStatusUpdated moves the row forward. Stale and duplicate events are
// ignored.
func (p *Projector) ApplyStatusUpdated(ctx context.Context, e ItemStatusUpdated) error {
	row, err := p.projection.GetByID(ctx, e.ItemID)
	if errors.Is(err, ErrNotFound) {
		deleted, derr := p.streamDeleted(ctx, e.ItemID)
		if derr != nil {
			return derr
		}
		if deleted {
			return nil
		}
		return fmt.Errorf("%w: item %s not projected yet", ErrProjectionBehind, e.ItemID)
	}
	if err != nil {
		return err
	}
	if row.Version >= e.Version {
		p.log.Debug("skipping stale status update", "item_id", e.ItemID, "row_version", row.Version, "event_version", e.Version)
		return nil
	}

	next := *row
	next.Status = e.Status
	if e.PaymentID != nil {
		next.PaymentID = e.PaymentID
	}
	next.Version = e.Version
	next.UpdatedAt = e.OccurredAt
	_, err = p.projection.Update(ctx, next)
	return err
}

func (p *Projector) ApplyDeleted(ctx context.Context, e ItemDeleted) error {
	_, err := p.projection.Delete(ctx, e.ItemID)
	return err
}

// RemoveWhere drops every matching row. Callers delete the streams first.
func (p *Projector) RemoveWhere(ctx context.Context, f Filter) (int, error) {
	return p.projection.DeleteWhere(ctx, f)
}

// Refresh rewrites one row from its stream.
func (p *Projector) Refresh(ctx context.Context, id uuid.UUID) error {
	events, err := p.store.LoadEvents(ctx, id, 0, 0)
	if err != nil {
		return fmt.Errorf("load stream %s: %w", id, err)
	}
	item, err := Replay(events)
	if errors.Is(err, ErrNotFound) {
		_, err = p.projection.Delete(ctx, id)
		return err
	}
	if err != nil {
		return err
	}
	return p.write(ctx, item, nil)
}

func (p *Projector) streamDeleted(ctx context.Context, id uuid.UUID) (bool, error) {
	events, err := p.store.LoadEvents(ctx, id, 0, 0)
	if err != nil {
		return false, fmt.Errorf("load stream %s: %w", id, err)
	}
	for _, e := range events {
		if e.EventType == EventItemDeleted {
			return true, nil
		}
	}
	return false, nil
}

// write makes the row equal to the aggregate state. current is the stored
// row if the caller already has it.
func (p *Projector) write(ctx context.Context, item *LibraryItem, current *Item) error {
	if item.Deleted {
		_, err := p.projection.Delete(ctx, item.ID)
		return err
	}
	want := ItemFromAggregate(item)
	if current == nil {
		row, err := p.projection.GetByID(ctx, item.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		current = row
	}
	if current != nil {
		if sameItem(*current, want) {
			return nil
		}
		if _, err := p.projection.Delete(ctx, item.ID); err != nil {
			return err
		}
	}
	inserted, err := p.projection.Add(ctx, want)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("%w: pair %s/%s held by another row", ErrProjectionBehind, want.UserID, want.GameID)
	}
	return nil
}

// Drift is one difference between the event streams and the projection.
type Drift struct {
	ItemID   uuid.UUID
	Kind     string
	Expected *Item
	Actual   *Item
}

const (
	DriftMissing  = "missing"
	DriftOrphan   = "orphan"
	DriftMismatch = "mismatch"
)

// RebuildStats summarizes a rebuild.
type RebuildStats struct {
	Events  int
	Streams int
	Written int
	Removed int
}

// Rebuild replays every stream and rewrites rows that differ. Rows without a
// live stream are removed.
func (p *Projector) Rebuild(ctx context.Context, batchSize int) (RebuildStats, error) {
	var stats RebuildStats
	states, order, events, err := p.replayAll(ctx, batchSize)
	if err != nil {
		return stats, err
	}
	stats.Events = events
	stats.Streams = len(order)

	rows, err := p.projection.GetAll(ctx)
	if err != nil {
		return stats, err
	}
	byID := make(map[uuid.UUID]Item, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	// deletions first so recreated pairs can be inserted
	for _, r := range rows {
		if st, ok := states[r.ID]; !ok || st.Deleted {
			if _, err := p.projection.Delete(ctx, r.ID); err != nil {
				return stats, err
			}
			stats.Removed++
			delete(byID, r.ID)
		}
	}
	for _, id := range order {
		st := states[id]
		if st.Deleted {
			continue
		}
		var current *Item
		if r, ok := byID[id]; ok {
			if sameItem(r, ItemFromAggregate(st)) {
				continue
			}
			current = &r
		}
		if err := p.write(ctx, st, current); err != nil {
			return stats, fmt.Errorf("rewrite item %s: %w", id, err)
		}
		stats.Written++
	}

	p.log.Info("projection rebuilt", "events", stats.Events, "streams", stats.Streams, "written", stats.Written, "removed", stats.Removed)
	return stats, nil
}

// Verify compares replayed state with the projection without changing it.
func (p *Projector) Verify(ctx context.Context, batchSize int) ([]Drift, error) {
	states, order, _, err := p.replayAll(ctx, batchSize)
	if err != nil {
		return nil, err
	}
	rows, err := p.projection.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	var drift []Drift
	seen := make(map[uuid.UUID]bool, len(rows))
	for i := range rows {
		r := rows[i]
		seen[r.ID] = true
		st, ok := states[r.ID]
		if !ok || st.Deleted {
			drift = append(drift, Drift{ItemID: r.ID, Kind: DriftOrphan, Actual: &r})
			continue
		}
		want := ItemFromAggregate(st)
		if !sameItem(r, want) {
			drift = append(drift, Drift{ItemID: r.ID, Kind: DriftMismatch, Expected: &want, Actual: &r})
		}
	}
	for _, id := range order {
		st := states[id]
		if st.Deleted || seen[id] {
			continue
		}
		want := ItemFromAggregate(st)
		drift = append(drift, Drift{ItemID: id, Kind: DriftMissing, Expected: &want})
	}
	return drift, nil
}

func (p *Projector) replayAll(ctx context.Context, batchSize int) (map[uuid.UUID]*LibraryItem, []uuid.UUID, int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	states := make(map[uuid.UUID]*LibraryItem)
	var order []uuid.UUID
	total := 0

	var cursor int64
	for {
		batch, err := p.store.StreamEvents(ctx, cursor, batchSize)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("stream events after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			cursor = e.ID
			if e.AggregateType != AggregateType {
				continue
			}
			st, ok := states[e.AggregateID]
			if !ok {
				st = &LibraryItem{}
				states[e.AggregateID] = st
				order = append(order, e.AggregateID)
			}
			if err := st.Apply(e); err != nil {
				return nil, nil, 0, fmt.Errorf("replay %s: %w", e.AggregateID, err)
			}
			total++
		}
		if len(batch) < batchSize {
			break
		}
	}
	return states, order, total, nil
}

func sameItem(a, b Item) bool {
	return a.ID == b.ID &&
		a.UserID == b.UserID &&
		a.GameID == b.GameID &&
		a.Status == b.Status &&
		a.Version == b.Version &&
		samePrice(a.PricePaid, b.PricePaid) &&
		samePtr(a.PaymentType, b.PaymentType) &&
		samePtr(a.PaymentID, b.PaymentID)
}

func samePrice(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return math.Abs(*a-*b) < 0.005
}

func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
