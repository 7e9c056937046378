// internal/library/projection.go
package library

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Item is the read model row of a library item.
type Item struct {
	ID          uuid.UUID    `json:"itemId" db:"id"`
	UserID      uuid.UUID    `json:"userId" db:"user_id"`
	GameID      uuid.UUID    `json:"gameId" db:"game_id"`
	Status      Status       `json:"status" db:"status"`
	PricePaid   *float64     `json:"pricePaid,omitempty" db:"price_paid"`
	PaymentType *PaymentType `json:"paymentType,omitempty" db:"payment_type"`
	PaymentID   *uuid.UUID   `json:"paymentId,omitempty" db:"payment_id"`
	Version     int          `json:"version" db:"version"`
	UpdatedAt   time.Time    `json:"updatedAt" db:"updated_at"`
}

// ItemFromAggregate snapshots the aggregate as a row.
func ItemFromAggregate(a *LibraryItem) Item {
	return Item{
		ID:          a.ID,
		UserID:      a.UserID,
		GameID:      a.GameID,
		Status:      a.Status,
		PricePaid:   a.PricePaid,
		PaymentType: a.PaymentType,
		PaymentID:   a.PaymentID,
		Version:     a.Version,
		UpdatedAt:   a.UpdatedAt,
	}
}

// Filter selects rows. Unset fields do not constrain; all set fields must match.
type Filter struct {
	UserID        *uuid.UUID
	GameID        *uuid.UUID
	PaymentID     *uuid.UUID
	Statuses      []Status
	ExcludeStatus *Status
}

// Empty reports whether the filter matches every row.
func (f Filter) Empty() bool {
	return f.UserID == nil && f.GameID == nil && f.PaymentID == nil && len(f.Statuses) == 0 && f.ExcludeStatus == nil
}

func (f Filter) matches(it Item) bool {
	if f.UserID != nil && it.UserID != *f.UserID {
		return false
	}
	if f.GameID != nil && it.GameID != *f.GameID {
		return false
	}
	if f.PaymentID != nil && (it.PaymentID == nil || *it.PaymentID != *f.PaymentID) {
		return false
	}
	if f.ExcludeStatus != nil && it.Status == *f.ExcludeStatus {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if it.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// Projection is the queryable read model. Writers are idempotent: Add skips
// existing rows, Update only moves a row forward in version, and deletes of
// absent rows succeed.
type Projection interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Item, error)
	GetAll(ctx context.Context) ([]Item, error)
	Query(ctx context.Context, f Filter) ([]Item, error)
	ExistsForPair(ctx context.Context, userID, gameID uuid.UUID) (bool, error)
	// Add inserts the row unless its id or its (user, game) pair is present.
	Add(ctx context.Context, it Item) (bool, error)
	// Update overwrites the row only when the stored version is older.
	Update(ctx context.Context, it Item) (bool, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteWhere(ctx context.Context, f Filter) (int, error)
}
