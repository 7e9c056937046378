// internal/library/service.go
package library

import (
	"context"

	"github.com/google/uuid"

	"fcglibraries/internal/clients"
)

// CreateItemRequest is the input of CreateItem.
type CreateItemRequest struct {
	UserID      uuid.UUID    `json:"userId"`
	GameID      uuid.UUID    `json:"gameId"`
	PricePaid   *float64     `json:"pricePaid"`
	PaymentType *PaymentType `json:"paymentType"`
}

// Service defines the interface for the libraries service. Commands return
// the state they committed; reads come from the projection.
type Service interface {
	CreateItem(ctx context.Context, req CreateItemRequest) (*Item, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, paymentID *uuid.UUID) (*Item, error)
	DeleteItem(ctx context.Context, id uuid.UUID) (*Item, error)

	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	ListItems(ctx context.Context, f Filter) ([]Item, error)
	AcquiredByUser(ctx context.Context, userID uuid.UUID) ([]Item, error)
	RequestedByUser(ctx context.Context, userID uuid.UUID) ([]Item, error)

	// RemoveUserItems and RemoveGameItems react to upstream deletions. They
	// are idempotent and return the number of items removed.
	RemoveUserItems(ctx context.Context, userID uuid.UUID) (int, error)
	RemoveGameItems(ctx context.Context, gameID uuid.UUID) (int, error)
}

// UserDirectory answers whether a user exists.
type UserDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// GameCatalog looks up games; a missing game is clients.ErrNotFound.
type GameCatalog interface {
	GetGame(ctx context.Context, id uuid.UUID) (*clients.Game, error)
}
