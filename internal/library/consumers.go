// internal/library/consumers.go
package library

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"fcglibraries/internal/messaging"
	"fcglibraries/internal/platform/logger"
)

// Inbound subjects.
const (
	SubjectUserDeleted     = "UserDeleted"
	SubjectGameDeleted     = "GameDeleted"
	SubjectPaymentApproved = "PaymentApproved"
	SubjectPaymentFailed   = "PaymentFailed"

	// spellings used by the payments service
	legacySubjectPaymentApproved = "PaymentAprovedEvent"
	legacySubjectPaymentFailed   = "PaymentFailedEvent"
)

// EntityDeleted is the body of UserDeleted and GameDeleted. Producers send
// either the typed id or the generic aggregate id.
type EntityDeleted struct {
	UserID      string `json:"userId"`
	GameID      string `json:"gameId"`
	AggregateID string `json:"aggregateId"`
}

// PaymentProcessed is the body of the payment outcome events. OrderID is
// the library item id.
type PaymentProcessed struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
}

// StatusChanged is the body of the legacy LibraryItemUpdated subject.
type StatusChanged struct {
	AggregateID string `json:"aggregateId"`
	ItemID      string `json:"itemId"`
}

// Consumers holds the subject handlers of every subscribed topic.
type Consumers struct {
	svc       Service
	projector *Projector
	log       *logger.Logger
}

func NewConsumers(svc Service, projector *Projector, log *logger.Logger) *Consumers {
	return &Consumers{svc: svc, projector: projector, log: log.With("component", "consumers")}
}

func (c *Consumers) UsersRouter() (*messaging.Router, error) {
	return messaging.NewRouter(
		messaging.Route{Subject: SubjectUserDeleted, Handler: messaging.Handle(c.handleUserDeleted)},
	)
}

func (c *Consumers) GamesRouter() (*messaging.Router, error) {
	return messaging.NewRouter(
		messaging.Route{Subject: SubjectGameDeleted, Handler: messaging.Handle(c.handleGameDeleted)},
	)
}

func (c *Consumers) PaymentsRouter() (*messaging.Router, error) {
	approved := messaging.Handle(c.paymentHandler(StatusOwned))
	failed := messaging.Handle(c.paymentHandler(StatusFailed))
	return messaging.NewRouter(
		messaging.Route{Subject: SubjectPaymentApproved, Handler: approved},
		messaging.Route{Subject: legacySubjectPaymentApproved, Handler: approved},
		messaging.Route{Subject: SubjectPaymentFailed, Handler: failed},
		messaging.Route{Subject: legacySubjectPaymentFailed, Handler: failed},
	)
}

// LibrariesRouter applies this service's own events to the projection.
func (c *Consumers) LibrariesRouter() (*messaging.Router, error) {
	return messaging.NewRouter(
		messaging.Route{Subject: EventItemCreated, Handler: messaging.Handle(c.handleItemCreated)},
		messaging.Route{Subject: EventItemStatusUpdated, Handler: messaging.Handle(c.handleItemStatusUpdated)},
		messaging.Route{Subject: EventItemDeleted, Handler: messaging.Handle(c.handleItemDeleted)},
		messaging.Route{Subject: legacyEventItemUpdated, Handler: messaging.Handle(c.handleLegacyItemUpdated)},
	)
}

func (c *Consumers) handleUserDeleted(ctx context.Context, msg EntityDeleted, env messaging.Envelope) error {
	id, err := parseRef(msg.UserID, msg.AggregateID)
	if err != nil {
		return messaging.Permanent(fmt.Errorf("user id: %w", err))
	}
	n, err := c.svc.RemoveUserItems(ctx, id)
	if err != nil {
		return err
	}
	c.log.Info("removed items of deleted user", "user_id", id, "removed", n, "correlation_id", env.CorrelationID)
	return nil
}

func (c *Consumers) handleGameDeleted(ctx context.Context, msg EntityDeleted, env messaging.Envelope) error {
	id, err := parseRef(msg.GameID, msg.AggregateID)
	if err != nil {
		return messaging.Permanent(fmt.Errorf("game id: %w", err))
	}
	n, err := c.svc.RemoveGameItems(ctx, id)
	if err != nil {
		return err
	}
	c.log.Info("removed items of deleted game", "game_id", id, "removed", n, "correlation_id", env.CorrelationID)
	return nil
}

func (c *Consumers) paymentHandler(target Status) func(context.Context, PaymentProcessed, messaging.Envelope) error {
	return func(ctx context.Context, msg PaymentProcessed, env messaging.Envelope) error {
		itemID, err := parseRef(msg.OrderID)
		if err != nil {
			return messaging.Permanent(fmt.Errorf("order id: %w", err))
		}
		var paymentID *uuid.UUID
		if msg.PaymentID != "" {
			pid, err := uuid.Parse(msg.PaymentID)
			if err != nil {
				return messaging.Permanent(fmt.Errorf("payment id: %w", err))
			}
			paymentID = &pid
		}

		_, err = c.svc.UpdateStatus(ctx, itemID, target, paymentID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound):
			c.log.Warn("payment for unknown item", "item_id", itemID, "status", target, "correlation_id", env.CorrelationID)
			return nil
		case errors.Is(err, ErrValidation):
			return messaging.Permanent(err)
		default:
			return err
		}
	}
}

func (c *Consumers) handleItemCreated(ctx context.Context, msg ItemCreated, _ messaging.Envelope) error {
	if msg.ItemID == uuid.Nil {
		return messaging.Permanent(errors.New("missing item id"))
	}
	return c.projector.ApplyCreated(ctx, msg)
}

func (c *Consumers) handleItemStatusUpdated(ctx context.Context, msg ItemStatusUpdated, _ messaging.Envelope) error {
	if msg.ItemID == uuid.Nil || !msg.Status.Valid() {
		return messaging.Permanent(fmt.Errorf("malformed status update for item %s", msg.ItemID))
	}
	return c.projector.ApplyStatusUpdated(ctx, msg)
}

func (c *Consumers) handleItemDeleted(ctx context.Context, msg ItemDeleted, _ messaging.Envelope) error {
	if msg.ItemID == uuid.Nil {
		return messaging.Permanent(errors.New("missing item id"))
	}
	return c.projector.ApplyDeleted(ctx, msg)
}

// handleLegacyItemUpdated carries no version, so the row is rebuilt from the
// stream instead.
func (c *Consumers) handleLegacyItemUpdated(ctx context.Context, msg StatusChanged, _ messaging.Envelope) error {
	id, err := parseRef(msg.ItemID, msg.AggregateID)
	if err != nil {
		return messaging.Permanent(fmt.Errorf("item id: %w", err))
	}
	return c.projector.Refresh(ctx, id)
}

// parseRef returns the first non-empty candidate as a uuid.
func parseRef(candidates ...string) (uuid.UUID, error) {
	for _, raw := range candidates {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, err
		}
		if id == uuid.Nil {
			return uuid.Nil, errors.New("nil uuid")
		}
		return id, nil
	}
	return uuid.Nil, errors.New("missing")
}
