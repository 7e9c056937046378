// internal/library/domain.go
package library

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"fcglibraries/pkg/eventstore"
)

// AggregateType names library item streams in the event store.
const AggregateType = "library_item"

// Event types. They double as integration subjects on the Libraries topic.
const (
	EventItemCreated       = "LibraryItemCreated"
	EventItemStatusUpdated = "LibraryItemStatusUpdated"
	EventItemDeleted       = "LibraryItemDeleted"

	// legacyEventItemUpdated is the subject older producers use for status changes.
	legacyEventItemUpdated = "LibraryItemUpdated"
)

// Status is the acquisition state of a library item.
type Status string

const (
	StatusRequested Status = "Requested"
	StatusOwned     Status = "Owned"
	StatusFailed    Status = "Failed"
)

var statusCodes = []Status{StatusRequested, StatusOwned, StatusFailed}

func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusOwned, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusOwned || s == StatusFailed }

// CanTransitionTo reports whether target is a legal next state.
func (s Status) CanTransitionTo(target Status) bool {
	return s == StatusRequested && (target == StatusOwned || target == StatusFailed)
}

// ParseStatus accepts the status name in any case or its legacy numeric code.
func ParseStatus(raw string) (Status, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 || n >= len(statusCodes) {
			return "", fmt.Errorf("%w: unknown status code %d", ErrValidation, n)
		}
		return statusCodes[n], nil
	}
	for _, s := range statusCodes {
		if strings.EqualFold(raw, string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %q", string(s))
	}
	return []byte(s), nil
}

func (s *Status) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}
	parsed, err := ParseStatus(string(unquote(data)))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PaymentType is how an item was (or will be) paid for.
type PaymentType string

const (
	PaymentCard   PaymentType = "Card"
	PaymentPix    PaymentType = "Pix"
	PaymentBoleto PaymentType = "Boleto"
	PaymentPayPal PaymentType = "PayPal"
)

var paymentTypeCodes = []PaymentType{PaymentCard, PaymentPix, PaymentBoleto, PaymentPayPal}

func (p PaymentType) Valid() bool {
	for _, known := range paymentTypeCodes {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePaymentType accepts the name in any case or its legacy numeric code.
func ParsePaymentType(raw string) (PaymentType, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 || n >= len(paymentTypeCodes) {
			return "", fmt.Errorf("%w: unknown payment type code %d", ErrValidation, n)
		}
		return paymentTypeCodes[n], nil
	}
	for _, p := range paymentTypeCodes {
		if strings.EqualFold(raw, string(p)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: unknown payment type %q", ErrValidation, raw)
}

func (p PaymentType) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid payment type %q", string(p))
	}
	return []byte(p), nil
}

func (p *PaymentType) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}
	parsed, err := ParsePaymentType(string(unquote(data)))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func unquote(data []byte) []byte {
	data = bytes.TrimSpace(data)
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		return data[1 : len(data)-1]
	}
	return data
}

// LibraryItem is the aggregate: one game in one user's library.
type LibraryItem struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	GameID      uuid.UUID
	Status      Status
	PricePaid   *float64
	PaymentType *PaymentType
	PaymentID   *uuid.UUID
	Version     int
	UpdatedAt   time.Time
	Deleted     bool

	changes []Change
}

// Change is an event raised by a command and not yet appended.
type Change struct {
	Type    string
	Payload interface{}
}

// ItemCreated is the payload of LibraryItemCreated.
type ItemCreated struct {
	ItemID      uuid.UUID    `json:"itemId"`
	UserID      uuid.UUID    `json:"userId"`
	GameID      uuid.UUID    `json:"gameId"`
	Status      Status       `json:"status"`
	PricePaid   *float64     `json:"pricePaid,omitempty"`
	PaymentType *PaymentType `json:"paymentType,omitempty"`
	Version     int          `json:"version"`
	OccurredAt  time.Time    `json:"occurredAt"`
}

// ItemStatusUpdated is the payload of LibraryItemStatusUpdated.
type ItemStatusUpdated struct {
	ItemID     uuid.UUID  `json:"itemId"`
	Status     Status     `json:"status"`
	PaymentID  *uuid.UUID `json:"paymentId,omitempty"`
	Version    int        `json:"version"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// ItemDeleted is the payload of LibraryItemDeleted.
type ItemDeleted struct {
	ItemID     uuid.UUID `json:"itemId"`
	UserID     uuid.UUID `json:"userId"`
	GameID     uuid.UUID `json:"gameId"`
	Reason     string    `json:"reason,omitempty"`
	Version    int       `json:"version"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ValidateNew checks the inputs of NewLibraryItem.
func ValidateNew(userID, gameID uuid.UUID, pricePaid *float64, paymentType *PaymentType) error {
	if userID == uuid.Nil {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	if gameID == uuid.Nil {
		return fmt.Errorf("%w: gameId is required", ErrValidation)
	}
	if pricePaid != nil && (*pricePaid < 0 || math.IsNaN(*pricePaid) || math.IsInf(*pricePaid, 0)) {
		return fmt.Errorf("%w: pricePaid must be a non-negative amount", ErrValidation)
	}
	if paymentType != nil && !paymentType.Valid() {
		return fmt.Errorf("%w: unknown payment type %q", ErrValidation, string(*paymentType))
	}
	return nil
}

// NewLibraryItem validates the input and raises LibraryItemCreated.
func NewLibraryItem(userID, gameID uuid.UUID, pricePaid *float64, paymentType *PaymentType, now time.Time) (*LibraryItem, error) {
	if err := ValidateNew(userID, gameID, pricePaid, paymentType); err != nil {
		return nil, err
	}

	item := &LibraryItem{}
	item.raise(EventItemCreated, ItemCreated{
		ItemID:      uuid.New(),
		UserID:      userID,
		GameID:      gameID,
		Status:      StatusRequested,
		PricePaid:   roundPrice(pricePaid),
		PaymentType: paymentType,
		Version:     1,
		OccurredAt:  now.UTC(),
	})
	return item, nil
}

// UpdateStatus raises LibraryItemStatusUpdated. Only Requested may move, and
// only to Owned or Failed.
func (i *LibraryItem) UpdateStatus(target Status, paymentID *uuid.UUID, now time.Time) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, string(target))
	}
	if i.Deleted {
		return fmt.Errorf("%w: item %s", ErrNotFound, i.ID)
	}
	if !i.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %w: %s -> %s", ErrValidation, ErrInvalidTransition, i.Status, target)
	}
	i.raise(EventItemStatusUpdated, ItemStatusUpdated{
		ItemID:     i.ID,
		Status:     target,
		PaymentID:  paymentID,
		Version:    i.Version + 1,
		OccurredAt: now.UTC(),
	})
	return nil
}

// Delete raises LibraryItemDeleted.
func (i *LibraryItem) Delete(reason string, now time.Time) error {
	if i.Deleted {
		return fmt.Errorf("%w: item %s", ErrNotFound, i.ID)
	}
	i.raise(EventItemDeleted, ItemDeleted{
		ItemID:     i.ID,
		UserID:     i.UserID,
		GameID:     i.GameID,
		Reason:     reason,
		Version:    i.Version + 1,
		OccurredAt: now.UTC(),
	})
	return nil
}

// Changes returns the events raised since the item was loaded.
func (i *LibraryItem) Changes() []Change { return i.changes }

func (i *LibraryItem) raise(eventType string, payload interface{}) {
	i.mutate(payload)
	i.changes = append(i.changes, Change{Type: eventType, Payload: payload})
}

func (i *LibraryItem) mutate(payload interface{}) {
	switch e := payload.(type) {
	case ItemCreated:
		i.ID = e.ItemID
		i.UserID = e.UserID
		i.GameID = e.GameID
		i.Status = e.Status
		i.PricePaid = e.PricePaid
		i.PaymentType = e.PaymentType
		i.UpdatedAt = e.OccurredAt
	case ItemStatusUpdated:
		i.Status = e.Status
		if e.PaymentID != nil {
			i.PaymentID = e.PaymentID
		}
		i.UpdatedAt = e.OccurredAt
	case ItemDeleted:
		i.Deleted = true
		i.UpdatedAt = e.OccurredAt
	}
	i.Version++
}

// DecodeEvent turns a stored event into its typed payload.
func DecodeEvent(e eventstore.Event) (interface{}, error) {
	var (
		payload interface{}
		err     error
	)
	switch e.EventType {
	case EventItemCreated:
		var p ItemCreated
		err = json.Unmarshal(e.EventData, &p)
		payload = p
	case EventItemStatusUpdated, legacyEventItemUpdated:
		var p ItemStatusUpdated
		err = json.Unmarshal(e.EventData, &p)
		payload = p
	case EventItemDeleted:
		var p ItemDeleted
		err = json.Unmarshal(e.EventData, &p)
		payload = p
	default:
		return nil, fmt.Errorf("unknown event type %q", e.EventType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s v%d: %w", e.EventType, e.Version, err)
	}
	return payload, nil
}

// Apply folds one stored event into the item.
func (i *LibraryItem) Apply(e eventstore.Event) error {
	if e.Version != i.Version+1 {
		return fmt.Errorf("event %s out of sequence: have v%d, got v%d", e.EventType, i.Version, e.Version)
	}
	payload, err := DecodeEvent(e)
	if err != nil {
		return err
	}
	i.mutate(payload)
	return nil
}

// Replay rebuilds an item from its stream. An empty stream is ErrNotFound.
func Replay(events []eventstore.Event) (*LibraryItem, error) {
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	item := &LibraryItem{}
	for _, e := range events {
		if err := item.Apply(e); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// roundPrice keeps two decimal places, matching NUMERIC(12,2).
func roundPrice(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v, _ := strconv.ParseFloat(strconv.FormatFloat(*p, 'f', 2, 64), 64)
	return &v
}
