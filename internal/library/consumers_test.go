package library

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fcglibraries/internal/messaging"
	"fcglibraries/internal/platform/logger"
)

func TestPaymentSubjects(t *testing.T) {
	tests := []struct {
		subject string
		want    Status
	}{
		{SubjectPaymentApproved, StatusOwned},
		{legacySubjectPaymentApproved, StatusOwned},
		{SubjectPaymentFailed, StatusFailed},
		{legacySubjectPaymentFailed, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			h := newHarness(t)
			item, _ := createdItem(t, h)
			h.settle(t)

			h.publish(t, "Payments", tt.subject, PaymentProcessed{OrderID: item.ID.String()})
			h.settle(t)

			row, err := h.projection.GetByID(h.ctx, item.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, row.Status)
			assert.Nil(t, row.PaymentID)
		})
	}
}

func TestRedeliveredPaymentIsHarmless(t *testing.T) {
	h := newHarness(t)
	item, _ := createdItem(t, h)
	body := PaymentProcessed{OrderID: item.ID.String(), PaymentID: uuid.NewString()}

	h.publish(t, "Payments", SubjectPaymentApproved, body)
	h.publish(t, "Payments", SubjectPaymentApproved, body)
	h.settle(t)

	version, err := h.store.GetCurrentVersion(h.ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Empty(t, h.deadLetters("Payments"))
}

func TestContradictingPaymentIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	item, _ := createdItem(t, h)

	h.publish(t, "Payments", SubjectPaymentApproved, PaymentProcessed{OrderID: item.ID.String()})
	h.settle(t)
	h.publish(t, "Payments", SubjectPaymentFailed, PaymentProcessed{OrderID: item.ID.String()})
	h.settle(t)

	dl := h.deadLetters("Payments")
	require.Len(t, dl, 1)
	assert.Equal(t, SubjectPaymentFailed, dl[0].Subject)
	assert.Contains(t, dl[0].Reason, ErrInvalidTransition.Error())

	row, err := h.projection.GetByID(h.ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOwned, row.Status)
}

func TestPaymentForUnknownItemIsAcked(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "Payments", SubjectPaymentApproved, PaymentProcessed{OrderID: uuid.NewString()})
	h.settle(t)

	assert.Empty(t, h.deadLetters("Payments"))
	assert.Zero(t, h.broker.Pending("Payments", "libraries"))
}

func TestMalformedMessagesAreDeadLettered(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		subject string
		body    interface{}
	}{
		{"payment without order", "Payments", SubjectPaymentApproved, PaymentProcessed{}},
		{"payment with bad order id", "Payments", SubjectPaymentFailed, PaymentProcessed{OrderID: "order-1"}},
		{"payment with bad payment id", "Payments", SubjectPaymentApproved, PaymentProcessed{OrderID: uuid.NewString(), PaymentID: "pay-1"}},
		{"user without id", "Users", SubjectUserDeleted, EntityDeleted{}},
		{"game with nil id", "Games", SubjectGameDeleted, EntityDeleted{GameID: uuid.Nil.String()}},
		{"body of wrong shape", "Users", SubjectUserDeleted, []int{1, 2}},
		{"created without item", "Libraries", EventItemCreated, map[string]string{"userId": uuid.NewString()}},
		{"status update with unknown status", "Libraries", EventItemStatusUpdated, map[string]interface{}{"itemId": uuid.NewString(), "status": "Refunded"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.publish(t, tt.topic, tt.subject, tt.body)
			h.settle(t)

			dl := h.deadLetters(tt.topic)
			require.Len(t, dl, 1)
			assert.Equal(t, tt.subject, dl[0].Subject)
			assert.NotEmpty(t, dl[0].Reason)
			assert.Zero(t, h.broker.Pending(tt.topic, "libraries"))
		})
	}
}

func TestUnknownSubjectIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "Users", "UserRenamed", map[string]string{"userId": uuid.NewString()})
	h.settle(t)

	assert.Empty(t, h.deadLetters("Users"))
	assert.Zero(t, h.broker.Pending("Users", "libraries"))
}

func TestLegacyItemUpdatedRefreshesRow(t *testing.T) {
	h := newHarness(t)
	item, _ := createdItem(t, h)
	h.settle(t)

	// append without the pipeline, then announce the change the old way
	_, err := h.svc.UpdateStatus(h.ctx, item.ID, StatusOwned, nil)
	require.NoError(t, err)
	for _, m := range h.store.Outbox() {
		require.NoError(t, h.store.MarkPublished(h.ctx, m.ID))
	}
	h.publish(t, "Libraries", legacyEventItemUpdated, StatusChanged{AggregateID: item.ID.String()})
	h.settle(t)

	row, err := h.projection.GetByID(h.ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOwned, row.Status)
	assert.Equal(t, 2, row.Version)
}

func TestRoutersCoverSubjects(t *testing.T) {
	c := NewConsumers(nil, nil, logger.Nop())

	for _, tt := range []struct {
		build func() (*messaging.Router, error)
		want  []string
	}{
		{c.UsersRouter, []string{SubjectUserDeleted}},
		{c.GamesRouter, []string{SubjectGameDeleted}},
		{c.PaymentsRouter, []string{SubjectPaymentApproved, SubjectPaymentFailed, legacySubjectPaymentApproved, legacySubjectPaymentFailed}},
		{c.LibrariesRouter, []string{EventItemCreated, EventItemStatusUpdated, EventItemDeleted, legacyEventItemUpdated}},
	} {
		r, err := tt.build()
		require.NoError(t, err)
		assert.ElementsMatch(t, tt.want, r.Subjects())
	}
}

func TestParseRef(t *testing.T) {
	id := uuid.New()

	got, err := parseRef("", " "+id.String()+" ")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = parseRef(id.String(), "not-used")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = parseRef("", "")
	assert.Error(t, err)
	_, err = parseRef("abc")
	assert.Error(t, err)
}
