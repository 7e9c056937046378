package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, Envelope) error { return nil }

func TestNewRouterValidation(t *testing.T) {
	tests := []struct {
		name   string
		routes []Route
	}{
		{"empty table", nil},
		{"blank subject", []Route{{Subject: "  ", Handler: noop}}},
		{"nil handler", []Route{{Subject: "A"}}},
		{"duplicate subject", []Route{{Subject: "A", Handler: noop}, {Subject: "A", Handler: noop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouter(tt.routes...)
			assert.Error(t, err)
		})
	}
}

func TestRouterDispatch(t *testing.T) {
	var got string
	r, err := NewRouter(
		Route{Subject: "B", Handler: noop},
		Route{Subject: "A", Handler: func(_ context.Context, env Envelope) error {
			got = env.Subject
			return nil
		}},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, r.Subjects())

	require.NoError(t, r.Dispatch(context.Background(), Envelope{Subject: "A"}))
	assert.Equal(t, "A", got)

	err = r.Dispatch(context.Background(), Envelope{Subject: "Z"})
	assert.ErrorIs(t, err, ErrUnknownSubject)
}

func TestHandleDecodesBody(t *testing.T) {
	type payload struct {
		UserID string `json:"userId"`
	}
	var seen payload
	h := Handle(func(_ context.Context, msg payload, _ Envelope) error {
		seen = msg
		return nil
	})

	require.NoError(t, h(context.Background(), Envelope{Body: []byte(`{"userId":"u-1"}`)}))
	assert.Equal(t, "u-1", seen.UserID)

	err := h(context.Background(), Envelope{Body: []byte(`{not json`)})
	assert.True(t, IsPermanent(err))
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("bad transition")
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))

	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
}
