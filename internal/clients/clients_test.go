package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fcglibraries/internal/platform/ctxutil"
)

func TestUsersClientExists(t *testing.T) {
	known := uuid.New()
	var gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(ctxutil.HeaderCorrelationID)
		if r.URL.Path == "/api/"+known.String() {
			_, _ = w.Write([]byte(`{"id":"` + known.String() + `"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewUsersClient(srv.URL+"/", time.Second)
	ctx := ctxutil.WithCorrelationID(context.Background(), "corr-1")

	ok, err := c.Exists(ctx, known)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "corr-1", gotCorrelation)

	ok, err = c.Exists(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUsersClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewUsersClient(srv.URL, time.Second).Exists(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestCatalogClientGetGamePrice(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *float64
	}{
		{"number", `{"price": 59.9}`, ptr(59.9)},
		{"pascal case", `{"Price": 10}`, ptr(10)},
		{"numeric string", `{"price": " 19.50 "}`, ptr(19.5)},
		{"garbage string", `{"price": "free"}`, nil},
		{"missing", `{"title": "x"}`, nil},
		{"null", `{"price": null}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			game, err := NewCatalogClient(srv.URL, time.Second).GetGame(context.Background(), uuid.New())
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, game.Price)
				return
			}
			require.NotNil(t, game.Price)
			assert.InDelta(t, *tt.want, *game.Price, 1e-9)
		})
	}
}

func TestCatalogClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewCatalogClient(srv.URL, time.Second).GetGame(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewCatalogClient(srv.URL, time.Second)
	for i := 0; i < 8; i++ {
		_, err := c.GetGame(context.Background(), uuid.New())
		assert.Error(t, err)
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewUsersClient(srv.URL, time.Second)
	for i := 0; i < 8; i++ {
		ok, err := c.Exists(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, int32(8), calls.Load())
}

func ptr(f float64) *float64 { return &f }
