package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fcglibraries/internal/platform/ctxutil"
	"fcglibraries/internal/platform/logger"
)

func newTestServer(t *testing.T) (*harness, *httptest.Server) {
	t.Helper()
	h := newHarness(t)
	srv := httptest.NewServer(NewHandler(h.svc, logger.Nop()).Routes())
	t.Cleanup(srv.Close)
	return h, srv
}

func doRequest(t *testing.T, method, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHandlerCreateAccepted(t *testing.T) {
	h, srv := newTestServer(t)
	userID, gameID := h.knownPair(price(59.90))

	body := fmt.Sprintf(`{"UserId":%q,"GameId":%q,"PricePaid":59.90,"PaymentType":0}`, userID, gameID)
	resp := doRequest(t, http.MethodPost, srv.URL+"/libraries", body, map[string]string{ctxutil.HeaderCorrelationID: "corr-http"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "corr-http", resp.Header.Get(ctxutil.HeaderCorrelationID))

	var out struct {
		Item          Item   `json:"item"`
		CorrelationID string `json:"correlationId"`
	}
	decodeBody(t, resp, &out)
	assert.Equal(t, "corr-http", out.CorrelationID)
	assert.Equal(t, StatusRequested, out.Item.Status)
	assert.Equal(t, PaymentCard, *out.Item.PaymentType)
	assert.Equal(t, "/libraries/"+out.Item.ID.String(), resp.Header.Get("Location"))

	h.settle(t)
	resp = doRequest(t, http.MethodGet, srv.URL+resp.Header.Get("Location"), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got Item
	decodeBody(t, resp, &got)
	assert.Equal(t, out.Item.ID, got.ID)
	assert.Equal(t, userID, got.UserID)
}

func TestHandlerGeneratesCorrelationID(t *testing.T) {
	_, srv := newTestServer(t)
	resp := doRequest(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := uuid.Parse(resp.Header.Get(ctxutil.HeaderCorrelationID))
	assert.NoError(t, err)
}

func TestHandlerCreateErrors(t *testing.T) {
	h, srv := newTestServer(t)
	userID, gameID := h.knownPair(price(100))
	_, err := h.svc.CreateItem(h.ctx, CreateItemRequest{UserID: userID, GameID: gameID})
	require.NoError(t, err)
	otherUser := uuid.New()
	h.users.add(otherUser)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"userId":`, http.StatusBadRequest},
		{"bad uuid", `{"userId":"u-1","gameId":"g-1"}`, http.StatusBadRequest},
		{"negative price", fmt.Sprintf(`{"userId":%q,"gameId":%q,"pricePaid":-10}`, otherUser, gameID), http.StatusBadRequest},
		{"unknown payment type", fmt.Sprintf(`{"userId":%q,"gameId":%q,"paymentType":"Cash"}`, otherUser, gameID), http.StatusBadRequest},
		{"unknown game", fmt.Sprintf(`{"userId":%q,"gameId":%q}`, otherUser, uuid.New()), http.StatusNotFound},
		{"underpaid", fmt.Sprintf(`{"userId":%q,"gameId":%q,"pricePaid":10}`, otherUser, gameID), http.StatusPaymentRequired},
		{"duplicate", fmt.Sprintf(`{"userId":%q,"gameId":%q}`, userID, gameID), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, srv.URL+"/libraries", tt.body, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
			var out errorResponse
			decodeBody(t, resp, &out)
			assert.NotEmpty(t, out.Error)
			assert.NotEmpty(t, out.CorrelationID)
		})
	}
}

func TestHandlerStatusAndDelete(t *testing.T) {
	h, srv := newTestServer(t)
	userID, gameID := h.knownPair(nil)
	item, err := h.svc.CreateItem(h.ctx, CreateItemRequest{UserID: userID, GameID: gameID})
	require.NoError(t, err)
	paymentID := uuid.New()
	itemURL := srv.URL + "/libraries/" + item.ID.String()

	resp := doRequest(t, http.MethodPatch, itemURL+"/status", fmt.Sprintf(`{"status":"owned","paymentId":%q}`, paymentID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out acceptedResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, StatusOwned, out.Item.Status)
	assert.Equal(t, paymentID, *out.Item.PaymentID)

	resp = doRequest(t, http.MethodPatch, itemURL+"/status", `{"status":2}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = doRequest(t, http.MethodPatch, itemURL+"/status", `{"status":"Refunded"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = doRequest(t, http.MethodPatch, srv.URL+"/libraries/"+uuid.NewString()+"/status", `{"status":"Owned"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, itemURL, "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = doRequest(t, http.MethodDelete, itemURL, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = doRequest(t, http.MethodDelete, srv.URL+"/libraries/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerQueries(t *testing.T) {
	h, srv := newTestServer(t)
	userID, gameID := h.knownPair(nil)
	owned, err := h.svc.CreateItem(h.ctx, CreateItemRequest{UserID: userID, GameID: gameID})
	require.NoError(t, err)
	paymentID := uuid.New()
	_, err = h.svc.UpdateStatus(h.ctx, owned.ID, StatusOwned, &paymentID)
	require.NoError(t, err)
	otherGame := uuid.New()
	h.catalog.add(otherGame, nil)
	requested, err := h.svc.CreateItem(h.ctx, CreateItemRequest{UserID: userID, GameID: otherGame})
	require.NoError(t, err)
	h.settle(t)

	tests := []struct {
		path string
		want []uuid.UUID
	}{
		{"/libraries", []uuid.UUID{owned.ID, requested.ID}},
		{"/libraries/all", []uuid.UUID{owned.ID, requested.ID}},
		{"/libraries?userId=" + userID.String() + "&status=Owned", []uuid.UUID{owned.ID}},
		{"/libraries?status=requested,failed", []uuid.UUID{requested.ID}},
		{"/libraries?gameId=" + otherGame.String(), []uuid.UUID{requested.ID}},
		{"/libraries?paymentId=" + paymentID.String(), []uuid.UUID{owned.ID}},
		{"/libraries/users/" + userID.String() + "/acquired", []uuid.UUID{owned.ID}},
		{"/libraries/users/" + userID.String() + "/requested", []uuid.UUID{requested.ID}},
		{"/libraries/acquireds/" + userID.String(), []uuid.UUID{owned.ID}},
		{"/libraries/requesteds/" + userID.String(), []uuid.UUID{requested.ID}},
		{"/libraries/payments/" + paymentID.String(), []uuid.UUID{owned.ID}},
		{"/libraries/game/" + gameID.String(), []uuid.UUID{owned.ID}},
		{"/libraries/users/" + uuid.NewString() + "/acquired", []uuid.UUID{}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := doRequest(t, http.MethodGet, srv.URL+tt.path, "", nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var items []Item
			decodeBody(t, resp, &items)
			got := make([]uuid.UUID, 0, len(items))
			for _, it := range items {
				got = append(got, it.ID)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestHandlerQueryValidation(t *testing.T) {
	_, srv := newTestServer(t)
	for _, path := range []string{
		"/libraries?userId=abc",
		"/libraries?paymentId=123",
		"/libraries?status=Refunded",
		"/libraries/not-a-uuid",
		"/libraries/users/abc/requested",
		"/libraries/game/abc",
	} {
		resp := doRequest(t, http.MethodGet, srv.URL+path, "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/libraries/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type erroringService struct {
	Service
	err error
}

func (s erroringService) CreateItem(context.Context, CreateItemRequest) (*Item, error) {
	return nil, s.err
}

func TestHandlerMapsErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad input", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: item", ErrNotFound), http.StatusNotFound},
		{ErrDuplicate, http.StatusConflict},
		{ErrPaymentRequired, http.StatusPaymentRequired},
		{ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("%w: conflicts", ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			handler := NewHandler(erroringService{err: tt.err}, logger.Nop()).Routes()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/libraries", strings.NewReader(`{}`))
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			var out errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
			if tt.want == http.StatusInternalServerError {
				assert.Equal(t, "internal error", out.Error)
			} else {
				assert.Equal(t, tt.err.Error(), out.Error)
			}
		})
	}
}
