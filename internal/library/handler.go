// internal/library/handler.go
package library

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"fcglibraries/internal/platform/ctxutil"
	"fcglibraries/internal/platform/logger"
)

type Handler struct {
	service Service
	log     *logger.Logger
}

func NewHandler(service Service, log *logger.Logger) *Handler {
	return &Handler{service: service, log: log.With("component", "http")}
}

// Routes mounts the HTTP surface.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(CorrelationID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/libraries", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Get("/users/{userId}/acquired", h.handleAcquired)
		r.Get("/users/{userId}/requested", h.handleRequested)
		r.Get("/{id}", h.handleGet)
		r.Patch("/{id}/status", h.handleUpdateStatus)
		r.Delete("/{id}", h.handleDelete)

		// paths of the previous API
		r.Get("/all", h.handleList)
		r.Get("/acquireds/{userId}", h.handleAcquired)
		r.Get("/requesteds/{userId}", h.handleRequested)
		r.Get("/payments/{paymentId}", h.handleByPayment)
		r.Get("/game/{gameId}", h.handleByGame)
	})
	return r
}

// CorrelationID takes the request's X-Correlation-ID or generates one, stores
// it in the context and echoes it on the response.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(ctxutil.HeaderCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(ctxutil.HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(ctxutil.WithCorrelationID(r.Context(), id)))
	})
}

type acceptedResponse struct {
	Item          *Item  `json:"item"`
	CorrelationID string `json:"correlationId"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Join(ErrValidation, err))
		return
	}

	item, err := h.service.CreateItem(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/libraries/"+item.ID.String())
	writeJSON(w, http.StatusAccepted, acceptedResponse{Item: item, CorrelationID: ctxutil.CorrelationID(r.Context())})
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Status    Status     `json:"status"`
		PaymentID *uuid.UUID `json:"paymentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.Join(ErrValidation, err))
		return
	}

	item, err := h.service.UpdateStatus(r.Context(), id, req.Status, req.PaymentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Item: item, CorrelationID: ctxutil.CorrelationID(r.Context())})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	item, err := h.service.DeleteItem(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Item: item, CorrelationID: ctxutil.CorrelationID(r.Context())})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeItems(w, r, f)
}

func (h *Handler) handleByPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "paymentId")
	if !ok {
		return
	}
	h.writeItems(w, r, Filter{PaymentID: &id})
}

func (h *Handler) handleByGame(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "gameId")
	if !ok {
		return
	}
	h.writeItems(w, r, Filter{GameID: &id})
}

func (h *Handler) handleAcquired(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userId")
	if !ok {
		return
	}
	items, err := h.service.AcquiredByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleRequested(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userId")
	if !ok {
		return
	}
	items, err := h.service.RequestedByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) writeItems(w http.ResponseWriter, r *http.Request, f Filter) {
	items, err := h.service.ListItems(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, r, errors.Join(ErrValidation, errors.New("invalid "+param)))
		return uuid.Nil, false
	}
	return id, true
}

func filterFromQuery(r *http.Request) (Filter, error) {
	var f Filter
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  **uuid.UUID
	}{
		{"userId", &f.UserID},
		{"gameId", &f.GameID},
		{"paymentId", &f.PaymentID},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return Filter{}, errors.Join(ErrValidation, errors.New("invalid "+p.name))
		}
		*p.dst = &id
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, err := ParseStatus(part)
			if err != nil {
				return Filter{}, err
			}
			f.Statuses = append(f.Statuses, s)
		}
	}
	return f, nil
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, ErrPaymentRequired):
		status = http.StatusPaymentRequired
	case errors.Is(err, ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	corr := ctxutil.CorrelationID(r.Context())
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "correlation_id", corr, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, CorrelationID: corr})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
