// internal/clients/remote.go

// Package clients performs the remote existence lookups against the users
// and catalog services.
package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fcglibraries/internal/platform/ctxutil"
)

// ErrNotFound means the remote service answered 404 for the entity.
var ErrNotFound = errors.New("remote entity not found")

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 20

// remote is a GET-only JSON client guarded by a circuit breaker. A 404 is an
// answer, not a failure, and does not count against the breaker.
type remote struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func newRemote(name, baseURL string, timeout time.Duration) *remote {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &remote{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound)
			},
		}),
	}
}

func (r *remote) get(ctx context.Context, path string) ([]byte, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return r.do(ctx, path)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s unavailable: %w", r.name, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (r *remote) do(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if id := ctxutil.CorrelationID(ctx); id != "" {
		req.Header.Set(ctxutil.HeaderCorrelationID, id)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", r.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s read body: %w", r.name, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%s: unexpected status code: %d", r.name, resp.StatusCode)
	}
	return body, nil
}
