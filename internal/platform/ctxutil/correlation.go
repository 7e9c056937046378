// internal/platform/ctxutil/correlation.go
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

// HeaderCorrelationID is the HTTP header carrying the correlation id.
const HeaderCorrelationID = "X-Correlation-ID"

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored in ctx, or "" when none was set.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelationID returns ctx carrying an id, generating one if needed.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}
