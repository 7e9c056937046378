// internal/messaging/router.go
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownSubject = errors.New("unknown subject")

// HandlerFunc applies the effect of one envelope.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Route binds a subject to its handler.
type Route struct {
	Subject string
	Handler HandlerFunc
}

// Router is the subject dispatch table of one topic.
type Router struct {
	routes map[string]HandlerFunc
}

// NewRouter validates the table: subjects must be non-empty and unique and
// every handler must be set.
func NewRouter(routes ...Route) (*Router, error) {
	r := &Router{routes: make(map[string]HandlerFunc, len(routes))}
	for _, route := range routes {
		subject := strings.TrimSpace(route.Subject)
		if subject == "" {
			return nil, errors.New("route with empty subject")
		}
		if route.Handler == nil {
			return nil, fmt.Errorf("route %q has no handler", subject)
		}
		if _, dup := r.routes[subject]; dup {
			return nil, fmt.Errorf("duplicate route for subject %q", subject)
		}
		r.routes[subject] = route.Handler
	}
	if len(r.routes) == 0 {
		return nil, errors.New("router needs at least one route")
	}
	return r, nil
}

// Dispatch runs the handler registered for env.Subject. Unregistered subjects
// return ErrUnknownSubject.
func (r *Router) Dispatch(ctx context.Context, env Envelope) error {
	h, ok := r.routes[env.Subject]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubject, env.Subject)
	}
	return h(ctx, env)
}

func (r *Router) Subjects() []string {
	out := make([]string, 0, len(r.routes))
	for s := range r.routes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Handle adapts a typed handler. A body that does not decode into T is a
// permanent failure.
func Handle[T any](fn func(ctx context.Context, msg T, env Envelope) error) HandlerFunc {
	return func(ctx context.Context, env Envelope) error {
		var msg T
		if err := Decode(env.Body, &msg); err != nil {
			return Permanent(err)
		}
		return fn(ctx, msg, env)
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
