// internal/library/errors.go
package library

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicate         = errors.New("library item already exists")
	ErrNotFound          = errors.New("not found")
	ErrPaymentRequired   = errors.New("payment required")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnavailable means retries of a conflicting write ran out.
	ErrUnavailable = errors.New("service temporarily unavailable")
)
