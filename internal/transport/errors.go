// Package transport provides the HTTP client for the syncbox server API
// with automatic retry, exponential backoff, and error classification.
package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification.
// Use errors.Is(err, transport.ErrNotFound) to check.
var (
	ErrBadRequest  = errors.New("transport: bad request")
	ErrNotFound    = errors.New("transport: not found")
	ErrConflict    = errors.New("transport: conflict")
	ErrTooLarge    = errors.New("transport: payload too large")
	ErrUnavailable = errors.New("transport: service unavailable")
	ErrServerError = errors.New("transport: server error")
)

// APIError wraps a sentinel with the HTTP status code and the server's
// error message body.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ConflictError is the parsed 409 body: the server diverted this upload
// into a conflict copy. The sync engine uses the fields to adopt the
// server's state and surface the conflict.
type ConflictError struct {
	WinnerClientID     string
	WinnerLastModified int64
	ConflictFileName   string
	ConflictID         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transport: conflict %s: lost to %s, saved as %s",
		e.ConflictID, e.WinnerClientID, e.ConflictFileName)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status should be retried.
// 503 from the supervisor means no healthy workers right now — worth a
// short retry while crash recovery runs.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
