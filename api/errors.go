package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error kinds. Every error returned by Client.Do wraps exactly one of these.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrTooManyRequests = errors.New("too many requests")
	ErrInternal        = errors.New("internal server error")
	// ErrNetwork means the request never produced an HTTP response.
	ErrNetwork = errors.New("network error")
	// ErrAborted means the caller cancelled the context.
	ErrAborted = errors.New("aborted")
)

// StatusError is a non-2xx response other than 429.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// Unwrap returns the error kind for the status.
func (e *StatusError) Unwrap() error {
	return kindForStatus(e.Status)
}

// TooManyRequestsError is a 429 response. RetryAt is zero when the server
// gave no hint.
type TooManyRequestsError struct {
	RetryAt time.Time
	Message string
}

func (e *TooManyRequestsError) Error() string {
	if e.RetryAt.IsZero() {
		return "api: 429 too many requests"
	}
	return fmt.Sprintf("api: 429 too many requests, retry at %s", e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *TooManyRequestsError) Unwrap() error { return ErrTooManyRequests }

func kindForStatus(status int) error {
	switch status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrTooManyRequests
	default:
		return ErrInternal
	}
}

// RetryAt extracts the retry-at hint from a rate-limit error.
func RetryAt(err error) (time.Time, bool) {
	var tmr *TooManyRequestsError
	if errors.As(err, &tmr) {
		return tmr.RetryAt, true
	}
	return time.Time{}, false
}

// IsTransient reports whether err is a network failure, an abort or a rate
// limit, the three outcomes that never invalidate local state.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrAborted) || errors.Is(err, ErrTooManyRequests)
}
