package nopwd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/nopwd/api"
)

var (
	// ErrAborted is returned when the caller cancels an operation or the
	// user dismisses a credential prompt.
	ErrAborted = api.ErrAborted
	// ErrNetwork is returned when the service could not be reached.
	ErrNetwork = api.ErrNetwork

	ErrMissingEmail              = errors.New("missing email")
	ErrInvalidEmail              = errors.New("invalid email")
	ErrWebauthnNotSupported      = errors.New("webauthn not supported")
	ErrUnknownChallengeOrPasskey = errors.New("unknown challenge or passkey")
	ErrInvalidSignature          = errors.New("invalid signature")
	ErrMissingCodeParameter      = errors.New("missing code parameter")
	ErrInvalidCodeParameter      = errors.New("invalid or expired code parameter")
	ErrMissingToken              = errors.New("missing token")
	ErrInvalidToken              = errors.New("invalid token")
	ErrUnknownPasskey            = errors.New("unknown passkey")

	// ErrQuota matches every *QuotaError.
	ErrQuota = errors.New("quota exceeded")
)

// QuotaError is returned when the service rate-limits the caller. RetryAt is
// zero when the service did not say when to retry.
type QuotaError struct {
	RetryAt time.Time
}

func (e *QuotaError) Error() string {
	if e.RetryAt.IsZero() {
		return ErrQuota.Error()
	}
	return fmt.Sprintf("%s, retry at %s", ErrQuota, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuota }

// UnexpectedError wraps a failure outside the taxonomy.
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error: %v", e.Err)
}

func (e *UnexpectedError) Unwrap() error { return e.Err }

// Unexpected wraps err in an *UnexpectedError unless it is nil or already one.
func Unexpected(err error) error {
	if err == nil {
		return nil
	}
	var ue *UnexpectedError
	if errors.As(err, &ue) {
		return err
	}
	return &UnexpectedError{Err: err}
}

// Quota converts an api rate-limit error into a *QuotaError. Other errors are
// returned unchanged.
func Quota(err error) error {
	if at, ok := api.RetryAt(err); ok {
		return &QuotaError{RetryAt: at}
	}
	return err
}

// Propagate returns err as-is when it is an abort or network failure,
// converts rate limits to *QuotaError, and returns nil otherwise so the
// caller can apply its own mapping.
func Propagate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAborted), errors.Is(err, ErrNetwork):
		return err
	case errors.Is(err, ErrQuota):
		return err
	case errors.Is(err, api.ErrTooManyRequests):
		return Quota(err)
	}
	return nil
}

// Kind is the coarse class of an error, telling a caller whether to retry,
// ask the user to log in again, or stay silent.
type Kind int

const (
	KindNone Kind = iota
	// KindAbort: cancelled by the caller or user. Never retried.
	KindAbort
	// KindNetwork: transport failure. Retryable.
	KindNetwork
	// KindRateLimit: retryable after the QuotaError's RetryAt.
	KindRateLimit
	// KindProtocol: the service rejected a credential, signature or code.
	KindProtocol
	// KindValidation: caller input was malformed.
	KindValidation
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAbort:
		return "abort"
	case KindNetwork:
		return "network"
	case KindRateLimit:
		return "rate_limit"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	default:
		return "unexpected"
	}
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return KindAbort
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	case errors.Is(err, ErrQuota), errors.Is(err, api.ErrTooManyRequests):
		return KindRateLimit
	}

	var ue *UnexpectedError
	if errors.As(err, &ue) {
		return KindUnexpected
	}

	switch {
	case errors.Is(err, ErrMissingEmail),
		errors.Is(err, ErrInvalidEmail),
		errors.Is(err, ErrMissingToken),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrMissingCodeParameter),
		errors.Is(err, ErrWebauthnNotSupported),
		errors.Is(err, api.ErrBadRequest):
		return KindValidation
	case errors.Is(err, ErrUnknownChallengeOrPasskey),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrInvalidCodeParameter),
		errors.Is(err, ErrUnknownPasskey),
		errors.Is(err, api.ErrUnauthorized),
		errors.Is(err, api.ErrForbidden),
		errors.Is(err, api.ErrNotFound):
		return KindProtocol
	}
	return KindUnexpected
}

// Retryable reports whether the operation that failed with err may succeed
// if repeated later.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindNetwork || k == KindRateLimit
}
