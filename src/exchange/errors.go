package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies every failure the platform produces. Venue connectors map
// raw errors into this taxonomy; everything above them branches on Kind only.
type Kind string

const (
	KindInvalidParams Kind = "invalid_params"
	KindNotFound      Kind = "not_found"
	KindUnauthorized  Kind = "unauthorized"
	KindBadState      Kind = "bad_state"
	KindRiskReject    Kind = "risk_reject"
	KindTransient     Kind = "transient"
	KindRateLimited   Kind = "rate_limited"
	KindAuthFailed    Kind = "auth_failed"
	KindPermanent     Kind = "permanent"
	KindCircuitOpen   Kind = "circuit_open"
	KindCancelled     Kind = "cancelled"
	KindUnknown       Kind = "unknown"
)

// Error carries a Kind plus the operation that failed. RetryAfter is only
// set on rate-limit errors when the venue supplied a hint.
type Error struct {
	Kind       Kind
	Op         string
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimitedError builds a rate-limit error carrying the venue's
// retry-after hint (zero when none was provided).
func RateLimitedError(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf unwraps err to its taxonomy kind. Context cancellation maps to
// Cancelled, deadline expiry to Transient, anything untyped to Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the reliable executor may retry this error.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// RetryAfterHint extracts a venue-provided retry-after, zero when absent.
func RetryAfterHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
