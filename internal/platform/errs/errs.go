// Package errs defines the error taxonomy shared across the platform.
// Services return these kinds instead of raising; the HTTP layer maps
// each kind to a status code and the ingestion pipeline uses them to
// decide between collect, retry, and halt.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	// Validation marks malformed input or a schema violation. Never retried.
	Validation Kind = iota
	// PolicyDeny marks a PBAC or consent refusal. Audited, never converted to success.
	PolicyDeny
	// NotFound marks a missing entity or mapping.
	NotFound
	// Upstream marks a transient provider or storage failure. Retryable with backoff.
	Upstream
	// Integrity marks a hash-chain or checkpoint mismatch. Fatal for the operation.
	Integrity
	// RateLimit marks provider-imposed throttling. Triggers gateway failover.
	RateLimit
	// Timeout marks a reached deadline or caller cancellation. Surfaced unchanged.
	Timeout
	// Internal marks an unexpected condition.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case PolicyDeny:
		return "policy_deny"
	case NotFound:
		return "not_found"
	case Upstream:
		return "upstream"
	case Integrity:
		return "integrity"
	case RateLimit:
		return "rate_limit"
	case Timeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error is a kinded error with an operator-facing reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted reason.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and reason. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether an operation failing with err may be retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Upstream, RateLimit:
		return true
	default:
		return false
	}
}
