// Package resilience provides generic fault tolerance for named external
// dependencies: error classification, retry with jittered exponential
// backoff, and per-dependency circuit breakers shared across all
// concurrent sessions.
//
// The package has no knowledge of business semantics. Callers classify
// failures as transient or permanent; everything else (gating, retry
// budgets, breaker accounting) happens here.
package resilience

import (
	"context"
	"errors"
	"net"

	"github.com/hanashi-ai/hanashi/internal/model"
)

// ErrCircuitOpen is returned without attempting a call when a
// dependency's circuit is open and the recovery timeout has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// kindError wraps an error with its retry classification.
type kindError struct {
	kind model.ErrorKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Transient marks err as retriable (timeout, connection failure,
// 5xx-equivalent). Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: model.ErrorKindTransient, err: err}
}

// Permanent marks err as non-retriable (auth failure, malformed request,
// 4xx-equivalent). Permanent failures fail fast but still count toward
// the circuit breaker. Returns nil if err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: model.ErrorKindPermanent, err: err}
}

// FromHTTPStatus classifies an HTTP status code: 5xx and 408/429 are
// transient, every other non-2xx is permanent.
func FromHTTPStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	if status >= 500 || status == 408 || status == 429 {
		return Transient(err)
	}
	return Permanent(err)
}

// KindOf returns the classification of err. Unclassified network errors
// and context deadlines count as transient; anything else unclassified
// is permanent, so unknown failures never burn the retry budget.
func KindOf(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}
	if errors.Is(err, ErrCircuitOpen) {
		return model.ErrorKindCircuitOpen
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorKindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return model.ErrorKindTransient
	}
	return model.ErrorKindPermanent
}

// IsRetriable reports whether err should be retried by the resilience layer.
func IsRetriable(err error) bool {
	return KindOf(err) == model.ErrorKindTransient
}
