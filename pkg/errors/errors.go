package apperrors

import (
	"errors"
	"fmt"
)

// Standardized engine errors
var (
	ErrUnparseableSignal = errors.New("unparseable signal")
	ErrFilterBlocked     = errors.New("signal blocked by filter")
	ErrNoPrice           = errors.New("no usable price")
	ErrAuthExpired       = errors.New("access token expired")
	ErrAuthRequired      = errors.New("account needs re-authentication")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrBrokerRejected    = errors.New("order rejected by broker")
	ErrEndpointMismatch  = errors.New("account routed to wrong endpoint family")
	ErrInconsistent      = errors.New("virtual and broker state inconsistent")
	ErrFlattenFailed     = errors.New("force flatten failed")
	ErrTransient         = errors.New("transient broker error")
	ErrOrderNotFound     = errors.New("order not found")
	ErrUnknownRecorder   = errors.New("unknown webhook token")
	ErrUnknownTicker     = errors.New("unmapped ticker")
	ErrDuplicateSignal   = errors.New("duplicate signal")
)

// Kind classifies an error for logging, metrics and event payloads.
type Kind string

const (
	KindUnparseable      Kind = "unparseable_signal"
	KindFilterBlocked    Kind = "filter_blocked"
	KindNoPrice          Kind = "no_price"
	KindAuthExpired      Kind = "auth_expired"
	KindAuthRequired     Kind = "auth_required"
	KindRateLimited      Kind = "rate_limited"
	KindBrokerRejected   Kind = "broker_rejected"
	KindEndpointMismatch Kind = "endpoint_mismatch"
	KindInconsistent     Kind = "inconsistent"
	KindFlattenFailed    Kind = "flatten_failed"
	KindTransient        Kind = "transient"
	KindInternal         Kind = "internal"
)

// KindOf maps an error chain onto its Kind. Unrecognized errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnparseableSignal):
		return KindUnparseable
	case errors.Is(err, ErrFilterBlocked):
		return KindFilterBlocked
	case errors.Is(err, ErrNoPrice):
		return KindNoPrice
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrBrokerRejected):
		return KindBrokerRejected
	case errors.Is(err, ErrEndpointMismatch):
		return KindEndpointMismatch
	case errors.Is(err, ErrInconsistent):
		return KindInconsistent
	case errors.Is(err, ErrFlattenFailed):
		return KindFlattenFailed
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindInternal
	}
}

// Transient reports whether the error is worth a local retry.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// RejectionError carries the broker's structured rejection fields.
type RejectionError struct {
	FailureReason string
	FailureText   string
}

func (e *RejectionError) Error() string {
	if e.FailureText != "" {
		return fmt.Sprintf("order rejected by broker: %s (%s)", e.FailureReason, e.FailureText)
	}
	return fmt.Sprintf("order rejected by broker: %s", e.FailureReason)
}

// Unwrap ties every rejection into the ErrBrokerRejected chain.
func (e *RejectionError) Unwrap() error { return ErrBrokerRejected }

// FilterError names the filter that blocked a signal.
type FilterError struct {
	Filter string
	Detail string
}

func (e *FilterError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("signal blocked by filter %s: %s", e.Filter, e.Detail)
	}
	return fmt.Sprintf("signal blocked by filter %s", e.Filter)
}

func (e *FilterError) Unwrap() error { return ErrFilterBlocked }
