// Package apierrors defines the proxy's error taxonomy (spec.md §7): the
// fixed set of outcomes the request pipeline can hit, each carrying enough
// detail for internal/proxyhandler to shape the HTTP response without the
// handler needing to know anything about buckets, locks, or scripts.
package apierrors

import (
	"fmt"
	"time"
)

// Kind identifies one row of the error taxonomy table.
type Kind string

const (
	KindRejectedGlobal    Kind = "rejected_global"
	KindRejectedRoute     Kind = "rejected_route"
	KindAbortGateOpen     Kind = "abort_gate_open"
	KindStoreOverloaded   Kind = "store_overloaded"
	KindLockWaitExhausted Kind = "lock_wait_exhausted"
	KindBadAuth           Kind = "bad_auth"
	KindUpstreamTransport Kind = "upstream_transport"
	KindInternal          Kind = "internal"
)

// StatusCode returns the HTTP status the taxonomy assigns to kind.
func (k Kind) StatusCode() int {
	switch k {
	case KindRejectedGlobal, KindRejectedRoute:
		return 429
	case KindAbortGateOpen, KindStoreOverloaded:
		return 503
	case KindLockWaitExhausted:
		return 408
	case KindBadAuth:
		return 401
	case KindUpstreamTransport:
		return 502
	case KindInternal:
		return 500
	default:
		return 500
	}
}

// Error is the error type returned by the admission/discovery/overload
// components for every non-admit outcome.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // used by RejectedGlobal, RejectedRoute
	Bucket     string        // route-id, for X-RateLimit-Bucket
	Scope      string        // "global", "user", "shared"
	Limit      int           // discovered limit, if known
	Err        error         // wrapped cause, for UpstreamTransport/Internal
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by Kind so callers can write errors.Is(err, apierrors.RejectedGlobal).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind && other.Message == "" && other.Err == nil
}

// Sentinel instances for errors.Is comparisons against a bare Kind.
var (
	RejectedGlobal    = &Error{Kind: KindRejectedGlobal}
	RejectedRoute     = &Error{Kind: KindRejectedRoute}
	AbortGateOpen     = &Error{Kind: KindAbortGateOpen}
	StoreOverloaded   = &Error{Kind: KindStoreOverloaded}
	LockWaitExhausted = &Error{Kind: KindLockWaitExhausted}
	BadAuth           = &Error{Kind: KindBadAuth}
)

// New builds an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
