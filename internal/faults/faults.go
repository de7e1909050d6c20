// Package faults defines the error taxonomy shared by every store and
// pipeline component. Callers match on the concrete types with errors.As so
// a missing memory is never confused with an unreachable backend.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NotFoundError indicates the named resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// UnavailableError indicates a backing store is unreachable. It is always
// surfaced distinctly from NotFoundError so retries and alerts target the
// right failure.
type UnavailableError struct {
	Store string
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s store unavailable: %v", e.Store, e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// PermissionDeniedError indicates a namespace mismatch or a failed
// access-control check. Fails closed.
type PermissionDeniedError struct {
	Reason string
}

func (e *PermissionDeniedError) Error() string {
	return "permission denied: " + e.Reason
}

// ValidationError indicates malformed input rejected before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness violation, e.g. re-creating an
// existing memory.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// UpstreamKind distinguishes provider failure modes after retry exhaustion.
type UpstreamKind string

const (
	UpstreamTimeout   UpstreamKind = "timeout"
	UpstreamRateLimit UpstreamKind = "rate-limit"
	UpstreamOther     UpstreamKind = "other"
)

// UpstreamError indicates an extraction or embedding provider failure that
// survived the bounded retry policy.
type UpstreamError struct {
	Provider string
	Kind     UpstreamKind
	Cause    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error (%s): %v", e.Provider, e.Kind, e.Cause)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// TransientDisconnectError indicates a transport-level loss mid-operation.
// Unlike the other taxonomy members it is retried automatically with backoff.
type TransientDisconnectError struct {
	Cause error
}

func (e *TransientDisconnectError) Error() string {
	return fmt.Sprintf("transient disconnect: %v", e.Cause)
}

func (e *TransientDisconnectError) Unwrap() error { return e.Cause }

// Class is the closed classification applied once at the transport boundary.
type Class int

const (
	ClassOther Class = iota
	ClassNotFound
	ClassUnavailable
	ClassPermissionDenied
	ClassValidation
	ClassConflict
	ClassUpstream
	ClassTransientDisconnect
)

// Classify maps an error to its taxonomy class. Typed errors win; otherwise
// transport-level causes (grpc status codes, net errors, context deadlines)
// are inspected exactly once here rather than by recursive unwrapping at
// every call site.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}

	var nf *NotFoundError
	if errors.As(err, &nf) {
		return ClassNotFound
	}
	var un *UnavailableError
	if errors.As(err, &un) {
		return ClassUnavailable
	}
	var pd *PermissionDeniedError
	if errors.As(err, &pd) {
		return ClassPermissionDenied
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ClassValidation
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ClassConflict
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ClassUpstream
	}
	var td *TransientDisconnectError
	if errors.As(err, &td) {
		return ClassTransientDisconnect
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.NotFound:
			return ClassNotFound
		case codes.Unavailable:
			return ClassUnavailable
		case codes.PermissionDenied:
			return ClassPermissionDenied
		case codes.InvalidArgument:
			return ClassValidation
		case codes.DeadlineExceeded:
			return ClassUpstream
		}
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ClassUnavailable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ClassTransientDisconnect
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransientDisconnect
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassUpstream
	}
	return ClassOther
}

// Retryable reports whether the transport layer may silently retry the
// failed operation. Only transient disconnects qualify.
func Retryable(err error) bool {
	return Classify(err) == ClassTransientDisconnect
}
