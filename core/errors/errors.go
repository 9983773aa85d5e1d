// Package errors defines the structured error taxonomy shared across the
// routing, orchestration, and human-in-loop core.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Code identifies the kind of failure independent of the originating
// provider or component.
type Code string

const (
	// CodeTransport is a connectivity or I/O failure at a provider.
	CodeTransport Code = "TRANSPORT"
	// CodeProviderError is a provider-reported semantic error (bad request,
	// quota, content filter). Treated as Transport for failover purposes.
	CodeProviderError Code = "PROVIDER_ERROR"
	// CodeNoHealthyProvider means every candidate was excluded or unhealthy.
	CodeNoHealthyProvider Code = "NO_HEALTHY_PROVIDER"
	// CodeRateLimited marks a rate-limit denial; the Error carries no
	// retry-after time, and the caller decides what to do.
	CodeRateLimited Code = "RATE_LIMITED"
	// CodeTimeout is a per-call or per-orchestration timeout.
	CodeTimeout Code = "TIMEOUT"
	// CodeCancelled propagates immediately and is never retried.
	CodeCancelled Code = "CANCELLED"
	// CodeRejected is a terminal approval rejection.
	CodeRejected Code = "REJECTED"
	// CodeTimedOut is a terminal approval timeout (no default-approve policy).
	CodeTimedOut Code = "TIMED_OUT"
	// CodeEscalation is a distinguished failure carrying structured fields;
	// it travels through the agent layer until caught by the HITL wrapper.
	CodeEscalation Code = "ESCALATION"
	// CodeConfiguration flags invalid options detected at construction.
	CodeConfiguration Code = "CONFIGURATION"
)

// Error is the structured error type threaded through results.
type Error struct {
	Code      Code
	Message   string
	Provider  string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithProvider attaches a provider name and returns the receiver.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRetryable marks the error retryable or not and returns the receiver.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// CodeOf extracts the Code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsCancelled reports whether err represents cancellation, which must never
// be retried and never updates provider health.
func IsCancelled(err error) bool {
	return CodeOf(err) == CodeCancelled || errors.Is(err, context.Canceled)
}

// EscalationDetail carries the structured fields of an escalation failure.
type EscalationDetail struct {
	Reason             string
	Description        string
	AttemptedSolutions []string
	Context            map[string]any
}

// Escalation is the distinguished failure the human-in-loop wrapper catches
// specifically, rather than treating it as an ordinary error.
type Escalation struct {
	Detail EscalationDetail
}

func (e *Escalation) Error() string {
	return fmt.Sprintf("escalation: %s: %s", e.Detail.Reason, e.Detail.Description)
}

// NewEscalation builds an Escalation error.
func NewEscalation(detail EscalationDetail) *Escalation {
	return &Escalation{Detail: detail}
}

// AsEscalation reports whether err is (or wraps) an *Escalation.
func AsEscalation(err error) (*Escalation, bool) {
	var esc *Escalation
	if errors.As(err, &esc) {
		return esc, true
	}
	return nil, false
}
