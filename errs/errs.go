// Package errs provides structured error types and helpers for pulse components.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies a failure category used by retry and escalation policies.
type Code string

const (
	// CodeNetwork indicates a transient network transport failure.
	CodeNetwork Code = "network"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeProtocol indicates a malformed or unexpected message on the stream.
	CodeProtocol Code = "protocol"
	// CodeExhausted indicates a retry budget or resource was used up.
	CodeExhausted Code = "exhausted"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeBreakerOpen indicates a call was rejected by an open circuit breaker.
	CodeBreakerOpen Code = "breaker_open"
)

// E captures structured error information produced across the pulse stack.
type E struct {
	Component  string
	Code       Code
	Message    string
	RetryAfter time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryAfter records the delay a rate-limited peer asked us to honor.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure category from err, unwrapping as needed.
// Errors that carry no envelope classify as CodeNetwork: unknown failures
// on a streaming path are treated as transient and retried.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeNetwork
}

// IsCode reports whether err classifies as the given code.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// Retryable reports whether the connection layer should retry after err.
// Auth failures need new credentials, invalid requests need a fixed caller,
// and an exhausted budget has already retried.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeAuth, CodeInvalid, CodeExhausted:
		return false
	default:
		return true
	}
}

// RetryAfterHint returns the delay embedded in a rate-limit error, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e *E
	if errors.As(err, &e) && e != nil && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// Exhausted returns a standardized error for a spent retry budget.
func Exhausted(component string, attempts int, cause error) *E {
	return New(component, CodeExhausted,
		WithMessage("retry budget exhausted after "+strconv.Itoa(attempts)+" attempts"),
		WithCause(cause))
}
