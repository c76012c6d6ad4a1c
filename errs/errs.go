// Package errs provides the structured error envelope used across the proxy.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a proxy error category.
type Code string

const (
	// CodeUnknownAsset indicates a subscribe for an unmapped asset name.
	CodeUnknownAsset Code = "unknown_asset"
	// CodeNotReady indicates a command issued before the upstream link is ready.
	CodeNotReady Code = "not_ready"
	// CodeBadOrder indicates an order request that failed validation.
	CodeBadOrder Code = "bad_order"
	// CodeAuthRejected indicates a terminal upstream authentication rejection.
	CodeAuthRejected Code = "auth_rejected"
	// CodeUpstreamLost indicates transport closure or a protocol parse failure.
	CodeUpstreamLost Code = "upstream_lost"
	// CodeAmbiguousBalance indicates a balance shape matched only by fallback.
	CodeAmbiguousBalance Code = "ambiguous_balance"
	// CodeInvalid indicates malformed input from the downstream client.
	CodeInvalid Code = "invalid_request"
)

// E captures structured error information produced across the proxy.
type E struct {
	Scope   string
	Code    Code
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		Message: "",
		cause:   nil,
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

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "proxy"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the proxy error code from err, or empty when err is not an E.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// UserMessage returns the message suited for the downstream error event.
func UserMessage(err error) string {
	for err != nil {
		if e, ok := err.(*E); ok && e.Message != "" {
			return e.Message
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
