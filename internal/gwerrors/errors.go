// Package gwerrors defines the gateway's error taxonomy: a closed set of
// Kind values that every component reports through, independent of the
// transport that eventually renders them as an HTTP status or a JSON-RPC
// error code.
package gwerrors

import (
	"errors"
	"fmt"
)

// Kind identifies the class of an error per the gateway's error taxonomy.
// Kind values are stable across transports; HTTP and JSON-RPC encoders each
// own the mapping from Kind to their wire shape.
type Kind string

const (
	InvalidRequest    Kind = "invalid_request"
	InvalidToken      Kind = "invalid_token"
	Unauthorized      Kind = "unauthorized"
	Forbidden         Kind = "forbidden"
	MethodNotFound    Kind = "method_not_found"
	RateLimitExceeded Kind = "rate_limit_exceeded"
	UpstreamError     Kind = "upstream_error"
	InternalError     Kind = "internal_error"
)

// Error is the gateway's canonical error value. Components construct it via
// the New/Wrap helpers below and callers inspect it with errors.As.
type Error struct {
	Kind        Kind
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Description)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind with a human-readable description.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it for errors.Unwrap.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Description: err.Error(), Err: err}
}

// Wrapf is Wrap with an explicit description, preserving err for errors.Unwrap.
func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, otherwise
// InternalError.
func KindOf(err error) Kind {
	var e *Error
	if ok := As(err, &e); ok {
		return e.Kind
	}
	return InternalError
}

// As is a thin wrapper over errors.As kept local so call sites don't need to
// import both errors and gwerrors just to type-switch on Kind.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// HTTPStatus maps a Kind to the HTTP status code the transport layer emits.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidRequest:
		return 400
	case InvalidToken, Unauthorized:
		return 401
	case Forbidden:
		return 403
	case MethodNotFound:
		return 404
	case RateLimitExceeded:
		return 429
	case UpstreamError:
		return 502
	default:
		return 500
	}
}

// JSONRPCCode maps a Kind to a JSON-RPC 2.0 error code for the MCP surface.
func (k Kind) JSONRPCCode() int {
	switch k {
	case InvalidRequest:
		return -32600
	case MethodNotFound:
		return -32601
	case RateLimitExceeded:
		return -32000
	case InvalidToken, Unauthorized, Forbidden:
		return -32001
	case UpstreamError:
		return -32002
	default:
		return -32603
	}
}
