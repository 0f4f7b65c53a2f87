// Package apperrors defines the error kinds the core surfaces to its
// callers, per the error handling design: transport failures, timeouts,
// non-2xx HTTP responses, XML/XPath parse failures, argument validation,
// and reference-count/state errors. This is a scoped-down descendant of a
// much larger structured-error taxonomy: it keeps the code+category+
// retryable+cause shape but narrows the category list to exactly what this
// repository's problem domain needs.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind identifies which of the error handling design's error kinds an
// Error represents.
type Kind int

const (
	KindTransport Kind = iota
	KindTimeout
	KindHTTPStatus
	KindParse
	KindValidation
	KindNotFound
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http_status"
	case KindParse:
		return "parse"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned by every core package.
type Error struct {
	Kind       Kind
	Op         string
	Path       string
	StatusCode int
	Msg        string
	Cause      error
}

func (e *Error) Error() string {
	var base string
	switch {
	case e.Msg != "" && e.Op != "":
		base = fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Msg != "":
		base = e.Msg
	case e.Op != "":
		base = e.Op
	default:
		base = e.Kind.String()
	}
	if e.Path != "" {
		base = fmt.Sprintf("%s (path=%s)", base, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error kind represents a transient
// condition worth retrying (used by internal/retry).
func (e *Error) Retryable() bool {
	return e.Kind == KindTransport || e.Kind == KindTimeout
}

func Transport(op string, cause error) *Error {
	return &Error{Kind: KindTransport, Op: op, Msg: "transport error", Cause: cause}
}

func Timeout(op string) *Error {
	return &Error{Kind: KindTimeout, Op: op, Msg: "request timed out and is now permanently canceled"}
}

func HTTPStatus(op string, code int) *Error {
	return &Error{Kind: KindHTTPStatus, Op: op, StatusCode: code, Msg: fmt.Sprintf("unexpected status %d", code)}
}

func Parse(op string, cause error) *Error {
	return &Error{Kind: KindParse, Op: op, Msg: "parse error", Cause: cause}
}

func Validation(op, msg string) *Error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

func NotFound(op, path string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Path: path, Msg: "object not found"}
}

func State(op, msg string) *Error {
	return &Error{Kind: KindState, Op: op, Msg: msg}
}

// IsNotFound reports whether err represents a missing object, whether
// surfaced directly as KindNotFound or as an HTTP 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNotFound || (e.Kind == KindHTTPStatus && e.StatusCode == 404)
	}
	return false
}

// IsValidation reports whether err is an argument-validation failure.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindValidation
}

// IsRetryable reports whether err is a transient condition worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
