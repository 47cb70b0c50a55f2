// Package errs defines the typed error taxonomy shared across the pipeline.
package errs

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	// KindConfiguration covers invalid inputs caught before any network I/O.
	KindConfiguration Kind = "configuration"
	// KindInvalidLocation covers free-form locations that resolve to no state.
	KindInvalidLocation Kind = "invalid_location"
	// KindNoDataFound covers zero POIs, zero intersecting units, or zero census rows.
	KindNoDataFound Kind = "no_data_found"
	// KindExternalService covers transport/5xx failures after retries.
	KindExternalService Kind = "external_service"
	// KindRateLimit covers 429 responses with an exhausted retry budget.
	KindRateLimit Kind = "rate_limit"
	// KindDataProcessing covers schema/validation failures in fetched payloads.
	KindDataProcessing Kind = "data_processing"
	// KindMissingAPIKey covers ACS data calls attempted without a key.
	KindMissingAPIKey Kind = "missing_api_key"
	// KindPartialFailure covers per-item rejections recorded by the tracker.
	KindPartialFailure Kind = "partial_failure"
)

// Error carries a kind, the pipeline stage that produced it, and remediation
// suggestions suitable for end users.
type Error struct {
	Kind        Kind
	Stage       string
	Suggestions []string
	cause       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s/%s] %v", e.Kind, e.Stage, e.cause)
	}
	return fmt.Sprintf("[%s] %v", e.Kind, e.cause)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// New creates a typed error with a fresh cause.
func New(kind Kind, stage, msg string) *Error {
	return &Error{Kind: kind, Stage: stage, cause: eris.New(msg)}
}

// Newf creates a typed error with a formatted cause.
func Newf(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, cause: eris.Errorf(format, args...)}
}

// Wrap attaches a kind and stage to an existing error.
func Wrap(kind Kind, stage string, err error, msg string) *Error {
	return &Error{Kind: kind, Stage: stage, cause: eris.Wrap(err, msg)}
}

// WithSuggestions appends remediation suggestions.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// KindOf returns the kind of err if it is (or wraps) a typed Error,
// otherwise the empty kind.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsFatal reports whether the orchestrator should abort the run on err.
// Partial failures are the only non-fatal typed kind.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindPartialFailure
}
