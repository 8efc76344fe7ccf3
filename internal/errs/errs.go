// Package errs provides standardized error types for use across PageFlow
// services.
//
// ContextualError is the base error type that captures component, operation,
// an error kind from the platform taxonomy, and an optional cause. It
// implements the error and Unwrap interfaces for seamless integration with
// Go's errors package.
//
// Usage:
//
//	err := errs.New("ingest", "Upload", errs.KindUpstreamStorage, putErr)
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error according to the platform's error taxonomy.
// Each kind has a fixed HTTP mapping; dispatch, publish, and transport
// failures never surface to clients at all.
type Kind string

const (
	// KindValidation: the client sent something malformed.
	KindValidation Kind = "validation"
	// KindNotFound: the referent is missing.
	KindNotFound Kind = "not_found"
	// KindOwnership: the caller has no claim on the referent.
	KindOwnership Kind = "ownership"
	// KindUpstreamStorage: object storage failed.
	KindUpstreamStorage Kind = "upstream_storage"
	// KindPersistence: a database write or read failed.
	KindPersistence Kind = "persistence"
	// KindDispatch: the worker RPC failed or timed out. Non-fatal by
	// contract; callers translate it into a deferred (202) response.
	KindDispatch Kind = "dispatch"
	// KindPublish: an event channel publish failed. Logged and swallowed;
	// the durable store stays authoritative.
	KindPublish Kind = "publish"
	// KindTransport: the client-side socket died. Triggers clean teardown,
	// never surfaced as an error.
	KindTransport Kind = "transport"
)

// HTTPStatus returns the HTTP status code a kind maps to. Kinds that never
// reach a client map to 500 as a defensive default.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindOwnership:
		return http.StatusForbidden
	case KindUpstreamStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ContextualError is a structured error that provides consistent context
// about where and why an error occurred.
type ContextualError struct {
	// Component identifies the module that produced the error
	// (e.g. "ingest", "worker", "stream").
	Component string

	// Operation describes what was being done when the error occurred.
	Operation string

	// Kind places the error in the platform taxonomy.
	Kind Kind

	// Message is an optional client-safe message. When empty, clients see
	// a generic message derived from the kind; the cause is for logs only.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// New creates a ContextualError with the given component, operation, kind,
// and cause.
func New(component, operation string, kind Kind, cause error) *ContextualError {
	return &ContextualError{
		Component: component,
		Operation: operation,
		Kind:      kind,
		Cause:     cause,
	}
}

// Error returns a human-readable representation of the error.
func (e *ContextualError) Error() string {
	base := fmt.Sprintf("[%s] %s (%s)", e.Component, e.Operation, e.Kind)
	if e.Message != "" {
		base += ": " + e.Message
	}
	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}
	return base
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *ContextualError) Unwrap() error {
	return e.Cause
}

// WithMessage sets the client-safe message and returns the error.
func (e *ContextualError) WithMessage(msg string) *ContextualError {
	e.Message = msg
	return e
}

// ClientMessage returns the message safe to expose to clients. Causes are
// never leaked: a persistence failure always reads the same to the outside.
func (e *ContextualError) ClientMessage() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindNotFound:
		return "resource not found"
	case KindOwnership:
		return "access denied"
	case KindUpstreamStorage:
		return "upstream storage unavailable"
	default:
		return "internal server error"
	}
}

// HTTPBody is the JSON error envelope every PageFlow HTTP endpoint returns,
// including endpoints that normally speak another media type.
type HTTPBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}

// WriteHTTP writes the standard JSON error envelope. code is the short
// machine-readable error name (e.g. "missing_file").
func WriteHTTP(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPBody{
		StatusCode: status,
		Message:    message,
		Error:      code,
	})
}

// WriteHTTPError maps err through the taxonomy and writes the envelope.
func WriteHTTPError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	message := "internal server error"
	var ce *ContextualError
	if errors.As(err, &ce) {
		message = ce.ClientMessage()
	}
	WriteHTTP(w, kind.HTTPStatus(), string(kind), message)
}

// KindOf extracts the Kind from err, or KindPersistence when err carries no
// ContextualError in its chain.
func KindOf(err error) Kind {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindPersistence
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
