// Package remerr defines REM's stable error taxonomy. Every error an
// operation returns to an HTTP handler or a tool invocation is, or wraps,
// one of the kinds declared here, so callers can branch with errors.As
// instead of string-matching messages.
package remerr

import "fmt"

// Code is a stable, machine-readable error identifier. Codes are part of
// the HTTP API contract and must not change once shipped.
type Code string

const (
	CodeValidation             Code = "validation_error"
	CodeNotFound               Code = "not_found"
	CodeConflict               Code = "conflict"
	CodeEmbeddingFieldNotFound Code = "embedding_field_not_found"
	CodeContentFieldNotFound   Code = "content_field_not_found"
	CodeQueryExecution         Code = "query_execution_error"
	CodeProvider               Code = "provider_error"
	CodeAuth                   Code = "auth_error"
)

// ValidationError reports malformed or out-of-range caller input, detected
// before any storage or provider call is attempted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Code() Code { return CodeValidation }

// NotFoundError reports that an entity addressed by id or natural key does
// not exist, or is invisible because it is soft-deleted.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Code() Code { return CodeNotFound }

// ConflictError reports that a write could not be applied as requested,
// typically a natural-key collision across tenants or a stale compare-and-
// swap on an optimistic update.
type ConflictError struct {
	Kind    string
	Key     string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %q conflict: %s", e.Kind, e.Key, e.Message)
	}
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Key)
}

func (e *ConflictError) Code() Code { return CodeConflict }

// EmbeddingFieldNotFoundError reports that a SEARCH call named a field the
// target table's schema does not mark embeddable.
type EmbeddingFieldNotFoundError struct {
	Table string
	Field string
}

func (e *EmbeddingFieldNotFoundError) Error() string {
	return fmt.Sprintf("field %q on table %q is not embeddable", e.Field, e.Table)
}

func (e *EmbeddingFieldNotFoundError) Code() Code { return CodeEmbeddingFieldNotFound }

// ContentFieldNotFoundError reports that a FUZZY call, or a SEARCH call
// omitting field=, resolved to no usable default content column.
type ContentFieldNotFoundError struct {
	Table string
}

func (e *ContentFieldNotFoundError) Error() string {
	return fmt.Sprintf("table %q declares no default content field", e.Table)
}

func (e *ContentFieldNotFoundError) Code() Code { return CodeContentFieldNotFound }

// QueryExecutionError wraps a failure surfaced by the storage layer while
// running a resolved query — a bad SQL allow-list entry, a driver error, or
// a constraint violation that validation could not have caught up front.
type QueryExecutionError struct {
	Query string
	Err   error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query execution failed: %v", e.Err)
}

func (e *QueryExecutionError) Code() Code { return CodeQueryExecution }

func (e *QueryExecutionError) Unwrap() error { return e.Err }

// ProviderError wraps a failure from an external LLM or embedding provider.
// Retryable marks errors the caller's backoff policy should retry (rate
// limits, transient 5xx); non-retryable covers bad requests and auth.
type ProviderError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Code() Code { return CodeProvider }

func (e *ProviderError) Unwrap() error { return e.Err }

// AuthError reports a request missing or failing required identity headers
// (X-User-Id, X-Tenant-Id) or tenant-scope enforcement.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

func (e *AuthError) Code() Code { return CodeAuth }

// Coded is implemented by every error kind in this package; handlers use it
// to map an error to an HTTP status and a stable wire code without a type
// switch over every concrete kind.
type Coded interface {
	error
	Code() Code
}

var (
	_ Coded = (*ValidationError)(nil)
	_ Coded = (*NotFoundError)(nil)
	_ Coded = (*ConflictError)(nil)
	_ Coded = (*EmbeddingFieldNotFoundError)(nil)
	_ Coded = (*ContentFieldNotFoundError)(nil)
	_ Coded = (*QueryExecutionError)(nil)
	_ Coded = (*ProviderError)(nil)
	_ Coded = (*AuthError)(nil)
)
