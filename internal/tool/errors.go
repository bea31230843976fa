package tool

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by [Registry.Get] for an unknown name.
	ErrNotFound = errors.New("tool: not found")

	// ErrSealed is returned by [Registry.Register] after the registry has
	// been sealed.
	ErrSealed = errors.New("tool: registry is sealed")
)

// DuplicateToolError is returned when a name is registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool: duplicate tool %q", e.Name)
}

// ValidationError reports bad arguments. Schema validation produces it with
// the offending field; handlers may return it for business-rule violations
// the schema cannot express. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid arguments: " + e.Reason
	}
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// AuthorizationError reports an identity or role mismatch.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "not authorized: " + e.Reason
}

// UpstreamError wraps a failure of a backing service (datastore, external
// API). Retryable marks transient failures; handlers that set it must be
// safe to call again with the same RequestID.
type UpstreamError struct {
	Err       error
	Retryable bool
}

func (e *UpstreamError) Error() string {
	return "upstream: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable [UpstreamError].
func Transient(err error) error {
	return &UpstreamError{Err: err, Retryable: true}
}

// Fatal wraps err as a non-retryable [UpstreamError].
func Fatal(err error) error {
	return &UpstreamError{Err: err}
}
