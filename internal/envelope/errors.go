// ABOUTME: Error taxonomy shared by the delivery, bridge, and fan-out layers
// ABOUTME: Sentinel errors checked with errors.Is and mapped to transport status codes

package envelope

import "errors"

var (
	// ErrValidation marks malformed or missing fields. Not retryable.
	ErrValidation = errors.New("validation failed")

	// ErrAccessDenied marks a tenant boundary violation.
	ErrAccessDenied = errors.New("access denied")

	// ErrTimeout is returned when no reply arrived within the wait bound.
	ErrTimeout = errors.New("timed out waiting for reply")

	// ErrCancelled is returned when the caller went away before a reply arrived.
	ErrCancelled = errors.New("request cancelled")

	// ErrUpstreamUnavailable marks a transient failure of the workflow engine
	// or the persistence layer.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
