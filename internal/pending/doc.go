// Package pending tracks callers blocked on a workflow reply.
//
// Each registered wait is keyed by request id and completes exactly once:
// resolved by a matching reply, timed out by its own timer, or cancelled by
// its caller. Later outcomes for the same entry are ignored, and resolving
// an id nobody is waiting for is a silent no-op.
package pending
