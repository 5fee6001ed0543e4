// Package fanout routes persisted messages to live subscribers.
//
// Subscribers join groups keyed by (tenant, workflow, participant, scope).
// A subscriber may only join groups of its own tenant. Publishing hands a
// message to every member of a group without letting a slow or broken
// member delay the rest; Send implementations must not block.
//
// The group table is split across shards, each with its own lock, and a
// reverse index lets a disconnecting transport leave every group at once.
package fanout
