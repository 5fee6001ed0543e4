// Package feed delivers stored messages to the change-feed listener in
// insert order, resumable from an opaque Position.
//
// Three drivers exist. PollFeed tails the store directly, optionally woken
// by PostgreSQL notifications. JetStreamFeed and RedisFeed read a stream
// that PublishingStore appends to after every committed write, which lets
// several gateway processes share one feed without polling the database.
package feed
