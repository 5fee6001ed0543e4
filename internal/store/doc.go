// Package store persists threads and messages and exposes the ordered
// insert feed that change-feed drivers tail.
//
// # Architecture
//
// Store is the single interface. Three implementations share its contract:
//
//   - SQLiteStore: modernc.org/sqlite, single writer, WAL mode
//   - PostgresStore: pgx pool, LISTEN/NOTIFY wake-ups for the poll feed
//   - MockStore: in-memory, for tests
//
// # Data Models
//
//   - Thread: one per (tenant, workflow, participant, scope) key
//   - Message: a persisted envelope with a server-assigned Seq
//
// Seq is monotonic across the whole store. MessagesAfter and LatestSeq read
// the insert order; the poll feed uses them as its resume position.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Production: /var/lib/weave-gateway/gateway.db
//   - Development: ~/.local/share/weave/gateway.db
//   - Testing: :memory: (in-memory database)
//
// # Error Handling
//
//   - ErrNotFound: requested thread does not exist
//   - ErrDuplicateThread: concurrent creation of the same thread key
//   - ErrDuplicateMessage: a message id was reused
//   - ErrInvalidCursor: a history cursor failed to decode
//
// All methods accept context.Context for cancellation support.
//
// # History Paging
//
// ListMessages returns messages oldest first. NextCursor is opaque and
// encodes the Seq of the last message returned:
//
//	page, err := s.ListMessages(ctx, store.MessageQuery{Key: key, Limit: 50})
//	next, err := s.ListMessages(ctx, store.MessageQuery{Key: key, Cursor: page.NextCursor})
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") for
// integration tests against real SQL. PostgresStore tests run when
// WEAVE_TEST_POSTGRES_DSN is set.
package store
