// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides thread/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			workflow_id    TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			scope          TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_identity
			ON threads(tenant_id, workflow_id, participant_id, scope);

		CREATE TABLE IF NOT EXISTS messages (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL UNIQUE,
			thread_id      TEXT NOT NULL,
			request_id     TEXT NOT NULL DEFAULT '',
			tenant_id      TEXT NOT NULL,
			workflow_id    TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			scope          TEXT NOT NULL DEFAULT '',
			kind           TEXT NOT NULL,
			direction      TEXT NOT NULL,
			text           TEXT NOT NULL DEFAULT '',
			data           TEXT,
			origin         TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			FOREIGN KEY (thread_id) REFERENCES threads(id),
			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_seq
			ON messages(thread_id, seq);

		CREATE INDEX IF NOT EXISTS idx_messages_request_id
			ON messages(request_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// Databases created before origin tracking lack the column.
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'origin'`,
			apply:  `ALTER TABLE messages ADD COLUMN origin TEXT NOT NULL DEFAULT ''`,
			column: "origin",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const threadColumns = `id, tenant_id, workflow_id, participant_id, scope, created_at, updated_at`

func scanThread(row *sql.Row) (*Thread, error) {
	var t Thread
	var createdAtStr, updatedAtStr string

	err := row.Scan(&t.ID, &t.TenantID, &t.WorkflowID, &t.ParticipantID, &t.Scope, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}

	if t.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// GetThread retrieves a thread by ID.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

// GetThreadByKey retrieves a thread by its composite identity.
// Returns ErrNotFound if no thread exists for the key.
func (s *SQLiteStore) GetThreadByKey(ctx context.Context, key ThreadKey) (*Thread, error) {
	return s.getThreadByKey(ctx, s.db, key)
}

func (s *SQLiteStore) getThreadByKey(ctx context.Context, q querier, key ThreadKey) (*Thread, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE tenant_id = ? AND workflow_id = ? AND participant_id = ? AND scope = ?
	`, key.TenantID, key.WorkflowID, key.ParticipantID, key.Scope)
	return scanThread(row)
}

// createThread inserts a thread, returning ErrDuplicateThread on an identity clash.
func (s *SQLiteStore) createThread(ctx context.Context, q querier, key ThreadKey, now time.Time) (*Thread, error) {
	t := &Thread{
		ID:            uuid.New().String(),
		TenantID:      key.TenantID,
		WorkflowID:    key.WorkflowID,
		ParticipantID: key.ParticipantID,
		Scope:         key.Scope,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO threads (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TenantID, t.WorkflowID, t.ParticipantID, t.Scope, formatTime(now), formatTime(now))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateThread
		}
		return nil, fmt.Errorf("inserting thread: %w", err)
	}

	s.logger.Debug("created thread", "id", t.ID, "workflow_id", t.WorkflowID, "participant_id", t.ParticipantID)
	return t, nil
}

// ensureThread returns the thread for key, creating it if absent.
// A concurrent creator winning the race is handled by re-reading.
func (s *SQLiteStore) ensureThread(ctx context.Context, q querier, key ThreadKey, now time.Time) (*Thread, error) {
	t, err := s.getThreadByKey(ctx, q, key)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	t, err = s.createThread(ctx, q, key, now)
	if errors.Is(err, ErrDuplicateThread) {
		return s.getThreadByKey(ctx, q, key)
	}
	return t, err
}

// EnsureThread returns the thread for key, creating it if absent.
func (s *SQLiteStore) EnsureThread(ctx context.Context, key ThreadKey) (*Thread, error) {
	return s.ensureThread(ctx, s.db, key, time.Now().UTC())
}

// AppendMessage stores a message and its thread in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	thread, err := s.ensureThread(ctx, tx, stored.ThreadKey(), stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensuring thread: %w", err)
	}
	stored.ThreadID = thread.ID

	var data any
	if len(stored.Data) > 0 {
		data = string(stored.Data)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, thread_id, request_id, tenant_id, workflow_id, participant_id, scope,
			kind, direction, text, data, origin, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		stored.ID, stored.ThreadID, stored.RequestID, stored.TenantID, stored.WorkflowID,
		stored.ParticipantID, stored.Scope, stored.Kind, string(stored.Direction),
		stored.Text, data, stored.Origin, formatTime(stored.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateMessage
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	stored.Seq, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`,
		formatTime(stored.CreatedAt), thread.ID); err != nil {
		return nil, fmt.Errorf("touching thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message",
		"seq", stored.Seq,
		"id", stored.ID,
		"thread_id", stored.ThreadID,
		"direction", stored.Direction,
	)
	return &stored, nil
}

const messageColumns = `seq, id, thread_id, request_id, tenant_id, workflow_id, participant_id, scope,
	kind, direction, text, data, origin, created_at`

// ListMessages returns one page of a thread's history, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, q MessageQuery) (*MessagePage, error) {
	limit := clampLimit(q.Limit)

	var afterSeq int64
	if q.Cursor != "" {
		var err error
		if afterSeq, err = decodeCursor(q.Cursor); err != nil {
			return nil, err
		}
	}

	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE tenant_id = ? AND workflow_id = ? AND participant_id = ? AND scope = ? AND seq > ?`
	args := []any{q.Key.TenantID, q.Key.WorkflowID, q.Key.ParticipantID, q.Key.Scope, afterSeq}

	if q.Direction != "" {
		query += ` AND direction = ?`
		args = append(args, string(q.Direction))
	}
	if q.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*q.Since))
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit+1)

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return buildPage(msgs, limit), nil
}

// MessagesAfter returns up to limit messages with seq greater than the given one,
// in insert order. This is the polling tail of the change feed.
func (s *SQLiteStore) MessagesAfter(ctx context.Context, seq int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		seq, limit)
}

// LatestSeq returns the highest assigned seq, or 0 for an empty store.
func (s *SQLiteStore) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("querying latest seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var direction, createdAtStr string
		var data sql.NullString

		if err := rows.Scan(
			&m.Seq, &m.ID, &m.ThreadID, &m.RequestID, &m.TenantID, &m.WorkflowID,
			&m.ParticipantID, &m.Scope, &m.Kind, &direction, &m.Text, &data, &m.Origin, &createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		m.Direction = Direction(direction)
		if data.Valid && data.String != "" {
			m.Data = []byte(data.String)
		}
		if m.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}
