// ABOUTME: PostgreSQL implementation of the Store interface using pgx connection pools
// ABOUTME: Adds LISTEN/NOTIFY wakeups so feed pollers react to inserts immediately

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying new message seqs.
const NotifyChannel = "weave_messages"

// appendLockKey serializes message inserts so seq values commit in order.
// Without it a reader tailing by seq could pass over a row whose
// transaction commits after a higher seq.
const appendLockKey = 0x77656176

const uniqueViolation = "23505"

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to dsn and creates the schema if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store", "driver", "postgres")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS threads (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			workflow_id    TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			scope          TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL,
			UNIQUE (tenant_id, workflow_id, participant_id, scope)
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq            BIGSERIAL PRIMARY KEY,
			id             TEXT NOT NULL UNIQUE,
			thread_id      TEXT NOT NULL REFERENCES threads(id),
			request_id     TEXT NOT NULL DEFAULT '',
			tenant_id      TEXT NOT NULL,
			workflow_id    TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			scope          TEXT NOT NULL DEFAULT '',
			kind           TEXT NOT NULL,
			direction      TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
			text           TEXT NOT NULL DEFAULT '',
			data           JSONB,
			origin         TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq);
		CREATE INDEX IF NOT EXISTS idx_messages_identity
			ON messages(tenant_id, workflow_id, participant_id, scope, seq);
	`)
	return err
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing postgres store")
	s.pool.Close()
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanPgThread(row pgx.Row) (*Thread, error) {
	var t Thread
	err := row.Scan(&t.ID, &t.TenantID, &t.WorkflowID, &t.ParticipantID, &t.Scope, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

// GetThread retrieves a thread by ID.
func (s *PostgresStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	return scanPgThread(s.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, id))
}

// GetThreadByKey retrieves a thread by its composite identity.
func (s *PostgresStore) GetThreadByKey(ctx context.Context, key ThreadKey) (*Thread, error) {
	return scanPgThread(s.pool.QueryRow(ctx, `
		SELECT `+threadColumns+` FROM threads
		WHERE tenant_id = $1 AND workflow_id = $2 AND participant_id = $3 AND scope = $4
	`, key.TenantID, key.WorkflowID, key.ParticipantID, key.Scope))
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// upsertThread creates the thread or touches it. The ON CONFLICT clause
// resolves concurrent creators without aborting the surrounding transaction.
func upsertThread(ctx context.Context, q pgQuerier, key ThreadKey, now time.Time) (*Thread, error) {
	return scanPgThread(q.QueryRow(ctx, `
		INSERT INTO threads (`+threadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id, workflow_id, participant_id, scope)
		DO UPDATE SET updated_at = EXCLUDED.updated_at
		RETURNING `+threadColumns,
		uuid.New().String(), key.TenantID, key.WorkflowID, key.ParticipantID, key.Scope, now,
	))
}

// EnsureThread returns the thread for key, creating it if absent.
func (s *PostgresStore) EnsureThread(ctx context.Context, key ThreadKey) (*Thread, error) {
	return upsertThread(ctx, s.pool, key, time.Now().UTC())
}

// AppendMessage stores a message and its thread in one transaction and
// notifies listeners once it commits.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return nil, fmt.Errorf("acquiring append lock: %w", err)
	}

	thread, err := upsertThread(ctx, tx, stored.ThreadKey(), stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensuring thread: %w", err)
	}
	stored.ThreadID = thread.ID

	var data any
	if len(stored.Data) > 0 {
		data = string(stored.Data)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO messages (
			id, thread_id, request_id, tenant_id, workflow_id, participant_id, scope,
			kind, direction, text, data, origin, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13)
		RETURNING seq
	`,
		stored.ID, stored.ThreadID, stored.RequestID, stored.TenantID, stored.WorkflowID,
		stored.ParticipantID, stored.Scope, stored.Kind, string(stored.Direction),
		stored.Text, data, stored.Origin, stored.CreatedAt,
	).Scan(&stored.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateMessage
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, fmt.Sprint(stored.Seq)); err != nil {
		return nil, fmt.Errorf("notifying listeners: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message", "seq", stored.Seq, "id", stored.ID, "thread_id", stored.ThreadID)
	return &stored, nil
}

const pgMessageColumns = `seq, id, thread_id, request_id, tenant_id, workflow_id, participant_id, scope,
	kind, direction, text, data::text, origin, created_at`

// ListMessages returns one page of a thread's history, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, q MessageQuery) (*MessagePage, error) {
	limit := clampLimit(q.Limit)

	var afterSeq int64
	if q.Cursor != "" {
		var err error
		if afterSeq, err = decodeCursor(q.Cursor); err != nil {
			return nil, err
		}
	}

	query := `SELECT ` + pgMessageColumns + ` FROM messages
		WHERE tenant_id = $1 AND workflow_id = $2 AND participant_id = $3 AND scope = $4 AND seq > $5`
	args := []any{q.Key.TenantID, q.Key.WorkflowID, q.Key.ParticipantID, q.Key.Scope, afterSeq}

	if q.Direction != "" {
		args = append(args, string(q.Direction))
		query += fmt.Sprintf(` AND direction = $%d`, len(args))
	}
	if q.Since != nil {
		args = append(args, q.Since.UTC())
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(` ORDER BY seq ASC LIMIT $%d`, len(args))

	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return buildPage(msgs, limit), nil
}

// MessagesAfter returns up to limit messages with seq greater than the given one.
func (s *PostgresStore) MessagesAfter(ctx context.Context, seq int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	return s.queryMessages(ctx,
		`SELECT `+pgMessageColumns+` FROM messages WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		seq, limit)
}

// LatestSeq returns the highest assigned seq, or 0 for an empty store.
func (s *PostgresStore) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM messages`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("querying latest seq: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var direction string
		var data *string

		if err := rows.Scan(
			&m.Seq, &m.ID, &m.ThreadID, &m.RequestID, &m.TenantID, &m.WorkflowID,
			&m.ParticipantID, &m.Scope, &m.Kind, &direction, &m.Text, &data, &m.Origin, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Direction = Direction(direction)
		m.CreatedAt = m.CreatedAt.UTC()
		if data != nil && *data != "" {
			m.Data = []byte(*data)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

// Listen blocks on LISTEN and calls wake for every committed insert until ctx
// is done or the connection fails.
func (s *PostgresStore) Listen(ctx context.Context, wake func()) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listening on %s: %w", NotifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("waiting for notification: %w", err)
		}
		wake()
	}
}
