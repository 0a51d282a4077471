package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore. pgxmock pools
// satisfy it as well.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PostgresStore persists conversation history in PostgreSQL.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	st := NewPostgresStoreWithDB(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

// NewPostgresStoreWithDB wraps an existing pool without touching the schema.
func NewPostgresStoreWithDB(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS chat_history (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_user_session ON chat_history (user_id, session_id, seq);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_history_user_timestamp ON chat_history (user_id, timestamp);`,
}

// EnsureSchema creates the history table and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertSession(ctx context.Context, records []HistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range records {
		ts := r.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO chat_history (user_id, session_id, seq, role, content, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.UserID,
			r.SessionID,
			r.Seq,
			r.Role,
			r.Content,
			ts,
		)
		if err != nil {
			return fmt.Errorf("insert history record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionSummaries(ctx context.Context, userID string) ([]SessionSummary, error) {
	rows, err := s.db.Query(ctx,
		`SELECT session_id, MIN(timestamp) AS started_at, MAX(timestamp) AS ended_at, COUNT(*)
		   FROM chat_history WHERE user_id=$1
		  GROUP BY session_id
		  ORDER BY started_at DESC, session_id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session summaries: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum   SessionSummary
			count int64
		)
		if err := rows.Scan(&sum.SessionID, &sum.StartedAt, &sum.EndedAt, &count); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		sum.MessageCount = int(count)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session summaries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Session(ctx context.Context, userID, sessionID string) ([]HistoryRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, session_id, seq, role, content, timestamp
		   FROM chat_history WHERE user_id=$1 AND session_id=$2
		  ORDER BY seq ASC, timestamp ASC`,
		userID,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Seq, &r.Role, &r.Content, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *PostgresStore) DeleteSessions(ctx context.Context, userID string, sessionIDs []string) (int64, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	return s.deleteInTx(ctx,
		`DELETE FROM chat_history WHERE user_id=$1 AND session_id = ANY($2)`,
		userID, sessionIDs,
	)
}

func (s *PostgresStore) TrimRecords(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	return s.deleteInTx(ctx,
		`DELETE FROM chat_history WHERE id IN (
			SELECT id FROM chat_history ORDER BY timestamp DESC, id DESC OFFSET $1
		)`,
		keep,
	)
}

func (s *PostgresStore) PurgeUser(ctx context.Context, userID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM chat_history WHERE user_id=$1`, userID)
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) deleteInTx(ctx context.Context, stmt string, args ...any) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping reports whether the database answers.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `SELECT 1`)
	return err
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
