package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pingTimeout = 5 * time.Second

var historySchema = []string{
	`CREATE TABLE IF NOT EXISTS conversation_turns (
		seq          BIGSERIAL,
		id           TEXT PRIMARY KEY,
		context_id   TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS conversation_turns_context_seq ON conversation_turns (context_id, seq)`,
}

// PostgresStore keeps conversation history in a conversation_turns table.
// Rows of one context are read back in insertion order.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, stmt := range historySchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply history schema: %w", err)
		}
	}
	return tx.Commit(ctx)
}

const insertTurn = `INSERT INTO conversation_turns (id, context_id, session_id, user_id, role, content, pii_redacted, created_at)
	VALUES (@id, @context_id, @session_id, @user_id, @role, @content, @pii_redacted, @created_at)
	ON CONFLICT (id) DO NOTHING`

// Append inserts every record in one transaction.
func (s *PostgresStore) Append(ctx context.Context, records ...TurnRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, record := range records {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		batch.Queue(insertTurn, pgx.NamedArgs{
			"id":           record.ID,
			"context_id":   record.ContextID,
			"session_id":   record.SessionID,
			"user_id":      record.UserID,
			"role":         string(record.Role),
			"content":      record.Content,
			"pii_redacted": record.PIIRedacted,
			"created_at":   record.CreatedAt,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %d turns: %w", len(records), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit turns: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, contextID string) ([]TurnRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, context_id, session_id, user_id, role, content, pii_redacted, created_at
		 FROM conversation_turns WHERE context_id = $1 ORDER BY seq`,
		contextID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	history, err := pgx.CollectRows(rows, scanTurnRecord)
	if err != nil {
		return nil, fmt.Errorf("read history rows: %w", err)
	}
	return history, nil
}

func scanTurnRecord(row pgx.CollectableRow) (TurnRecord, error) {
	var (
		r    TurnRecord
		role string
	)
	err := row.Scan(&r.ID, &r.ContextID, &r.SessionID, &r.UserID, &role, &r.Content, &r.PIIRedacted, &r.CreatedAt)
	r.Role = Role(role)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
