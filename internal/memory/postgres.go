package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const conversationSchema = `
CREATE TABLE IF NOT EXISTS conversation_entries (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	synthetic BOOLEAN NOT NULL DEFAULT FALSE,
	pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversation_entries_conv_created
	ON conversation_entries (conversation_id, created_at);
`

// PostgresStore keeps the conversation transcript in PostgreSQL so it
// survives restarts and can be read back per session.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, conversationSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init conversation schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveEntry(ctx context.Context, record EntryRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_entries (id, conversation_id, role, content, synthetic, pii_redacted, created_at)
		 VALUES (@id, @conversation_id, @role, @content, @synthetic, @pii_redacted, @created_at)`,
		pgx.NamedArgs{
			"id":              record.ID,
			"conversation_id": record.ConversationID,
			"role":            record.Role,
			"content":         record.Content,
			"synthetic":       record.Synthetic,
			"pii_redacted":    record.PIIRedacted,
			"created_at":      record.CreatedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("save entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries in chronological order; limit <= 0
// returns the whole conversation.
func (s *PostgresStore) Recent(ctx context.Context, conversationID string, limit int) ([]EntryRecord, error) {
	query := `SELECT id, conversation_id, role, content, synthetic, pii_redacted, created_at
		FROM conversation_entries WHERE conversation_id = $1 ORDER BY created_at DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent entries: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByPos[EntryRecord])
	if err != nil {
		return nil, fmt.Errorf("collect entry rows: %w", err)
	}
	slices.Reverse(items)
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
