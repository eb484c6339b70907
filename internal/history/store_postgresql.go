package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"llmchat/internal/conversation"
)

// PostgreSQLStore keeps saved conversations in the chat_history table as JSONB.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
	key  string
}

// NewPostgreSQLStore creates the table if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, key string) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	if key == "" {
		key = DefaultKey
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chat_history (
			id TEXT PRIMARY KEY,
			saved_at TIMESTAMPTZ NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			document JSONB NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat_history table: %w", err)
	}

	return &PostgreSQLStore{pool: pool, key: key}, nil
}

func (s *PostgreSQLStore) Save(ctx context.Context, h *conversation.History) error {
	data, err := conversation.Encode(h)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO chat_history (id, saved_at, message_count, document) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			saved_at = EXCLUDED.saved_at,
			message_count = EXCLUDED.message_count,
			document = EXCLUDED.document
	`, s.key, time.Now().UTC(), len(h.Messages), data)
	if err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (s *PostgreSQLStore) Load(ctx context.Context) (*conversation.History, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM chat_history WHERE id = $1`, s.key).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return conversation.Decode(doc)
}

func (s *PostgreSQLStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chat_history WHERE id = $1`, s.key); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
