package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"llmchat/internal/conversation"
)

// SQLiteStore keeps saved conversations in the chat_history table.
type SQLiteStore struct {
	db  *sql.DB
	key string
}

// NewSQLiteStore creates the table if needed.
func NewSQLiteStore(db *sql.DB, key string) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if key == "" {
		key = DefaultKey
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_history (
			id TEXT PRIMARY KEY,
			saved_at DATETIME NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			document JSON NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat_history table: %w", err)
	}

	return &SQLiteStore{db: db, key: key}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, h *conversation.History) error {
	data, err := conversation.Encode(h)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_history (id, saved_at, message_count, document) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			saved_at = excluded.saved_at,
			message_count = excluded.message_count,
			document = excluded.document
	`, s.key, time.Now().UTC(), len(h.Messages), string(data))
	if err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*conversation.History, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM chat_history WHERE id = ?`, s.key).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return conversation.Decode([]byte(doc))
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE id = ?`, s.key); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}
