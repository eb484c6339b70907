package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"llmchat/internal/conversation"
	"llmchat/internal/core"
)

// FileStore keeps the conversation in a single JSON file.
type FileStore struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
}

// NewFileStore creates a file store. maxBytes <= 0 disables the size limit.
func NewFileStore(path string, maxBytes int64) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("history file path is required")
	}
	return &FileStore{path: path, maxBytes: maxBytes}, nil
}

// Save writes h atomically. A document larger than the limit is rejected
// with a quota-exceeded PersistenceFailure and the previous file is kept.
func (s *FileStore) Save(ctx context.Context, h *conversation.History) error {
	data, err := conversation.Encode(h)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return core.NewPersistenceError(
			fmt.Sprintf("quota exceeded: history is %d bytes, limit %d", len(data), s.maxBytes),
			core.ErrQuotaExceeded)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace history: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (*conversation.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return conversation.Decode(data)
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove history: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
