// Package history persists the conversation between runs and implements
// export to and import from JSON files.
package history

import (
	"context"
	"errors"
	"log/slog"

	"llmchat/internal/conversation"
	"llmchat/internal/core"
)

// DefaultKey names the saved conversation when none is configured
const DefaultKey = "default"

// QuotaNotice is shown when the saved history no longer fits the configured limit.
const QuotaNotice = "Storage limit reached. Chat history will not be saved automatically."

// Store persists one conversation document per key.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save replaces the stored document
	Save(ctx context.Context, h *conversation.History) error

	// Load returns nil, nil when nothing is stored. A stored document that
	// fails validation yields an error wrapping conversation.ErrInvalidHistory.
	Load(ctx context.Context) (*conversation.History, error)

	// Clear removes the stored document
	Clear(ctx context.Context) error

	Close() error
}

// Restore loads the saved conversation into conv and returns its settings.
// A corrupted saved history is cleared and treated as absent.
func Restore(ctx context.Context, store Store, conv *conversation.Store) (*conversation.Settings, error) {
	h, err := store.Load(ctx)
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidHistory) {
			slog.Warn("clearing corrupted saved history", "error", err)
			if clearErr := store.Clear(ctx); clearErr != nil {
				return nil, core.NewPersistenceError("failed to clear corrupted history", clearErr)
			}
			return nil, nil
		}
		return nil, core.NewPersistenceError("failed to load history", err)
	}
	if h == nil {
		return nil, nil
	}

	if err := conv.Deserialize(h); err != nil {
		slog.Warn("clearing unusable saved history", "error", err)
		_ = store.Clear(ctx)
		return nil, nil
	}
	return h.Settings, nil
}

// Persist saves h unless it has no messages. Failures come back as PersistenceFailure.
func Persist(ctx context.Context, store Store, h *conversation.History) error {
	if len(h.Messages) == 0 {
		return nil
	}
	if err := store.Save(ctx, h); err != nil {
		if core.IsType(err, core.ErrorTypePersistence) {
			return err
		}
		return core.NewPersistenceError("failed to save history", err)
	}
	return nil
}

// IsQuotaExceeded reports whether err is a quota failure
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, core.ErrQuotaExceeded)
}

// NoopStore stores nothing
type NoopStore struct{}

func (NoopStore) Save(context.Context, *conversation.History) error { return nil }

func (NoopStore) Load(context.Context) (*conversation.History, error) { return nil, nil }

func (NoopStore) Clear(context.Context) error { return nil }

func (NoopStore) Close() error { return nil }
