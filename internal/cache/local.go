package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type localFile struct {
	Entries map[string]*ModelCache `json:"entries"`
}

// LocalCache implements Cache with one JSON file holding every endpoint's entry.
type LocalCache struct {
	mu       sync.RWMutex
	filePath string
}

// NewLocalCache creates a file-based cache. An empty filePath disables it.
func NewLocalCache(filePath string) *LocalCache {
	return &LocalCache{
		filePath: filePath,
	}
}

func (c *LocalCache) load() (*localFile, error) {
	f := &localFile{Entries: map[string]*ModelCache{}}

	data, err := os.ReadFile(c.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}
	if f.Entries == nil {
		f.Entries = map[string]*ModelCache{}
	}
	return f, nil
}

// Get retrieves the entry stored under key.
func (c *LocalCache) Get(ctx context.Context, key string) (*ModelCache, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.filePath == "" {
		return nil, nil
	}

	f, err := c.load()
	if err != nil {
		return nil, err
	}
	return f.Entries[key], nil
}

// Set stores entry under key, rewriting the file atomically.
func (c *LocalCache) Set(ctx context.Context, key string, entry *ModelCache) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filePath == "" {
		return nil
	}

	f, err := c.load()
	if err != nil {
		// a corrupt cache file is replaced
		f = &localFile{Entries: map[string]*ModelCache{}}
	}
	f.Entries[key] = entry

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	tmpFile := c.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpFile, c.filePath); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("failed to rename cache file: %w", err)
	}

	return nil
}

// Close is a no-op for local cache.
func (c *LocalCache) Close() error {
	return nil
}
