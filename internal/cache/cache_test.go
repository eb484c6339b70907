package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalCache(t *testing.T) {
	t.Run("GetSetRoundTrip", func(t *testing.T) {
		cacheFile := filepath.Join(t.TempDir(), "models.json")
		cache := NewLocalCache(cacheFile)
		ctx := context.Background()
		key := Key("https://api.example.com/v1/chat/completions")

		result, err := cache.Get(ctx, key)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != nil {
			t.Fatalf("expected nil result for empty cache, got %v", result)
		}

		entry := &ModelCache{
			Version:   CacheVersion,
			UpdatedAt: time.Now().UTC(),
			Endpoint:  "https://api.example.com/v1/chat/completions",
			Models:    []string{"a-model", "b-model"},
		}
		if err := cache.Set(ctx, key, entry); err != nil {
			t.Fatalf("unexpected error on set: %v", err)
		}

		result, err = cache.Get(ctx, key)
		if err != nil {
			t.Fatalf("unexpected error on get: %v", err)
		}
		if result == nil {
			t.Fatal("expected result, got nil")
		}
		if len(result.Models) != 2 || result.Models[0] != "a-model" {
			t.Errorf("unexpected models %v", result.Models)
		}
	})

	t.Run("EntriesAreIndependent", func(t *testing.T) {
		cache := NewLocalCache(filepath.Join(t.TempDir(), "models.json"))
		ctx := context.Background()

		_ = cache.Set(ctx, "one", &ModelCache{Version: CacheVersion, Models: []string{"x"}})
		_ = cache.Set(ctx, "two", &ModelCache{Version: CacheVersion, Models: []string{"y"}})

		one, _ := cache.Get(ctx, "one")
		two, _ := cache.Get(ctx, "two")
		if one == nil || one.Models[0] != "x" || two == nil || two.Models[0] != "y" {
			t.Errorf("entries overwrote each other: %v %v", one, two)
		}
	})

	t.Run("CreateDirectoryIfNeeded", func(t *testing.T) {
		cacheFile := filepath.Join(t.TempDir(), "nested", "dir", "models.json")
		cache := NewLocalCache(cacheFile)

		if err := cache.Set(context.Background(), "k", &ModelCache{Version: CacheVersion}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(cacheFile); os.IsNotExist(err) {
			t.Fatal("cache file was not created")
		}
	})

	t.Run("EmptyFilePath", func(t *testing.T) {
		cache := NewLocalCache("")
		ctx := context.Background()

		if err := cache.Set(ctx, "k", &ModelCache{Version: CacheVersion}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		result, err := cache.Get(ctx, "k")
		if err != nil || result != nil {
			t.Fatalf("expected nil, nil; got %v, %v", result, err)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		cacheFile := filepath.Join(t.TempDir(), "models.json")
		if err := os.WriteFile(cacheFile, []byte("not valid json"), 0o644); err != nil {
			t.Fatalf("failed to write test file: %v", err)
		}
		cache := NewLocalCache(cacheFile)

		if _, err := cache.Get(context.Background(), "k"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}

		// Set replaces the corrupt file
		if err := cache.Set(context.Background(), "k", &ModelCache{Version: CacheVersion}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got, err := cache.Get(context.Background(), "k"); err != nil || got == nil {
			t.Fatalf("expected entry after rewrite, got %v, %v", got, err)
		}
	})
}

func TestModelCache_Fresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		entry *ModelCache
		ttl   time.Duration
		want  bool
	}{
		{"nil", nil, time.Hour, false},
		{"recent", &ModelCache{Version: CacheVersion, UpdatedAt: now.Add(-time.Minute)}, time.Hour, true},
		{"expired", &ModelCache{Version: CacheVersion, UpdatedAt: now.Add(-2 * time.Hour)}, time.Hour, false},
		{"old version", &ModelCache{Version: 0, UpdatedAt: now}, time.Hour, false},
		{"no ttl", &ModelCache{Version: CacheVersion, UpdatedAt: now.Add(-1000 * time.Hour)}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.Fresh(now, tt.ttl); got != tt.want {
				t.Errorf("Fresh() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKey(t *testing.T) {
	a := Key("https://a.example.com/v1/chat/completions")
	b := Key("https://b.example.com/v1/chat/completions")

	if a == b {
		t.Error("different endpoints must hash differently")
	}
	if a != Key("https://a.example.com/v1/chat/completions") {
		t.Error("key must be deterministic")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{Type: "local", LocalPath: filepath.Join(t.TempDir(), "c.json")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := New(Config{Type: "none"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := New(Config{Type: "memcached"}); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := New(Config{Type: "redis", Redis: RedisConfig{URL: "::not a url"}}); err == nil {
		t.Fatal("expected error for invalid redis URL")
	}
}
