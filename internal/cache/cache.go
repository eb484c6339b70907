// Package cache stores probed model lists per endpoint so the model picker
// does not hit /v1/models on every start.
// Supports a local JSON file and Redis for setups sharing one server.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CacheVersion is bumped when the stored shape changes
const CacheVersion = 1

// ModelCache is the cached model list of one endpoint.
type ModelCache struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Endpoint  string    `json:"endpoint"`
	Models    []string  `json:"models"`
}

// Fresh reports whether the entry was written within ttl and has the current version.
func (m *ModelCache) Fresh(now time.Time, ttl time.Duration) bool {
	if m == nil || m.Version != CacheVersion {
		return false
	}
	return ttl <= 0 || now.Sub(m.UpdatedAt) < ttl
}

// Cache defines model list storage keyed by endpoint hash.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns nil, nil when nothing is cached under key.
	Get(ctx context.Context, key string) (*ModelCache, error)

	Set(ctx context.Context, key string, entry *ModelCache) error

	// Close releases any resources held by the cache.
	Close() error
}

// Key derives the cache key of an endpoint
func Key(endpoint string) string {
	return strconv.FormatUint(xxhash.Sum64String(endpoint), 16)
}

// Config selects and configures the backend
type Config struct {
	// Type is "local", "redis" or "none"
	Type      string
	LocalPath string
	Redis     RedisConfig
}

// New creates the configured cache. "none" and an empty local path yield a cache that stores nothing.
func New(cfg Config) (Cache, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalCache(cfg.LocalPath), nil
	case "redis":
		return NewRedisCache(cfg.Redis)
	case "none":
		return NewLocalCache(""), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s", cfg.Type)
	}
}
