package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"llmchat/internal/conversation"
)

// DefaultRedisPrefix is prepended to the slot key
const DefaultRedisPrefix = "llmchat:history:"

// RedisStore keeps the conversation as a JSON string value.
type RedisStore struct {
	client *redis.Client
	key    string
	owned  bool
}

// NewRedisStore connects to url and verifies the connection.
func NewRedisStore(ctx context.Context, url, key string) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s := NewRedisStoreWithClient(client, key)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. Close leaves it open.
func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{client: client, key: DefaultRedisPrefix + key}
}

func (s *RedisStore) Save(ctx context.Context, h *conversation.History) error {
	data, err := conversation.Encode(h)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (*conversation.History, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return conversation.Decode(data)
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
