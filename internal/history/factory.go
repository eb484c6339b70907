package history

import (
	"context"
	"errors"
	"fmt"

	"llmchat/config"
	"llmchat/internal/storage"
)

// Backend names accepted in history.type
const (
	TypeFile       = "file"
	TypeSQLite     = storage.TypeSQLite
	TypePostgreSQL = storage.TypePostgreSQL
	TypeMongoDB    = storage.TypeMongoDB
	TypeRedis      = "redis"
	TypeNone       = "none"
)

// Result holds the history store and the database connection behind it.
// The caller is responsible for calling Close() to release resources.
type Result struct {
	Store   Store
	Storage storage.Storage
}

// Close releases the store and its storage. Safe to call multiple times.
func (r *Result) Close() error {
	var errs []error
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
		r.Store = nil
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		r.Storage = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New creates the history store selected by cfg.History.Type.
// The caller must call Result.Close() during shutdown.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	hc := cfg.History

	switch hc.Type {
	case TypeNone:
		return &Result{Store: NoopStore{}}, nil
	case TypeFile, "":
		fs, err := NewFileStore(hc.FilePath, hc.MaxBytes)
		if err != nil {
			return nil, err
		}
		return &Result{Store: fs}, nil
	case TypeRedis:
		rs, err := NewRedisStore(ctx, cfg.Storage.Redis.URL, hc.Key)
		if err != nil {
			return nil, err
		}
		return &Result{Store: rs}, nil
	}

	db, err := storage.New(ctx, buildStorageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	store, err := createStore(ctx, db, hc.Key)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Result{Store: store, Storage: db}, nil
}

func buildStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Type: cfg.History.Type,
		SQLite: storage.SQLiteConfig{
			Path: cfg.Storage.SQLite.Path,
		},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgreSQL.URL,
			MaxConns: cfg.Storage.PostgreSQL.MaxConns,
		},
		MongoDB: storage.MongoDBConfig{
			URL:      cfg.Storage.MongoDB.URL,
			Database: cfg.Storage.MongoDB.Database,
		},
	}
}

func createStore(ctx context.Context, db storage.Storage, key string) (Store, error) {
	switch db.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(db.SQLiteDB(), key)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, db.PostgreSQLPool(), key)
	case storage.TypeMongoDB:
		return NewMongoDBStore(db.MongoDatabase(), key)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", db.Type())
	}
}
