// Package config provides configuration management for the application.
//
// Values are layered: built-in defaults, then config.yaml (with ${VAR} and
// ${VAR:-default} expansion), then the saved chat settings file, then
// environment variables. A .env file in the working directory is loaded into
// the environment first without overriding variables already set.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no path is given
const DefaultPath = "config.yaml"

// Config holds the application configuration
type Config struct {
	Chat      ChatConfig      `yaml:"chat"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	History   HistoryConfig   `yaml:"history"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`

	// SettingsFile is where SaveSettings writes the chat section
	SettingsFile string `yaml:"settings_file"`
}

// ChatConfig holds the user-editable connection settings
type ChatConfig struct {
	Endpoint      string            `yaml:"endpoint"`
	APIKey        string            `yaml:"api_key"`
	Model         string            `yaml:"model"`
	ContextWindow int               `yaml:"context_window"`
	ExtraHeaders  map[string]string `yaml:"extra_headers,omitempty"`
}

// TokenizerConfig selects the token estimator
type TokenizerConfig struct {
	// Mode is "auto", "exact" or "heuristic"
	Mode     string `yaml:"mode"`
	Encoding string `yaml:"encoding"`
	// Offline uses the encoding tables built into the binary; when false they
	// are downloaded on first start and cached in TIKTOKEN_CACHE_DIR
	Offline bool `yaml:"offline"`
}

// HistoryConfig selects where the conversation is persisted between runs
type HistoryConfig struct {
	// Type is "file", "sqlite", "postgresql", "mongodb", "redis" or "none"
	Type     string `yaml:"type"`
	FilePath string `yaml:"file_path"`
	// MaxBytes caps the serialized size for the file backend; 0 disables the cap
	MaxBytes int64 `yaml:"max_bytes"`
	// Key names the saved conversation slot
	Key string `yaml:"key"`
}

// StorageConfig holds database connection settings shared by the backends
type StorageConfig struct {
	SQLite     SQLiteStorageConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLStorageConfig `yaml:"postgresql"`
	MongoDB    MongoDBStorageConfig    `yaml:"mongodb"`
	Redis      RedisStorageConfig      `yaml:"redis"`
}

// SQLiteStorageConfig holds SQLite settings
type SQLiteStorageConfig struct {
	Path string `yaml:"path"`
}

// PostgreSQLStorageConfig holds PostgreSQL settings
type PostgreSQLStorageConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

// MongoDBStorageConfig holds MongoDB settings
type MongoDBStorageConfig struct {
	URL      string `yaml:"url"`
	Database string `yaml:"database"`
}

// RedisStorageConfig holds Redis settings
type RedisStorageConfig struct {
	URL string `yaml:"url"`
}

// CacheConfig configures the model list cache
type CacheConfig struct {
	// Type is "local", "redis" or "none"
	Type string        `yaml:"type"`
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port          string `yaml:"port"`
	MasterKey     string `yaml:"master_key"`
	BodySizeLimit string `yaml:"body_size_limit"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// LogConfig configures slog output
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables rotated file output in addition to stderr
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Result is the loaded configuration and the files it came from
type Result struct {
	Config *Config
	// Path is the config file that was read, empty when none existed
	Path string
}

func buildDefaultConfig() *Config {
	return &Config{
		Chat: ChatConfig{
			Endpoint:      "https://api.openai.com/v1/chat/completions",
			Model:         "gpt-4o-mini",
			ContextWindow: 8192,
		},
		Tokenizer: TokenizerConfig{
			Mode:     "auto",
			Encoding: "",
			Offline:  true,
		},
		History: HistoryConfig{
			Type:     "file",
			FilePath: "data/history.json",
			MaxBytes: 5 << 20,
			Key:      "default",
		},
		Storage: StorageConfig{
			SQLite:     SQLiteStorageConfig{Path: "data/llmchat.db"},
			PostgreSQL: PostgreSQLStorageConfig{MaxConns: 4},
			MongoDB:    MongoDBStorageConfig{Database: "llmchat"},
		},
		Cache: CacheConfig{
			Type: "local",
			Path: "data/models.json",
			TTL:  time.Hour,
		},
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: "1M",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "pretty",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
		SettingsFile: "data/settings.yaml",
	}
}

// Load reads configuration. An empty path reads DefaultPath if it exists;
// an explicit path must exist.
func Load(path string) (*Result, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()
	res := &Result{Config: cfg}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(expandString(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		res.Path = path
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if v := os.Getenv("LLMCHAT_SETTINGS_FILE"); v != "" {
		cfg.SettingsFile = v
	}
	if err := applySettingsFile(cfg); err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.Chat.ContextWindow <= 0 {
		return fmt.Errorf("chat.context_window must be positive, got %d", c.Chat.ContextWindow)
	}
	switch c.Tokenizer.Mode {
	case "auto", "exact", "heuristic":
	default:
		return fmt.Errorf("tokenizer.mode must be auto, exact or heuristic, got %q", c.Tokenizer.Mode)
	}
	switch c.History.Type {
	case "file", "sqlite", "postgresql", "mongodb", "redis", "none":
	default:
		return fmt.Errorf("unknown history type: %s", c.History.Type)
	}
	if c.History.MaxBytes < 0 {
		return fmt.Errorf("history.max_bytes must not be negative")
	}
	return ValidateBodySizeLimit(c.Server.BodySizeLimit)
}

// savedSettings is the on-disk shape of the settings file
type savedSettings struct {
	Chat ChatConfig `yaml:"chat"`
}

func applySettingsFile(cfg *Config) error {
	if cfg.SettingsFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.SettingsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	saved := savedSettings{Chat: cfg.Chat}
	if err := yaml.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("failed to parse settings file %s: %w", cfg.SettingsFile, err)
	}
	cfg.Chat = saved.Chat
	return nil
}

// SaveSettings writes the chat section to the settings file so edits made at
// runtime (model, endpoint, key, headers, window) survive a restart.
func SaveSettings(cfg *Config) error {
	if cfg.SettingsFile == "" {
		return nil
	}
	data, err := yaml.Marshal(savedSettings{Chat: cfg.Chat})
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SettingsFile), 0o700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp := cfg.SettingsFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, cfg.SettingsFile); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// ParseExtraHeaders decodes a JSON object of extra request headers.
// Every value must be a string.
func ParseExtraHeaders(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]string{}, nil
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("extra headers must be a JSON object: %w", err)
	}

	headers := make(map[string]string, len(parsed))
	for k, v := range parsed {
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("all keys and values must be strings")
		}
		headers[k] = s
	}
	return headers, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default}.
// An unset or empty variable without a default is left as written.
func expandString(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if parts[2] != "" {
			return parts[3]
		}
		return match
	})
}

func applyEnvOverrides(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	setBool := func(key string, dst *bool) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
		return nil
	}

	setString("LLMCHAT_ENDPOINT", &cfg.Chat.Endpoint)
	setString("LLMCHAT_API_KEY", &cfg.Chat.APIKey)
	setString("LLMCHAT_MODEL", &cfg.Chat.Model)
	setString("PORT", &cfg.Server.Port)
	setString("LLMCHAT_MASTER_KEY", &cfg.Server.MasterKey)
	setString("BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit)
	setString("HISTORY_STORAGE_TYPE", &cfg.History.Type)
	setString("HISTORY_FILE", &cfg.History.FilePath)
	setString("HISTORY_KEY", &cfg.History.Key)
	setString("SQLITE_PATH", &cfg.Storage.SQLite.Path)
	setString("POSTGRES_URL", &cfg.Storage.PostgreSQL.URL)
	setString("MONGODB_URL", &cfg.Storage.MongoDB.URL)
	setString("MONGODB_DATABASE", &cfg.Storage.MongoDB.Database)
	setString("REDIS_URL", &cfg.Storage.Redis.URL)
	setString("CACHE_TYPE", &cfg.Cache.Type)
	setString("CACHE_PATH", &cfg.Cache.Path)
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)
	setString("LOG_FILE", &cfg.Log.File)
	setString("TOKENIZER_MODE", &cfg.Tokenizer.Mode)
	setString("TOKENIZER_ENCODING", &cfg.Tokenizer.Encoding)
	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)

	if err := setInt("LLMCHAT_CONTEXT_WINDOW", &cfg.Chat.ContextWindow); err != nil {
		return err
	}
	if err := setInt("POSTGRES_MAX_CONNS", &cfg.Storage.PostgreSQL.MaxConns); err != nil {
		return err
	}
	if err := setBool("TOKENIZER_OFFLINE", &cfg.Tokenizer.Offline); err != nil {
		return err
	}
	if err := setBool("METRICS_ENABLED", &cfg.Metrics.Enabled); err != nil {
		return err
	}

	if v := os.Getenv("HISTORY_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid HISTORY_MAX_BYTES: %w", err)
		}
		cfg.History.MaxBytes = n
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CACHE_TTL: %w", err)
		}
		cfg.Cache.TTL = d
	}
	if v := os.Getenv("LLMCHAT_EXTRA_HEADERS"); v != "" {
		headers, err := ParseExtraHeaders(v)
		if err != nil {
			return fmt.Errorf("invalid LLMCHAT_EXTRA_HEADERS: %w", err)
		}
		cfg.Chat.ExtraHeaders = headers
	}
	return nil
}

const (
	minBodySizeLimit = 1 << 10
	maxBodySizeLimit = 100 << 20
)

var bodySizePattern = regexp.MustCompile(`^(\d+)([KkMm][Bb]?)?$`)

// ValidateBodySizeLimit accepts "", plain bytes, or K/KB/M/MB suffixes,
// between 1KB and 100MB.
func ValidateBodySizeLimit(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	m := bodySizePattern.FindStringSubmatch(s)
	if m == nil {
		return fmt.Errorf("invalid body size limit %q: use bytes or a K/M suffix", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid body size limit %q: %w", s, err)
	}
	switch strings.ToUpper(m[2]) {
	case "K", "KB":
		n <<= 10
	case "M", "MB":
		n <<= 20
	}
	if n < minBodySizeLimit || n > maxBodySizeLimit {
		return fmt.Errorf("body size limit %q out of range (1K to 100M)", s)
	}
	return nil
}
