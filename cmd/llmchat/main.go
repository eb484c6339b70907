// Package main is the entry point for the chat client: a terminal REPL, or
// with -serve the HTTP API used by the browser UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"llmchat/config"
	"llmchat/internal/cache"
	"llmchat/internal/chat"
	"llmchat/internal/conversation"
	"llmchat/internal/history"
	"llmchat/internal/llmclient"
	"llmchat/internal/logging"
	"llmchat/internal/modelprobe"
	"llmchat/internal/observability"
	"llmchat/internal/repl"
	"llmchat/internal/server"
	"llmchat/internal/tokenizer"
	"llmchat/internal/version"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	configPath := flag.String("config", "", "Path to the config file (default: config.yaml if present)")
	serve := flag.Bool("serve", false, "Serve the HTTP API instead of the terminal REPL")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	if err := run(*configPath, *serve); err != nil {
		slog.Error("llmchat failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, serve bool) error {
	res, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := res.Config

	logger, logCloser, err := logging.Setup(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCloser.Close()

	slog.Debug("starting llmchat",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
		"config", res.Path,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	est, err := tokenizer.New(tokenizer.Config{
		Mode:     tokenizer.Mode(cfg.Tokenizer.Mode),
		Encoding: cfg.Tokenizer.Encoding,
		Model:    cfg.Chat.Model,
		Offline:  cfg.Tokenizer.Offline,
	})
	if err != nil {
		return fmt.Errorf("failed to create tokenizer: %w", err)
	}

	historyResult, err := history.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize history: %w", err)
	}
	defer func() {
		if err := historyResult.Close(); err != nil {
			slog.Warn("failed to close history", "error", err)
		}
	}()

	modelCache, err := cache.New(cache.Config{
		Type:      cfg.Cache.Type,
		LocalPath: cfg.Cache.Path,
		Redis:     cache.RedisConfig{URL: cfg.Storage.Redis.URL, TTL: cfg.Cache.TTL},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize model cache: %w", err)
	}
	defer modelCache.Close()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.New()
	}

	client := llmclient.New(llmclient.DefaultConfig(cfg.Chat.Endpoint, cfg.Chat.APIKey), nil)
	prober := modelprobe.New(client, modelCache, cfg.Cache.TTL, modelprobe.WithObserver(metrics.ObserveProbe))

	var saveMu sync.Mutex
	saveSettings := func(st chat.Settings) error {
		saveMu.Lock()
		defer saveMu.Unlock()
		cfg.Chat = config.ChatConfig{
			Endpoint:      st.Endpoint,
			APIKey:        st.APIKey,
			Model:         st.Model,
			ContextWindow: st.ContextWindow,
			ExtraHeaders:  st.ExtraHeaders,
		}
		return config.SaveSettings(cfg)
	}

	session := chat.New(conversation.NewStore(est), client, chat.Settings{
		Endpoint:      cfg.Chat.Endpoint,
		APIKey:        cfg.Chat.APIKey,
		Model:         cfg.Chat.Model,
		ContextWindow: cfg.Chat.ContextWindow,
		ExtraHeaders:  cfg.Chat.ExtraHeaders,
	},
		chat.WithHistory(historyResult.Store),
		chat.WithProber(prober),
		chat.WithMetrics(metrics),
		chat.WithSettingsSaver(saveSettings),
		chat.WithLogger(logger),
	)

	if err := session.Restore(ctx); err != nil {
		slog.Warn("failed to restore chat history", "error", err)
	}

	if serve {
		return runServer(ctx, session, cfg, metrics)
	}
	return runREPL(ctx, session, filepath.Join(filepath.Dir(cfg.SettingsFile), "input_history"))
}

func runREPL(ctx context.Context, session *chat.Session, historyFile string) error {
	r := repl.New(session, os.Stdin, os.Stdout, repl.WithLineEditor(historyFile))
	defer r.Close()

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	// stdin reads cannot be interrupted, so an interrupt at the prompt
	// returns without waiting for the REPL
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		fmt.Println()
		return nil
	}
}

func runServer(ctx context.Context, session *chat.Session, cfg *config.Config, metrics *observability.Metrics) error {
	if cfg.Server.MasterKey == "" {
		slog.Warn("SECURITY WARNING: LLMCHAT_MASTER_KEY not set - API running without authentication",
			"recommendation", "set LLMCHAT_MASTER_KEY or bind the server to localhost only")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}

	srv := server.New(session, &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
		Metrics:         metrics,
	})

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	slog.Info("starting server", "address", addr)

	if err := srv.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}
