package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"llmchat/internal/chat"
	"llmchat/internal/observability"
)

// DefaultBodySizeLimit caps request bodies when none is configured
const DefaultBodySizeLimit = "1M"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MasterKey       string // Optional: Master key for authentication
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	BodySizeLimit   string // Max request body size, e.g. "1M" (default: 1M)
	Metrics         *observability.Metrics
}

// New creates a new HTTP server around session
func New(session *chat.Session, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(session)

	// Build list of paths that skip authentication
	authSkipPaths := []string{"/health"}

	metricsPath := metricsPath(cfg.MetricsEndpoint)
	if cfg.MetricsEnabled {
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	// Global middleware stack (order matters)
	e.Use(RequestID())
	e.Use(requestLogger())
	e.Use(middleware.Recover())

	bodySizeLimit := DefaultBodySizeLimit
	if cfg.BodySizeLimit != "" {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(bodySizeLimit))

	// Authentication (skips public paths)
	if cfg.MasterKey != "" {
		e.Use(AuthMiddleware(cfg.MasterKey, authSkipPaths...))
	}

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		e.GET(metricsPath, echo.WrapHandler(cfg.Metrics.Handler()))
	}

	// API routes
	api := e.Group("/api")
	api.POST("/chat", handler.Chat)
	api.GET("/history", handler.GetHistory)
	api.DELETE("/history", handler.ClearHistory)
	api.POST("/history", handler.ImportHistory)
	api.PUT("/history/messages", handler.ReplaceMessages)
	api.GET("/history/export", handler.ExportHistory)
	api.GET("/models", handler.ListModels)
	api.GET("/tokens", handler.Tokens)
	api.GET("/settings", handler.GetSettings)
	api.PUT("/settings", handler.UpdateSettings)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// metricsPath normalizes the configured path. Paths that would shadow the
// API or health routes fall back to /metrics.
func metricsPath(p string) string {
	if p == "" {
		return "/metrics"
	}
	p = path.Clean("/" + p)
	if p == "/" || p == "/health" || p == "/api" || strings.HasPrefix(p, "/api/") {
		return "/metrics"
	}
	return p
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogError:     true,
		LogRequestID: true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			slog.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
