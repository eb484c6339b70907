// Package chat orchestrates a conversation turn: validation, the streaming
// request, aggregation of the response and persistence of the history.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmchat/internal/aggregator"
	"llmchat/internal/conversation"
	"llmchat/internal/core"
	"llmchat/internal/history"
	"llmchat/internal/llmclient"
	"llmchat/internal/modelprobe"
	"llmchat/internal/observability"
	"llmchat/internal/streaming"
)

// Settings are the connection parameters turns are sent with
type Settings struct {
	Endpoint      string
	APIKey        string
	Model         string
	ContextWindow int
	ExtraHeaders  map[string]string
}

func (s Settings) clone() Settings {
	s.ExtraHeaders = maps.Clone(s.ExtraHeaders)
	return s
}

// TokenStatus is the running total against the context window
type TokenStatus struct {
	Total         int     `json:"total"`
	ContextWindow int     `json:"contextWindow"`
	Percent       float64 `json:"percent"`
}

// Session owns one conversation and sends its turns. At most one turn is in
// flight; mutating operations return core.ErrBusy while one is.
type Session struct {
	inflight sync.Mutex

	mu       sync.RWMutex
	settings Settings

	store        *conversation.Store
	client       *llmclient.Client
	history      history.Store
	prober       *modelprobe.Prober
	metrics      *observability.Metrics
	saveSettings func(Settings) error
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Session
type Option func(*Session)

// WithHistory persists the conversation after every change
func WithHistory(h history.Store) Option {
	return func(s *Session) { s.history = h }
}

// WithProber enables model listing
func WithProber(p *modelprobe.Prober) Option {
	return func(s *Session) { s.prober = p }
}

// WithMetrics records turn metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithSettingsSaver is called whenever the settings change
func WithSettingsSaver(fn func(Settings) error) Option {
	return func(s *Session) { s.saveSettings = fn }
}

// WithLogger sets the session logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock overrides time.Now
func WithClock(fn func() time.Time) Option {
	return func(s *Session) { s.now = fn }
}

// New creates a session over store, sending through client.
func New(store *conversation.Store, client *llmclient.Client, settings Settings, opts ...Option) *Session {
	s := &Session{
		settings: settings.clone(),
		store:    store,
		client:   client,
		history:  history.NoopStore{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	client.SetCredentials(settings.Endpoint, settings.APIKey, settings.ExtraHeaders)
	return s
}

// Settings returns a copy of the current settings
func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.clone()
}

// UpdateSettings replaces the settings and saves them.
func (s *Session) UpdateSettings(settings Settings) error {
	if settings.ContextWindow <= 0 {
		return core.NewValidationError("context window must be positive")
	}
	s.mu.Lock()
	s.settings = settings.clone()
	s.mu.Unlock()

	s.client.SetCredentials(settings.Endpoint, settings.APIKey, settings.ExtraHeaders)
	if s.saveSettings != nil {
		if err := s.saveSettings(settings.clone()); err != nil {
			return core.NewPersistenceError("failed to save settings", err)
		}
	}
	return nil
}

// Store exposes the conversation
func (s *Session) Store() *conversation.Store {
	return s.store
}

// Tokens reports the running total against the context window
func (s *Session) Tokens() TokenStatus {
	window := s.Settings().ContextWindow
	return TokenStatus{
		Total:         s.store.Total(),
		ContextWindow: window,
		Percent:       s.store.ContextPercent(window),
	}
}

// Snapshot serializes the conversation with the current settings
func (s *Session) Snapshot() *conversation.History {
	st := s.Settings()
	return s.store.Serialize(conversation.Settings{
		APIEndpoint:       st.Endpoint,
		Model:             st.Model,
		ContextWindowSize: st.ContextWindow,
	}, s.now())
}

// Send runs one turn. Blank input returns core.ErrEmptyMessage and a missing
// API key a ValidationError; neither touches the conversation or the network.
//
// Any failure after the user message is appended is reported through
// obs.OnError and leaves the user message in place without an assistant reply.
func (s *Session) Send(ctx context.Context, text string, obs core.Observer) (*aggregator.Outcome, error) {
	if obs == nil {
		obs = core.NopObserver{}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, core.ErrEmptyMessage
	}

	settings := s.Settings()
	if strings.TrimSpace(settings.APIKey) == "" {
		err := core.NewValidationError("missing key")
		obs.OnError(err.Message)
		return nil, err
	}

	if !s.inflight.TryLock() {
		return nil, core.ErrBusy
	}
	defer s.inflight.Unlock()

	obs.OnSendEnabled(false)
	defer obs.OnSendEnabled(true)

	start := s.now()
	ctx, requestID := core.EnsureRequestID(ctx, uuid.NewString)
	logger := s.logger.With("request_id", requestID)

	userMsg := core.Message{Role: core.RoleUser, Content: text}
	userTokens := s.store.Append(userMsg)
	s.metrics.ObserveTokens(userTokens, false)
	obs.OnMessageAppended(userMsg, userTokens)

	outcome, err := s.stream(ctx, settings.Model, obs, logger)
	elapsed := s.now().Sub(start)
	if err != nil {
		s.metrics.ObserveTurn(errorType(err), elapsed)
		logger.Warn("chat turn failed", "error", err, "duration", elapsed)
		obs.OnError(core.UserMessage(err))
		return nil, err
	}

	s.metrics.ObserveTurn("", elapsed)
	s.metrics.ObserveTokens(outcome.Tokens, outcome.Exact)
	logger.Info("chat turn completed",
		"model", settings.Model,
		"tokens", outcome.Tokens,
		"exact", outcome.Exact,
		"total", s.store.Total(),
		"duration", elapsed,
	)

	s.persist(ctx, obs)
	return outcome, nil
}

func (s *Session) stream(ctx context.Context, model string, obs core.Observer, logger *slog.Logger) (*aggregator.Outcome, error) {
	body, err := s.client.DoStream(ctx, core.NewChatRequest(model, s.store.Messages()))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	agg := aggregator.New(s.store, obs)
	dec := streaming.NewDecoder(
		streaming.WithLogger(logger),
		streaming.WithRecordHook(func(r streaming.Result) {
			s.metrics.ObserveRecord(r.Kind.String(), r.Malformed())
		}),
	)

	if err := dec.Run(ctx, body, agg.Handle); err != nil {
		agg.Discard()
		return nil, err
	}
	if agg.Empty() {
		agg.Discard()
		return nil, core.NewRequestFailedError(0, "", nil)
	}

	outcome := agg.Finalize()
	return &outcome, nil
}

// persist saves the conversation and turns failures into a notice
func (s *Session) persist(ctx context.Context, obs core.Observer) {
	err := history.Persist(ctx, s.history, s.Snapshot())
	switch {
	case err == nil:
		s.metrics.ObserveSave("ok")
	case history.IsQuotaExceeded(err):
		s.metrics.ObserveSave("quota")
		s.logger.Warn("history quota exceeded", "error", err)
		obs.OnNotice(history.QuotaNotice)
	default:
		s.metrics.ObserveSave("error")
		s.logger.Error("failed to save history", "error", err)
		obs.OnNotice("Chat history could not be saved: " + core.UserMessage(err))
	}
}

// Clear empties the conversation and the saved history.
func (s *Session) Clear(ctx context.Context) error {
	if !s.inflight.TryLock() {
		return core.ErrBusy
	}
	defer s.inflight.Unlock()

	s.store.Clear()
	if err := s.history.Clear(ctx); err != nil {
		return core.NewPersistenceError("failed to clear history", err)
	}
	return nil
}

// Restore loads the saved history, applying its settings.
func (s *Session) Restore(ctx context.Context) error {
	saved, err := history.Restore(ctx, s.history, s.store)
	if err != nil {
		return err
	}
	if saved != nil {
		s.applyHistorySettings(saved)
	}
	return nil
}

// Import replaces the conversation with h and applies its settings.
// The total is recomputed unless h carries one.
func (s *Session) Import(ctx context.Context, h *conversation.History, obs core.Observer) error {
	if obs == nil {
		obs = core.NopObserver{}
	}
	if err := h.Validate(); err != nil {
		return core.NewValidationError("Error loading chat history: " + err.Error())
	}
	if !s.inflight.TryLock() {
		return core.ErrBusy
	}
	defer s.inflight.Unlock()

	if err := s.store.Deserialize(h); err != nil {
		return core.NewValidationError("Error loading chat history: " + err.Error())
	}
	if h.Settings != nil {
		s.applyHistorySettings(h.Settings)
	}
	s.persist(ctx, obs)
	return nil
}

func (s *Session) applyHistorySettings(saved *conversation.Settings) {
	current := s.Settings()
	merged := history.ApplySettings(conversation.Settings{
		APIEndpoint:       current.Endpoint,
		Model:             current.Model,
		ContextWindowSize: current.ContextWindow,
	}, saved)

	current.Endpoint = merged.APIEndpoint
	current.Model = merged.Model
	current.ContextWindow = merged.ContextWindowSize
	if err := s.UpdateSettings(current); err != nil {
		s.logger.Warn("failed to apply saved settings", "error", err)
	}
}

// ExportFile writes the conversation to path. An empty conversation is refused.
func (s *Session) ExportFile(path string) error {
	return history.ExportFile(path, s.Snapshot())
}

// ReplaceMessages swaps in an edited message list and recomputes the total.
func (s *Session) ReplaceMessages(ctx context.Context, msgs []core.Message, obs core.Observer) error {
	if obs == nil {
		obs = core.NopObserver{}
	}
	for _, m := range msgs {
		if m.Role == "" || m.Content == "" {
			return core.NewValidationError(`Each message must have "role" and "content" properties`)
		}
		if !m.Role.Valid() {
			return core.NewValidationError(`Message role must be "user", "assistant", or "system"`)
		}
	}
	if !s.inflight.TryLock() {
		return core.ErrBusy
	}
	defer s.inflight.Unlock()

	s.store.ReplaceAll(msgs, nil)
	if len(msgs) == 0 {
		if err := s.history.Clear(ctx); err != nil {
			return core.NewPersistenceError("failed to clear history", err)
		}
		return nil
	}
	s.persist(ctx, obs)
	return nil
}

// Models lists the endpoint's models and selects one: the current model when
// offered, else the first.
func (s *Session) Models(ctx context.Context, refresh bool) ([]string, error) {
	if s.prober == nil {
		return nil, core.NewValidationError("model listing is not configured")
	}
	models, err := s.prober.Probe(ctx, refresh)
	if err != nil {
		return nil, err
	}

	current := s.Settings()
	if picked := modelprobe.Select(current.Model, models); picked != current.Model {
		current.Model = picked
		if err := s.UpdateSettings(current); err != nil {
			return models, err
		}
	}
	return models, nil
}

func errorType(err error) string {
	var chatErr *core.ChatError
	if errors.As(err, &chatErr) {
		return string(chatErr.Type)
	}
	return "unknown"
}
