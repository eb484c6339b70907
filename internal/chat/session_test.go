package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmchat/internal/aggregator"
	"llmchat/internal/conversation"
	"llmchat/internal/core"
	"llmchat/internal/history"
	"llmchat/internal/llmclient"
	"llmchat/internal/modelprobe"
	"llmchat/internal/observability"
	"llmchat/internal/tokenizer"
)

type recorder struct {
	mu         sync.Mutex
	appended   []core.Message
	tokens     []int
	deltas     []string
	visibility []bool
	errors     []string
	send       []bool
	notices    []string
}

func (r *recorder) OnMessageAppended(msg core.Message, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, msg)
	r.tokens = append(r.tokens, tokens)
}

func (r *recorder) OnStreamDelta(content, _ string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, content)
}

func (r *recorder) OnReasoningVisibilityChanged(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.visibility = append(r.visibility, v)
}

func (r *recorder) OnError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, msg)
}

func (r *recorder) OnSendEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.send = append(r.send, enabled)
}

func (r *recorder) OnNotice(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, msg)
}

// sseServer answers every chat request with body, flushing after each write
func sseServer(t *testing.T, hits *int32, chunks ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newSession(t *testing.T, endpoint string, opts ...Option) *Session {
	t.Helper()
	cfg := llmclient.DefaultConfig(endpoint, "sk-test")
	cfg.MaxRetries = 0
	client := llmclient.New(cfg, nil)
	store := conversation.NewStore(tokenizer.Heuristic{})
	settings := Settings{Endpoint: endpoint, APIKey: "sk-test", Model: "test-model", ContextWindow: 100}
	return New(store, client, settings, opts...)
}

func TestSend_HelloScenario(t *testing.T) {
	server := sseServer(t, nil,
		`data: {"choices":[{"delta":{"content":"Hi"}}]}`+"\n",
		`data: {"choices":[{"delta":{"content":" there"}}]}`+"\n\ndata: [DONE]\n",
	)
	hs, err := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"), 0)
	require.NoError(t, err)
	s := newSession(t, server.URL, WithHistory(hs))
	rec := &recorder{}

	outcome, err := s.Send(context.Background(), "  Hello  ", rec)
	require.NoError(t, err)

	assert.Equal(t, "Hi there", outcome.Message.Content)
	assert.Empty(t, outcome.Message.ReasoningContent)
	assert.Nil(t, outcome.Message.TokenUsage)
	// heuristic: ceil(5/4) + ceil(8/4)
	assert.Equal(t, 4, s.Store().Total())

	assert.Equal(t, []bool{false, true}, rec.send)
	assert.Empty(t, rec.visibility)
	assert.Empty(t, rec.errors)
	assert.Equal(t, []string{"Hi", "Hi there"}, rec.deltas)
	require.Len(t, rec.appended, 2)
	assert.Equal(t, core.Message{Role: core.RoleUser, Content: "Hello"}, rec.appended[0])
	assert.Equal(t, []int{2, 2}, rec.tokens)

	saved, err := hs.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Len(t, saved.Messages, 2)
	assert.Equal(t, 4, *saved.TotalTokens)
	assert.Equal(t, "test-model", saved.Settings.Model)
}

func TestSend_UsageReplacesTotal(t *testing.T) {
	server := sseServer(t, nil,
		`data: {"choices":[{"delta":{"content":"Hi there"}}]}`+"\n",
		`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`+"\n",
		"data: [DONE]\n",
	)
	s := newSession(t, server.URL)

	outcome, err := s.Send(context.Background(), "Hello", nil)
	require.NoError(t, err)

	assert.True(t, outcome.Exact)
	assert.Equal(t, 7, outcome.Tokens)
	assert.Equal(t, 12, s.Store().Total())
	require.NotNil(t, outcome.Message.TokenUsage)
	assert.Equal(t, 12, outcome.Message.TokenUsage.TotalTokens)
}

func TestSend_ReasoningOnly(t *testing.T) {
	server := sseServer(t, nil,
		`data: {"choices":[{"delta":{"reasoning_content":"Let me think"}}]}`+"\n",
		`data: {"choices":[{"delta":{"reasoning_content":" harder"}}]}`+"\n",
		"data: [DONE]\n",
	)
	s := newSession(t, server.URL)
	rec := &recorder{}

	outcome, err := s.Send(context.Background(), "Hello", rec)
	require.NoError(t, err)

	assert.Equal(t, aggregator.ReasoningOnlyPlaceholder, outcome.Message.Content)
	assert.Equal(t, "Let me think harder", outcome.Message.ReasoningContent)
	assert.Equal(t, []bool{true}, rec.visibility)
}

func TestSend_EmptyMessage(t *testing.T) {
	var hits int32
	server := sseServer(t, &hits, "data: [DONE]\n")
	s := newSession(t, server.URL)
	rec := &recorder{}

	_, err := s.Send(context.Background(), " \n\t ", rec)
	require.ErrorIs(t, err, core.ErrEmptyMessage)

	assert.Equal(t, 0, s.Store().Len())
	assert.Empty(t, rec.send)
	assert.Empty(t, rec.errors)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestSend_MissingKey(t *testing.T) {
	var hits int32
	server := sseServer(t, &hits, "data: [DONE]\n")
	s := newSession(t, server.URL)
	st := s.Settings()
	st.APIKey = ""
	require.NoError(t, s.UpdateSettings(st))
	rec := &recorder{}

	_, err := s.Send(context.Background(), "Hello", rec)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeValidation))
	assert.Equal(t, []string{"missing key"}, rec.errors)
	assert.Equal(t, 0, s.Store().Len())
	assert.Equal(t, 0, s.Store().Total())
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestSend_RequestFailed(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"server message", http.StatusUnauthorized, `{"error":{"message":"Invalid API key"}}`, "Invalid API key"},
		{"no envelope", http.StatusInternalServerError, `oops`, core.DefaultRequestFailedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			s := newSession(t, server.URL)
			rec := &recorder{}

			_, err := s.Send(context.Background(), "Hello", rec)
			require.Error(t, err)
			assert.True(t, core.IsType(err, core.ErrorTypeRequestFailed))
			assert.Equal(t, []string{tt.wantMsg}, rec.errors)
			assert.Equal(t, []bool{false, true}, rec.send)

			// the user turn stands, no assistant turn
			msgs := s.Store().Messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, core.RoleUser, msgs[0].Role)
			assert.Equal(t, 2, s.Store().Total())
		})
	}
}

func TestSend_FatalRecordMidStream(t *testing.T) {
	server := sseServer(t, nil,
		`data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n",
		`data: {"error":{"message":"model overloaded"}}`+"\n",
	)
	s := newSession(t, server.URL)
	rec := &recorder{}

	_, err := s.Send(context.Background(), "Hello", rec)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeRequestFailed))
	assert.Equal(t, []string{"model overloaded"}, rec.errors)
	assert.Equal(t, 1, s.Store().Len())
}

func TestSend_NothingReceivedIsRequestFailed(t *testing.T) {
	tests := []struct {
		name    string
		chunks  []string
		message string
	}{
		{"done only", []string{"data: [DONE]\n"}, core.DefaultRequestFailedMessage},
		{"empty body", nil, core.DefaultRequestFailedMessage},
		{"usage only", []string{`data: {"choices":[],"usage":{"prompt_tokens":2,"completion_tokens":0,"total_tokens":2}}` + "\n"}, core.DefaultRequestFailedMessage},
		{"plain json error", []string{`{"error":{"message":"model overloaded"}}`}, "model overloaded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := sseServer(t, nil, tt.chunks...)
			hs, err := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"), 0)
			require.NoError(t, err)
			s := newSession(t, server.URL, WithHistory(hs))
			rec := &recorder{}

			outcome, err := s.Send(context.Background(), "Hello", rec)
			require.Error(t, err)
			assert.Nil(t, outcome)
			assert.True(t, core.IsType(err, core.ErrorTypeRequestFailed))
			assert.Equal(t, []string{tt.message}, rec.errors)
			assert.Equal(t, []bool{false, true}, rec.send)

			msgs := s.Store().Messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, core.RoleUser, msgs[0].Role)
			assert.Equal(t, 2, s.Store().Total())
			require.Len(t, rec.appended, 1)

			saved, err := hs.Load(context.Background())
			require.NoError(t, err)
			assert.Nil(t, saved)
		})
	}
}

func TestSend_TransportFailureDiscardsPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"partial"}}]}`+"\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	s := newSession(t, server.URL)
	rec := &recorder{}

	_, err := s.Send(context.Background(), "Hello", rec)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeTransport))
	require.Len(t, rec.errors, 1)
	assert.Equal(t, []bool{false, true}, rec.send)

	msgs := s.Store().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, 2, s.Store().Total())
}

func TestSend_MalformedRecordSkipped(t *testing.T) {
	server := sseServer(t, nil,
		`data: {"choices":[{"delta":{"content":"A"}}]}`+"\n",
		`data: {broken`+"\n",
		`data: {"choices":[{"delta":{"content":"B"}}]}`+"\n",
		"data: [DONE]\n",
	)
	s := newSession(t, server.URL)

	outcome, err := s.Send(context.Background(), "Hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "AB", outcome.Message.Content)
}

func TestSend_Busy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"slow"}}]}`+"\n")
		w.(http.Flusher).Flush()
		close(started)
		<-release
		_, _ = io.WriteString(w, "data: [DONE]\n")
	}))
	defer server.Close()

	s := newSession(t, server.URL)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), "first", nil)
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the server")
	}

	_, err := s.Send(context.Background(), "second", nil)
	require.ErrorIs(t, err, core.ErrBusy)
	require.ErrorIs(t, s.Clear(context.Background()), core.ErrBusy)

	close(release)
	require.NoError(t, <-done)

	msgs := s.Store().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "slow", msgs[1].Content)
}

func TestSend_QuotaNotice(t *testing.T) {
	server := sseServer(t, nil, `data: {"choices":[{"delta":{"content":"Hi"}}]}`+"\n", "data: [DONE]\n")
	hs, err := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"), 10)
	require.NoError(t, err)
	s := newSession(t, server.URL, WithHistory(hs))
	rec := &recorder{}

	_, err = s.Send(context.Background(), "Hello", rec)
	require.NoError(t, err, "persistence failure does not fail the turn")

	assert.Equal(t, []string{history.QuotaNotice}, rec.notices)
	assert.Equal(t, 2, s.Store().Len())
}

func TestSend_Metrics(t *testing.T) {
	server := sseServer(t, nil,
		`data: {"choices":[{"delta":{"content":"Hi"}}]}`+"\n",
		"data: nope\n",
		"data: [DONE]\n",
	)
	reg := prometheus.NewRegistry()
	m := observability.NewWithRegistry(reg, reg)
	s := newSession(t, server.URL, WithMetrics(m))

	_, err := s.Send(context.Background(), "Hello", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `llmchat_turns_total{error_type="",outcome="success"} 1`)
	assert.Contains(t, body, `llmchat_stream_records_total{kind="event",malformed="false"} 1`)
	assert.Contains(t, body, `llmchat_stream_records_total{kind="skip",malformed="true"} 1`)
	assert.Contains(t, body, `llmchat_stream_records_total{kind="done",malformed="false"} 1`)
	assert.Contains(t, body, `llmchat_tokens_total{source="estimated"} 3`)
}

func TestClear(t *testing.T) {
	server := sseServer(t, nil, `data: {"choices":[{"delta":{"content":"Hi"}}]}`+"\n")
	hs, err := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"), 0)
	require.NoError(t, err)
	s := newSession(t, server.URL, WithHistory(hs))

	_, err = s.Send(context.Background(), "Hello", nil)
	require.NoError(t, err)

	require.NoError(t, s.Clear(context.Background()))
	assert.Equal(t, 0, s.Store().Len())
	assert.Equal(t, 0, s.Store().Total())

	saved, err := hs.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestImport_AppliesSettings(t *testing.T) {
	var saved []Settings
	s := newSession(t, "http://localhost:1/v1/chat/completions",
		WithSettingsSaver(func(st Settings) error {
			saved = append(saved, st)
			return nil
		}))

	data := `{
		"timestamp": "2025-01-01T00:00:00Z",
		"settings": {"apiEndpoint": "http://other/v1/chat/completions", "model": "imported", "contextWindowSize": 2048},
		"messages": [
			{"role": "user", "content": "Hello"},
			{"role": "assistant", "content": "Hi there", "token_usage": {"prompt_tokens": 2, "completion_tokens": 7, "total_tokens": 9}}
		]
	}`
	var h conversation.History
	require.NoError(t, json.Unmarshal([]byte(data), &h))

	require.NoError(t, s.Import(context.Background(), &h, nil))

	st := s.Settings()
	assert.Equal(t, "http://other/v1/chat/completions", st.Endpoint)
	assert.Equal(t, "imported", st.Model)
	assert.Equal(t, 2048, st.ContextWindow)
	assert.Equal(t, "sk-test", st.APIKey, "the key is never imported")
	require.Len(t, saved, 1)

	// no stored total: user estimate 2 + assistant completion 7
	assert.Equal(t, 9, s.Store().Total())
	assert.Equal(t, 2, s.Store().Len())
}

func TestImport_Invalid(t *testing.T) {
	s := newSession(t, "http://localhost:1")
	err := s.Import(context.Background(), &conversation.History{}, nil)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeValidation))
}

func TestRestore_AppliesSavedSettings(t *testing.T) {
	hs, err := history.NewFileStore(filepath.Join(t.TempDir(), "history.json"), 0)
	require.NoError(t, err)
	total := 40
	require.NoError(t, hs.Save(context.Background(), &conversation.History{
		Settings:    &conversation.Settings{Model: "restored"},
		Messages:    []core.Message{{Role: core.RoleUser, Content: "Hello"}},
		TotalTokens: &total,
	}))

	s := newSession(t, "http://localhost:1", WithHistory(hs))
	require.NoError(t, s.Restore(context.Background()))

	assert.Equal(t, "restored", s.Settings().Model)
	assert.Equal(t, 100, s.Settings().ContextWindow)
	assert.Equal(t, 40, s.Store().Total())
}

func TestReplaceMessages(t *testing.T) {
	s := newSession(t, "http://localhost:1")
	ctx := context.Background()

	err := s.ReplaceMessages(ctx, []core.Message{{Role: core.RoleUser}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"role" and "content"`)

	err = s.ReplaceMessages(ctx, []core.Message{{Role: "robot", Content: "x"}}, nil)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeValidation))

	require.NoError(t, s.ReplaceMessages(ctx, []core.Message{
		{Role: core.RoleSystem, Content: "Be brief"},
		{Role: core.RoleUser, Content: "Hello"},
	}, nil))
	assert.Equal(t, 2, s.Store().Len())
	assert.Equal(t, 4, s.Store().Total())
}

func TestTokens(t *testing.T) {
	s := newSession(t, "http://localhost:1")
	s.Store().SetTotal(25)

	assert.Equal(t, TokenStatus{Total: 25, ContextWindow: 100, Percent: 25}, s.Tokens())
}

func TestUpdateSettings_Validation(t *testing.T) {
	s := newSession(t, "http://localhost:1")
	st := s.Settings()
	st.ContextWindow = 0
	require.Error(t, s.UpdateSettings(st))
	assert.Equal(t, 100, s.Settings().ContextWindow)
}

func TestModels_SelectsFirstWhenCurrentMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"b-model"},{"id":"a-model"}]}`)
	}))
	defer server.Close()

	var saved []Settings
	cfg := llmclient.DefaultConfig(server.URL, "sk-test")
	cfg.MaxRetries = 0
	client := llmclient.New(cfg, nil)
	s := New(conversation.NewStore(tokenizer.Heuristic{}), client,
		Settings{Endpoint: server.URL + "/v1/chat/completions", APIKey: "sk-test", Model: "gone", ContextWindow: 100},
		WithProber(modelprobe.New(client, nil, time.Hour)),
		WithSettingsSaver(func(st Settings) error {
			saved = append(saved, st)
			return nil
		}))

	models, err := s.Models(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-model", "b-model"}, models)
	assert.Equal(t, "a-model", s.Settings().Model)
	require.Len(t, saved, 1)

	// current model offered: nothing changes
	_, err = s.Models(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestModels_NotConfigured(t *testing.T) {
	s := newSession(t, "http://localhost:1")
	_, err := s.Models(context.Background(), false)
	require.Error(t, err)
}
