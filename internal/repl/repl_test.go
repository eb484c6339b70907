package repl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmchat/internal/chat"
	"llmchat/internal/conversation"
	"llmchat/internal/llmclient"
	"llmchat/internal/modelprobe"
	"llmchat/internal/tokenizer"
)

func upstream(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			_, _ = io.WriteString(w, `{"data":[{"id":"beta"},{"id":"alpha"}]}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newSession(t *testing.T, endpoint, apiKey string) *chat.Session {
	t.Helper()
	cfg := llmclient.DefaultConfig(endpoint, apiKey)
	cfg.MaxRetries = 0
	client := llmclient.New(cfg, nil)
	return chat.New(conversation.NewStore(tokenizer.Heuristic{}), client, chat.Settings{
		Endpoint:      endpoint,
		APIKey:        apiKey,
		Model:         "alpha",
		ContextWindow: 100,
	}, chat.WithProber(modelprobe.New(client, nil, time.Hour)))
}

func run(t *testing.T, s *chat.Session, input string, opts ...Option) string {
	t.Helper()
	var out bytes.Buffer
	r := New(s, strings.NewReader(input), &out, opts...)
	require.NoError(t, r.Run(context.Background()))
	return out.String()
}

func TestREPL_StreamsAnswer(t *testing.T) {
	up := upstream(t,
		`data: {"choices":[{"delta":{"content":"Hi"}}]}`+"\n",
		`data: {"choices":[{"delta":{"content":" there"}}]}`+"\n",
		"data: [DONE]\n",
	)
	s := newSession(t, up.URL, "sk-test")

	out := run(t, s, "Hello\n/tokens\n/quit\n")

	assert.Contains(t, out, "Hi there\n[2 tokens]\n")
	assert.Contains(t, out, "Tokens: 4 / 100 (4.0%)")
	assert.NotContains(t, out, ThinkingHeader)
	assert.Equal(t, 2, s.Store().Len())
}

func TestREPL_PrintsReasoning(t *testing.T) {
	up := upstream(t,
		`data: {"choices":[{"delta":{"reasoning_content":"Let me"}}]}`+"\n",
		`data: {"choices":[{"delta":{"reasoning_content":" think"}}]}`+"\n",
		`data: {"choices":[{"delta":{"content":"42"}}]}`+"\n",
		"data: [DONE]\n",
	)
	s := newSession(t, up.URL, "sk-test")

	out := run(t, s, "Question\n")

	assert.Contains(t, out, ThinkingHeader+"\nLet me think\n\n42\n")
}

func TestREPL_ReasoningOnly(t *testing.T) {
	up := upstream(t,
		`data: {"choices":[{"delta":{"reasoning_content":"hmm"}}]}`+"\n",
		"data: [DONE]\n",
	)
	s := newSession(t, up.URL, "sk-test")

	out := run(t, s, "Question\n")

	assert.Contains(t, out, "hmm\n\n(The model provided only thinking process without a final answer)")
}

func TestREPL_PrintsErrors(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"Incorrect API key provided"}}`)
	}))
	defer up.Close()
	s := newSession(t, up.URL, "sk-bad")

	out := run(t, s, "Hello\n")

	assert.Contains(t, out, "Error: Incorrect API key provided\n")
	assert.Equal(t, 1, s.Store().Len())
}

func TestREPL_SaveAndLoad(t *testing.T) {
	up := upstream(t, `data: {"choices":[{"delta":{"content":"Hi"}}]}`+"\n", "data: [DONE]\n")
	s := newSession(t, up.URL, "sk-test")
	path := filepath.Join(t.TempDir(), "chat.json")

	out := run(t, s, "/save "+path+"\nHello\n/save "+path+"\n/clear\n/load "+path+"\n")

	assert.Contains(t, out, "Error: No chat history to download")
	assert.Contains(t, out, "Saved to "+path)
	assert.Contains(t, out, "Conversation cleared.")
	assert.Contains(t, out, "Loaded 2 messages.")
	assert.Equal(t, 2, s.Store().Len())
	assert.Equal(t, 3, s.Store().Total())
}

func TestREPL_LoadErrors(t *testing.T) {
	s := newSession(t, "http://127.0.0.1:1", "sk-test")

	out := run(t, s, "/load\n/load "+filepath.Join(t.TempDir(), "missing.json")+"\n")

	assert.Contains(t, out, "Usage: /load <file>")
	assert.Contains(t, out, "Error: Error loading chat history")
}

func TestREPL_Models(t *testing.T) {
	up := upstream(t)
	s := newSession(t, up.URL+"/v1/chat/completions", "sk-test")

	out := run(t, s, "/models\n/model beta\n/model\n")

	assert.Contains(t, out, "* alpha\n  beta\n")
	assert.Contains(t, out, "Model set to beta")
	assert.Contains(t, out, "Current model: beta")
	assert.Equal(t, "beta", s.Settings().Model)
}

func TestREPL_UnknownCommandAndHelp(t *testing.T) {
	s := newSession(t, "http://127.0.0.1:1", "sk-test")

	out := run(t, s, "/nope\n/help\n")

	assert.Contains(t, out, "Unknown command /nope")
	assert.Contains(t, out, "/load <file>")
}

func TestREPL_PromptsForMissingKey(t *testing.T) {
	s := newSession(t, "http://127.0.0.1:1", "")
	var prompted string

	run(t, s, "/quit\n", WithSecretReader(func(prompt string) (string, error) {
		prompted = prompt
		return " sk-entered \n", nil
	}))

	assert.Equal(t, "API key: ", prompted)
	assert.Equal(t, "sk-entered", s.Settings().APIKey)
}

func TestREPL_NoKeyEntered(t *testing.T) {
	s := newSession(t, "http://127.0.0.1:1", "")
	r := New(s, strings.NewReader(""), io.Discard, WithSecretReader(func(string) (string, error) {
		return "", nil
	}))

	err := r.Run(context.Background())

	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestREPL_KeyReadFailure(t *testing.T) {
	s := newSession(t, "http://127.0.0.1:1", "")
	r := New(s, strings.NewReader(""), io.Discard, WithSecretReader(func(string) (string, error) {
		return "", errors.New("tty gone")
	}))

	err := r.Run(context.Background())

	assert.ErrorContains(t, err, "tty gone")
}

func TestSuffix(t *testing.T) {
	assert.Equal(t, " there", suffix("Hi", "Hi there"))
	assert.Equal(t, "Hi", suffix("", "Hi"))
	assert.Equal(t, "new", suffix("old", "new"))
}

func TestPlainReader_LastLineWithoutNewline(t *testing.T) {
	var out bytes.Buffer
	r := newPlainReader(strings.NewReader("/tokens\n/help"), &out)

	line, err := r.Prompt("> ")
	require.NoError(t, err)
	assert.Equal(t, "/tokens\n", line)

	line, err = r.Prompt("> ")
	require.NoError(t, err)
	assert.Equal(t, "/help", line)

	_, err = r.Prompt("> ")
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "> > > ", out.String())
}
