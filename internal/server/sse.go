package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"llmchat/internal/core"
)

// SSE event names sent on /api/chat
const (
	EventMessage   = "message"
	EventDelta     = "delta"
	EventReasoning = "reasoning"
	EventError     = "error"
	EventNotice    = "notice"
	EventSend      = "send"
	EventDone      = "done"
)

type messageEvent struct {
	Role             core.Role        `json:"role"`
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	TokenUsage       *core.TokenUsage `json:"token_usage,omitempty"`
	Tokens           int              `json:"tokens"`
}

type deltaEvent struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning"`
	Tokens    int    `json:"tokens"`
}

// sseObserver relays session callbacks to the browser as server-sent events.
// Headers are written with the first event.
type sseObserver struct {
	c       echo.Context
	started bool
	failed  bool
}

func newSSEObserver(c echo.Context) *sseObserver {
	return &sseObserver{c: c}
}

func (o *sseObserver) start() {
	if o.started {
		return
	}
	o.started = true
	h := o.c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	o.c.Response().WriteHeader(http.StatusOK)
}

func (o *sseObserver) send(event string, payload any) {
	if o.failed {
		return
	}
	o.start()

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode event", "event", event, "error", err)
		return
	}
	w := o.c.Response()
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		// client went away; the turn finishes without it
		o.failed = true
		return
	}
	w.Flush()
}

func (o *sseObserver) OnMessageAppended(msg core.Message, tokens int) {
	o.send(EventMessage, messageEvent{
		Role:             msg.Role,
		Content:          msg.Content,
		ReasoningContent: msg.ReasoningContent,
		TokenUsage:       msg.TokenUsage,
		Tokens:           tokens,
	})
}

func (o *sseObserver) OnStreamDelta(content, reasoning string, tokens int) {
	o.send(EventDelta, deltaEvent{Content: content, Reasoning: reasoning, Tokens: tokens})
}

func (o *sseObserver) OnReasoningVisibilityChanged(visible bool) {
	o.send(EventReasoning, map[string]bool{"visible": visible})
}

func (o *sseObserver) OnError(message string) {
	o.send(EventError, map[string]string{"message": message})
}

func (o *sseObserver) OnSendEnabled(enabled bool) {
	o.send(EventSend, map[string]bool{"enabled": enabled})
}

func (o *sseObserver) OnNotice(message string) {
	o.send(EventNotice, map[string]string{"message": message})
}
