// Package server provides the HTTP surface for browser clients.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"llmchat/config"
	"llmchat/internal/chat"
	"llmchat/internal/conversation"
	"llmchat/internal/core"
	"llmchat/internal/history"
)

// Handler holds the HTTP handlers
type Handler struct {
	session *chat.Session
}

// NewHandler creates a new handler for session
func NewHandler(session *chat.Session) *Handler {
	return &Handler{
		session: session,
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

// Chat handles POST /api/chat. The turn is streamed back as server-sent
// events; failures before the stream starts are answered with JSON.
func (h *Handler) Chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewValidationError("invalid request body: "+err.Error()))
	}

	obs := newSSEObserver(c)
	_, err := h.session.Send(c.Request().Context(), req.Message, obs)
	if !obs.started {
		if err != nil {
			return handleError(c, err)
		}
		obs.start()
	}

	obs.send(EventDone, h.session.Tokens())
	return nil
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// GetHistory handles GET /api/history
func (h *Handler) GetHistory(c echo.Context) error {
	return c.JSON(http.StatusOK, h.session.Snapshot())
}

// ClearHistory handles DELETE /api/history
func (h *Handler) ClearHistory(c echo.Context) error {
	if err := h.session.Clear(c.Request().Context()); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ImportHistory handles POST /api/history with an exported history document
func (h *Handler) ImportHistory(c echo.Context) error {
	imported, err := history.Import(c.Request().Body)
	if err != nil {
		return handleError(c, err)
	}

	notices := &noticeCollector{}
	if err := h.session.Import(c.Request().Context(), imported, notices); err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"messages": len(imported.Messages),
		"tokens":   h.session.Tokens(),
		"notices":  notices.messages,
	})
}

// ReplaceMessages handles PUT /api/history/messages with an edited message array
func (h *Handler) ReplaceMessages(c echo.Context) error {
	var msgs []core.Message
	if err := json.NewDecoder(c.Request().Body).Decode(&msgs); err != nil {
		return handleError(c, core.NewValidationError("Chat history must be an array"))
	}

	notices := &noticeCollector{}
	if err := h.session.ReplaceMessages(c.Request().Context(), msgs, notices); err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"tokens":  h.session.Tokens(),
		"notices": notices.messages,
	})
}

// ExportHistory handles GET /api/history/export as a file download
func (h *Handler) ExportHistory(c echo.Context) error {
	snapshot := h.session.Snapshot()
	if len(snapshot.Messages) == 0 {
		return handleError(c, core.NewValidationError("No chat history to download"))
	}
	data, err := conversation.Encode(snapshot)
	if err != nil {
		return handleError(c, err)
	}

	name := history.DefaultExportName(time.Now())
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`"`)
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, data)
}

// ListModels handles GET /api/models; ?refresh=true bypasses the cache
func (h *Handler) ListModels(c echo.Context) error {
	refresh, _ := strconv.ParseBool(c.QueryParam("refresh"))
	models, err := h.session.Models(c.Request().Context(), refresh)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"models":   models,
		"selected": h.session.Settings().Model,
	})
}

// Tokens handles GET /api/tokens
func (h *Handler) Tokens(c echo.Context) error {
	return c.JSON(http.StatusOK, h.session.Tokens())
}

type settingsView struct {
	Endpoint      string            `json:"apiEndpoint"`
	Model         string            `json:"model"`
	ContextWindow int               `json:"contextWindowSize"`
	ExtraHeaders  map[string]string `json:"extraHeaders,omitempty"`
	HasAPIKey     bool              `json:"hasApiKey"`
}

// GetSettings handles GET /api/settings. The API key is never returned.
func (h *Handler) GetSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, viewSettings(h.session.Settings()))
}

type settingsUpdate struct {
	Endpoint      *string         `json:"apiEndpoint"`
	APIKey        *string         `json:"apiKey"`
	Model         *string         `json:"model"`
	ContextWindow *int            `json:"contextWindowSize"`
	ExtraHeaders  json.RawMessage `json:"extraHeaders"`
}

// UpdateSettings handles PUT /api/settings. Omitted fields keep their value.
func (h *Handler) UpdateSettings(c echo.Context) error {
	var req settingsUpdate
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return handleError(c, core.NewValidationError("invalid request body: "+err.Error()))
	}

	st := h.session.Settings()
	if req.Endpoint != nil {
		st.Endpoint = strings.TrimSpace(*req.Endpoint)
	}
	if req.APIKey != nil {
		st.APIKey = strings.TrimSpace(*req.APIKey)
	}
	if req.Model != nil {
		st.Model = strings.TrimSpace(*req.Model)
	}
	if req.ContextWindow != nil {
		st.ContextWindow = *req.ContextWindow
	}
	if len(req.ExtraHeaders) > 0 && string(req.ExtraHeaders) != "null" {
		headers, err := config.ParseExtraHeaders(string(req.ExtraHeaders))
		if err != nil {
			return handleError(c, core.NewValidationError(err.Error()))
		}
		st.ExtraHeaders = headers
	}

	if err := h.session.UpdateSettings(st); err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, viewSettings(h.session.Settings()))
}

func viewSettings(st chat.Settings) settingsView {
	return settingsView{
		Endpoint:      st.Endpoint,
		Model:         st.Model,
		ContextWindow: st.ContextWindow,
		ExtraHeaders:  st.ExtraHeaders,
		HasAPIKey:     st.APIKey != "",
	}
}

// noticeCollector keeps notices raised outside a stream
type noticeCollector struct {
	core.NopObserver
	messages []string
}

func (n *noticeCollector) OnNotice(message string) {
	n.messages = append(n.messages, message)
}

// handleError converts chat errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, core.ErrBusy):
		return c.JSON(http.StatusConflict, errorBody("busy", err.Error()))
	case errors.Is(err, core.ErrEmptyMessage):
		return c.JSON(http.StatusBadRequest, errorBody(string(core.ErrorTypeValidation), err.Error()))
	}

	var chatErr *core.ChatError
	if errors.As(err, &chatErr) {
		return c.JSON(chatErr.HTTPStatusCode(), chatErr.ToJSON())
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, errorBody("internal_error", "an unexpected error occurred"))
}

func errorBody(errType, message string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	}
}
