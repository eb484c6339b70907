package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"llmchat/internal/core"
)

// ErrInvalidHistory is returned when a history document has no messages array
// or contains a message with an unknown role.
var ErrInvalidHistory = errors.New("invalid chat history format")

// Settings is the subset of client settings stored with a history
type Settings struct {
	APIEndpoint       string `json:"apiEndpoint,omitempty" bson:"api_endpoint,omitempty"`
	Model             string `json:"model,omitempty" bson:"model,omitempty"`
	ContextWindowSize int    `json:"contextWindowSize,omitempty" bson:"context_window_size,omitempty"`
}

// History is the persisted and exported conversation document.
type History struct {
	Timestamp   time.Time      `json:"timestamp" bson:"timestamp"`
	Settings    *Settings      `json:"settings,omitempty" bson:"settings,omitempty"`
	Messages    []core.Message `json:"messages" bson:"messages"`
	TotalTokens *int           `json:"totalTokens,omitempty" bson:"total_tokens,omitempty"`
}

// Serialize snapshots the conversation together with settings
func (s *Store) Serialize(settings Settings, now time.Time) *History {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := make([]core.Message, len(s.messages))
	copy(msgs, s.messages)
	total := s.total

	return &History{
		Timestamp:   now.UTC(),
		Settings:    &settings,
		Messages:    msgs,
		TotalTokens: &total,
	}
}

// Deserialize validates h and replaces the conversation with its messages.
// A positive stored total wins over recomputation.
func (s *Store) Deserialize(h *History) error {
	if err := h.Validate(); err != nil {
		return err
	}
	s.ReplaceAll(h.Messages, h.TotalTokens)
	return nil
}

// Validate checks the document shape
func (h *History) Validate() error {
	if h == nil || h.Messages == nil {
		return ErrInvalidHistory
	}
	for i, m := range h.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %d has role %q", ErrInvalidHistory, i, m.Role)
		}
	}
	return nil
}

// Decode parses and validates a JSON history document
func Decode(data []byte) (*History, error) {
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHistory, err)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &h, nil
}

// Encode renders h as indented JSON, the export format
func Encode(h *History) ([]byte, error) {
	return json.MarshalIndent(h, "", "  ")
}
