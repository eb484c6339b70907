// Package conversation holds the ordered message history and its running token total.
package conversation

import (
	"sync"

	"llmchat/internal/core"
)

// Store is the conversation: messages in insertion order plus the running total.
//
// The total is always either the sum of each message's authoritative count or
// a server-reported grand total set through SetTotal/AppendWithTotal.
// A single mutex serializes writers, so every operation is observed whole.
type Store struct {
	mu        sync.RWMutex
	messages  []core.Message
	total     int
	estimator core.Estimator
}

// NewStore creates an empty conversation that estimates with est
func NewStore(est core.Estimator) *Store {
	return &Store{
		messages:  make([]core.Message, 0),
		estimator: est,
	}
}

// MessageTokens returns the authoritative token count of msg:
// exact completion tokens for an assistant message, exact prompt tokens for a
// user message, and the content estimate otherwise.
func (s *Store) MessageTokens(msg core.Message) int {
	if u := msg.TokenUsage; u != nil {
		if msg.Role == core.RoleAssistant && u.CompletionTokens > 0 {
			return u.CompletionTokens
		}
		if msg.Role == core.RoleUser && u.PromptTokens > 0 {
			return u.PromptTokens
		}
	}
	return s.estimator.Estimate(msg.Content)
}

// Estimate exposes the store's estimator
func (s *Store) Estimate(text string) int {
	return s.estimator.Estimate(text)
}

// Append adds msg to the end and adds its authoritative count to the total.
// It returns the count that was added.
func (s *Store) Append(msg core.Message) int {
	tokens := s.MessageTokens(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.total += tokens
	return tokens
}

// AppendWithTotal adds msg and replaces the total with a server-reported
// grand total in one step. It returns the message's own count.
func (s *Store) AppendWithTotal(msg core.Message, total int) int {
	tokens := s.MessageTokens(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.total = max(total, 0)
	return tokens
}

// ReplaceAll bulk-loads msgs. The total is recomputed from scratch unless
// storedTotal is positive, in which case the stored total wins.
func (s *Store) ReplaceAll(msgs []core.Message, storedTotal *int) {
	loaded := make([]core.Message, len(msgs))
	copy(loaded, msgs)

	total := 0
	if storedTotal != nil && *storedTotal > 0 {
		total = *storedTotal
	} else {
		for _, m := range loaded {
			total += s.MessageTokens(m)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = loaded
	s.total = total
}

// Clear empties the conversation and resets the total
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make([]core.Message, 0)
	s.total = 0
}

// SetTotal overrides the running total with an authoritative value
func (s *Store) SetTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = max(n, 0)
}

// Total returns the running token total
func (s *Store) Total() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Len returns the number of messages
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Messages returns a copy of the messages in conversation order
func (s *Store) Messages() []core.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ContextPercent returns the share of the context window used, clamped to [0, 100].
func (s *Store) ContextPercent(contextWindow int) float64 {
	if contextWindow <= 0 {
		return 0
	}
	pct := float64(s.Total()) / float64(contextWindow) * 100
	return min(max(pct, 0), 100)
}
