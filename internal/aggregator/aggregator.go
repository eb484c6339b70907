// Package aggregator folds stream deltas into the in-progress assistant turn
// and commits it to the conversation when the stream ends.
package aggregator

import (
	"strings"

	"llmchat/internal/conversation"
	"llmchat/internal/core"
	"llmchat/internal/streaming"
)

// ReasoningOnlyPlaceholder replaces the content of a turn that produced
// reasoning but no answer.
const ReasoningOnlyPlaceholder = "(The model provided only thinking process without a final answer)"

// StreamState is the per-request accumulation. It lives from the first delta
// until Finalize or Discard.
type StreamState struct {
	Content   strings.Builder
	Reasoning strings.Builder
	Usage     *core.TokenUsage
}

// Outcome describes the committed assistant turn
type Outcome struct {
	Message core.Message
	// Tokens is the count shown next to the message
	Tokens int
	// Exact is true when the server reported usage for the turn
	Exact bool
}

// Aggregator accumulates one response. It is used by a single goroutine.
type Aggregator struct {
	store          *conversation.Store
	observer       core.Observer
	state          StreamState
	reasoningShown bool
	finished       bool
}

// New creates an aggregator that commits to store and notifies observer
func New(store *conversation.Store, observer core.Observer) *Aggregator {
	if observer == nil {
		observer = core.NopObserver{}
	}
	return &Aggregator{store: store, observer: observer}
}

// Apply folds one delta into the state, in stream order.
func (a *Aggregator) Apply(d streaming.Delta) {
	if a.finished {
		return
	}

	if d.Usage != nil {
		u := *d.Usage
		a.state.Usage = &u
	}
	if d.Content != "" {
		a.state.Content.WriteString(d.Content)
	}
	if d.ReasoningContent != "" {
		a.state.Reasoning.WriteString(d.ReasoningContent)
		if !a.reasoningShown {
			a.reasoningShown = true
			a.observer.OnReasoningVisibilityChanged(true)
		}
	}

	a.observer.OnStreamDelta(a.state.Content.String(), a.state.Reasoning.String(), a.LiveTokens())
}

// Handle adapts Apply to a streaming.Handler
func (a *Aggregator) Handle(d streaming.Delta) error {
	a.Apply(d)
	return nil
}

// LiveTokens is the completion count shown while streaming: the reported
// completion tokens once usage has arrived, the estimate of the content before.
func (a *Aggregator) LiveTokens() int {
	if a.state.Usage != nil {
		return a.state.Usage.CompletionTokens
	}
	return a.store.Estimate(a.state.Content.String())
}

// Content returns the accumulated answer so far
func (a *Aggregator) Content() string {
	return a.state.Content.String()
}

// Reasoning returns the accumulated reasoning so far
func (a *Aggregator) Reasoning() string {
	return a.state.Reasoning.String()
}

// Usage returns the latest reported usage, or nil
func (a *Aggregator) Usage() *core.TokenUsage {
	return a.state.Usage
}

// Empty reports whether nothing committable arrived: no content and no
// reasoning beyond whitespace.
func (a *Aggregator) Empty() bool {
	return a.state.Content.Len() == 0 && strings.TrimSpace(a.state.Reasoning.String()) == ""
}

// Finalize builds the assistant message, commits it to the store and fires
// OnMessageAppended.
//
// With reported usage the conversation total is replaced by usage.total_tokens;
// without it the message's estimated count is added.
func (a *Aggregator) Finalize() Outcome {
	a.finished = true

	content := a.state.Content.String()
	reasoning := a.state.Reasoning.String()
	usage := a.state.Usage

	if strings.TrimSpace(reasoning) == "" {
		reasoning = ""
		if a.reasoningShown {
			a.reasoningShown = false
			a.observer.OnReasoningVisibilityChanged(false)
		}
	}

	placeholder := false
	if content == "" && reasoning != "" {
		content = ReasoningOnlyPlaceholder
		placeholder = true
	}

	msg := core.Message{
		Role:             core.RoleAssistant,
		Content:          content,
		ReasoningContent: reasoning,
		TokenUsage:       usage,
	}

	var tokens int
	if usage != nil {
		tokens = a.store.AppendWithTotal(msg, usage.TotalTokens)
	} else {
		tokens = a.store.Append(msg)
	}
	if placeholder {
		tokens = a.store.Estimate(content)
	}

	a.observer.OnMessageAppended(msg, tokens)
	a.state = StreamState{}

	return Outcome{Message: msg, Tokens: tokens, Exact: usage != nil && !placeholder}
}

// Discard drops the in-progress turn without touching the store
func (a *Aggregator) Discard() {
	a.finished = true
	a.state = StreamState{}
}
