package core

// Estimator approximates or exactly computes the number of tokens in a text span.
// Implementations must be pure and never return a negative count.
type Estimator interface {
	Estimate(text string) int
}

// Observer receives the callbacks the core invokes on its collaborator layer
// (terminal, browser relay, tests). Calls happen on the sending goroutine,
// in stream order.
type Observer interface {
	// OnMessageAppended is called after a message has been committed to the conversation
	OnMessageAppended(msg Message, tokens int)

	// OnStreamDelta is called for every content or reasoning fragment with the running text
	OnStreamDelta(partialContent, partialReasoning string, liveTokenEstimate int)

	// OnReasoningVisibilityChanged shows or hides the reasoning region
	OnReasoningVisibilityChanged(visible bool)

	// OnError surfaces a transcript-visible error entry
	OnError(message string)

	// OnSendEnabled toggles the send affordance
	OnSendEnabled(enabled bool)

	// OnNotice surfaces a transient, non-blocking notification
	OnNotice(message string)
}

// NopObserver ignores every callback. Embed it to implement only some of them.
type NopObserver struct{}

func (NopObserver) OnMessageAppended(Message, int) {}
func (NopObserver) OnStreamDelta(string, string, int) {}
func (NopObserver) OnReasoningVisibilityChanged(bool) {}
func (NopObserver) OnError(string) {}
func (NopObserver) OnSendEnabled(bool) {}
func (NopObserver) OnNotice(string) {}
