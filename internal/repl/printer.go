package repl

import (
	"fmt"
	"io"
	"strings"

	"llmchat/internal/core"
)

// ThinkingHeader introduces streamed reasoning
const ThinkingHeader = "Thinking Process:"

// printer renders one turn on a terminal. Deltas are cumulative, so only the
// unseen suffix of each is written.
type printer struct {
	out io.Writer

	reasoning   string
	content     string
	answerBegun bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) reset() {
	p.reasoning = ""
	p.content = ""
	p.answerBegun = false
}

func (p *printer) OnMessageAppended(msg core.Message, tokens int) {
	if msg.Role != core.RoleAssistant {
		return
	}
	if p.content == "" && msg.Content != "" {
		p.beginAnswer()
		fmt.Fprint(p.out, msg.Content)
	}
	fmt.Fprintf(p.out, "\n[%d tokens]\n", tokens)
	p.reset()
}

func (p *printer) OnStreamDelta(content, reasoning string, _ int) {
	if reasoning != p.reasoning {
		fmt.Fprint(p.out, suffix(p.reasoning, reasoning))
		p.reasoning = reasoning
	}
	if content != p.content {
		p.beginAnswer()
		fmt.Fprint(p.out, suffix(p.content, content))
		p.content = content
	}
}

func (p *printer) beginAnswer() {
	if p.answerBegun {
		return
	}
	p.answerBegun = true
	if p.reasoning != "" {
		fmt.Fprint(p.out, "\n\n")
	}
}

func (p *printer) OnReasoningVisibilityChanged(visible bool) {
	if visible {
		fmt.Fprintln(p.out, ThinkingHeader)
	}
}

func (p *printer) OnError(message string) {
	if p.reasoning != "" || p.content != "" {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintf(p.out, "Error: %s\n", message)
	p.reset()
}

func (p *printer) OnSendEnabled(bool) {}

func (p *printer) OnNotice(message string) {
	fmt.Fprintf(p.out, "Notice: %s\n", message)
}

// suffix returns what next adds to prev, or all of next when it is not an
// extension of prev.
func suffix(prev, next string) string {
	if rest, ok := strings.CutPrefix(next, prev); ok {
		return rest
	}
	return next
}
