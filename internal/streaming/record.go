package streaming

import (
	"bytes"
	"errors"

	"github.com/tidwall/gjson"

	"llmchat/internal/core"
)

var (
	dataPrefix   = []byte("data: ")
	doneSentinel = []byte("[DONE]")

	errNotJSONObject = errors.New("payload is not a JSON object")
)

// Kind tags the outcome of parsing one line
type Kind int

const (
	// KindEvent carries a delta
	KindEvent Kind = iota
	// KindSkip means the line produced nothing; Err is set when it was malformed
	KindSkip
	// KindDone is the [DONE] sentinel
	KindDone
	// KindFatal aborts the stream; Err carries the server's error
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindSkip:
		return "skip"
	case KindDone:
		return "done"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Delta is an incremental update to the in-progress assistant message.
// Content and ReasoningContent are fragments to append, not replacements.
type Delta struct {
	Content          string
	ReasoningContent string
	Usage            *core.TokenUsage
}

// Empty reports whether the delta carries nothing
func (d Delta) Empty() bool {
	return d.Content == "" && d.ReasoningContent == "" && d.Usage == nil
}

// Result is the tagged outcome of one line: an event, a skip, the done
// sentinel, or a fatal server error.
type Result struct {
	Kind  Kind
	Delta Delta
	Err   error
}

// Malformed reports whether the line was a data record that failed to parse
func (r Result) Malformed() bool {
	return r.Kind == KindSkip && r.Err != nil
}

// ParseErrorBody reports whether body, a response that carried no data
// records, is a JSON error envelope. The result is fatal when it is.
func ParseErrorBody(body []byte) (Result, bool) {
	body = bytes.TrimSpace(body)
	if !gjson.ValidBytes(body) {
		return Result{}, false
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Result{}, false
	}
	return errorEnvelope(root)
}

func errorEnvelope(root gjson.Result) (Result, bool) {
	e := root.Get("error")
	if !e.Exists() || e.Type == gjson.Null {
		return Result{}, false
	}
	msg := e.Get("message").String()
	if e.Type == gjson.String {
		msg = e.String()
	}
	return Result{Kind: KindFatal, Err: core.NewRequestFailedError(0, msg, nil)}, true
}

func isDataLine(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimSuffix(line, []byte("\r")), dataPrefix)
}

// ParseLine parses one complete line of the stream.
// Lines that are not "data: " records are skipped silently.
func ParseLine(line []byte) Result {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return Result{Kind: KindSkip}
	}

	payload := line[len(dataPrefix):]
	if bytes.Equal(payload, doneSentinel) {
		return Result{Kind: KindDone}
	}

	if !gjson.ValidBytes(payload) {
		return Result{Kind: KindSkip, Err: core.NewMalformedRecordError(string(line), errors.New("invalid JSON"))}
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return Result{Kind: KindSkip, Err: core.NewMalformedRecordError(string(line), errNotJSONObject)}
	}

	if r, ok := errorEnvelope(root); ok {
		return r
	}

	var d Delta
	delta := root.Get("choices.0.delta")
	if c := delta.Get("content"); c.Type == gjson.String {
		d.Content = c.String()
	}
	if r := delta.Get("reasoning_content"); r.Type == gjson.String {
		d.ReasoningContent = r.String()
	}
	if u := root.Get("usage"); u.IsObject() {
		d.Usage = &core.TokenUsage{
			PromptTokens:     int(u.Get("prompt_tokens").Int()),
			CompletionTokens: int(u.Get("completion_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}

	if d.Empty() {
		return Result{Kind: KindSkip}
	}
	return Result{Kind: KindEvent, Delta: d}
}
