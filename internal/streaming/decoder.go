// Package streaming decodes the server-sent-events body of a streaming chat
// completion into ordered delta events.
//
// A record is parsed only once its terminating newline has arrived; a partial
// trailing fragment is kept until the next chunk, or parsed on end-of-stream.
package streaming

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"llmchat/internal/core"
)

const (
	// readBufferSize is the size of each read from the response body
	readBufferSize = 4096
	// maxErrorBodySize bounds the non-data text kept to detect a plain JSON error body
	maxErrorBodySize = 64 << 10
)

// State is the decoder lifecycle state
type State int

const (
	// StateBuffering is the initial state while chunks arrive
	StateBuffering State = iota
	// StateComplete is terminal after end-of-stream or [DONE]
	StateComplete
	// StateFailed is terminal after a transport error or a fatal record
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuffering:
		return "buffering"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Handler receives each delta in stream order. A non-nil error aborts decoding.
type Handler func(Delta) error

// RecordHook observes every parsed line; used for metrics.
type RecordHook func(Result)

// Decoder is the stream decoder state machine. It is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	raw     []byte
	sawData bool
	state   State
	err    error
	hook   RecordHook
	logger *slog.Logger
}

// Option configures a Decoder
type Option func(*Decoder)

// WithRecordHook registers a hook called for every parsed line
func WithRecordHook(h RecordHook) Option {
	return func(d *Decoder) { d.hook = h }
}

// WithLogger sets the logger used for malformed records
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) { d.logger = l }
}

// NewDecoder creates a decoder in the Buffering state
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{state: StateBuffering, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current state
func (d *Decoder) State() State {
	return d.state
}

// Err returns the error that moved the decoder to Failed, if any
func (d *Decoder) Err() error {
	return d.err
}

// Buffered returns the retained partial fragment
func (d *Decoder) Buffered() []byte {
	return d.buf
}

// Feed appends chunk to the buffer and returns a result for every complete line.
// Processing stops at the [DONE] sentinel or a fatal record.
func (d *Decoder) Feed(chunk []byte) []Result {
	if d.state != StateBuffering {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var results []Result
	consumed := 0
	for d.state == StateBuffering {
		i := bytes.IndexByte(d.buf[consumed:], '\n')
		if i < 0 {
			break
		}
		line := d.buf[consumed : consumed+i]
		consumed += i + 1
		results = append(results, d.parse(line))
	}

	if d.state != StateBuffering {
		d.buf = nil
	} else if consumed > 0 {
		d.buf = append([]byte(nil), d.buf[consumed:]...)
	}
	return results
}

// Finish signals end-of-stream. A retained fragment that is itself a complete
// data record is parsed with the same rules as any other line. A body without
// any data record that is a JSON error envelope is fatal.
func (d *Decoder) Finish() []Result {
	if d.state != StateBuffering {
		return nil
	}
	rest := d.buf
	d.buf = nil

	var results []Result
	if len(bytes.TrimSpace(rest)) > 0 {
		results = append(results, d.parse(rest))
	}
	if d.state == StateBuffering && !d.sawData && len(d.raw) > 0 {
		if r, ok := ParseErrorBody(d.raw); ok {
			results = append(results, d.apply(r))
		}
	}
	d.raw = nil
	if d.state == StateBuffering {
		d.state = StateComplete
	}
	return results
}

// parse handles one line, keeping non-data text until the first data record
// so that a bare JSON error body can be recognised at end-of-stream.
func (d *Decoder) parse(line []byte) Result {
	if !d.sawData {
		switch {
		case isDataLine(line):
			d.sawData = true
			d.raw = nil
		case len(d.raw)+len(line) < maxErrorBodySize:
			d.raw = append(d.raw, line...)
			d.raw = append(d.raw, '\n')
		}
	}
	return d.apply(ParseLine(line))
}

// Fail moves the decoder to Failed and drops any buffered data
func (d *Decoder) Fail(err error) {
	if d.state != StateBuffering {
		return
	}
	d.state = StateFailed
	d.err = err
	d.buf = nil
	d.raw = nil
}

func (d *Decoder) apply(r Result) Result {
	switch r.Kind {
	case KindDone:
		d.state = StateComplete
	case KindFatal:
		d.state = StateFailed
		d.err = r.Err
	case KindSkip:
		if r.Err != nil {
			d.logger.Warn("skipping malformed stream record", "error", r.Err)
		}
	}
	if d.hook != nil {
		d.hook(r)
	}
	return r
}

// Run reads r until end-of-stream, [DONE], a fatal record, or a read error,
// delivering deltas to h in order. Awaiting the next chunk is the only
// blocking point. Read errors and cancellation yield a transport error.
func (d *Decoder) Run(ctx context.Context, r io.Reader, h Handler) error {
	chunk := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			d.Fail(err)
			return core.NewTransportError("request aborted", err)
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			if err := dispatch(d.Feed(chunk[:n]), h); err != nil {
				return err
			}
			if d.state != StateBuffering {
				return d.terminalErr()
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if err := dispatch(d.Finish(), h); err != nil {
					return err
				}
				return d.terminalErr()
			}
			d.Fail(readErr)
			return core.NewTransportError("stream read failed: "+readErr.Error(), readErr)
		}
	}
}

func (d *Decoder) terminalErr() error {
	if d.state == StateFailed {
		return d.err
	}
	return nil
}

func dispatch(results []Result, h Handler) error {
	for _, r := range results {
		if r.Kind != KindEvent {
			continue
		}
		if err := h(r.Delta); err != nil {
			return err
		}
	}
	return nil
}
