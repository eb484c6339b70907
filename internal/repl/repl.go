// Package repl is the interactive terminal front end of a chat session.
package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"llmchat/internal/chat"
	"llmchat/internal/core"
	"llmchat/internal/history"
)

const helpText = `Commands:
  /help           show this help
  /clear          clear the conversation
  /save [file]    export the conversation (default chat-YYYYMMDD-HHMMSS.json)
  /load <file>    import a conversation
  /models         list the endpoint's models
  /model <id>     switch model
  /tokens         show token usage
  /quit           exit`

// ErrNoAPIKey is returned by Run when no key is configured and none was entered
var ErrNoAPIKey = errors.New("no API key provided")

// REPL reads lines from in and runs them against a session.
type REPL struct {
	session    *chat.Session
	lines      lineReader
	out        io.Writer
	printer    *printer
	readSecret func(prompt string) (string, error)
	now        func() time.Time
}

// Option configures a REPL
type Option func(*REPL)

// WithSecretReader replaces the no-echo terminal prompt used for the API key
func WithSecretReader(fn func(prompt string) (string, error)) Option {
	return func(r *REPL) { r.readSecret = fn }
}

// WithLineEditor enables line editing when stdin is a terminal. Input history
// is kept in historyFile; an empty path keeps it in memory only.
func WithLineEditor(historyFile string) Option {
	return func(r *REPL) {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			r.lines = newEditorReader(historyFile, r.out)
		}
	}
}

// New creates a REPL over session. Call Close when done.
func New(session *chat.Session, in io.Reader, out io.Writer, opts ...Option) *REPL {
	r := &REPL{
		session: session,
		lines:   newPlainReader(in, out),
		out:     out,
		printer: newPrinter(out),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.readSecret == nil {
		r.readSecret = r.lines.Secret
	}
	return r
}

// Close releases the terminal
func (r *REPL) Close() error {
	return r.lines.Close()
}

// Run loops until /quit, end of input or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	if err := r.ensureAPIKey(); err != nil {
		return err
	}

	st := r.session.Settings()
	fmt.Fprintf(r.out, "Connected to %s, model %s. Type /help for commands.\n", st.Endpoint, st.Model)
	if n := r.session.Store().Len(); n > 0 {
		fmt.Fprintf(r.out, "Restored %d messages.\n", n)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := r.lines.Prompt("> ")
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

func (r *REPL) send(ctx context.Context, text string) {
	r.printer.reset()
	_, err := r.session.Send(ctx, text, r.printer)
	switch {
	case errors.Is(err, core.ErrEmptyMessage):
	case errors.Is(err, core.ErrBusy):
		fmt.Fprintf(r.out, "Error: %s\n", err)
	}
}

// command runs a slash command and reports whether the loop should end
func (r *REPL) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/quit", "/exit":
		return true
	case "/clear":
		if err := r.session.Clear(ctx); err != nil {
			r.fail(err)
			return false
		}
		fmt.Fprintln(r.out, "Conversation cleared.")
	case "/save":
		path := arg
		if path == "" {
			path = history.DefaultExportName(r.now())
		}
		if err := r.session.ExportFile(path); err != nil {
			r.fail(err)
			return false
		}
		fmt.Fprintf(r.out, "Saved to %s\n", path)
	case "/load":
		if arg == "" {
			fmt.Fprintln(r.out, "Usage: /load <file>")
			return false
		}
		h, err := history.ImportFile(arg)
		if err != nil {
			r.fail(err)
			return false
		}
		if err := r.session.Import(ctx, h, r.printer); err != nil {
			r.fail(err)
			return false
		}
		fmt.Fprintf(r.out, "Loaded %d messages.\n", len(h.Messages))
		r.printTokens()
	case "/models":
		models, err := r.session.Models(ctx, arg == "refresh")
		if err != nil {
			r.fail(err)
			return false
		}
		current := r.session.Settings().Model
		for _, m := range models {
			marker := " "
			if m == current {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s\n", marker, m)
		}
	case "/model":
		if arg == "" {
			fmt.Fprintf(r.out, "Current model: %s\n", r.session.Settings().Model)
			return false
		}
		st := r.session.Settings()
		st.Model = arg
		if err := r.session.UpdateSettings(st); err != nil {
			r.fail(err)
			return false
		}
		fmt.Fprintf(r.out, "Model set to %s\n", arg)
	case "/tokens":
		r.printTokens()
	default:
		fmt.Fprintf(r.out, "Unknown command %s, type /help for commands.\n", name)
	}
	return false
}

func (r *REPL) printTokens() {
	t := r.session.Tokens()
	fmt.Fprintf(r.out, "Tokens: %d / %d (%.1f%%)\n", t.Total, t.ContextWindow, t.Percent)
}

func (r *REPL) fail(err error) {
	if errors.Is(err, history.ErrNothingToExport) {
		fmt.Fprintln(r.out, "Error: No chat history to download")
		return
	}
	fmt.Fprintf(r.out, "Error: %s\n", core.UserMessage(err))
}

func (r *REPL) ensureAPIKey() error {
	st := r.session.Settings()
	if strings.TrimSpace(st.APIKey) != "" {
		return nil
	}

	key, err := r.readSecret("API key: ")
	if err != nil {
		return fmt.Errorf("failed to read API key: %w", err)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrNoAPIKey
	}
	st.APIKey = key
	if err := r.session.UpdateSettings(st); err != nil {
		// the key is in effect for this run even if it could not be saved
		fmt.Fprintf(r.out, "Error: %s\n", core.UserMessage(err))
	}
	return nil
}
