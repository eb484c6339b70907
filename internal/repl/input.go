package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"golang.org/x/term"
)

// lineReader supplies input lines. Prompt returns io.EOF when input ends.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Secret(prompt string) (string, error)
	Close() error
}

// plainReader reads from any io.Reader; used for pipes and tests.
type plainReader struct {
	in  *bufio.Reader
	out io.Writer
}

func newPlainReader(in io.Reader, out io.Writer) *plainReader {
	return &plainReader{in: bufio.NewReader(in), out: out}
}

func (p *plainReader) Prompt(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	line, err := p.in.ReadString('\n')
	if errors.Is(err, io.EOF) && line != "" {
		return line, nil
	}
	return line, err
}

func (p *plainReader) Secret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return p.Prompt(prompt)
	}
	fmt.Fprint(p.out, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	return string(b), err
}

func (p *plainReader) Close() error { return nil }

// editorReader provides line editing and input history on a terminal.
type editorReader struct {
	state       *liner.State
	historyFile string
	out         io.Writer
}

func newEditorReader(historyFile string, out io.Writer) *editorReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)

	e := &editorReader{state: state, historyFile: historyFile, out: out}
	if historyFile != "" {
		if f, err := os.Open(historyFile); err == nil {
			if _, err := state.ReadHistory(f); err != nil {
				slog.Debug("failed to read input history", "error", err)
			}
			f.Close()
		}
	}
	return e
}

func (e *editorReader) Prompt(prompt string) (string, error) {
	line, err := e.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		e.state.AppendHistory(line)
	}
	return line, nil
}

func (e *editorReader) Secret(prompt string) (string, error) {
	fmt.Fprint(e.out, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(e.out)
	return string(b), err
}

// Close writes the input history and restores the terminal
func (e *editorReader) Close() error {
	if e.historyFile != "" {
		if err := e.saveHistory(); err != nil {
			slog.Warn("failed to save input history", "error", err)
		}
	}
	return e.state.Close()
}

func (e *editorReader) saveHistory() error {
	if err := os.MkdirAll(filepath.Dir(e.historyFile), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(e.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = e.state.WriteHistory(f)
	return err
}
