package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"llmchat/internal/conversation"
	"llmchat/internal/core"
)

// ErrNothingToExport is returned when exporting an empty conversation
var ErrNothingToExport = errors.New("no chat history to download")

// maxImportSize bounds the size of an imported history file
const maxImportSize = 64 << 20

// DefaultExportName returns chat-YYYYMMDD-HHMMSS.json in local time
func DefaultExportName(now time.Time) string {
	return "chat-" + now.Local().Format("20060102-150405") + ".json"
}

// Export writes h as indented JSON.
func Export(w io.Writer, h *conversation.History) error {
	if h == nil || len(h.Messages) == 0 {
		return ErrNothingToExport
	}
	data, err := conversation.Encode(h)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

// ExportFile writes h to path, creating parent directories.
func ExportFile(path string, h *conversation.History) error {
	if h == nil || len(h.Messages) == 0 {
		return ErrNothingToExport
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := Export(f, h); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Import reads and validates a history document. Invalid input yields a
// ValidationError whose message starts with "Error loading chat history".
func Import(r io.Reader) (*conversation.History, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImportSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	if len(data) > maxImportSize {
		return nil, core.NewValidationError("Error loading chat history: file too large")
	}
	h, err := conversation.Decode(data)
	if err != nil {
		return nil, core.NewValidationError("Error loading chat history: " + err.Error())
	}
	return h, nil
}

// ImportFile imports the history stored at path
func ImportFile(path string) (*conversation.History, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.NewValidationError("Error loading chat history: " + err.Error())
	}
	defer f.Close()
	return Import(f)
}

// ApplySettings copies the non-empty imported settings onto current.
func ApplySettings(current conversation.Settings, imported *conversation.Settings) conversation.Settings {
	if imported == nil {
		return current
	}
	if imported.APIEndpoint != "" {
		current.APIEndpoint = imported.APIEndpoint
	}
	if imported.Model != "" {
		current.Model = imported.Model
	}
	if imported.ContextWindowSize > 0 {
		current.ContextWindowSize = imported.ContextWindowSize
	}
	return current
}
