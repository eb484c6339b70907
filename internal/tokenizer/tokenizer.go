// Package tokenizer estimates token counts for chat text.
//
// Two strategies are available: an exact byte-pair-encoding count through
// tiktoken, and a length heuristic of roughly four characters per token.
// The exact estimator never surfaces tokenizer failures; it falls back to the
// heuristic instead.
//
// Encodings are read from tables compiled into the binary unless Offline is
// off, in which case tiktoken downloads them on first use and caches them in
// TIKTOKEN_CACHE_DIR.
package tokenizer

import (
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"llmchat/internal/core"
)

// Mode selects the estimation strategy
type Mode string

const (
	// ModeAuto uses the BPE encoder when it can be loaded, the heuristic otherwise
	ModeAuto Mode = "auto"
	// ModeExact requires the BPE encoder
	ModeExact Mode = "exact"
	// ModeHeuristic never loads the BPE encoder
	ModeHeuristic Mode = "heuristic"
)

// CharsPerToken is the average characters per token for English-like text.
const CharsPerToken = 4

// DefaultEncoding is used when neither an encoding nor a known model is configured.
const DefaultEncoding = "cl100k_base"

// DefaultLoadTimeout bounds how long New waits for an encoding to load.
const DefaultLoadTimeout = 10 * time.Second

// Config holds tokenizer configuration
type Config struct {
	Mode     Mode
	Encoding string // e.g. cl100k_base, o200k_base; empty derives it from Model
	Model    string
	// Offline uses the compiled-in encoding tables instead of downloading them
	Offline bool
	// LoadTimeout defaults to DefaultLoadTimeout
	LoadTimeout time.Duration
}

// package variables so tests can simulate an unavailable or slow encoder
var (
	getEncoding      = tiktoken.GetEncoding
	encodingForModel = tiktoken.EncodingForModel
	setBpeLoader     = tiktoken.SetBpeLoader
)

// Heuristic estimates ceil(characters / 4). Characters are Unicode code points.
type Heuristic struct{}

// Estimate implements core.Estimator
func (Heuristic) Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// BPE counts tokens with a tiktoken encoder.
type BPE struct {
	enc      *tiktoken.Tiktoken
	name     string
	fallback Heuristic
}

// Estimate implements core.Estimator. A panicking encoder yields the heuristic count.
func (b *BPE) Estimate(text string) (n int) {
	if text == "" {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("tokenizer failed, using length estimate", "encoding", b.name, "panic", r)
			n = b.fallback.Estimate(text)
		}
	}()
	return len(b.enc.Encode(text, nil, nil))
}

// Encoding returns the name of the loaded encoding
func (b *BPE) Encoding() string {
	return b.name
}

// New returns the estimator selected by cfg.
// In auto mode a failure to load the encoder is logged and the heuristic is returned.
func New(cfg Config) (core.Estimator, error) {
	switch cfg.Mode {
	case ModeHeuristic:
		return Heuristic{}, nil
	case ModeExact, ModeAuto, "":
	default:
		return nil, fmt.Errorf("unknown tokenizer mode: %s (valid: auto, exact, heuristic)", cfg.Mode)
	}

	if cfg.Offline {
		setBpeLoader(tiktoken_loader.NewOfflineLoader())
	} else {
		setBpeLoader(tiktoken.NewDefaultBpeLoader())
	}

	bpe, err := loadWithTimeout(cfg)
	if err != nil {
		if cfg.Mode == ModeExact {
			return nil, err
		}
		slog.Warn("BPE tokenizer unavailable, estimating tokens from text length", "error", err)
		return Heuristic{}, nil
	}
	slog.Debug("BPE tokenizer loaded", "encoding", bpe.name)
	return bpe, nil
}

// loadWithTimeout gives up on a slow load. The abandoned load keeps running
// in the background and may still fill the download cache.
func loadWithTimeout(cfg Config) (*BPE, error) {
	timeout := cfg.LoadTimeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}

	type result struct {
		bpe *BPE
		err error
	}
	ch := make(chan result, 1)
	go func() {
		bpe, err := loadBPE(cfg)
		ch <- result{bpe, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.bpe, r.err
	case <-timer.C:
		return nil, fmt.Errorf("loading encoding timed out after %s", timeout)
	}
}

func loadBPE(cfg Config) (*BPE, error) {
	if cfg.Encoding == "" && cfg.Model != "" {
		if enc, err := encodingForModel(cfg.Model); err == nil {
			return &BPE{enc: enc, name: cfg.Model}, nil
		}
	}

	name := cfg.Encoding
	if name == "" {
		name = DefaultEncoding
	}
	enc, err := getEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", name, err)
	}
	return &BPE{enc: enc, name: name}, nil
}
