// Package modelprobe lists the models served by the configured endpoint.
package modelprobe

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/tidwall/gjson"

	"llmchat/internal/cache"
	"llmchat/internal/core"
	"llmchat/internal/llmclient"
)

// DefaultTTL is how long a probed list is served from cache
const DefaultTTL = time.Hour

// Probe results reported to the observer
const (
	ResultCache  = "cache"
	ResultRemote = "remote"
	ResultError  = "error"
)

// Prober fetches and caches model lists.
type Prober struct {
	client  *llmclient.Client
	cache   cache.Cache
	ttl     time.Duration
	now     func() time.Time
	observe func(result string)
}

// Option configures a Prober
type Option func(*Prober)

// WithObserver reports where each Probe result came from
func WithObserver(fn func(result string)) Option {
	return func(p *Prober) { p.observe = fn }
}

// New creates a prober. A nil cache disables caching.
func New(client *llmclient.Client, c cache.Cache, ttl time.Duration, opts ...Option) *Prober {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	p := &Prober{client: client, cache: c, ttl: ttl, now: time.Now, observe: func(string) {}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BaseURL reduces a chat completions URL to scheme://host
func BaseURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", core.NewValidationError("invalid API endpoint: " + endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Probe returns the sorted model ids of the current endpoint.
// A fresh cached list is returned unless refresh is set.
func (p *Prober) Probe(ctx context.Context, refresh bool) ([]string, error) {
	endpoint := p.client.Endpoint()
	if p.client.APIKey() == "" {
		return nil, core.NewValidationError("missing key")
	}
	if endpoint == "" {
		return nil, core.NewValidationError("missing API endpoint")
	}
	base, err := BaseURL(endpoint)
	if err != nil {
		return nil, err
	}

	key := cache.Key(endpoint)
	if !refresh && p.cache != nil {
		entry, err := p.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("model cache read failed", "error", err)
		} else if entry.Fresh(p.now(), p.ttl) {
			p.observe(ResultCache)
			return slices.Clone(entry.Models), nil
		}
	}

	resp, err := p.client.DoRaw(ctx, llmclient.Request{
		Method: http.MethodGet,
		URL:    base + "/v1/models",
	})
	if err != nil {
		p.observe(ResultError)
		return nil, err
	}

	models, err := parseModels(resp.Body)
	if err != nil {
		p.observe(ResultError)
		return nil, err
	}
	p.observe(ResultRemote)

	if p.cache != nil {
		entry := &cache.ModelCache{
			Version:   cache.CacheVersion,
			UpdatedAt: p.now().UTC(),
			Endpoint:  endpoint,
			Models:    models,
		}
		if err := p.cache.Set(ctx, key, entry); err != nil {
			slog.Warn("model cache write failed", "error", err)
		}
	}

	slog.Debug("models probed", "endpoint", base, "count", len(models))
	return slices.Clone(models), nil
}

func parseModels(body []byte) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.NewRequestFailedError(0, "Invalid response format from models endpoint", nil)
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, core.NewRequestFailedError(0, "Invalid response format from models endpoint", nil)
	}

	models := make([]string, 0, len(data.Array()))
	for _, m := range data.Array() {
		if id := m.Get("id").String(); id != "" {
			models = append(models, id)
		}
	}
	slices.Sort(models)
	return models, nil
}

// Select keeps current when the list offers it, else picks the first model.
// An empty list keeps current.
func Select(current string, models []string) string {
	if slices.Contains(models, current) || len(models) == 0 {
		return current
	}
	return models[0]
}
