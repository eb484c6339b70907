// Package httpclient builds the *http.Client used for upstream chat and model requests.
package httpclient

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// ClientConfig holds transport tuning for upstream requests
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Timeout bounds the whole exchange including the streamed body. Zero disables it.
	Timeout time.Duration

	DialTimeout         time.Duration
	KeepAlive           time.Duration
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for the first response byte
	ResponseHeaderTimeout time.Duration
}

// ParseDuration accepts plain integers (seconds) or Go duration strings ("90s", "10m").
func ParseDuration(val string) (time.Duration, bool) {
	if val == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d, true
	}
	return 0, false
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, ok := ParseDuration(os.Getenv(key)); ok {
		return d
	}
	return def
}

// DefaultConfig returns the defaults, overridable through the environment:
//   - LLMCHAT_HTTP_TIMEOUT: whole request including the stream (default: 600)
//   - LLMCHAT_HTTP_RESPONSE_HEADER_TIMEOUT: wait for response headers (default: 120)
func DefaultConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		Timeout:               envDuration("LLMCHAT_HTTP_TIMEOUT", 600*time.Second),
		DialTimeout:           30 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: envDuration("LLMCHAT_HTTP_RESPONSE_HEADER_TIMEOUT", 120*time.Second),
	}
}

// NewHTTPClient creates a client from config, or from DefaultConfig when config is nil.
func NewHTTPClient(config *ClientConfig) *http.Client {
	if config == nil {
		cfg := DefaultConfig()
		config = &cfg
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}
}
