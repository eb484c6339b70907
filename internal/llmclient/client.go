// Package llmclient talks to an OpenAI-compatible chat completion API:
// - streaming POST of the conversation (never retried)
// - JSON GETs with exponential backoff retries
// - upstream error envelope parsing
// - circuit breaking
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"maps"
	"math"
	"net/http"
	"sync"
	"time"

	"llmchat/internal/core"
	"llmchat/internal/httpclient"
)

// Config holds configuration for the client
type Config struct {
	// Endpoint is the full chat completions URL
	Endpoint string
	APIKey   string
	// ExtraHeaders are added to every request after the defaults
	ExtraHeaders map[string]string

	// Retry configuration, used by Do only
	MaxRetries     int           // Maximum number of retry attempts (default: 2)
	InitialBackoff time.Duration // Initial backoff duration (default: 500ms)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 10s)
	BackoffFactor  float64       // Backoff multiplier (default: 2.0)

	CircuitBreaker *CircuitBreakerConfig
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close an open circuit
	SuccessThreshold int
	// Timeout is how long to wait before attempting to close an open circuit
	Timeout time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig(endpoint, apiKey string) Config {
	return Config{
		Endpoint:       endpoint,
		APIKey:         apiKey,
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
}

// Client is safe for concurrent use; credentials may be swapped at runtime.
type Client struct {
	httpClient     *http.Client
	circuitBreaker *circuitBreaker

	mu     sync.RWMutex
	config Config
}

// New creates a client. A nil httpClient uses httpclient defaults.
func New(config Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = httpclient.NewHTTPClient(nil)
	}
	c := &Client{
		httpClient: httpClient,
		config:     config,
	}

	if config.CircuitBreaker != nil {
		c.circuitBreaker = newCircuitBreaker(
			config.CircuitBreaker.FailureThreshold,
			config.CircuitBreaker.SuccessThreshold,
			config.CircuitBreaker.Timeout,
		)
	}

	return c
}

// SetCredentials replaces the endpoint, key and extra headers used by later requests
func (c *Client) SetCredentials(endpoint, apiKey string, extraHeaders map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config.Endpoint = endpoint
	c.config.APIKey = apiKey
	c.config.ExtraHeaders = maps.Clone(extraHeaders)
}

// Endpoint returns the current chat completions URL
func (c *Client) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Endpoint
}

// APIKey returns the current key
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.APIKey
}

// Request represents an HTTP request to be made
type Request struct {
	Method  string
	URL     string
	Body    interface{} // Will be JSON marshaled if not nil
	Headers map[string]string
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Body       []byte
}

// Do executes a request with retries and circuit breaking, then unmarshals the response
func (c *Client) Do(ctx context.Context, req Request, result interface{}) error {
	resp, err := c.DoRaw(ctx, req)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return core.NewRequestFailedError(resp.StatusCode, "failed to decode response: "+err.Error(), err)
		}
	}

	return nil
}

// DoRaw executes a request with retries and circuit breaking, returning the raw response
func (c *Client) DoRaw(ctx context.Context, req Request) (*Response, error) {
	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		return nil, core.NewRequestFailedError(http.StatusServiceUnavailable,
			"circuit breaker is open - endpoint temporarily unavailable", nil)
	}

	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()

	var lastErr error
	maxAttempts := max(cfg.MaxRetries+1, 1)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, core.NewTransportError("request aborted", ctx.Err())
			case <-time.After(calculateBackoff(cfg, attempt)):
			}
		}

		resp, err := c.doRequest(ctx, req)
		if err != nil {
			lastErr = err
			c.recordFailure()
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}

		if isRetryable(resp.StatusCode) {
			c.recordFailure()
			lastErr = core.ParseRequestError(resp.StatusCode, resp.Body)
			continue
		}

		if !isSuccess(resp.StatusCode) {
			if resp.StatusCode >= 500 {
				c.recordFailure()
			}
			return nil, core.ParseRequestError(resp.StatusCode, resp.Body)
		}

		c.recordSuccess()
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, core.NewRequestFailedError(http.StatusBadGateway, "request failed after retries", nil)
}

// DoStream POSTs body to the chat endpoint and returns the open response body.
// Streaming requests are never retried. A non-2xx status is returned as a
// RequestFailed error carrying the server's error.message when present.
func (c *Client) DoStream(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		return nil, core.NewRequestFailedError(http.StatusServiceUnavailable,
			"circuit breaker is open - endpoint temporarily unavailable", nil)
	}

	httpReq, err := c.buildRequest(ctx, Request{
		Method:  http.MethodPost,
		URL:     c.Endpoint(),
		Body:    body,
		Headers: map[string]string{"Accept": "text/event-stream"},
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, core.NewTransportError("failed to send request: "+err.Error(), err)
	}

	if !isSuccess(resp.StatusCode) {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			respBody = nil
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.recordFailure()
		}
		return nil, core.ParseRequestError(resp.StatusCode, respBody)
	}

	c.recordSuccess()
	return resp.Body, nil
}

// CircuitState reports the breaker state (closed, open, half-open)
func (c *Client) CircuitState() string {
	if c.circuitBreaker == nil {
		return "disabled"
	}
	return c.circuitBreaker.State()
}

func (c *Client) recordFailure() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordFailure()
	}
}

func (c *Client) recordSuccess() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
	}
}

// doRequest executes a single HTTP request without retries
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewTransportError("failed to send request: "+err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewTransportError("failed to read response: "+err.Error(), err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

// buildRequest creates an HTTP request with bearer auth and the extra headers
func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, core.NewValidationError("failed to marshal request: " + err.Error())
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, core.NewValidationError("invalid endpoint: " + err.Error())
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if id := core.GetRequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}

	c.mu.RLock()
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	for key, value := range c.config.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}
	c.mu.RUnlock()

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

// calculateBackoff calculates the backoff duration for a given attempt
func calculateBackoff(cfg Config, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	return time.Duration(backoff)
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// isRetryable returns true if the status code indicates a retryable error
func isRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusGatewayTimeout
}
