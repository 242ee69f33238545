// Package httpx is the shared outbound HTTP client: bounded retries with
// jittered exponential backoff for network errors, 429 and 5xx.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"defi-aggregator/internal/logging"
	"defi-aggregator/internal/metrics"
	"defi-aggregator/internal/model"
)

// Default configuration values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status warrants another attempt.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// StatusOf returns the upstream status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Client performs JSON requests against one named upstream.
type Client struct {
	name        string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	jitter      bool
	headers     map[string]string
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay sets the initial retry delay.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithMaxDelay caps the retry delay.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.maxDelay = d
		}
	}
}

// WithJitter toggles randomised delays.
func WithJitter(enabled bool) Option {
	return func(c *Client) {
		c.jitter = enabled
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if strings.TrimSpace(value) != "" {
			c.headers[key] = value
		}
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithMetrics records each attempt outcome.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the named upstream.
func New(name string, opts ...Option) *Client {
	c := &Client{
		name:        name,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
		jitter:      true,
		headers:     map[string]string{"Accept": "application/json"},
		logger:      zerolog.Nop(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "httpx").Str("upstream", name).Logger()
	return c
}

// Name is the upstream label.
func (c *Client) Name() string { return c.name }

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.Do(ctx, http.MethodGet, url, nil, out)
}

// PostJSON marshals body, POSTs it, and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.Do(ctx, http.MethodPost, url, payload, out)
}

// Do performs the request with retries. Non-retryable statuses fail immediately.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, out any) error {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.withJitter(delay)); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		payload, err := c.attempt(ctx, method, url, body)
		if err == nil {
			c.metrics.ObserveUpstream(c.name, "ok")
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return model.Upstream(err, "%s returned malformed response", c.name)
			}
			return nil
		}

		if ctx.Err() != nil {
			c.metrics.ObserveUpstream(c.name, "canceled")
			return ctx.Err()
		}

		lastErr = err
		var se *StatusError
		if errors.As(err, &se) {
			if !se.Retryable() {
				c.metrics.ObserveUpstream(c.name, "rejected")
				return model.Upstream(err, "%s request failed with status %d", c.name, se.Status)
			}
			if se.Status == http.StatusTooManyRequests {
				delay *= 2
				if delay > c.maxDelay {
					delay = c.maxDelay
				}
			}
		}
		c.metrics.ObserveUpstream(c.name, "retry")
		c.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("upstream attempt failed")
	}

	c.metrics.ObserveUpstream(c.name, "exhausted")
	return model.Upstream(fmt.Errorf("max retries exceeded: %w", lastErr), "%s unavailable", c.name)
}

func (c *Client) attempt(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", logging.RedactURL(err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

func (c *Client) withJitter(d time.Duration) time.Duration {
	if !c.jitter || d <= 0 {
		return d
	}
	return d/2 + rand.N(d/2+1)
}

type errorResponse struct {
	Error       any    `json:"error"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return &StatusError{Status: status, Body: apiErr.Description}
		}
		if apiErr.Message != "" {
			return &StatusError{Status: status, Body: apiErr.Message}
		}
		if s, ok := apiErr.Error.(string); ok && s != "" {
			return &StatusError{Status: status, Body: s}
		}
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > 256 {
		text = text[:256]
	}
	return &StatusError{Status: status, Body: text}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
