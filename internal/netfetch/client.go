package netfetch

import (
	"context"
	"net/http"
	"time"
)

// Client is the facade over the fetch middleware pipeline. One Client is
// shared by all builds in the process; its circuit, rate-limiter, and
// cache state are per-host and safe for concurrent use.
type Client struct {
	handler  Handler
	policies PolicyProvider
	// stopCleanup terminates the rate limiter's background sweep.
	stopCleanup func()
}

// ClientConfig bundles the resilience settings for a fetch client.
type ClientConfig struct {
	Circuit CircuitConfig `json:"circuit" yaml:"circuit"`
	Backoff BackoffConfig `json:"backoff" yaml:"backoff"`
}

// DefaultClientConfig returns production-ready fetch client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Circuit: DefaultCircuitConfig(),
		Backoff: DefaultBackoffConfig(),
	}
}

// NewClient assembles the fetch pipeline: conditional cache, then retry
// with backoff, then circuit breaking, then rate limiting, then the core
// HTTP handler. The cache sits outermost so fresh hits cost nothing; the
// retry layer sees circuit-open and rate-limited errors as non-retryable.
func NewClient(cfg ClientConfig, policies PolicyProvider, httpClient *http.Client) *Client {
	return NewClientWithHandler(cfg, policies, NewHTTPHandler(httpClient))
}

// NewClientWithHandler builds a client around a custom core handler.
// Used by tests to substitute deterministic fakes for the network.
func NewClientWithHandler(cfg ClientConfig, policies PolicyProvider, core Handler) *Client {
	rateLimit, stopCleanup := NewRateLimitMiddleware()
	handler := Chain(
		core,
		NewCacheMiddleware(policies),
		NewRetryMiddleware(cfg.Backoff),
		NewCircuitMiddleware(cfg.Circuit),
		rateLimit,
	)
	return &Client{handler: handler, policies: policies, stopCleanup: stopCleanup}
}

// Close stops the client's background maintenance goroutines.
func (c *Client) Close() {
	if c.stopCleanup != nil {
		c.stopCleanup()
	}
}

// Head issues a HEAD request under the host's policy timeout.
func (c *Client) Head(ctx context.Context, rawURL string, timeout time.Duration) (*Response, error) {
	req := &Request{Method: http.MethodHead, URL: rawURL, Timeout: timeout}
	if err := resolveRequest(req, c.policies); err != nil {
		return nil, err
	}
	return c.handler.Handle(ctx, req)
}

// GetBytes fetches a resource body. A zero timeout or retries value defers
// to the host's domain policy.
func (c *Client) GetBytes(ctx context.Context, rawURL string, timeout time.Duration, retries int) ([]byte, error) {
	req := &Request{Method: http.MethodGet, URL: rawURL, Timeout: timeout, Retries: retries}
	if err := resolveRequest(req, c.policies); err != nil {
		return nil, err
	}
	resp, err := c.handler.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
