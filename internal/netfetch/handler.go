// Package netfetch makes outbound fetches to third-party, semi-trusted
// hosts safely and cheaply. Requests flow through a composable middleware
// pipeline providing conditional caching, circuit breaking, per-host rate
// limiting, and retry with backoff. Per-host policy (timeouts, concurrency
// ceilings, allowlisting) is supplied by a PolicyProvider.
package netfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DomainPolicy is the per-host fetch policy resolved before any request.
// It is produced by the adaptive policy manager; netfetch only reads it.
type DomainPolicy struct {
	// Allowed gates whether the host may be contacted at all.
	Allowed bool `json:"allowed" yaml:"allowed"`
	// Timeout bounds each individual request to the host.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// Retries is the default attempt budget for transient failures.
	Retries int `json:"retries" yaml:"retries"`
	// MaxConcurrency caps in-flight requests to the host.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`
	// RequestsPerSecond feeds the per-host token bucket.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	// Burst is the token bucket burst size.
	Burst int `json:"burst" yaml:"burst"`
	// Tier names the policy profile the host currently runs under.
	Tier string `json:"tier" yaml:"tier"`
	// MaxBodyBytes caps response body reads; zero means the default cap.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// CachePolicy controls the conditional response cache.
type CachePolicy struct {
	// TTL is the freshness window; entries older than this are treated as
	// absent unless conditional revalidation succeeds.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
	// MaxEntriesPerHost bounds cache growth per host.
	MaxEntriesPerHost int `json:"max_entries_per_host" yaml:"max_entries_per_host"`
}

// PolicyProvider supplies live per-host and cache policy. Implemented by
// the adaptive policy manager; reads must be cheap and never fail.
type PolicyProvider interface {
	DomainPolicy(host string) DomainPolicy
	CachePolicy() CachePolicy
}

// Request describes one outbound fetch.
type Request struct {
	// Method is http.MethodGet or http.MethodHead.
	Method string
	// URL is the absolute target URL; the scheme must be https.
	URL string
	// Timeout overrides the policy timeout when positive.
	Timeout time.Duration
	// Retries overrides the policy retry budget when positive.
	Retries int
	// Header carries extra request headers (conditional validators).
	Header http.Header

	// host is resolved once by the client facade.
	host string
	// policy is the resolved domain policy for host.
	policy DomainPolicy
}

// Host returns the request's resolved host.
func (r *Request) Host() string { return r.host }

// Policy returns the resolved domain policy for the request host.
func (r *Request) Policy() DomainPolicy { return r.policy }

// Response is the result of one fetch, possibly served from cache.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// FromCache is true when the body was served from the local cache.
	FromCache bool
	// Revalidated is true when a stale entry was confirmed unchanged via
	// a conditional request and the cached body reused.
	Revalidated bool
}

// Handler processes fetch requests through the middleware pipeline.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Request) (*Response, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware transforms a Handler into an enhanced Handler.
// Applied in reverse order with the last middleware closest to the core.
type Middleware func(Handler) Handler

// Chain builds a middleware pipeline around a core handler. Middleware
// executes in the order provided with the first middleware outermost.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

const defaultMaxBodyBytes = 8 << 20 // 8 MiB cap on untrusted bodies

// httpHandler is the core handler that performs the actual HTTP request.
type httpHandler struct {
	client *http.Client
}

// NewHTTPHandler creates the core handler that makes HTTP requests.
func NewHTTPHandler(client *http.Client) Handler {
	if client == nil {
		client = &http.Client{}
	}
	return &httpHandler{client: client}
}

// Handle performs the request with the policy (or override) timeout and
// reads the body under the policy's byte cap.
func (h *httpHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.policy.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(req.host, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	maxBytes := req.policy.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}

	var body []byte
	if req.Method != http.MethodHead && httpResp.StatusCode != http.StatusNotModified {
		body, err = io.ReadAll(io.LimitReader(httpResp.Body, maxBytes+1))
		if err != nil {
			return nil, classifyTransportError(req.host, err)
		}
		if int64(len(body)) > maxBytes {
			return nil, &FetchError{
				Type:    FetchErrOversized,
				Host:    req.host,
				Code:    "BODY_TOO_LARGE",
				Message: fmt.Sprintf("response body exceeds %d bytes", maxBytes),
			}
		}
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}

	if httpResp.StatusCode >= 500 {
		return resp, &FetchError{
			Type:       FetchErrStatus,
			Host:       req.host,
			StatusCode: httpResp.StatusCode,
			Code:       "UPSTREAM_STATUS",
			Message:    fmt.Sprintf("upstream returned status %d", httpResp.StatusCode),
		}
	}

	return resp, nil
}

// resolveRequest validates the URL scheme, resolves the host's domain
// policy, and rejects hosts not allowlisted by policy.
func resolveRequest(req *Request, policies PolicyProvider) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if u.Scheme != "https" {
		return &FetchError{
			Type:    FetchErrInsecureScheme,
			Host:    u.Hostname(),
			Code:    "INSECURE_SCHEME",
			Message: fmt.Sprintf("scheme %q rejected, only https is permitted", u.Scheme),
		}
	}

	req.host = u.Hostname()
	req.policy = policies.DomainPolicy(req.host)
	if !req.policy.Allowed {
		return &FetchError{
			Type:    FetchErrHostNotAllowed,
			Host:    req.host,
			Code:    "HOST_NOT_ALLOWED",
			Message: fmt.Sprintf("host %q is not on the fetch allowlist", req.host),
		}
	}
	return nil
}
