package netfetch

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK}, nil
	})
}

func rateLimitedHandler(t *testing.T) Handler {
	t.Helper()
	mw, stop := NewRateLimitMiddleware()
	t.Cleanup(stop)
	return Chain(okHandler(), mw)
}

func TestRateLimitMiddleware_TokenBucket(t *testing.T) {
	handler := rateLimitedHandler(t)
	req := &Request{
		Method: http.MethodGet,
		URL:    "https://example.com/x",
		host:   "example.com",
		policy: DomainPolicy{Allowed: true, RequestsPerSecond: 1, Burst: 2},
	}

	for i := 0; i < 2; i++ {
		_, err := handler.Handle(context.Background(), req)
		require.NoError(t, err, "burst tokens admit the first requests")
	}

	_, err := handler.Handle(context.Background(), req)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FetchErrRateLimited, fe.Type)
	assert.Equal(t, "RATE_LIMITED", fe.Code)
	assert.GreaterOrEqual(t, fe.RetryAfter, time.Second, "retry-after is always at least one second")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimitMiddleware_ConcurrencyCeiling(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	core := HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		started <- struct{}{}
		<-proceed
		return &Response{StatusCode: http.StatusOK}, nil
	})
	mw, stop := NewRateLimitMiddleware()
	defer stop()
	handler := Chain(core, mw)
	req := &Request{
		Method: http.MethodGet,
		URL:    "https://example.com/x",
		host:   "example.com",
		policy: DomainPolicy{Allowed: true, MaxConcurrency: 1},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := handler.Handle(context.Background(), req)
		assert.NoError(t, err)
	}()
	<-started

	// Second request over the ceiling fails immediately, never blocks.
	_, err := handler.Handle(context.Background(), req)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "CONCURRENCY_CEILING", fe.Code)

	close(proceed)
	wg.Wait()
}

func TestRateLimitMiddleware_PerHostIsolation(t *testing.T) {
	handler := rateLimitedHandler(t)

	exhausted := &Request{
		Method: http.MethodGet,
		URL:    "https://a.example.com/x",
		host:   "a.example.com",
		policy: DomainPolicy{Allowed: true, RequestsPerSecond: 0.001, Burst: 1},
	}
	_, err := handler.Handle(context.Background(), exhausted)
	require.NoError(t, err)
	_, err = handler.Handle(context.Background(), exhausted)
	require.ErrorIs(t, err, ErrRateLimited)

	other := &Request{
		Method: http.MethodGet,
		URL:    "https://b.example.com/x",
		host:   "b.example.com",
		policy: DomainPolicy{Allowed: true, RequestsPerSecond: 10, Burst: 5},
	}
	_, err = handler.Handle(context.Background(), other)
	assert.NoError(t, err, "one host's exhaustion never throttles another")
}

func TestRateLimitMiddleware_PolicyReloadRebuildsLimiter(t *testing.T) {
	handler := rateLimitedHandler(t)

	strict := &Request{
		Method: http.MethodGet,
		URL:    "https://fonts.example.com/x",
		host:   "fonts.example.com",
		policy: DomainPolicy{Allowed: true, RequestsPerSecond: 0.001, Burst: 1},
	}
	_, err := handler.Handle(context.Background(), strict)
	require.NoError(t, err)
	_, err = handler.Handle(context.Background(), strict)
	require.ErrorIs(t, err, ErrRateLimited)

	// An unchanged policy keeps the bucket and its consumed tokens.
	_, err = handler.Handle(context.Background(), strict)
	require.ErrorIs(t, err, ErrRateLimited,
		"identical policy never resets the bucket")

	// The same host now carries a hot-reloaded, more generous policy.
	relaxed := &Request{
		Method: http.MethodGet,
		URL:    "https://fonts.example.com/x",
		host:   "fonts.example.com",
		policy: DomainPolicy{Allowed: true, RequestsPerSecond: 1000, Burst: 100},
	}
	_, err = handler.Handle(context.Background(), relaxed)
	assert.NoError(t, err, "a reloaded policy takes effect on the next request")

	// Reloading back to strict also applies immediately.
	_, err = handler.Handle(context.Background(), strict)
	require.NoError(t, err, "fresh strict bucket admits its burst")
	_, err = handler.Handle(context.Background(), strict)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimitMiddleware_NoLimitsConfigured(t *testing.T) {
	handler := rateLimitedHandler(t)
	req := &Request{
		Method: http.MethodGet,
		URL:    "https://example.com/x",
		host:   "example.com",
		policy: DomainPolicy{Allowed: true},
	}
	for i := 0; i < 10; i++ {
		_, err := handler.Handle(context.Background(), req)
		require.NoError(t, err)
	}
}

func TestRateLimitMiddleware_CleanupStale(t *testing.T) {
	rlm := &rateLimitMiddleware{limiters: make(map[string]*hostLimiter)}
	rlm.getOrCreate("stale.example.com", DomainPolicy{RequestsPerSecond: 1, Burst: 1})

	time.Sleep(time.Millisecond)
	rlm.CleanupStale(time.Now())
	rlm.mu.RLock()
	defer rlm.mu.RUnlock()
	assert.Empty(t, rlm.limiters)
}

func TestRateLimitMiddleware_BackgroundSweepRemovesIdleLimiters(t *testing.T) {
	rlm := &rateLimitMiddleware{limiters: make(map[string]*hostLimiter)}
	rlm.start(5 * time.Millisecond)
	defer rlm.stop()

	hl := rlm.getOrCreate("idle.example.com", DomainPolicy{RequestsPerSecond: 1, Burst: 1})
	hl.lastUsed.Store(time.Now().Add(-2 * limiterTTL).UnixNano())

	assert.Eventually(t, func() bool {
		rlm.mu.RLock()
		defer rlm.mu.RUnlock()
		return len(rlm.limiters) == 0
	}, time.Second, 10*time.Millisecond, "the sweep evicts limiters idle past the TTL")
}
