package netfetch

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// limiterTTL is how long an idle host limiter survives before the
	// background sweep removes it.
	limiterTTL = time.Hour

	// limiterCleanupInterval is the sweep frequency. It matches the TTL
	// so cleanup behavior stays deterministic.
	limiterCleanupInterval = time.Hour
)

// hostLimiter combines a token bucket with an in-flight counter for one
// host. Either limit being exceeded fails immediately; acquisition never
// blocks. The policy parameters it was built from are retained so a
// hot-reloaded policy can be detected and the limiter rebuilt.
type hostLimiter struct {
	limiter  *rate.Limiter
	inflight atomic.Int64
	ceiling  int64
	rps      float64
	burst    int
	// lastUsed enables TTL-based cleanup of stale limiters.
	lastUsed atomic.Int64
}

func newHostLimiter(policy DomainPolicy, now int64) *hostLimiter {
	hl := &hostLimiter{
		ceiling: int64(policy.MaxConcurrency),
		rps:     policy.RequestsPerSecond,
		burst:   effectiveBurst(policy),
	}
	if hl.burst > 0 {
		hl.limiter = rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), hl.burst)
	}
	hl.lastUsed.Store(now)
	return hl
}

// matches reports whether the limiter was built from the same policy
// parameters. A mismatch means the host's policy was hot-reloaded (or the
// tier shifted) since the limiter was created.
func (hl *hostLimiter) matches(policy DomainPolicy) bool {
	return hl.ceiling == int64(policy.MaxConcurrency) &&
		hl.rps == policy.RequestsPerSecond &&
		hl.burst == effectiveBurst(policy)
}

// effectiveBurst normalizes the burst a policy implies: zero when no rate
// is configured, at least one token otherwise.
func effectiveBurst(policy DomainPolicy) int {
	if policy.RequestsPerSecond <= 0 {
		return 0
	}
	if policy.Burst <= 0 {
		return 1
	}
	return policy.Burst
}

// rateLimitMiddleware enforces per-host request rates and concurrency
// ceilings derived from each host's domain policy. Limiter state is shared
// across concurrent builds; the map is guarded by a single RWMutex while
// the hot-path counters are atomic.
type rateLimitMiddleware struct {
	mu       sync.RWMutex
	limiters map[string]*hostLimiter

	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
	cleanupDone   sync.WaitGroup
}

// NewRateLimitMiddleware creates per-host rate limiting middleware and
// starts the background sweep of idle limiters. The returned stop function
// terminates the sweep; call it when the owning client shuts down.
func NewRateLimitMiddleware() (Middleware, func()) {
	rlm := &rateLimitMiddleware{limiters: make(map[string]*hostLimiter)}
	rlm.start(limiterCleanupInterval)
	return rlm.middleware(), rlm.stop
}

func (r *rateLimitMiddleware) middleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			hl := r.getOrCreate(req.host, req.policy)

			// In-flight ceiling first: acquiring a slot above the ceiling
			// fails immediately, never blocks.
			if hl.ceiling > 0 {
				if hl.inflight.Add(1) > hl.ceiling {
					hl.inflight.Add(-1)
					return nil, &FetchError{
						Type:    FetchErrRateLimited,
						Host:    req.host,
						Code:    "CONCURRENCY_CEILING",
						Message: "per-host in-flight ceiling reached",
					}
				}
				defer hl.inflight.Add(-1)
			}

			if hl.limiter != nil && !hl.limiter.Allow() {
				// Compute retry-after without consuming a token.
				reservation := hl.limiter.Reserve()
				delay := reservation.Delay()
				reservation.Cancel()

				retryAfter := time.Duration(math.Ceil(delay.Seconds())) * time.Second
				if retryAfter < time.Second {
					retryAfter = time.Second
				}
				return nil, &FetchError{
					Type:       FetchErrRateLimited,
					Host:       req.host,
					Code:       "RATE_LIMITED",
					Message:    "per-host request rate exceeded",
					RetryAfter: retryAfter,
				}
			}

			return next.Handle(ctx, req)
		})
	}
}

// getOrCreate returns the limiter for a host using double-checked locking.
// A limiter built from outdated policy parameters is replaced so policy
// hot reloads and tier shifts take effect on the next request; an
// unchanged policy keeps the existing bucket and its consumed tokens.
func (r *rateLimitMiddleware) getOrCreate(host string, policy DomainPolicy) *hostLimiter {
	now := time.Now().UnixNano()

	r.mu.RLock()
	hl, ok := r.limiters[host]
	r.mu.RUnlock()
	if ok && hl.matches(policy) {
		hl.lastUsed.Store(now)
		return hl
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if hl, ok := r.limiters[host]; ok && hl.matches(policy) {
		hl.lastUsed.Store(now)
		return hl
	}

	hl = newHostLimiter(policy, now)
	r.limiters[host] = hl
	return hl
}

// start launches the periodic sweep of idle limiters.
func (r *rateLimitMiddleware) start(interval time.Duration) {
	r.cleanupTicker = time.NewTicker(interval)
	r.cleanupStop = make(chan struct{})
	r.cleanupDone.Add(1)
	go r.cleanupLoop()
}

// stop terminates the sweep goroutine and waits for it to finish.
func (r *rateLimitMiddleware) stop() {
	close(r.cleanupStop)
	r.cleanupTicker.Stop()
	r.cleanupDone.Wait()
}

func (r *rateLimitMiddleware) cleanupLoop() {
	defer r.cleanupDone.Done()
	for {
		select {
		case <-r.cleanupTicker.C:
			r.CleanupStale(time.Now().Add(-limiterTTL))
		case <-r.cleanupStop:
			return
		}
	}
}

// CleanupStale removes limiters unused since the cutoff, preventing
// unbounded growth when builds touch many distinct hosts.
func (r *rateLimitMiddleware) CleanupStale(before time.Time) {
	cutoff := before.UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()
	for host, hl := range r.limiters {
		if hl.lastUsed.Load() < cutoff && hl.inflight.Load() == 0 {
			delete(r.limiters, host)
		}
	}
}
