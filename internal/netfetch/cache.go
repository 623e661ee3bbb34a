package netfetch

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CacheEntry holds one cached response keyed by method+URL+header
// fingerprint. An entry older than the policy TTL is treated as absent
// unless conditional revalidation succeeds, in which case the timestamp
// resets but the body is reused.
type CacheEntry struct {
	Body      []byte
	Header    http.Header
	ETag      string
	FetchedAt time.Time
}

// hostCache holds the entries for one host under its own lock so builds
// fetching from different hosts never contend.
type hostCache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
}

// cacheMiddleware implements conditional HTTP caching with ETag
// revalidation. Cache state is shared across concurrent builds.
type cacheMiddleware struct {
	mu       sync.RWMutex
	hosts    map[string]*hostCache
	policies PolicyProvider
	logger   *slog.Logger

	// Metrics counters accessed atomically.
	hits         atomic.Int64
	misses       atomic.Int64
	revalidated  atomic.Int64
	fetchesSaved atomic.Int64
}

// NewCacheMiddleware creates conditional caching middleware. The TTL and
// per-host entry bound are read live from the policy provider so cache
// policy hot-reloads take effect without restart.
func NewCacheMiddleware(policies PolicyProvider) Middleware {
	cm := &cacheMiddleware{
		hosts:    make(map[string]*hostCache),
		policies: policies,
		logger:   slog.Default().With("component", "fetch_cache"),
	}
	return cm.middleware()
}

func (c *cacheMiddleware) middleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			// Only GET responses are cacheable.
			if req.Method != http.MethodGet {
				return next.Handle(ctx, req)
			}

			key := cacheKey(req)
			policy := c.policies.CachePolicy()
			hc := c.hostFor(req.host)

			hc.mu.Lock()
			entry, ok := hc.entries[key]
			var fresh bool
			var etag string
			if ok {
				fresh = time.Since(entry.FetchedAt) <= policy.TTL
				etag = entry.ETag
			}
			if ok && fresh {
				resp := cachedResponse(entry, false)
				hc.mu.Unlock()
				c.hits.Add(1)
				c.fetchesSaved.Add(1)
				return resp, nil
			}
			hc.mu.Unlock()

			// Stale entry with a validator: issue a conditional request.
			if ok && etag != "" {
				if req.Header == nil {
					req.Header = make(http.Header)
				}
				req.Header.Set("If-None-Match", etag)
			}

			resp, err := next.Handle(ctx, req)
			if err != nil {
				return nil, err
			}

			if resp.StatusCode == http.StatusNotModified && ok {
				// Unchanged upstream: reset the timestamp, reuse the body.
				hc.mu.Lock()
				entry.FetchedAt = time.Now()
				out := cachedResponse(entry, true)
				hc.mu.Unlock()
				c.revalidated.Add(1)
				c.logger.Debug("stale entry revalidated", "host", req.host, "url", req.URL)
				return out, nil
			}

			if resp.StatusCode == http.StatusOK {
				c.misses.Add(1)
				hc.mu.Lock()
				hc.entries[key] = &CacheEntry{
					Body:      resp.Body,
					Header:    resp.Header,
					ETag:      resp.Header.Get("ETag"),
					FetchedAt: time.Now(),
				}
				c.evictLocked(hc, policy.MaxEntriesPerHost)
				hc.mu.Unlock()
				return resp, nil
			}

			// Any other status overwrites the entry: the resource moved or
			// vanished, so the stale body and its validator must not be
			// replayed on later requests.
			if ok {
				hc.mu.Lock()
				delete(hc.entries, key)
				hc.mu.Unlock()
			}

			return resp, nil
		})
	}
}

// hostFor returns the per-host cache shard, creating it on first use.
func (c *cacheMiddleware) hostFor(host string) *hostCache {
	c.mu.RLock()
	hc, ok := c.hosts[host]
	c.mu.RUnlock()
	if ok {
		return hc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok = c.hosts[host]; ok {
		return hc
	}
	hc = &hostCache{entries: make(map[string]*CacheEntry)}
	c.hosts[host] = hc
	return hc
}

// evictLocked drops the oldest entries above the per-host bound.
// Caller must hold hc.mu.
func (c *cacheMiddleware) evictLocked(hc *hostCache, maxEntries int) {
	if maxEntries <= 0 || len(hc.entries) <= maxEntries {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(hc.entries))
	for k, e := range hc.entries {
		all = append(all, aged{k, e.FetchedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < len(all)-maxEntries; i++ {
		delete(hc.entries, all[i].key)
	}
}

// cachedResponse builds a Response from a cache entry without aliasing the
// stored body slice into caller-mutable state.
func cachedResponse(entry *CacheEntry, revalidated bool) *Response {
	body := make([]byte, len(entry.Body))
	copy(body, entry.Body)
	return &Response{
		StatusCode:  http.StatusOK,
		Header:      entry.Header,
		Body:        body,
		FromCache:   true,
		Revalidated: revalidated,
	}
}

// cacheKey fingerprints method, URL, and the sorted request headers so
// that variant requests (Accept, Range) occupy distinct entries.
func cacheKey(req *Request) string {
	h := xxhash.New()
	_, _ = h.WriteString(req.Method)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(req.URL)

	if len(req.Header) > 0 {
		names := make([]string, 0, len(req.Header))
		for name := range req.Header {
			// The conditional validator is cache machinery, not a variant.
			if http.CanonicalHeaderKey(name) == "If-None-Match" {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, _ = h.WriteString("\x00")
			_, _ = h.WriteString(name)
			_, _ = h.WriteString(":")
			_, _ = h.WriteString(strings.Join(req.Header.Values(name), ","))
		}
	}

	return strconv.FormatUint(h.Sum64(), 16)
}
