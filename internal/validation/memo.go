package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/netfetch"
)

const redisOpTimeout = 2 * time.Second

// memoEntry pairs a cached outcome with its store time for TTL checks.
type memoEntry struct {
	outcome *domain.ValidationOutcome
	at      time.Time
}

// MemoStore caches deterministic validation outcomes keyed by validator
// name and artifact content hash. Entries expire under the same policy as
// the conditional fetch cache. An optional Redis backend shares outcomes
// across instances; Redis failures degrade to in-memory operation.
type MemoStore struct {
	mu      sync.RWMutex
	entries map[string]memoEntry

	policies netfetch.PolicyProvider

	client   *redis.Client
	degraded atomic.Bool

	logger *slog.Logger

	// Metrics counters accessed atomically.
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoStore creates a memoization store. The Redis client may be nil
// for purely in-memory operation; an unreachable Redis flips the store
// into degraded (memory-only) mode rather than failing validation.
func NewMemoStore(policies netfetch.PolicyProvider, client *redis.Client) *MemoStore {
	ms := &MemoStore{
		entries:  make(map[string]memoEntry),
		policies: policies,
		client:   client,
		logger:   slog.Default().With("component", "validation_memo"),
	}
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			ms.logger.Warn("redis unreachable, memoization is memory-only", "error", err)
			ms.degraded.Store(true)
		}
	}
	return ms
}

func memoKey(validator, contentHash string) string {
	return fmt.Sprintf("memo:%s:%s", validator, contentHash)
}

// Get returns a previously computed outcome for the validator and content
// hash, honoring the cache-policy TTL.
func (m *MemoStore) Get(ctx context.Context, validator, contentHash string) (*domain.ValidationOutcome, bool) {
	ttl := m.policies.CachePolicy().TTL
	key := memoKey(validator, contentHash)

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if ok && time.Since(entry.at) <= ttl {
		m.hits.Add(1)
		return entry.outcome, true
	}

	if m.client != nil && !m.degraded.Load() {
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()

		data, err := m.client.Get(opCtx, key).Bytes()
		if err == nil {
			var outcome domain.ValidationOutcome
			if jsonErr := json.Unmarshal(data, &outcome); jsonErr == nil {
				m.hits.Add(1)
				m.storeLocal(key, &outcome)
				return &outcome, true
			}
		} else if err != redis.Nil {
			m.logger.Warn("redis memo read failed, degrading to memory-only", "error", err)
			m.degraded.Store(true)
		}
	}

	m.misses.Add(1)
	return nil, false
}

// Set records an outcome for the validator and content hash.
func (m *MemoStore) Set(ctx context.Context, validator, contentHash string, outcome *domain.ValidationOutcome) {
	key := memoKey(validator, contentHash)
	m.storeLocal(key, outcome)

	if m.client != nil && !m.degraded.Load() {
		data, err := json.Marshal(outcome)
		if err != nil {
			return
		}
		opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()

		ttl := m.policies.CachePolicy().TTL
		if err := m.client.Set(opCtx, key, data, ttl).Err(); err != nil {
			m.logger.Warn("redis memo write failed, degrading to memory-only", "error", err)
			m.degraded.Store(true)
		}
	}
}

func (m *MemoStore) storeLocal(key string, outcome *domain.ValidationOutcome) {
	m.mu.Lock()
	m.entries[key] = memoEntry{outcome: outcome, at: time.Now()}
	m.mu.Unlock()
}

// Stats returns hit/miss counters for observability.
func (m *MemoStore) Stats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}
