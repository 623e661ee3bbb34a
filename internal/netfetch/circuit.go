package netfetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the current state of a per-host circuit breaker.
type CircuitState int32

const (
	// StateClosed allows requests through.
	StateClosed CircuitState = iota
	// StateOpen fails all requests fast until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single probe request after the cooldown.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitConfig controls per-host circuit breaker behavior.
type CircuitConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long the circuit stays open before the next probe.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultCircuitConfig returns conservative circuit breaker defaults.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// hostBreaker tracks failure state for one host using atomics so that
// builds hitting different hosts never contend.
type hostBreaker struct {
	state     atomic.Int32
	failures  atomic.Int32
	openUntil atomic.Int64 // unix nanos; absolute cooldown timestamp
	probing   atomic.Bool  // single in-flight half-open probe

	failureThreshold int
	cooldown         time.Duration
}

func newHostBreaker(cfg CircuitConfig) *hostBreaker {
	hb := &hostBreaker{
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
	}
	hb.state.Store(int32(StateClosed))
	return hb
}

// allow reports whether a request may proceed. In the open state it fails
// fast until the cooldown timestamp passes, then admits one probe.
func (b *hostBreaker) allow(host string) (release func(), err error) {
	noop := func() {}
	switch CircuitState(b.state.Load()) {
	case StateClosed:
		return noop, nil

	case StateOpen:
		if time.Now().UnixNano() < b.openUntil.Load() {
			return noop, &FetchError{
				Type:    FetchErrCircuitOpen,
				Host:    host,
				Code:    "CIRCUIT_OPEN",
				Message: "circuit breaker is open, failing fast",
			}
		}
		b.transitionTo(StateHalfOpen, host)
		fallthrough

	case StateHalfOpen:
		if !b.probing.CompareAndSwap(false, true) {
			return noop, &FetchError{
				Type:    FetchErrCircuitOpen,
				Host:    host,
				Code:    "CIRCUIT_PROBE_IN_FLIGHT",
				Message: "half-open probe already in flight",
			}
		}
		return func() { b.probing.Store(false) }, nil

	default:
		return noop, fmt.Errorf("unknown circuit state %d for host %s", b.state.Load(), host)
	}
}

// recordSuccess resets the failure counter and closes the circuit.
// Any successful request closes the circuit immediately.
func (b *hostBreaker) recordSuccess(host string) {
	b.failures.Store(0)
	if CircuitState(b.state.Load()) != StateClosed {
		b.transitionTo(StateClosed, host)
	}
}

// recordFailure increments the consecutive-failure counter and opens the
// circuit with an absolute cooldown timestamp once the threshold is hit.
// A failed half-open probe re-opens immediately.
func (b *hostBreaker) recordFailure(host string) {
	state := CircuitState(b.state.Load())
	if state == StateHalfOpen {
		b.openUntil.Store(time.Now().Add(b.cooldown).UnixNano())
		b.transitionTo(StateOpen, host)
		return
	}

	failures := b.failures.Add(1)
	if int(failures) >= b.failureThreshold && state == StateClosed {
		b.openUntil.Store(time.Now().Add(b.cooldown).UnixNano())
		b.transitionTo(StateOpen, host)
	}
}

func (b *hostBreaker) transitionTo(next CircuitState, host string) {
	prev := CircuitState(b.state.Swap(int32(next)))
	if prev != next {
		if next == StateClosed {
			b.failures.Store(0)
		}
		slog.Info("circuit breaker state transition",
			"host", host,
			"from", prev.String(),
			"to", next.String())
	}
}

// breakerShardCount distributes hosts across shards to reduce contention.
const breakerShardCount = 16

// shardedBreakers stores per-host breakers across hash-distributed shards
// so that builds for different hosts never contend on one lock.
type shardedBreakers struct {
	shards [breakerShardCount]struct {
		sync.RWMutex
		breakers map[string]*hostBreaker
	}
}

func newShardedBreakers() *shardedBreakers {
	sb := &shardedBreakers{}
	for i := range sb.shards {
		sb.shards[i].breakers = make(map[string]*hostBreaker)
	}
	return sb
}

func (sb *shardedBreakers) shardFor(host string) int {
	var hash uint32
	for i := 0; i < len(host); i++ {
		hash = hash*31 + uint32(host[i])
	}
	return int(hash % uint32(len(sb.shards)))
}

// getOrCreate returns the breaker for a host, creating it under a
// double-checked lock on first use.
func (sb *shardedBreakers) getOrCreate(host string, cfg CircuitConfig) *hostBreaker {
	shard := &sb.shards[sb.shardFor(host)]

	shard.RLock()
	if b, ok := shard.breakers[host]; ok {
		shard.RUnlock()
		return b
	}
	shard.RUnlock()

	shard.Lock()
	defer shard.Unlock()
	if b, ok := shard.breakers[host]; ok {
		return b
	}
	b := newHostBreaker(cfg)
	shard.breakers[host] = b
	return b
}

// circuitMiddleware applies per-host circuit breaking to fetch requests.
type circuitMiddleware struct {
	breakers *shardedBreakers
	config   CircuitConfig
}

// NewCircuitMiddleware creates circuit breaker middleware shared across
// all builds in the process. State is keyed by host.
func NewCircuitMiddleware(cfg CircuitConfig) Middleware {
	cm := &circuitMiddleware{breakers: newShardedBreakers(), config: cfg}
	return cm.middleware()
}

func (c *circuitMiddleware) middleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			breaker := c.breakers.getOrCreate(req.host, c.config)

			release, err := breaker.allow(req.host)
			if err != nil {
				return nil, err
			}
			defer release()

			resp, err := next.Handle(ctx, req)
			if err != nil {
				breaker.recordFailure(req.host)
				return nil, err
			}

			breaker.recordSuccess(req.host)
			return resp, nil
		})
	}
}
