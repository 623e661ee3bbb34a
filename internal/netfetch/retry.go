package netfetch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// BackoffConfig controls retry timing for transient fetch failures.
type BackoffConfig struct {
	// InitialInterval is the starting backoff duration.
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	// MaxInterval caps the backoff duration.
	MaxInterval time.Duration `json:"max_interval" yaml:"max_interval"`
	// Multiplier is the exponential growth factor, at least 1.0.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// UseJitter enables full-jitter randomization.
	UseJitter bool `json:"use_jitter" yaml:"use_jitter"`
}

// DefaultBackoffConfig returns conservative backoff defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		UseJitter:       true,
	}
}

// retryMiddleware retries transient fetch failures with exponential
// backoff. It never retries past the request's attempt budget and never
// retries circuit-open or rate-limited errors in place.
type retryMiddleware struct {
	config BackoffConfig
	logger *slog.Logger
}

// NewRetryMiddleware creates retry middleware with the given backoff
// configuration. The attempt budget is taken per request from the request
// override or the host's domain policy.
func NewRetryMiddleware(cfg BackoffConfig) Middleware {
	rm := &retryMiddleware{
		config: cfg,
		logger: slog.Default().With("component", "fetch_retry"),
	}
	return rm.middleware()
}

func (r *retryMiddleware) middleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			maxAttempts := req.policy.Retries
			if req.Retries > 0 {
				maxAttempts = req.Retries
			}
			if maxAttempts < 1 {
				maxAttempts = 1
			}

			var lastErr error
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				select {
				case <-ctx.Done():
					return nil, fmt.Errorf("context cancelled before fetch attempt: %w", ctx.Err())
				default:
				}

				resp, err := next.Handle(ctx, req)
				if err == nil {
					if attempt > 1 {
						r.logger.Info("fetch succeeded after retry",
							"host", req.host,
							"attempt", attempt)
					}
					return resp, nil
				}
				lastErr = err

				if !IsRetryable(err) {
					// Circuit-open and rate-limited fail here; the caller
					// handles them by falling back or degrading.
					return nil, err
				}
				if attempt == maxAttempts {
					break
				}

				backoff := r.backoffFor(attempt)
				r.logger.Debug("transient fetch failure, backing off",
					"host", req.host,
					"attempt", attempt,
					"backoff", backoff,
					"error", err)

				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("context cancelled during fetch backoff: %w", ctx.Err())
				}
			}

			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastErr)
		})
	}
}

// backoffFor computes the delay before the next attempt using exponential
// growth with optional full jitter.
func (r *retryMiddleware) backoffFor(attempt int) time.Duration {
	backoff := r.config.InitialInterval
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	multiplier := r.config.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if backoff > r.config.MaxInterval {
			backoff = r.config.MaxInterval
			break
		}
	}

	if r.config.UseJitter {
		// Full jitter: random between 0 and the calculated backoff.
		jitterMs := rand.Int63n(backoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter
		return time.Duration(jitterMs) * time.Millisecond
	}
	return backoff
}
