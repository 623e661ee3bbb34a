package netfetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// FetchErrorType categorizes fetch failures for retry classification.
// Transport failures (timeout, network, 5xx) are retryable in place;
// circuit-open and rate-limited are distinct kinds the caller must handle
// by backing off or falling back, never by retrying in place.
type FetchErrorType string

const (
	// FetchErrTimeout indicates the request deadline elapsed (retryable).
	FetchErrTimeout FetchErrorType = "timeout"

	// FetchErrNetwork indicates a connectivity failure (retryable).
	FetchErrNetwork FetchErrorType = "network"

	// FetchErrStatus indicates an upstream 5xx response (retryable).
	FetchErrStatus FetchErrorType = "status"

	// FetchErrCircuitOpen indicates the per-host circuit is open; the
	// request failed fast without a network call (not retryable in place).
	FetchErrCircuitOpen FetchErrorType = "circuit_open"

	// FetchErrRateLimited indicates the per-host rate or concurrency
	// ceiling was exceeded (not retryable in place).
	FetchErrRateLimited FetchErrorType = "rate_limited"

	// FetchErrInsecureScheme indicates a non-https URL was rejected.
	FetchErrInsecureScheme FetchErrorType = "insecure_scheme"

	// FetchErrHostNotAllowed indicates the host is not on the allowlist.
	FetchErrHostNotAllowed FetchErrorType = "host_not_allowed"

	// FetchErrOversized indicates the response body exceeded the byte cap.
	FetchErrOversized FetchErrorType = "oversized"
)

// Sentinel errors for fetch operations.
var (
	// ErrCircuitOpen indicates the per-host circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRateLimited indicates the per-host rate limit was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrRetriesExhausted indicates all retry attempts failed.
	ErrRetriesExhausted = errors.New("all fetch retries exhausted")
)

// FetchError captures a structured fetch failure with enough context
// (host, code, status) to reconstruct why a decision was made.
type FetchError struct {
	Type       FetchErrorType `json:"type"`
	Host       string         `json:"host"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code,omitempty"`
	// RetryAfter suggests a wait before the next attempt, when known.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Error returns the formatted fetch error with host context.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %s", e.Host, e.Type, e.Message)
}

// IsRetryable determines whether the failure warrants an in-place retry.
// Circuit-open and rate-limited are deliberately non-retryable: the caller
// must back off, fall back to an alternate resource, or degrade.
func (e *FetchError) IsRetryable() bool {
	switch e.Type {
	case FetchErrTimeout, FetchErrNetwork, FetchErrStatus:
		return true
	default:
		return false
	}
}

// Unwrap maps circuit and rate errors to their sentinels for errors.Is.
func (e *FetchError) Unwrap() error {
	switch e.Type {
	case FetchErrCircuitOpen:
		return ErrCircuitOpen
	case FetchErrRateLimited:
		return ErrRateLimited
	default:
		return nil
	}
}

// IsRetryable classifies any error for the retry middleware.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// classifyTransportError wraps raw transport errors into a FetchError.
func classifyTransportError(host string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{
			Type:    FetchErrTimeout,
			Host:    host,
			Code:    "TIMEOUT",
			Message: err.Error(),
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{
			Type:    FetchErrTimeout,
			Host:    host,
			Code:    "TIMEOUT",
			Message: err.Error(),
		}
	}
	return &FetchError{
		Type:    FetchErrNetwork,
		Host:    host,
		Code:    "NETWORK",
		Message: err.Error(),
	}
}
