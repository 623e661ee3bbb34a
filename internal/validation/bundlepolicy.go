package validation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
)

// PolicyViolation is one finding from the bundle-policy service.
type PolicyViolation struct {
	Severity string `json:"severity"`
	// Owner names the policy area responsible for the rule.
	Owner string `json:"owner"`
	Code  string `json:"code"`
	Hint  string `json:"hint"`
}

// PolicyReport is the bundle-policy service's verdict for one snapshot.
type PolicyReport struct {
	Status     string            `json:"status"`
	Violations []PolicyViolation `json:"violations"`
}

// BundlePolicyService validates a file snapshot against organization
// bundle policy over a control-plane RPC. Implementations are external
// collaborators.
type BundlePolicyService interface {
	Check(ctx context.Context, snapshot map[string]string) (*PolicyReport, error)
}

const bundlePolicyValidatorName = "bundle_policy"

// BundlePolicyValidator adapts the bundle-policy RPC to the Validator
// interface with its own retry-with-backoff wrapper (control-plane calls
// are not routed through the asset fetch pipeline) and memoization keyed
// by a deterministic tree hash of the snapshot.
type BundlePolicyValidator struct {
	service BundlePolicyService
	timeout time.Duration

	maxAttempts     int
	initialInterval time.Duration

	mu   sync.RWMutex
	memo map[string]*domain.ValidationOutcome

	logger *slog.Logger
}

// NewBundlePolicyValidator wraps a bundle-policy service.
func NewBundlePolicyValidator(service BundlePolicyService, timeout time.Duration) *BundlePolicyValidator {
	return &BundlePolicyValidator{
		service:         service,
		timeout:         timeout,
		maxAttempts:     3,
		initialInterval: 250 * time.Millisecond,
		memo:            make(map[string]*domain.ValidationOutcome),
		logger:          slog.Default().With("component", "bundle_policy"),
	}
}

// Name implements Validator.
func (v *BundlePolicyValidator) Name() string { return bundlePolicyValidatorName }

// Timeout implements Validator.
func (v *BundlePolicyValidator) Timeout() time.Duration { return v.timeout }

// Deterministic implements Validator. Memoization is handled internally
// by tree hash, so the aggregator-level content-hash memo is redundant.
func (v *BundlePolicyValidator) Deterministic() bool { return false }

// Validate implements Validator.
func (v *BundlePolicyValidator) Validate(ctx context.Context, artifact *domain.Artifact) (*domain.ValidationOutcome, error) {
	snapshot := snapshotOf(artifact)
	hash := treeHash(snapshot)

	v.mu.RLock()
	cached, ok := v.memo[hash]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	report, err := v.checkWithRetry(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	outcome := &domain.ValidationOutcome{Pass: report.Status == "pass"}
	for _, violation := range report.Violations {
		outcome.Errors = append(outcome.Errors, domain.ValidationError{
			Severity: domain.ParseSeverity(violation.Severity),
			Source:   bundlePolicyValidatorName,
			Code:     violation.Code,
			Hint:     fmt.Sprintf("%s (owner: %s)", violation.Hint, violation.Owner),
		})
	}

	v.mu.Lock()
	v.memo[hash] = outcome
	v.mu.Unlock()
	return outcome, nil
}

// checkWithRetry calls the control-plane RPC with exponential backoff.
func (v *BundlePolicyValidator) checkWithRetry(ctx context.Context, snapshot map[string]string) (*PolicyReport, error) {
	var lastErr error
	backoff := v.initialInterval

	for attempt := 1; attempt <= v.maxAttempts; attempt++ {
		report, err := v.service.Check(ctx, snapshot)
		if err == nil {
			return report, nil
		}
		lastErr = err

		if attempt == v.maxAttempts {
			break
		}
		v.logger.Debug("bundle policy check failed, backing off",
			"attempt", attempt, "error", err)

		jitter := time.Duration(rand.Int63n(int64(backoff) + 1)) // #nosec G404 -- non-cryptographic jitter
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("bundle policy check failed after %d attempts: %w", v.maxAttempts, lastErr)
}

// snapshotOf flattens an artifact into the path->content map the policy
// service validates.
func snapshotOf(artifact *domain.Artifact) map[string]string {
	snapshot := make(map[string]string, len(artifact.Assets)+1)
	snapshot["index.html"] = artifact.Markup
	for path, content := range artifact.Assets {
		snapshot[path] = content
	}
	return snapshot
}

// treeHash computes a deterministic hash of a file snapshot by hashing
// paths and contents in sorted path order.
func treeHash(snapshot map[string]string) string {
	paths := make([]string, 0, len(snapshot))
	for p := range snapshot {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := xxhash.New()
	for _, p := range paths {
		_, _ = h.WriteString(p)
		_, _ = h.WriteString("\x00")
		_, _ = h.WriteString(snapshot[p])
		_, _ = h.WriteString("\x00")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
