// Package validation runs all validators for one candidate artifact
// concurrently, merges their findings, and renders a pass/fail verdict.
// A validator that cannot run (timeout, error, panic) degrades to "no
// opinion" and never blocks acceptance by itself.
package validation

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
)

// Validator checks one candidate artifact and reports findings.
type Validator interface {
	// Name identifies the validator in findings and logs.
	Name() string
	// Timeout bounds one validation run; zero means the default.
	Timeout() time.Duration
	// Deterministic reports whether results depend only on artifact
	// content, enabling memoization by content hash.
	Deterministic() bool
	// Validate inspects the artifact. An error means the validator could
	// not run, not that the artifact failed.
	Validate(ctx context.Context, artifact *domain.Artifact) (*domain.ValidationOutcome, error)
}

const defaultValidatorTimeout = 20 * time.Second

// Aggregator fans validation out to all registered validators and merges
// the results. It is the only structured-concurrency point in the build
// pipeline: all validators complete (or time out) before the verdict.
type Aggregator struct {
	validators []Validator
	memo       *MemoStore
	logger     *slog.Logger
}

// NewAggregator creates an aggregator over the given validators. The memo
// store may be nil to disable memoization of deterministic validators.
func NewAggregator(memo *MemoStore, validators ...Validator) *Aggregator {
	return &Aggregator{
		validators: validators,
		memo:       memo,
		logger:     slog.Default().With("component", "validation"),
	}
}

// validatorResult pairs one validator's outcome with whether it ran.
type validatorResult struct {
	outcome *domain.ValidationOutcome
	ran     bool
}

// Run executes all validators concurrently against the artifact, each
// under its own timeout, and merges findings in registration order. The
// merged outcome passes when no Critical or Major finding exists and
// every validator that could run reported pass.
func (a *Aggregator) Run(ctx context.Context, artifact *domain.Artifact) *domain.ValidationOutcome {
	results := make([]validatorResult, len(a.validators))
	contentHash := artifact.ContentHash()

	g, groupCtx := errgroup.WithContext(ctx)
	for i, v := range a.validators {
		i, v := i, v
		g.Go(func() error {
			results[i] = a.runOne(groupCtx, v, artifact, contentHash)
			return nil // degradation, never group failure
		})
	}
	_ = g.Wait()

	merged := &domain.ValidationOutcome{Pass: true}
	for i := range results {
		if !results[i].ran {
			continue
		}
		merged.Merge(results[i].outcome)
	}
	merged.Pass = merged.Pass && !merged.HasSeverity(domain.SeverityMajor)

	a.logger.Info("validation round complete",
		"content_hash", contentHash,
		"pass", merged.Pass,
		"critical", merged.CountBySeverity(domain.SeverityCritical),
		"major", merged.CountBySeverity(domain.SeverityMajor),
		"minor", merged.CountBySeverity(domain.SeverityMinor))

	return merged
}

// runOne executes a single validator with its timeout, memoization for
// deterministic validators, and panic isolation.
func (a *Aggregator) runOne(
	ctx context.Context,
	v Validator,
	artifact *domain.Artifact,
	contentHash string,
) (result validatorResult) {
	// A panicking validator is "no opinion", never a build failure.
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("validator panicked, degrading to no opinion",
				"validator", v.Name(), "panic", r)
			result = validatorResult{ran: false}
		}
	}()

	if v.Deterministic() && a.memo != nil {
		if outcome, ok := a.memo.Get(ctx, v.Name(), contentHash); ok {
			return validatorResult{outcome: outcome, ran: true}
		}
	}

	timeout := v.Timeout()
	if timeout <= 0 {
		timeout = defaultValidatorTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := v.Validate(runCtx, artifact)
	if err != nil || outcome == nil {
		a.logger.Warn("validator unavailable, degrading to no opinion",
			"validator", v.Name(), "error", err)
		return validatorResult{ran: false}
	}

	if v.Deterministic() && a.memo != nil {
		a.memo.Set(ctx, v.Name(), contentHash, outcome)
	}
	return validatorResult{outcome: outcome, ran: true}
}
