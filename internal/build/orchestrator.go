package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/netfetch"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/policy"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/validation"
)

// BuildRequest describes one bundle to build.
type BuildRequest struct {
	// Instructions is the generation brief.
	Instructions string `json:"instructions" validate:"required"`
	// Input is the business payload the bundle is generated from.
	Input map[string]any `json:"input"`
	// Schema optionally constrains the generator's structured output.
	Schema json.RawMessage `json:"schema,omitempty"`
	// Prerequisites are resource URLs (fonts, images) probed before
	// generation. Failures degrade to warnings, never abort the build.
	Prerequisites []string `json:"prerequisites,omitempty"`
}

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request's structural constraints.
func (r *BuildRequest) Validate() error {
	return validate.Struct(r)
}

// Report is the normalized error/warning report attached to a finished
// build.
type Report struct {
	// Accepted is true when the build reached Ready.
	Accepted bool `json:"accepted"`
	// Warnings are non-blocking findings on the accepted artifact.
	Warnings []domain.ValidationError `json:"warnings,omitempty"`
	// Attempts is the number of generation attempts consumed.
	Attempts int `json:"attempts"`
}

// BuildResult is the terminal success output of one build.
type BuildResult struct {
	State    *domain.BuildState `json:"-"`
	Artifact *domain.Artifact   `json:"artifact"`
	Report   Report             `json:"report"`
}

// BuildFailedError is the terminal failure: the attempt budget was
// exhausted while blocking errors persisted. It carries the last known
// error set; it is never silently swallowed.
type BuildFailedError struct {
	BuildID  string                   `json:"build_id"`
	Attempts int                      `json:"attempts"`
	Errors   []domain.ValidationError `json:"errors"`
}

// Error returns the formatted terminal failure.
func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("build %s failed after %d attempts with %d unresolved errors",
		e.BuildID, e.Attempts, len(e.Errors))
}

// Orchestrator drives the fixed three-stage pipeline
// (prepare → generate → validate) with a single bounded retry loop.
// It owns no shared mutable state itself: the fetch client, policy
// manager, and aggregator are constructor-injected so multiple
// orchestrators never share hidden globals.
type Orchestrator struct {
	generator  Generator
	aggregator *validation.Aggregator
	fetcher    *netfetch.Client
	policies   *policy.Manager
	progress   *ProgressDispatcher
	decision   DecisionConfig
	logger     *slog.Logger
}

// NewOrchestrator wires a build orchestrator. The progress dispatcher may
// be nil when no observer is attached.
func NewOrchestrator(
	generator Generator,
	aggregator *validation.Aggregator,
	fetcher *netfetch.Client,
	policies *policy.Manager,
	progress *ProgressDispatcher,
	decision DecisionConfig,
) *Orchestrator {
	if decision.MaxAttempts < 1 {
		decision.MaxAttempts = DefaultDecisionConfig().MaxAttempts
	}
	return &Orchestrator{
		generator:  generator,
		aggregator: aggregator,
		fetcher:    fetcher,
		policies:   policies,
		progress:   progress,
		decision:   decision,
		logger:     slog.Default().With("component", "orchestrator"),
	}
}

// Run executes one build to a terminal phase. On success the state is
// Ready and the accepted artifact plus a normalized report are returned;
// on budget exhaustion with blocking errors the state is Error and a
// *BuildFailedError carries the last error set.
func (o *Orchestrator) Run(ctx context.Context, req *BuildRequest) (*BuildResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid build request: %w", err)
	}

	state := domain.NewBuildState()
	logger := o.logger.With("build_id", state.ID())

	o.transition(state, domain.PhaseFetching, "fetching prerequisite resources")
	prereqWarnings := o.fetchPrerequisites(ctx, state, req.Prerequisites)

	o.transition(state, domain.PhasePreparing, "assembling generation input")
	limits := o.policies.GetLimits()
	retryCtx := domain.NewRetryContext(o.decision.MaxAttempts)

	var outcome *domain.ValidationOutcome
	var lastScreenshot []byte

	for {
		if err := retryCtx.NextAttempt(); err != nil {
			// The loop always decides before the budget runs dry; this is
			// a defect guard, not a reachable path.
			o.fail(state, retryCtx, outcome)
			return nil, err
		}
		attempt := retryCtx.Attempt

		o.transition(state, domain.PhaseGenerating,
			fmt.Sprintf("generation attempt %d of %d", attempt, o.decision.MaxAttempts))

		genReq := o.buildGenerateRequest(req, retryCtx, lastScreenshot, limits)
		result, err := o.generator.Generate(ctx, genReq)
		if err != nil {
			logger.Warn("generation attempt failed",
				"attempt", attempt,
				"truncated", IsTruncatedOutput(err),
				"error", err)
			if attempt >= o.decision.MaxAttempts {
				o.fail(state, retryCtx, outcome)
				return nil, fmt.Errorf("generation failed on final attempt: %w", err)
			}
			continue
		}
		retryCtx.RecordCandidate(result.Artifact, result.ContextHandle)

		o.transition(state, domain.PhaseValidating,
			fmt.Sprintf("validating candidate from attempt %d", attempt))
		outcome = o.aggregator.Run(ctx, result.Artifact)
		retryCtx.RecordOutcome(outcome.Errors)
		if outcome.Screenshot != nil {
			lastScreenshot = outcome.Screenshot
		}

		decision := Decide(o.decision, attempt, outcome)
		logger.Info("validation decision",
			"attempt", attempt,
			"decision", decision.String(),
			"critical", outcome.CountBySeverity(domain.SeverityCritical),
			"major", outcome.CountBySeverity(domain.SeverityMajor),
			"minor", outcome.CountBySeverity(domain.SeverityMinor))

		switch decision {
		case DecisionAccept, DecisionAcceptWithWarnings:
			o.transition(state, domain.PhaseReady, "artifact accepted")
			o.recordMetrics(state, retryCtx)

			warnings := append(prereqWarnings, outcome.Errors...)
			return &BuildResult{
				State:    state,
				Artifact: result.Artifact,
				Report: Report{
					Accepted: true,
					Warnings: warnings,
					Attempts: attempt,
				},
			}, nil

		case DecisionRetry:
			continue

		case DecisionAbort:
			o.fail(state, retryCtx, outcome)
			return nil, &BuildFailedError{
				BuildID:  state.ID().String(),
				Attempts: attempt,
				Errors:   outcome.Errors,
			}
		}
	}
}

// buildGenerateRequest assembles the request for one attempt. The first
// attempt sends full context. Later attempts send only the incremental
// feedback plus the prior-context handle when the generator negotiates
// context reuse; otherwise full context is resent with feedback attached.
func (o *Orchestrator) buildGenerateRequest(
	req *BuildRequest,
	retryCtx *domain.RetryContext,
	screenshot []byte,
	limits policy.Limits,
) *GenerateRequest {
	genReq := &GenerateRequest{
		Instructions: req.Instructions,
		Schema:       req.Schema,
		MaxTokens:    limits.MaxGenerationTokens,
	}

	if retryCtx.Attempt == 1 {
		genReq.Input = req.Input
		return genReq
	}

	genReq.Feedback = retryCtx.LastErrors()

	// Visual feedback round: forward the rendered screenshot alongside
	// the error list, but only past the first retry.
	if o.decision.VisualFeedback && screenshot != nil && retryCtx.Attempt > 2 {
		genReq.Screenshot = screenshot
	}

	contextual, ok := o.generator.(ContextualGenerator)
	if ok && contextual.SupportsContextReuse() && retryCtx.PriorContext != "" {
		genReq.PriorContext = retryCtx.PriorContext
		return genReq
	}

	// Capability unavailable: degrade to resending full context.
	genReq.Input = req.Input
	return genReq
}

// fetchPrerequisites probes prerequisite resources through the resilience
// layer. Any failure (circuit open, rate limited, timeout, disallowed
// host) degrades to a Minor warning — never a hard crash.
func (o *Orchestrator) fetchPrerequisites(ctx context.Context, state *domain.BuildState, urls []string) []domain.ValidationError {
	var warnings []domain.ValidationError
	for _, u := range urls {
		if _, err := o.fetcher.Head(ctx, u, 0); err != nil {
			o.logger.Warn("prerequisite unavailable",
				"build_id", state.ID(),
				"url", u,
				"circuit_open", errors.Is(err, netfetch.ErrCircuitOpen),
				"rate_limited", errors.Is(err, netfetch.ErrRateLimited),
				"error", err)
			warnings = append(warnings, domain.ValidationError{
				Severity: domain.SeverityMinor,
				Source:   "prerequisites",
				Code:     "PREREQ_UNAVAILABLE",
				Hint:     fmt.Sprintf("prerequisite %s unavailable: %v", u, err),
				Location: u,
			})
		}
	}
	return warnings
}

// fail drives the state machine to its terminal Error phase.
func (o *Orchestrator) fail(state *domain.BuildState, retryCtx *domain.RetryContext, outcome *domain.ValidationOutcome) {
	detail := "attempt budget exhausted with blocking errors"
	if outcome != nil {
		detail = fmt.Sprintf("%s (critical=%d major=%d)",
			detail,
			outcome.CountBySeverity(domain.SeverityCritical),
			outcome.CountBySeverity(domain.SeverityMajor))
	}
	o.transition(state, domain.PhaseError, detail)
	o.recordMetrics(state, retryCtx)
}

// recordMetrics feeds the finished build into the adaptive policy
// manager's rolling window.
func (o *Orchestrator) recordMetrics(state *domain.BuildState, retryCtx *domain.RetryContext) {
	var bundleBytes int64
	if retryCtx.LastArtifact != nil {
		bundleBytes = int64(retryCtx.LastArtifact.Size())
	}
	o.policies.RecordBuildMetrics(policy.BuildMetrics{
		BundleBytes: bundleBytes,
		Latency:     time.Since(state.StartedAt()),
		Attempts:    retryCtx.Attempt,
	})
}

// transition advances the build phase and emits a best-effort progress
// event off the critical path.
func (o *Orchestrator) transition(state *domain.BuildState, phase domain.Phase, detail string) {
	if err := state.Transition(phase, detail); err != nil {
		// Transition errors indicate an orchestrator defect; log loudly
		// but do not crash the build mid-flight.
		o.logger.Error("invalid phase transition",
			"build_id", state.ID(),
			"phase", phase.String(),
			"error", err)
		return
	}
	o.progress.Dispatch(ProgressEvent{
		BuildID: state.ID(),
		Phase:   phase,
		Detail:  detail,
		At:      time.Now(),
	})
}
