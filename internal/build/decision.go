package build

import (
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
)

// Decision is the orchestrator's verdict after one validation round.
type Decision int

const (
	// DecisionAccept accepts the artifact with no findings.
	DecisionAccept Decision = iota
	// DecisionAcceptWithWarnings accepts despite non-blocking findings.
	DecisionAcceptWithWarnings
	// DecisionRetry regenerates with feedback.
	DecisionRetry
	// DecisionAbort terminates the build with the last error set.
	DecisionAbort
)

// String returns the string representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionAccept:
		return "accept"
	case DecisionAcceptWithWarnings:
		return "accept_with_warnings"
	case DecisionRetry:
		return "retry"
	case DecisionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// DecisionConfig makes the severity-to-retry table configuration rather
// than hardcoded attempt numbers, preserving the aggressive-then-lenient
// shape: early attempts retry on Major, late attempts retry only on
// Critical, the final attempt never retries.
type DecisionConfig struct {
	// MaxAttempts bounds the generation attempts per build.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts" validate:"min=1"`
	// MajorRetryUntil is the attempt number below which Major findings
	// trigger a retry. At or past it, Major findings are accepted with
	// warnings. Zero means MaxAttempts-1 (penultimate attempt is
	// Critical-only).
	MajorRetryUntil int `json:"major_retry_until" yaml:"major_retry_until"`
	// VisualFeedback enables forwarding a rendered screenshot alongside
	// the error list on later retries.
	VisualFeedback bool `json:"visual_feedback" yaml:"visual_feedback"`
}

// DefaultDecisionConfig returns the standard retry policy.
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		MaxAttempts:    3,
		VisualFeedback: true,
	}
}

// majorRetryUntil resolves the late-stage threshold.
func (c DecisionConfig) majorRetryUntil() int {
	if c.MajorRetryUntil > 0 {
		return c.MajorRetryUntil
	}
	return c.MaxAttempts - 1
}

// Decide renders the accept/retry/abort verdict for one validation round.
// Critical findings always force a retry while attempts remain and abort
// once the budget is exhausted. Major findings retry only on attempts
// below the late-stage threshold, otherwise the artifact is accepted with
// warnings. Minor findings never block acceptance.
func Decide(cfg DecisionConfig, attempt int, outcome *domain.ValidationOutcome) Decision {
	hasCritical := outcome.CountBySeverity(domain.SeverityCritical) > 0
	hasMajor := outcome.CountBySeverity(domain.SeverityMajor) > 0

	if hasCritical {
		if attempt < cfg.MaxAttempts {
			return DecisionRetry
		}
		return DecisionAbort
	}

	if hasMajor {
		if attempt < cfg.majorRetryUntil() && attempt < cfg.MaxAttempts {
			return DecisionRetry
		}
		return DecisionAcceptWithWarnings
	}

	if len(outcome.Errors) > 0 || !outcome.Pass {
		return DecisionAcceptWithWarnings
	}
	return DecisionAccept
}
