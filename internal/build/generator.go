// Package build orchestrates one landing-page bundle build: a bounded
// retry loop around the generation collaborator and the validation
// aggregator, with accept/retry/abort decisions classified by severity.
package build

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
)

// GenerateRequest is one call to the generation collaborator.
type GenerateRequest struct {
	// Instructions is the system-level generation brief.
	Instructions string `json:"instructions" validate:"required"`
	// Input is the business payload the bundle is generated from.
	Input map[string]any `json:"input"`
	// Schema optionally constrains the structured output.
	Schema json.RawMessage `json:"schema,omitempty"`
	// PriorContext is the opaque handle from a previous attempt. When set
	// (and the generator supports reuse), Input may be omitted and only
	// Feedback is sent.
	PriorContext string `json:"prior_context,omitempty"`
	// Feedback carries the merged validation errors from the previous
	// attempt for incremental regeneration.
	Feedback []domain.ValidationError `json:"feedback,omitempty"`
	// Screenshot optionally carries a rendered image of the failing
	// artifact for feedback-guided regeneration.
	Screenshot []byte `json:"-"`
	// MaxTokens caps the generation size per the active tier's limits.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// GenerateResult is the generation collaborator's response.
type GenerateResult struct {
	// Artifact is the candidate bundle.
	Artifact *domain.Artifact `json:"artifact"`
	// ContextHandle is an opaque token enabling cheap incremental retries.
	// Empty when the generator does not support context reuse.
	ContextHandle string `json:"context_handle,omitempty"`
}

// Generator produces candidate artifacts. Implementations are external
// collaborators (an LLM service behind an adapter).
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
}

// ContextualGenerator is the capability-negotiated extension for
// generators that can recall prior state via an opaque handle. The
// orchestrator degrades to resending full context when the capability is
// absent or reports false.
type ContextualGenerator interface {
	Generator
	SupportsContextReuse() bool
}

// GeneratorErrorType distinguishes generation failure modes. Truncated or
// invalid output must be reported separately from transport failure.
type GeneratorErrorType string

const (
	// GeneratorErrTruncated indicates the output was cut off before
	// completion (length-limited).
	GeneratorErrTruncated GeneratorErrorType = "truncated"
	// GeneratorErrInvalidOutput indicates the output could not be parsed
	// into an artifact.
	GeneratorErrInvalidOutput GeneratorErrorType = "invalid_output"
	// GeneratorErrTransport indicates the generation service was
	// unreachable or failed.
	GeneratorErrTransport GeneratorErrorType = "transport"
)

// GeneratorError is a structured generation failure.
type GeneratorError struct {
	Type    GeneratorErrorType `json:"type"`
	Message string             `json:"message"`
	Cause   error              `json:"-"`
}

// Error returns the formatted generator error.
func (e *GeneratorError) Error() string {
	return fmt.Sprintf("generator %s: %s", e.Type, e.Message)
}

// Unwrap exposes the underlying cause.
func (e *GeneratorError) Unwrap() error { return e.Cause }

// IsTruncatedOutput reports whether the error is a truncated/invalid
// output failure rather than a transport failure.
func IsTruncatedOutput(err error) bool {
	var ge *GeneratorError
	if errors.As(err, &ge) {
		return ge.Type == GeneratorErrTruncated || ge.Type == GeneratorErrInvalidOutput
	}
	return false
}
