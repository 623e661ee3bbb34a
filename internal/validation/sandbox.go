package validation

import (
	"context"
	"time"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
)

// RenderError is one finding from the sandbox render collaborator.
type RenderError struct {
	// Code is a stable identifier for the finding.
	Code string `json:"code"`
	// Severity is the collaborator's classification ("critical", "major",
	// "minor"); unknown values map to major.
	Severity string `json:"severity"`
	// Hint describes the finding.
	Hint string `json:"hint"`
	// Location identifies where in the rendered page it occurred.
	Location string `json:"location,omitempty"`
}

// RenderResult is the sandbox collaborator's response for one artifact.
type RenderResult struct {
	Pass   bool          `json:"pass"`
	Errors []RenderError `json:"errors"`
	// Screenshot optionally carries the rendered page image, used only
	// for feedback-guided regeneration.
	Screenshot []byte `json:"screenshot,omitempty"`
}

// RenderSandbox renders markup in an isolated sandbox and inspects the
// result. Implementations are external collaborators.
type RenderSandbox interface {
	Render(ctx context.Context, markup string, timeout time.Duration) (*RenderResult, error)
}

const sandboxValidatorName = "sandbox"

// SandboxValidator adapts a RenderSandbox to the Validator interface.
// Render failures degrade to no opinion rather than blocking acceptance.
type SandboxValidator struct {
	sandbox RenderSandbox
	timeout time.Duration
}

// NewSandboxValidator wraps a render sandbox with the given per-run timeout.
func NewSandboxValidator(sandbox RenderSandbox, timeout time.Duration) *SandboxValidator {
	return &SandboxValidator{sandbox: sandbox, timeout: timeout}
}

// Name implements Validator.
func (v *SandboxValidator) Name() string { return sandboxValidatorName }

// Timeout implements Validator.
func (v *SandboxValidator) Timeout() time.Duration { return v.timeout }

// Deterministic implements Validator: rendering touches the network and
// real fonts/images, so results are not memoized.
func (v *SandboxValidator) Deterministic() bool { return false }

// Validate implements Validator.
func (v *SandboxValidator) Validate(ctx context.Context, artifact *domain.Artifact) (*domain.ValidationOutcome, error) {
	result, err := v.sandbox.Render(ctx, artifact.Markup, v.timeout)
	if err != nil {
		return nil, err
	}

	outcome := &domain.ValidationOutcome{
		Pass:       result.Pass,
		Screenshot: result.Screenshot,
	}
	for _, re := range result.Errors {
		outcome.Errors = append(outcome.Errors, domain.ValidationError{
			Severity: domain.ParseSeverity(re.Severity),
			Source:   sandboxValidatorName,
			Code:     re.Code,
			Hint:     re.Hint,
			Location: re.Location,
		})
	}
	return outcome, nil
}
