package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator instance used for struct validation.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Severity classifies validation errors by blocking priority.
// The set is closed: Critical blocks acceptance and always forces a retry
// while attempts remain, Major blocks under the attempt-dependent policy,
// and Minor never blocks acceptance.
type Severity int32

const (
	// SeverityMinor marks cosmetic findings that never block acceptance.
	SeverityMinor Severity = iota
	// SeverityMajor marks quality or structural findings that block
	// acceptance during early attempts.
	SeverityMajor
	// SeverityCritical marks content-security findings that always block
	// acceptance and force a retry while budget remains.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityMajor:
		return "major"
	case SeverityMinor:
		return "minor"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a string to a Severity, defaulting unknown values
// to Major so that unclassified findings still block early acceptance.
func ParseSeverity(s string) Severity {
	switch s {
	case "critical":
		return SeverityCritical
	case "minor":
		return SeverityMinor
	default:
		return SeverityMajor
	}
}

// ValidationError is a single finding produced by one validator.
type ValidationError struct {
	// Severity classifies the finding's blocking priority.
	Severity Severity `json:"severity"`
	// Source names the validator that produced the finding.
	Source string `json:"source" validate:"required"`
	// Code is a stable machine-readable identifier for the finding.
	Code string `json:"code" validate:"required"`
	// Hint is a human-readable description with remediation guidance.
	Hint string `json:"hint"`
	// Location optionally identifies where in the artifact the finding
	// occurred (selector, path, byte offset).
	Location string `json:"location,omitempty"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("[%s] %s/%s at %s: %s", e.Severity, e.Source, e.Code, e.Location, e.Hint)
	}
	return fmt.Sprintf("[%s] %s/%s: %s", e.Severity, e.Source, e.Code, e.Hint)
}

// Validate checks the finding carries its required fields.
func (e *ValidationError) Validate() error {
	return validate.Struct(e)
}

// ValidationOutcome is the merged result of one validation round.
type ValidationOutcome struct {
	// Errors holds all findings, ordered by validator then severity.
	Errors []ValidationError `json:"errors"`
	// Pass is true when no Critical or Major findings exist and every
	// validator that could run reported pass.
	Pass bool `json:"pass"`
	// Screenshot optionally carries a rendered image of the artifact.
	// Used only as regeneration feedback, never persisted.
	Screenshot []byte `json:"-"`
}

// CountBySeverity returns the number of findings at the given severity.
func (o *ValidationOutcome) CountBySeverity(s Severity) int {
	n := 0
	for i := range o.Errors {
		if o.Errors[i].Severity == s {
			n++
		}
	}
	return n
}

// HasSeverity reports whether any finding is at or above the given severity.
func (o *ValidationOutcome) HasSeverity(s Severity) bool {
	for i := range o.Errors {
		if o.Errors[i].Severity >= s {
			return true
		}
	}
	return false
}

// Merge appends another outcome's findings, preserving order, and
// recomputes the pass flag conjunctively.
func (o *ValidationOutcome) Merge(other *ValidationOutcome) {
	if other == nil {
		return
	}
	o.Errors = append(o.Errors, other.Errors...)
	o.Pass = o.Pass && other.Pass
	if o.Screenshot == nil && other.Screenshot != nil {
		o.Screenshot = other.Screenshot
	}
}
