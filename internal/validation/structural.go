package validation

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/domain"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/netfetch"
	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/policy"
)

const structuralValidatorName = "structural"

// Markup patterns that are never acceptable in a generated bundle.
var (
	reInlineHandler = regexp.MustCompile(`(?i)\son[a-z]+\s*=`)
	reJavascriptURL = regexp.MustCompile(`(?i)(href|src)\s*=\s*["']?\s*javascript:`)
	reEmbeddedFrame = regexp.MustCompile(`(?i)<\s*(iframe|object|embed)[\s>]`)
	reDocumentWrite = regexp.MustCompile(`(?i)document\s*\.\s*write\s*\(`)
	reResourceURL   = regexp.MustCompile(`(?i)(?:src|href)\s*=\s*["']([^"']+)["']`)
	reTitleTag      = regexp.MustCompile(`(?i)<\s*title[\s>]`)
	reMetaViewport  = regexp.MustCompile(`(?i)<\s*meta[^>]+name\s*=\s*["']viewport["']`)
)

// StructuralValidator is the fast, deterministic, zero-network validator:
// dangerous markup patterns, oversized payloads, and resource origins not
// on the fetch allowlist.
type StructuralValidator struct {
	policies netfetch.PolicyProvider
	limits   func() policy.Limits
	timeout  time.Duration
}

// NewStructuralValidator creates the structural/security validator.
// Origin checks reuse the fetch allowlist from the policy provider;
// size checks use the active tier's bundle budget.
func NewStructuralValidator(policies netfetch.PolicyProvider, limits func() policy.Limits) *StructuralValidator {
	return &StructuralValidator{
		policies: policies,
		limits:   limits,
		timeout:  2 * time.Second,
	}
}

// Name implements Validator.
func (v *StructuralValidator) Name() string { return structuralValidatorName }

// Timeout implements Validator.
func (v *StructuralValidator) Timeout() time.Duration { return v.timeout }

// Deterministic implements Validator: results depend only on content.
func (v *StructuralValidator) Deterministic() bool { return true }

// Validate implements Validator.
func (v *StructuralValidator) Validate(_ context.Context, artifact *domain.Artifact) (*domain.ValidationOutcome, error) {
	var errs []domain.ValidationError

	errs = append(errs, v.checkDangerousMarkup(artifact.Markup)...)
	errs = append(errs, v.checkResourceOrigins(artifact.Markup)...)
	errs = append(errs, v.checkSize(artifact)...)
	errs = append(errs, v.checkStructure(artifact.Markup)...)

	outcome := &domain.ValidationOutcome{Errors: errs}
	outcome.Pass = !outcome.HasSeverity(domain.SeverityMajor)
	return outcome, nil
}

func (v *StructuralValidator) checkDangerousMarkup(markup string) []domain.ValidationError {
	var errs []domain.ValidationError

	checks := []struct {
		re   *regexp.Regexp
		code string
		hint string
	}{
		{reInlineHandler, "INLINE_EVENT_HANDLER", "inline event handler attributes are not permitted; use external scripts"},
		{reJavascriptURL, "JAVASCRIPT_URL", "javascript: URLs are not permitted"},
		{reEmbeddedFrame, "EMBEDDED_FRAME", "iframe/object/embed elements are not permitted in generated bundles"},
		{reDocumentWrite, "DOCUMENT_WRITE", "document.write is not permitted"},
	}
	for _, c := range checks {
		if loc := c.re.FindStringIndex(markup); loc != nil {
			errs = append(errs, domain.ValidationError{
				Severity: domain.SeverityCritical,
				Source:   structuralValidatorName,
				Code:     c.code,
				Hint:     c.hint,
				Location: fmt.Sprintf("byte %d", loc[0]),
			})
		}
	}
	return errs
}

func (v *StructuralValidator) checkResourceOrigins(markup string) []domain.ValidationError {
	var errs []domain.ValidationError

	for _, match := range reResourceURL.FindAllStringSubmatch(markup, -1) {
		raw := strings.TrimSpace(match[1])
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue // relative references stay inside the bundle
		}

		switch {
		case u.Scheme == "http":
			errs = append(errs, domain.ValidationError{
				Severity: domain.SeverityCritical,
				Source:   structuralValidatorName,
				Code:     "INSECURE_RESOURCE",
				Hint:     "external resources must use https",
				Location: raw,
			})
		case u.Scheme == "https" && !v.policies.DomainPolicy(u.Hostname()).Allowed:
			errs = append(errs, domain.ValidationError{
				Severity: domain.SeverityCritical,
				Source:   structuralValidatorName,
				Code:     "DISALLOWED_ORIGIN",
				Hint:     fmt.Sprintf("host %q is not on the resource allowlist", u.Hostname()),
				Location: raw,
			})
		}
	}
	return errs
}

func (v *StructuralValidator) checkSize(artifact *domain.Artifact) []domain.ValidationError {
	limits := v.limits()
	if limits.MaxBundleBytes <= 0 || int64(artifact.Size()) <= limits.MaxBundleBytes {
		return nil
	}
	return []domain.ValidationError{{
		Severity: domain.SeverityMajor,
		Source:   structuralValidatorName,
		Code:     "OVERSIZED_BUNDLE",
		Hint:     fmt.Sprintf("bundle is %d bytes, budget is %d", artifact.Size(), limits.MaxBundleBytes),
	}}
}

func (v *StructuralValidator) checkStructure(markup string) []domain.ValidationError {
	var errs []domain.ValidationError
	if !reTitleTag.MatchString(markup) {
		errs = append(errs, domain.ValidationError{
			Severity: domain.SeverityMinor,
			Source:   structuralValidatorName,
			Code:     "MISSING_TITLE",
			Hint:     "document has no <title> element",
		})
	}
	if !reMetaViewport.MatchString(markup) {
		errs = append(errs, domain.ValidationError{
			Severity: domain.SeverityMinor,
			Source:   structuralValidatorName,
			Code:     "MISSING_VIEWPORT",
			Hint:     "document has no viewport meta tag",
		})
	}
	return errs
}
