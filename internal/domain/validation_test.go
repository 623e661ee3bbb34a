package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity_Ordering(t *testing.T) {
	assert.Less(t, SeverityMinor, SeverityMajor)
	assert.Less(t, SeverityMajor, SeverityCritical)
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		input string
		want  Severity
	}{
		{input: "critical", want: SeverityCritical},
		{input: "major", want: SeverityMajor},
		{input: "minor", want: SeverityMinor},
		{input: "", want: SeverityMajor},
		{input: "bogus", want: SeverityMajor},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSeverity(tt.input))
		})
	}
}

func TestValidationError_Error(t *testing.T) {
	withLocation := &ValidationError{
		Severity: SeverityCritical,
		Source:   "structural",
		Code:     "INLINE_EVENT_HANDLER",
		Hint:     "remove the handler",
		Location: "body>div",
	}
	assert.Contains(t, withLocation.Error(), "critical")
	assert.Contains(t, withLocation.Error(), "INLINE_EVENT_HANDLER")
	assert.Contains(t, withLocation.Error(), "body>div")

	withoutLocation := &ValidationError{
		Severity: SeverityMinor,
		Source:   "structural",
		Code:     "MISSING_TITLE",
		Hint:     "add a title tag",
	}
	assert.NotContains(t, withoutLocation.Error(), " at ")
}

func TestValidationError_Validate(t *testing.T) {
	valid := &ValidationError{Source: "structural", Code: "MISSING_TITLE"}
	assert.NoError(t, valid.Validate())

	missingCode := &ValidationError{Source: "structural"}
	assert.Error(t, missingCode.Validate())
}

func TestValidationOutcome_Counting(t *testing.T) {
	outcome := &ValidationOutcome{
		Errors: []ValidationError{
			{Severity: SeverityCritical, Source: "a", Code: "C1"},
			{Severity: SeverityMajor, Source: "a", Code: "M1"},
			{Severity: SeverityMajor, Source: "b", Code: "M2"},
			{Severity: SeverityMinor, Source: "b", Code: "N1"},
		},
	}

	assert.Equal(t, 1, outcome.CountBySeverity(SeverityCritical))
	assert.Equal(t, 2, outcome.CountBySeverity(SeverityMajor))
	assert.Equal(t, 1, outcome.CountBySeverity(SeverityMinor))

	assert.True(t, outcome.HasSeverity(SeverityCritical))
	assert.True(t, outcome.HasSeverity(SeverityMinor))

	minorOnly := &ValidationOutcome{
		Errors: []ValidationError{{Severity: SeverityMinor, Source: "b", Code: "N1"}},
	}
	assert.False(t, minorOnly.HasSeverity(SeverityMajor))
}

func TestValidationOutcome_Merge(t *testing.T) {
	base := &ValidationOutcome{Pass: true}
	base.Merge(&ValidationOutcome{
		Pass:   true,
		Errors: []ValidationError{{Severity: SeverityMinor, Source: "a", Code: "N1"}},
	})
	require.True(t, base.Pass)
	require.Len(t, base.Errors, 1)

	base.Merge(&ValidationOutcome{
		Pass:       false,
		Errors:     []ValidationError{{Severity: SeverityCritical, Source: "b", Code: "C1"}},
		Screenshot: []byte{0x89, 'P', 'N', 'G'},
	})
	assert.False(t, base.Pass, "pass flag is conjunctive")
	assert.Len(t, base.Errors, 2)
	assert.NotNil(t, base.Screenshot)

	// A later screenshot never overwrites the first.
	base.Merge(&ValidationOutcome{Pass: true, Screenshot: []byte{0xFF}})
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, base.Screenshot)

	base.Merge(nil)
	assert.Len(t, base.Errors, 2)
}
