package domain

import "errors"

// ErrAttemptBudgetExhausted indicates the attempt counter reached its bound.
var ErrAttemptBudgetExhausted = errors.New("attempt budget exhausted")

// RetryContext tracks retry state across generation attempts within one
// build. The attempt counter is monotonically increasing and bounded by
// MaxAttempts. The previous-context handle is set only after an attempt
// produces a candidate, valid or not.
type RetryContext struct {
	// Attempt is the current attempt number, starting at 1.
	Attempt int
	// MaxAttempts bounds the attempt counter.
	MaxAttempts int
	// PriorContext is an opaque handle from the generation collaborator
	// enabling cheap incremental retries. Empty until attempt 1 yields a
	// candidate.
	PriorContext string
	// LastArtifact is the most recent candidate, valid or not.
	LastArtifact *Artifact
	// ErrorHistory accumulates findings from every validation round.
	ErrorHistory [][]ValidationError
}

// NewRetryContext creates a retry context with the given attempt bound.
func NewRetryContext(maxAttempts int) *RetryContext {
	return &RetryContext{Attempt: 0, MaxAttempts: maxAttempts}
}

// NextAttempt advances the attempt counter, enforcing the bound.
func (r *RetryContext) NextAttempt() error {
	if r.Attempt >= r.MaxAttempts {
		return ErrAttemptBudgetExhausted
	}
	r.Attempt++
	return nil
}

// Remaining returns the number of attempts left in the budget.
func (r *RetryContext) Remaining() int {
	return r.MaxAttempts - r.Attempt
}

// RecordCandidate stores the candidate artifact and context handle from a
// completed generation call. The handle is kept even when validation later
// fails: it marks that the collaborator produced *a* candidate.
func (r *RetryContext) RecordCandidate(a *Artifact, contextHandle string) {
	r.LastArtifact = a
	if contextHandle != "" {
		r.PriorContext = contextHandle
	}
}

// RecordOutcome appends a validation round's findings to the history.
func (r *RetryContext) RecordOutcome(errs []ValidationError) {
	history := make([]ValidationError, len(errs))
	copy(history, errs)
	r.ErrorHistory = append(r.ErrorHistory, history)
}

// LastErrors returns the findings from the most recent validation round.
func (r *RetryContext) LastErrors() []ValidationError {
	if len(r.ErrorHistory) == 0 {
		return nil
	}
	return r.ErrorHistory[len(r.ErrorHistory)-1]
}
