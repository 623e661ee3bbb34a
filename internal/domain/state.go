// Package domain defines the core types for landing-page bundle builds:
// build state and phases, validation errors with severity classification,
// retry context, and generated artifacts.
package domain

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State-transition errors.
var (
	// ErrTerminalPhase indicates a transition was attempted out of Ready or Error.
	ErrTerminalPhase = errors.New("build is in a terminal phase")

	// ErrPhaseRegression indicates a transition to an earlier non-terminal phase.
	ErrPhaseRegression = errors.New("phase transitions must be monotonic")
)

// Phase represents the current stage of an in-flight build.
// Phases advance monotonically except Error, which is reachable from any
// non-terminal phase. Ready and Error are terminal.
type Phase int32

const (
	// PhaseIdle is the initial phase before any work starts.
	PhaseIdle Phase = iota
	// PhaseFetching covers prerequisite resource fetches (fonts, images).
	PhaseFetching
	// PhasePreparing covers input assembly before generation.
	PhasePreparing
	// PhaseGenerating covers the call to the generation collaborator.
	PhaseGenerating
	// PhaseValidating covers the concurrent validation round.
	PhaseValidating
	// PhaseReady is the terminal success phase.
	PhaseReady
	// PhaseError is the terminal failure phase, reachable from any
	// non-terminal phase.
	PhaseError
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhasePreparing:
		return "preparing"
	case PhaseGenerating:
		return "generating"
	case PhaseValidating:
		return "validating"
	case PhaseReady:
		return "ready"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the phase permits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseReady || p == PhaseError
}

// BuildEvent is one entry in a build's ordered event log.
type BuildEvent struct {
	// ID uniquely identifies the event.
	ID uuid.UUID `json:"id"`
	// OccurredAt records when the event was appended.
	OccurredAt time.Time `json:"occurred_at"`
	// Phase is the build phase at the time of the event.
	Phase Phase `json:"phase"`
	// Detail carries free-text context for the event.
	Detail string `json:"detail"`
}

// BuildState tracks one in-flight build. It is created at build start,
// mutated only by the owning build goroutine, and discarded after the
// client finishes polling. The mutex exists for the polling read path;
// writes never race with each other.
type BuildState struct {
	mu       sync.RWMutex
	id       uuid.UUID
	phase    Phase
	events   []BuildEvent
	metadata map[string]any
	started  time.Time
}

// NewBuildState creates a build state in the Idle phase.
func NewBuildState() *BuildState {
	return &BuildState{
		id:       uuid.New(),
		phase:    PhaseIdle,
		metadata: make(map[string]any),
		started:  time.Now(),
	}
}

// ID returns the unique build identifier.
func (s *BuildState) ID() uuid.UUID { return s.id }

// Phase returns the current build phase.
func (s *BuildState) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// StartedAt returns when the build state was created.
func (s *BuildState) StartedAt() time.Time { return s.started }

// Transition advances the build to the given phase, appending an event to
// the log. It returns ErrTerminalPhase if the build is already in Ready or
// Error, and ErrPhaseRegression for backward transitions other than the
// Retrying loop (Validating back to Generating) and Error.
func (s *BuildState) Transition(next Phase, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalPhase, s.phase, next)
	}
	if next != PhaseError && next < s.phase {
		// The retry loop re-enters Generating from Validating.
		if !(s.phase == PhaseValidating && next == PhaseGenerating) {
			return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, s.phase, next)
		}
	}

	s.phase = next
	s.events = append(s.events, BuildEvent{
		ID:         uuid.New(),
		OccurredAt: time.Now(),
		Phase:      next,
		Detail:     detail,
	})
	return nil
}

// Events returns a copy of the ordered event log.
func (s *BuildState) Events() []BuildEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BuildEvent, len(s.events))
	copy(out, s.events)
	return out
}

// SetMeta stores arbitrary metadata on the build.
func (s *BuildState) SetMeta(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Meta returns a copy of the build metadata map.
func (s *BuildState) Meta() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.metadata))
	maps.Copy(out, s.metadata)
	return out
}
