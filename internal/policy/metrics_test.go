package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tieringManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager("")
	m.current.Tiering = TieringConfig{
		WindowSize:      4,
		ShiftFraction:   0.5,
		RecoverFraction: 0.25,
	}
	m.window.resize(4)
	return m
}

func overBudget() BuildMetrics {
	return BuildMetrics{BundleBytes: 100 << 20, Latency: time.Second, Attempts: 1}
}

func withinBudget() BuildMetrics {
	return BuildMetrics{BundleBytes: 1024, Latency: time.Second, Attempts: 1}
}

func TestRecordBuildMetrics_NoShiftOnPartialWindow(t *testing.T) {
	m := tieringManager(t)

	for i := 0; i < 3; i++ {
		m.RecordBuildMetrics(overBudget())
		assert.Equal(t, TierDefault, m.ActiveTier(),
			"tier evaluation never runs on a partial window")
	}
}

func TestRecordBuildMetrics_ShiftsToEconomy(t *testing.T) {
	m := tieringManager(t)

	m.RecordBuildMetrics(withinBudget())
	m.RecordBuildMetrics(withinBudget())
	m.RecordBuildMetrics(overBudget())
	m.RecordBuildMetrics(overBudget())

	assert.Equal(t, TierEconomy, m.ActiveTier(),
		"half the window over budget triggers the shift")
}

func TestRecordBuildMetrics_ShiftIsIdempotent(t *testing.T) {
	m := tieringManager(t)

	for i := 0; i < 8; i++ {
		m.RecordBuildMetrics(overBudget())
	}
	assert.Equal(t, TierEconomy, m.ActiveTier(),
		"repeated over-budget builds keep the tier stable, never toggle")
}

func TestRecordBuildMetrics_RecoversToDefault(t *testing.T) {
	m := tieringManager(t)

	for i := 0; i < 4; i++ {
		m.RecordBuildMetrics(overBudget())
	}
	require.Equal(t, TierEconomy, m.ActiveTier())

	// Budgets are judged against the default-tier limits, so recovery is
	// measured on the same scale that triggered degradation.
	for i := 0; i < 4; i++ {
		m.RecordBuildMetrics(withinBudget())
	}
	assert.Equal(t, TierDefault, m.ActiveTier())
}

func TestRecordBuildMetrics_LatencyBreaksBudgetToo(t *testing.T) {
	m := tieringManager(t)

	slow := BuildMetrics{BundleBytes: 10, Latency: 10 * time.Minute, Attempts: 2}
	for i := 0; i < 4; i++ {
		m.RecordBuildMetrics(slow)
	}
	assert.Equal(t, TierEconomy, m.ActiveTier())
}

func TestMetricsWindow_ResizeDiscardsHistory(t *testing.T) {
	w := newMetricsWindow(2)
	w.record(overBudget())
	w.record(overBudget())

	_, full := w.exceededFraction(DefaultFile().Limits[TierDefault])
	require.True(t, full)

	w.resize(4)
	_, full = w.exceededFraction(DefaultFile().Limits[TierDefault])
	assert.False(t, full, "resizing resets the fill state")

	w.resize(4) // unchanged size keeps the buffer
	w.record(overBudget())
	w.record(overBudget())
	w.record(overBudget())
	w.record(overBudget())
	fraction, full := w.exceededFraction(DefaultFile().Limits[TierDefault])
	assert.True(t, full)
	assert.Equal(t, 1.0, fraction)
}
