package policy

import (
	"sync"
	"time"
)

// BuildMetrics is one build's observed resource footprint.
type BuildMetrics struct {
	// BundleBytes is the size of the accepted (or last) artifact.
	BundleBytes int64 `json:"bundle_bytes"`
	// Latency is the wall-clock duration of the build.
	Latency time.Duration `json:"latency"`
	// Attempts is the number of generation attempts consumed.
	Attempts int `json:"attempts"`
}

// metricsWindow is a fixed-size rolling window of recent build metrics.
type metricsWindow struct {
	mu     sync.Mutex
	buf    []BuildMetrics
	next   int
	filled bool
}

func newMetricsWindow(size int) *metricsWindow {
	if size < 1 {
		size = 1
	}
	return &metricsWindow{buf: make([]BuildMetrics, size)}
}

// resize replaces the buffer when the configured window size changes,
// discarding history. No-op when the size is unchanged.
func (w *metricsWindow) resize(size int) {
	if size < 1 {
		size = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if size == len(w.buf) {
		return
	}
	w.buf = make([]BuildMetrics, size)
	w.next = 0
	w.filled = false
}

func (w *metricsWindow) record(m BuildMetrics) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.next] = m
	w.next = (w.next + 1) % len(w.buf)
	if w.next == 0 {
		w.filled = true
	}
}

// exceededFraction returns the fraction of the window whose builds broke
// either the size or latency budget, and whether the window is full.
// Tier evaluation never runs on a partial window.
func (w *metricsWindow) exceededFraction(limits Limits) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.filled {
		return 0, false
	}
	exceeded := 0
	for _, m := range w.buf {
		if (limits.MaxBundleBytes > 0 && m.BundleBytes > limits.MaxBundleBytes) ||
			(limits.MaxBuildLatency > 0 && m.Latency > limits.MaxBuildLatency) {
			exceeded++
		}
	}
	return float64(exceeded) / float64(len(w.buf)), true
}

// RecordBuildMetrics appends one build's metrics to the rolling window and
// re-evaluates the active tier. Shifts only occur once the window is full,
// are logged as structured events, and are idempotent: re-evaluating with
// unchanged metrics does not re-shift.
func (m *Manager) RecordBuildMetrics(metrics BuildMetrics) {
	m.window.record(metrics)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Budgets are always judged against the default tier so recovery is
	// measured on the same scale as degradation.
	limits := m.limitsForLocked(TierDefault)
	fraction, full := m.window.exceededFraction(limits)
	if !full {
		return
	}

	t := m.current.Tiering
	switch {
	case m.tier == TierDefault && fraction >= t.ShiftFraction:
		m.tier = TierEconomy
		m.logger.Warn("tier shift",
			"from", TierDefault,
			"to", TierEconomy,
			"exceeded_fraction", fraction,
			"window_size", t.WindowSize)
	case m.tier == TierEconomy && fraction <= t.RecoverFraction:
		m.tier = TierDefault
		m.logger.Info("tier shift",
			"from", TierEconomy,
			"to", TierDefault,
			"exceeded_fraction", fraction,
			"window_size", t.WindowSize)
	}
}
