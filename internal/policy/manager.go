package policy

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/netfetch"
)

// Manager serves live policy reads backed by a YAML file with debounced
// hot reload, and shifts the active tier in response to observed build
// metrics. Reads never fail: a missing or unparsable file falls back to
// the last known-good in-memory policy with a warning log.
//
// Manager implements netfetch.PolicyProvider.
type Manager struct {
	path string

	mu        sync.RWMutex
	current   *File
	lastCheck time.Time
	lastMod   time.Time
	tier      Tier

	window *metricsWindow

	logger *slog.Logger

	// now is injectable for deterministic reload-debounce tests.
	now func() time.Time
}

// NewManager creates a policy manager backed by the file at path. The
// file is loaded eagerly; a missing or invalid file leaves the built-in
// defaults in place.
func NewManager(path string) *Manager {
	m := &Manager{
		path:    path,
		current: DefaultFile(),
		tier:    TierDefault,
		logger:  slog.Default().With("component", "policy"),
		now:     time.Now,
	}
	m.window = newMetricsWindow(m.current.Tiering.WindowSize)
	m.reload()
	return m
}

// GetDomainPolicy returns the effective fetch policy for a host. Hosts
// absent from the policy file are not allowlisted. In the economy tier,
// timeouts and concurrency ceilings are scaled down.
func (m *Manager) GetDomainPolicy(host string) netfetch.DomainPolicy {
	m.maybeReload()

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.current.Domains[host]
	if !ok {
		return netfetch.DomainPolicy{Allowed: false, Tier: string(m.tier)}
	}
	p.Tier = string(m.tier)

	if m.tier == TierEconomy {
		t := m.current.Tiering
		if t.EconomyTimeoutScale > 0 {
			p.Timeout = time.Duration(float64(p.Timeout) * t.EconomyTimeoutScale)
		}
		if t.EconomyConcurrencyScale > 0 && p.MaxConcurrency > 0 {
			scaled := int(float64(p.MaxConcurrency) * t.EconomyConcurrencyScale)
			if scaled < 1 {
				scaled = 1
			}
			p.MaxConcurrency = scaled
		}
	}
	return p
}

// DomainPolicy implements netfetch.PolicyProvider.
func (m *Manager) DomainPolicy(host string) netfetch.DomainPolicy {
	return m.GetDomainPolicy(host)
}

// GetCachePolicy returns the current conditional-cache policy.
func (m *Manager) GetCachePolicy() netfetch.CachePolicy {
	m.maybeReload()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Cache
}

// CachePolicy implements netfetch.PolicyProvider.
func (m *Manager) CachePolicy() netfetch.CachePolicy {
	return m.GetCachePolicy()
}

// GetLimits returns the resource budgets for the active tier.
func (m *Manager) GetLimits() Limits {
	m.maybeReload()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limitsForLocked(m.tier)
}

// GetLimitsFor returns the resource budgets for an explicit tier.
func (m *Manager) GetLimitsFor(tier Tier) Limits {
	m.maybeReload()
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limitsForLocked(tier)
}

// ActiveTier returns the currently active tier.
func (m *Manager) ActiveTier() Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tier
}

func (m *Manager) limitsForLocked(tier Tier) Limits {
	if l, ok := m.current.Limits[tier]; ok {
		return l
	}
	if l, ok := m.current.Limits[TierDefault]; ok {
		return l
	}
	return DefaultFile().Limits[TierDefault]
}

// maybeReload re-reads the backing file if the poll interval elapsed and
// the file's modification time advanced. Failures keep the last
// known-good policy.
func (m *Manager) maybeReload() {
	m.mu.RLock()
	due := m.now().Sub(m.lastCheck) >= m.current.PollInterval
	m.mu.RUnlock()
	if !due {
		return
	}
	m.reload()
}

// Reload forces an immediate reload check, bypassing the poll debounce.
// Used by the fsnotify watcher on write events.
func (m *Manager) Reload() {
	m.mu.Lock()
	m.lastMod = time.Time{} // force mtime comparison to pass
	m.mu.Unlock()
	m.reload()
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastCheck = m.now()
	if m.path == "" {
		return
	}

	info, err := os.Stat(m.path)
	if err != nil {
		m.logger.Warn("policy file unavailable, keeping last known-good",
			"path", m.path, "error", err)
		return
	}
	if !info.ModTime().After(m.lastMod) {
		return
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		m.logger.Warn("policy file unreadable, keeping last known-good",
			"path", m.path, "error", err)
		return
	}

	next := DefaultFile()
	if err := yaml.Unmarshal(data, next); err != nil {
		m.logger.Warn("policy file unparsable, keeping last known-good",
			"path", m.path, "error", err)
		return
	}

	m.current = next
	m.lastMod = info.ModTime()
	m.window.resize(next.Tiering.WindowSize)
	m.logger.Info("policy reloaded",
		"path", m.path,
		"domains", len(next.Domains),
		"poll_interval", next.PollInterval)
}
