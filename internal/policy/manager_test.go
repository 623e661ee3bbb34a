package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const policyYAML = `
poll_interval: 1s
cache:
  ttl: 5m
  max_entries_per_host: 32
domains:
  cdn.example.com:
    allowed: true
    timeout: 10s
    retries: 3
    max_concurrency: 4
    requests_per_second: 5
    burst: 2
limits:
  default:
    max_bundle_bytes: 1048576
    max_build_latency: 60s
    max_generation_tokens: 4096
  economy:
    max_bundle_bytes: 524288
    max_build_latency: 30s
    max_generation_tokens: 2048
tiering:
  window_size: 4
  shift_fraction: 0.5
  recover_fraction: 0.25
  economy_timeout_scale: 0.5
  economy_concurrency_scale: 0.5
`

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewManager_LoadsFile(t *testing.T) {
	m := NewManager(writePolicyFile(t, policyYAML))

	p := m.GetDomainPolicy("cdn.example.com")
	assert.True(t, p.Allowed)
	assert.Equal(t, 10*time.Second, p.Timeout)
	assert.Equal(t, 3, p.Retries)
	assert.Equal(t, "default", p.Tier)

	cache := m.GetCachePolicy()
	assert.Equal(t, 5*time.Minute, cache.TTL)
	assert.Equal(t, 32, cache.MaxEntriesPerHost)

	limits := m.GetLimits()
	assert.Equal(t, int64(1048576), limits.MaxBundleBytes)
	assert.Equal(t, 4096, limits.MaxGenerationTokens)
}

func TestManager_UnknownHostNotAllowed(t *testing.T) {
	m := NewManager(writePolicyFile(t, policyYAML))

	p := m.GetDomainPolicy("unknown.example.com")
	assert.False(t, p.Allowed, "hosts absent from the file are not allowlisted")
}

func TestManager_MissingFileUsesDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.yaml"))

	limits := m.GetLimits()
	assert.Equal(t, DefaultFile().Limits[TierDefault], limits)
	assert.Equal(t, TierDefault, m.ActiveTier())
}

func TestManager_BadYAMLKeepsLastKnownGood(t *testing.T) {
	path := writePolicyFile(t, policyYAML)
	m := NewManager(path)
	require.True(t, m.GetDomainPolicy("cdn.example.com").Allowed)

	require.NoError(t, os.WriteFile(path, []byte("{{{ not yaml"), 0o644))
	m.Reload()

	assert.True(t, m.GetDomainPolicy("cdn.example.com").Allowed,
		"an unparsable file never clobbers the in-memory policy")

	// A later valid write recovers normally.
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o644))
	bumpMtime(t, path)
	m.Reload()
	assert.True(t, m.GetDomainPolicy("cdn.example.com").Allowed)
}

func TestManager_ReloadDebounce(t *testing.T) {
	path := writePolicyFile(t, policyYAML)

	now := time.Now()
	m := NewManager(path)
	m.now = func() time.Time { return now }
	m.Reload() // pin lastCheck to the fake clock

	// Remove the host; within the poll interval the old policy is served.
	require.NoError(t, os.WriteFile(path, []byte("domains: {}\npoll_interval: 1s\n"), 0o644))
	bumpMtime(t, path)

	assert.True(t, m.GetDomainPolicy("cdn.example.com").Allowed,
		"no reload before the poll interval elapses")

	now = now.Add(2 * time.Second)
	assert.False(t, m.GetDomainPolicy("cdn.example.com").Allowed,
		"reload happens once the poll interval elapses")
}

func TestManager_EconomyTierScalesPolicy(t *testing.T) {
	m := NewManager(writePolicyFile(t, policyYAML))
	shiftToEconomy(m)
	require.Equal(t, TierEconomy, m.ActiveTier())

	p := m.GetDomainPolicy("cdn.example.com")
	assert.Equal(t, 5*time.Second, p.Timeout, "economy halves the timeout")
	assert.Equal(t, 2, p.MaxConcurrency, "economy halves the concurrency ceiling")
	assert.Equal(t, "economy", p.Tier)

	limits := m.GetLimits()
	assert.Equal(t, int64(524288), limits.MaxBundleBytes)

	defaultLimits := m.GetLimitsFor(TierDefault)
	assert.Equal(t, int64(1048576), defaultLimits.MaxBundleBytes)
}

// bumpMtime pushes the file's mtime forward so reloads see a change even
// on filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
}

// shiftToEconomy fills the window with over-budget builds.
func shiftToEconomy(m *Manager) {
	for i := 0; i < m.current.Tiering.WindowSize; i++ {
		m.RecordBuildMetrics(BuildMetrics{BundleBytes: 10 << 20, Latency: time.Second, Attempts: 1})
	}
}
