package policy

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writePolicyFile(t, policyYAML)
	m := NewManager(path)
	require.True(t, m.GetDomainPolicy("cdn.example.com").Allowed)

	w, err := NewWatcher(m)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	// An edit takes effect within one debounce window, not one poll
	// interval, even though the poll clock has not advanced.
	require.NoError(t, os.WriteFile(path, []byte("domains: {}\npoll_interval: 1h\n"), 0o644))
	bumpMtime(t, path)

	assert.Eventually(t, func() bool {
		return !m.GetDomainPolicy("cdn.example.com").Allowed
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWatcher_IgnoresSiblingFiles(t *testing.T) {
	path := writePolicyFile(t, policyYAML)
	m := NewManager(path)

	w, err := NewWatcher(m)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	sibling := path + ".bak"
	require.NoError(t, os.WriteFile(sibling, []byte("domains: {}\n"), 0o644))

	time.Sleep(2 * watchDebounce)
	assert.True(t, m.GetDomainPolicy("cdn.example.com").Allowed,
		"writes to other files in the directory never trigger a reload")
}

func TestWatcher_CloseStopsLoop(t *testing.T) {
	m := NewManager(writePolicyFile(t, policyYAML))
	w, err := NewWatcher(m)
	require.NoError(t, err)
	assert.NoError(t, w.Close())
}
