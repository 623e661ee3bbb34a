// Package policy supplies live domain policy and resource-budget limits,
// reacting to policy-file edits (debounced hot reload) and to observed
// build behavior (tier shifting) without a process restart.
package policy

import (
	"time"

	"github.com/LiranRouzentur/DynamicBusinessLandingPage-sub000/internal/netfetch"
)

// Tier names a resource-policy profile.
type Tier string

const (
	// TierDefault is the standard profile.
	TierDefault Tier = "default"
	// TierEconomy is the stricter profile entered under sustained
	// oversized or slow builds.
	TierEconomy Tier = "economy"
)

// Limits are the per-tier resource budgets applied to builds.
type Limits struct {
	// MaxBundleBytes caps the accepted artifact size.
	MaxBundleBytes int64 `json:"max_bundle_bytes" yaml:"max_bundle_bytes"`
	// MaxBuildLatency is the per-build latency budget used for tier
	// evaluation; it does not abort a running build.
	MaxBuildLatency time.Duration `json:"max_build_latency" yaml:"max_build_latency"`
	// MaxGenerationTokens caps tokens requested from the generator.
	MaxGenerationTokens int `json:"max_generation_tokens" yaml:"max_generation_tokens"`
}

// TieringConfig controls tier-shift evaluation over the metrics window.
type TieringConfig struct {
	// WindowSize is the number of recent builds evaluated.
	WindowSize int `json:"window_size" yaml:"window_size"`
	// ShiftFraction is the fraction of the window that must exceed a
	// budget before shifting to economy.
	ShiftFraction float64 `json:"shift_fraction" yaml:"shift_fraction"`
	// RecoverFraction is the fraction at or below which the tier shifts
	// back to default.
	RecoverFraction float64 `json:"recover_fraction" yaml:"recover_fraction"`
	// EconomyTimeoutScale scales domain timeouts in the economy tier.
	EconomyTimeoutScale float64 `json:"economy_timeout_scale" yaml:"economy_timeout_scale"`
	// EconomyConcurrencyScale scales concurrency ceilings in economy.
	EconomyConcurrencyScale float64 `json:"economy_concurrency_scale" yaml:"economy_concurrency_scale"`
}

// File is the on-disk policy document, read from YAML.
type File struct {
	// PollInterval is the minimum interval between reload checks.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Cache is the conditional fetch-cache policy.
	Cache netfetch.CachePolicy `yaml:"cache"`
	// Domains maps hosts to their fetch policies. Hosts absent from the
	// map are not allowlisted.
	Domains map[string]netfetch.DomainPolicy `yaml:"domains"`
	// Limits maps tier names to resource budgets.
	Limits map[Tier]Limits `yaml:"limits"`
	// Tiering controls automatic tier shifting.
	Tiering TieringConfig `yaml:"tiering"`
}

// DefaultFile returns the built-in policy used before any file loads and
// as the fallback shape for partial files.
func DefaultFile() *File {
	return &File{
		PollInterval: 5 * time.Second,
		Cache: netfetch.CachePolicy{
			TTL:               10 * time.Minute,
			MaxEntriesPerHost: 256,
		},
		Domains: map[string]netfetch.DomainPolicy{},
		Limits: map[Tier]Limits{
			TierDefault: {
				MaxBundleBytes:      2 << 20,
				MaxBuildLatency:     90 * time.Second,
				MaxGenerationTokens: 8192,
			},
			TierEconomy: {
				MaxBundleBytes:      1 << 20,
				MaxBuildLatency:     45 * time.Second,
				MaxGenerationTokens: 4096,
			},
		},
		Tiering: TieringConfig{
			WindowSize:              10,
			ShiftFraction:           0.5,
			RecoverFraction:         0.2,
			EconomyTimeoutScale:     0.5,
			EconomyConcurrencyScale: 0.5,
		},
	}
}
