// Package config holds tradeloop's global process configuration and the
// typed per-tenant settings object: a flat YAML file unmarshalled into
// a struct via gopkg.in/yaml.v3.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the global process configuration: where persistence lives,
// which port the reference transport binds, and process-wide defaults
// new tenants inherit.
type Config struct {
	DataDir          string   `yaml:"data_dir"`
	APIPort          int      `yaml:"api_port"`
	PostgresURL      string   `yaml:"postgres_url"` // empty: file-backed persistence only
	DefaultSettings  Settings `yaml:"default_settings"`
	JWTSigningSecret string   `yaml:"jwt_signing_secret"`
}

// Load reads and parses a YAML config file. Unknown keys are ignored by
// yaml.Unmarshal, keeping the file forward-compatible across versions.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with sane out-of-the-box values, so a
// missing config file (or missing keys within one) still produces a
// runnable process.
func Default() Config {
	return Config{
		DataDir:         "./data",
		APIPort:         8080,
		DefaultSettings: DefaultSettings(),
	}
}

// Settings is the typed per-tenant settings object.
type Settings struct {
	MaxDepth            int     `yaml:"max_depth"`
	MinEfficiency       float64 `yaml:"min_efficiency"`
	MaxLoopsPerRequest  int     `yaml:"max_loops_per_request"`
	PerSCCTimeoutMS     int     `yaml:"per_scc_timeout_ms"`
	PerRunTimeoutMS     int     `yaml:"per_run_timeout_ms"`
	MaxCollectionSize   int     `yaml:"max_collection_size"`
	EnableCanonical     bool    `yaml:"enable_canonical"`
	EnableLouvain       bool    `yaml:"enable_louvain"`
	EnableBloom         bool    `yaml:"enable_bloom"`
	ParallelSCCWorkers  int     `yaml:"parallel_scc_workers"`
	MinScore            float64 `yaml:"min_score"`

	// Security caps.
	MaxNFTsPerWallet  int `yaml:"max_nfts_per_wallet"`
	MaxWantsPerWallet int `yaml:"max_wants_per_wallet"`

	// Additional per-component algorithm knobs.
	SCCBatchSize          int           `yaml:"scc_batch_size"`
	SCCWallClockBudgetMS  int           `yaml:"scc_wallclock_budget_ms"`
	CommunitySizeTrigger  int           `yaml:"community_size_trigger"`
	CommunityWalletCount  int           `yaml:"community_wallet_count"`
	CommunityResolution   float64       `yaml:"community_resolution"`
	PerSCCCycleCap        int           `yaml:"per_scc_cycle_cap"`
	GlobalCycleCap        int           `yaml:"global_cycle_cap"`
	// CrossCommunityCycleCap/CrossCommunityTimeoutMS bound the second
	// enumeration pass over an un-split oversized SCC, so cycles whose
	// steps cross a community boundary (invisible
	// to the per-community subproblems) still get a capped chance at
	// discovery instead of being silently dropped.
	CrossCommunityCycleCap  int           `yaml:"cross_community_cycle_cap"`
	CrossCommunityTimeoutMS int           `yaml:"cross_community_timeout_ms"`
	ScoreCacheTTL         time.Duration `yaml:"score_cache_ttl"`
	ActiveLoopTTL         time.Duration `yaml:"active_loop_ttl"`
	IngestionQueueDepth   int           `yaml:"ingestion_queue_depth"`
	MaxDiscoveriesInFlight int          `yaml:"max_discoveries_in_flight"`
	MaxExpansionCalls     int           `yaml:"max_expansion_calls"`
	CircuitBreakerTrip    int           `yaml:"circuit_breaker_trip"`
	CircuitBreakerCooldown time.Duration `yaml:"circuit_breaker_cooldown"`
}

// DefaultSettings returns the engine's out-of-the-box tuning
// (max_depth 10, per-SCC timeout 30s, and so on).
func DefaultSettings() Settings {
	return Settings{
		MaxDepth:               10,
		MinEfficiency:          0.0,
		MaxLoopsPerRequest:     500,
		PerSCCTimeoutMS:        30_000,
		PerRunTimeoutMS:        60_000,
		MaxCollectionSize:      5_000,
		EnableCanonical:        true,
		EnableLouvain:          true,
		EnableBloom:            true,
		ParallelSCCWorkers:     6,
		MinScore:               0.5,
		MaxNFTsPerWallet:       10_000,
		MaxWantsPerWallet:      10_000,
		SCCBatchSize:           3_000,
		SCCWallClockBudgetMS:   45_000,
		CommunitySizeTrigger:   200,
		CommunityWalletCount:   7,
		CommunityResolution:    1.2,
		PerSCCCycleCap:         1_000,
		GlobalCycleCap:         50_000,
		CrossCommunityCycleCap:  200,
		CrossCommunityTimeoutMS: 5_000,
		ScoreCacheTTL:          10 * time.Minute,
		ActiveLoopTTL:          30 * time.Minute,
		IngestionQueueDepth:    10_000,
		MaxDiscoveriesInFlight: 4,
		MaxExpansionCalls:      8,
		CircuitBreakerTrip:     5,
		CircuitBreakerCooldown: 30 * time.Second,
	}
}

// Clone returns a deep-enough copy for per-tenant storage (Settings has
// no reference fields besides value types, so a value copy suffices).
func (s Settings) Clone() Settings { return s }
