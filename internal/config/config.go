// Package config holds the engine's tunable thresholds and rates,
// loadable from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config collects every tunable the political engine reads.
type Config struct {
	Memory     MemoryConfig     `yaml:"memory"`
	Relations  RelationsConfig  `yaml:"relations"`
	Conspiracy ConspiracyConfig `yaml:"conspiracy"`
	Backend    BackendConfig    `yaml:"backend"`
}

// MemoryConfig tunes the memory store.
type MemoryConfig struct {
	// PruneFloor is the salience under which non-critical memories die.
	PruneFloor float64 `yaml:"prune_floor"`
	// HandoffDiscount multiplies reliability on transferred memories.
	HandoffDiscount float64 `yaml:"handoff_discount"`
	// DefaultDecayRate applies to memories whose event sets none.
	DefaultDecayRate float64 `yaml:"default_decay_rate"`
}

// RelationsConfig tunes the relationship graph.
type RelationsConfig struct {
	// DecayFraction moves every edge toward neutral each turn.
	DecayFraction float64 `yaml:"decay_fraction"`
}

// ConspiracyConfig tunes the conspiracy and coup state machine.
type ConspiracyConfig struct {
	// LowLoyalty is the loyalty floor below which an advisor starts
	// looking for co-conspirators.
	LowLoyalty float64 `yaml:"low_loyalty"`
	// SecrecyTrust is the mutual-trust threshold required to invite or
	// join; the membership invariant is defined against it.
	SecrecyTrust float64 `yaml:"secrecy_trust"`
	// RecoverLoyalty dissolves a conspiracy once every member climbs
	// back above it.
	RecoverLoyalty float64 `yaml:"recover_loyalty"`
	// LeakPerMember reduces secrecy for each member beyond the first.
	LeakPerMember float64 `yaml:"leak_per_member"`
	// DetectionFloor: below this secrecy the leader preempts the coup.
	DetectionFloor float64 `yaml:"detection_floor"`
	// SecurityCooldown is how many turns the detection floor stays
	// raised after a failed coup.
	SecurityCooldown uint64 `yaml:"security_cooldown"`
	// RaisedDetectionFloor applies during the cooldown.
	RaisedDetectionFloor float64 `yaml:"raised_detection_floor"`
}

// BackendConfig tunes the generative-text capability.
type BackendConfig struct {
	APIKey string `yaml:"api_key"`
	// Timeout bounds every backend call; expiry forces the rule-based
	// fallback for that call.
	Timeout time.Duration `yaml:"timeout"`
	// CacheTTL keeps identical advice responses around to avoid
	// duplicate calls within a session.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Default returns the engine's baseline tuning.
func Default() *Config {
	return &Config{
		Memory: MemoryConfig{
			PruneFloor:       0.05,
			HandoffDiscount:  0.7,
			DefaultDecayRate: 0.08,
		},
		Relations: RelationsConfig{
			DecayFraction: 0.05,
		},
		Conspiracy: ConspiracyConfig{
			LowLoyalty:           0.2,
			SecrecyTrust:         0.6,
			RecoverLoyalty:       0.4,
			LeakPerMember:        0.1,
			DetectionFloor:       0.25,
			SecurityCooldown:     5,
			RaisedDetectionFloor: 0.5,
		},
		Backend: BackendConfig{
			Timeout:  10 * time.Second,
			CacheTTL: 5 * time.Minute,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path is not
// an error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.applyEnvOverrides()
				return cfg, nil
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("POLITSIM_API_KEY"); key != "" {
		c.Backend.APIKey = key
	} else if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.Backend.APIKey == "" {
		c.Backend.APIKey = key
	}
}
