package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SeedProfile is a YAML-declared bootstrap bundle: principals, policies,
// per-endpoint rate limits, and prohibited content patterns. Profiles are
// applied once at startup; rows already present in the store win.
type SeedProfile struct {
	Name       string                  `yaml:"name" json:"name"`
	Principals []SeedPrincipal         `yaml:"principals,omitempty" json:"principals,omitempty"`
	Policies   []SeedPolicy            `yaml:"policies,omitempty" json:"policies,omitempty"`
	RateLimits map[string]SeedRateRule `yaml:"rate_limits,omitempty" json:"rate_limits,omitempty"`
	Patterns   []SeedPattern           `yaml:"prohibited_patterns,omitempty" json:"prohibited_patterns,omitempty"`
}

// SeedPrincipal bootstraps a principal row.
type SeedPrincipal struct {
	ID    int64  `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Email string `yaml:"email" json:"email"`
	Role  string `yaml:"role" json:"role"`
}

// SeedPolicy bootstraps a policy row.
type SeedPolicy struct {
	Name     string                 `yaml:"name" json:"name"`
	Type     string                 `yaml:"type" json:"type"`
	Rules    map[string]interface{} `yaml:"rules" json:"rules"`
	Enabled  bool                   `yaml:"enabled" json:"enabled"`
	Priority int                    `yaml:"priority" json:"priority"`
}

// SeedRateRule bootstraps one endpoint's rate-limit configuration.
type SeedRateRule struct {
	Limit         int `yaml:"limit" json:"limit"`
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
}

// SeedPattern bootstraps a prohibited content pattern.
type SeedPattern struct {
	Type        string `yaml:"type" json:"type"`
	Regex       string `yaml:"regex" json:"regex"`
	Severity    string `yaml:"severity" json:"severity"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// LoadSeedProfile loads a single seed profile YAML file.
func LoadSeedProfile(path string) (*SeedProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load seed profile %q: %w", path, err)
	}

	var profile SeedProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse seed profile %q: %w", path, err)
	}

	if profile.Name == "" {
		base := filepath.Base(path)
		profile.Name = base[:len(base)-len(filepath.Ext(base))]
	}

	return &profile, nil
}

// LoadSeedDir loads and merges all seed_*.yaml files from dir, in filename
// order. Later files override earlier rate-limit entries; list sections
// append.
func LoadSeedDir(dir string) (*SeedProfile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "seed_*.yaml"))
	if err != nil {
		return nil, err
	}

	merged := &SeedProfile{
		Name:       "merged",
		RateLimits: make(map[string]SeedRateRule),
	}
	for _, path := range matches {
		profile, err := LoadSeedProfile(path)
		if err != nil {
			return nil, err
		}
		merged.Principals = append(merged.Principals, profile.Principals...)
		merged.Policies = append(merged.Policies, profile.Policies...)
		merged.Patterns = append(merged.Patterns, profile.Patterns...)
		for endpoint, rule := range profile.RateLimits {
			merged.RateLimits[endpoint] = rule
		}
	}

	return merged, nil
}
