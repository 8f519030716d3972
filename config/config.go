package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TomlIdentity holds the viewer identity and static social-graph seeds.
// In a full deployment follows and web-of-trust arrive from the session
// subsystem; the seeds let a standalone instance run without one.
type TomlIdentity struct {
	Self       string   `toml:"self"`
	Follows    []string `toml:"follows,omitempty"`
	Mutes      []string `toml:"mutes,omitempty"`
	WebOfTrust []string `toml:"web_of_trust,omitempty"`
}

type TomlRelays struct {
	Default []string `toml:"default"`
}

// TomlFeed tunes the aggregation engine.
type TomlFeed struct {
	Kinds                 []int  `toml:"kinds,omitempty"`
	PageSize              int    `toml:"page_size,omitempty"`
	LoadingTimeoutSeconds int    `toml:"loading_timeout_seconds,omitempty"`
	DiversifyLookahead    int    `toml:"diversify_lookahead,omitempty"`
	StartMode             string `toml:"start_mode,omitempty"`
	CachePolicy           string `toml:"cache_policy,omitempty"`
}

type TomlCache struct {
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days,omitempty"`
}

type TomlConfig struct {
	Hostname string       `toml:"hostname"`
	Port     int          `toml:"port,omitempty"`
	Identity TomlIdentity `toml:"identity"`
	Relays   TomlRelays   `toml:"relays"`
	Feed     TomlFeed     `toml:"feed"`
	Cache    TomlCache    `toml:"cache"`
}

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}
