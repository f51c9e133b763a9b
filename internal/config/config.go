// Package config loads the orchestrator's configuration schema (spec.md
// §6) with Viper: defaults set programmatically, a single config file
// read from a caller-supplied path, then unmarshalled into a
// mapstructure-tagged Config struct. Unrecognized top-level keys fail
// initialization, per spec.md §6.
//
// Grounded on the teacher's internal/config/config.go: the
// viper.New()/SetDefault/SetConfigFile/ReadInConfig/Unmarshal sequence is
// carried over directly; this package trades the teacher's XDG/project
// layered lookup for a single explicit path, since the core has exactly
// one configuration file per spec.md §6 rather than a user/project split.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/mostlyfutures/orchestra/pkg/orcherr"
)

// ResourceSpec describes one entry of the `resources[]` configuration list.
type ResourceSpec struct {
	Type             string `mapstructure:"type"`
	MaxTokens        int    `mapstructure:"max_tokens"`
	RefillRatePerSec int    `mapstructure:"refill_rate_per_sec"`
	Burst            int    `mapstructure:"burst"`
	RefillIntervalMs int    `mapstructure:"refill_interval_ms"`
}

// QuotaSpec describes one entry of the `quotas[]` configuration list.
type QuotaSpec struct {
	AgentType    string `mapstructure:"agent_type"`
	ResourceType string `mapstructure:"resource_type"`
	Max          int    `mapstructure:"max"`
}

// TLSSpec holds the cert/key/ca trio used for the bus's mutual
// authentication.
type TLSSpec struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
	CA   string `mapstructure:"ca"`
}

// Config is the fully parsed configuration document, per spec.md §6.
type Config struct {
	BindAddress               string         `mapstructure:"bind_address"`
	TLS                       TLSSpec        `mapstructure:"tls"`
	Resources                 []ResourceSpec `mapstructure:"resources"`
	Quotas                    []QuotaSpec    `mapstructure:"quotas"`
	DefaultStepTimeoutMs      int            `mapstructure:"default_step_timeout_ms"`
	HeartbeatIntervalMs       int            `mapstructure:"heartbeat_interval_ms"`
	ExpirationSweepIntervalMs int            `mapstructure:"expiration_sweep_interval_ms"`
}

// knownKeys is the closed set of top-level keys this Config recognizes.
// Anything else in the file is rejected, per spec.md §6.
var knownKeys = map[string]bool{
	"bind_address":                 true,
	"tls":                          true,
	"resources":                    true,
	"quotas":                       true,
	"default_step_timeout_ms":      true,
	"heartbeat_interval_ms":        true,
	"expiration_sweep_interval_ms": true,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bind_address", "127.0.0.1:7700")
	v.SetDefault("default_step_timeout_ms", 30_000)
	v.SetDefault("heartbeat_interval_ms", 5_000)
	v.SetDefault("expiration_sweep_interval_ms", 1_000)
}

// LoadFromPath reads the configuration document at path and unmarshals
// it into a Config. Viper does not reject unknown keys on its own, so
// this checks v.AllKeys() against the known top-level set explicitly
// after reading.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, orcherr.New(orcherr.InvalidDefinition, "config.LoadFromPath", fmt.Errorf("reading config from %s: %w", path, err))
	}

	if err := rejectUnknownKeys(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, orcherr.New(orcherr.InvalidDefinition, "config.LoadFromPath", fmt.Errorf("unmarshaling config: %w", err))
	}
	return cfg, nil
}

func rejectUnknownKeys(v *viper.Viper) error {
	for _, key := range v.AllKeys() {
		top := key
		if idx := strings.IndexByte(key, '.'); idx >= 0 {
			top = key[:idx]
		}
		if !knownKeys[top] {
			return orcherr.New(orcherr.InvalidDefinition, "config.rejectUnknownKeys", errUnrecognizedOption(key))
		}
	}
	return nil
}

type unrecognizedOptionError struct{ key string }

func (e *unrecognizedOptionError) Error() string { return "unrecognized configuration option: " + e.key }

func errUnrecognizedOption(key string) error { return &unrecognizedOptionError{key: key} }
