package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file over the defaults. Duration fields accept
// Go duration strings ("30s", "2m"). Absent fields keep their defaults;
// the result is validated before being returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Parse YAML with custom unmarshaling for durations.
	var raw struct {
		Identity IdentityConfig `yaml:"identity"`
		Network  NetworkConfig  `yaml:"network"`
		Storage  StorageConfig  `yaml:"storage"`

		Discovery struct {
			ServiceName    string `yaml:"service_name"`
			BrowseInterval string `yaml:"browse_interval"`
			BrowseTimeout  string `yaml:"browse_timeout"`
		} `yaml:"discovery"`

		Heartbeat struct {
			Interval   string `yaml:"interval"`
			StaleAfter string `yaml:"stale_after"`
		} `yaml:"heartbeat"`

		Reconnect struct {
			BaseBackoff string `yaml:"base_backoff"`
			MaxAttempts int    `yaml:"max_attempts"`
			DialTimeout string `yaml:"dial_timeout"`
		} `yaml:"reconnect"`
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg := Default()
	cfg.Identity = raw.Identity
	cfg.Storage = raw.Storage
	if len(raw.Network.ListenAddresses) > 0 {
		cfg.Network = raw.Network
	}

	if raw.Discovery.ServiceName != "" {
		cfg.Discovery.ServiceName = raw.Discovery.ServiceName
	}
	if err := overrideDuration(&cfg.Discovery.BrowseInterval, raw.Discovery.BrowseInterval, "discovery.browse_interval"); err != nil {
		return nil, err
	}
	if err := overrideDuration(&cfg.Discovery.BrowseTimeout, raw.Discovery.BrowseTimeout, "discovery.browse_timeout"); err != nil {
		return nil, err
	}
	if err := overrideDuration(&cfg.Heartbeat.Interval, raw.Heartbeat.Interval, "heartbeat.interval"); err != nil {
		return nil, err
	}
	if err := overrideDuration(&cfg.Heartbeat.StaleAfter, raw.Heartbeat.StaleAfter, "heartbeat.stale_after"); err != nil {
		return nil, err
	}
	if err := overrideDuration(&cfg.Reconnect.BaseBackoff, raw.Reconnect.BaseBackoff, "reconnect.base_backoff"); err != nil {
		return nil, err
	}
	if err := overrideDuration(&cfg.Reconnect.DialTimeout, raw.Reconnect.DialTimeout, "reconnect.dial_timeout"); err != nil {
		return nil, err
	}
	if raw.Reconnect.MaxAttempts > 0 {
		cfg.Reconnect.MaxAttempts = raw.Reconnect.MaxAttempts
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrideDuration parses a duration string into dst when non-empty.
func overrideDuration(dst *time.Duration, value, field string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*dst = d
	return nil
}
