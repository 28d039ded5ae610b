// Package config holds the mesh node configuration schema and loader.
package config

import (
	"fmt"
	"time"
)

// Defaults for timing knobs. The staleness window and reconnect schedule
// are deliberately configuration, not structural constants.
const (
	DefaultServiceName    = "_lanmesh._udp"
	DefaultBrowseInterval = 30 * time.Second
	DefaultBrowseTimeout  = 10 * time.Second

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleAfter        = 90 * time.Second

	DefaultBaseBackoff = 2 * time.Second
	DefaultMaxAttempts = 3
	DefaultDialTimeout = 5 * time.Second
)

// Config is the full node configuration.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Storage   StorageConfig   `yaml:"storage"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	KeyFile     string `yaml:"key_file"`
	DisplayName string `yaml:"display_name"`
	DeviceName  string `yaml:"device_name"`
}

// NetworkConfig holds listener configuration.
type NetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
}

// StorageConfig locates the peers database.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// DiscoveryConfig tunes LAN mDNS discovery.
type DiscoveryConfig struct {
	ServiceName    string        `yaml:"service_name"`
	BrowseInterval time.Duration `yaml:"browse_interval"`
	BrowseTimeout  time.Duration `yaml:"browse_timeout"`
}

// HeartbeatConfig tunes the liveness loop and the staleness window.
type HeartbeatConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// ReconnectConfig tunes per-sweep reconnection. MaxAttempts is the total
// number of dials per lost peer per sweep; BaseBackoff doubles between
// attempts.
type ReconnectConfig struct {
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxAttempts int           `yaml:"max_attempts"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Default returns a configuration with all timing knobs at their defaults.
// Identity and storage paths are left empty for the caller to fill.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			ListenAddresses: []string{"/ip4/0.0.0.0/tcp/0"},
		},
		Discovery: DiscoveryConfig{
			ServiceName:    DefaultServiceName,
			BrowseInterval: DefaultBrowseInterval,
			BrowseTimeout:  DefaultBrowseTimeout,
		},
		Heartbeat: HeartbeatConfig{
			Interval:   DefaultHeartbeatInterval,
			StaleAfter: DefaultStaleAfter,
		},
		Reconnect: ReconnectConfig{
			BaseBackoff: DefaultBaseBackoff,
			MaxAttempts: DefaultMaxAttempts,
			DialTimeout: DefaultDialTimeout,
		},
	}
}

// Validate checks the configuration for values that would leave the mesh
// in a non-functional state.
func (c *Config) Validate() error {
	if c.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if len(c.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must not be empty")
	}
	if c.Discovery.ServiceName == "" {
		return fmt.Errorf("discovery.service_name is required")
	}
	if c.Discovery.BrowseInterval <= 0 {
		return fmt.Errorf("discovery.browse_interval must be positive")
	}
	if c.Discovery.BrowseTimeout <= 0 {
		return fmt.Errorf("discovery.browse_timeout must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Heartbeat.StaleAfter <= 0 {
		return fmt.Errorf("heartbeat.stale_after must be positive")
	}
	if c.Reconnect.BaseBackoff <= 0 {
		return fmt.Errorf("reconnect.base_backoff must be positive")
	}
	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be at least 1")
	}
	if c.Reconnect.DialTimeout <= 0 {
		return fmt.Errorf("reconnect.dial_timeout must be positive")
	}
	return nil
}
