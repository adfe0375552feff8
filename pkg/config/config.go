// Package config loads the switchboard configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/papercomputeco/switchboard/pkg/pool"
)

// DefaultPath is the configuration file read when no --config flag is given.
const DefaultPath = "switchboard.toml"

// Config is the full configuration document. Every field has a working
// default; an absent file yields a runnable configuration with the admin
// API disabled.
type Config struct {
	Server   Server   `toml:"server"`
	Admin    Admin    `toml:"admin"`
	Pool     Pool     `toml:"pool"`
	Failure  Failure  `toml:"failure"`
	Events   Events   `toml:"events"`
	Upstream Upstream `toml:"upstream"`
}

// Server is the listen address of the admin HTTP server.
type Server struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Admin gates the management API.
type Admin struct {
	// APIKey must be presented on every admin call. Empty disables the
	// admin surface.
	APIKey string `toml:"apiKey"`
}

// Pool configures the credential pool.
type Pool struct {
	CredentialsFile   string `toml:"credentialsFile"`
	LoadBalancingMode string `toml:"loadBalancingMode"`

	// CloudPassCredentialID pins one credential ahead of the selector.
	// 0 disables cloud pass.
	CloudPassCredentialID int64 `toml:"cloudPassCredentialId"`

	// CloudPassRefreshIntervalSeconds paces the keep-fresh worker.
	CloudPassRefreshIntervalSeconds int64 `toml:"cloudPassRefreshIntervalSeconds"`

	// MachineID, when set, is stamped on added credentials that carry
	// none; otherwise one is derived from the host.
	MachineID string `toml:"machineId"`

	// WatchFile reloads the pool when an outside process rewrites the
	// credentials file.
	WatchFile bool `toml:"watchFile"`
}

// Failure tunes the automatic cooldown and disable thresholds.
type Failure struct {
	StreakWindow             int   `toml:"streakWindow"`
	StreakCooldownSeconds    int64 `toml:"streakCooldownSeconds"`
	DisableThreshold         int64 `toml:"disableThreshold"`
	RateLimitCooldownSeconds int64 `toml:"rateLimitCooldownSeconds"`
	QuotaCooldownSeconds     int64 `toml:"quotaCooldownSeconds"`
}

// Events configures the optional Kafka lifecycle event stream.
type Events struct {
	Brokers  []string `toml:"brokers"`
	Topic    string   `toml:"topic"`
	ClientID string   `toml:"clientId"`
}

// Upstream overrides outbound endpoints and the default proxy path.
type Upstream struct {
	// OIDCEndpoint overrides the regional token endpoint.
	OIDCEndpoint string `toml:"oidcEndpoint"`
	// UsageEndpoint overrides the regional usage endpoint.
	UsageEndpoint string `toml:"usageEndpoint"`
	// ProxyURL routes upstream traffic for credentials without their own.
	ProxyURL string `toml:"proxyUrl"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Pool: Pool{
			CredentialsFile:                 "credentials.json",
			LoadBalancingMode:               pool.PolicyPriorityFirst,
			CloudPassRefreshIntervalSeconds: 900,
			WatchFile:                       true,
		},
	}
}

// Load reads the configuration at path, layering it over the defaults. A
// missing file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the core cannot honor.
func (c *Config) Validate() error {
	if !pool.ValidPolicy(c.Pool.LoadBalancingMode) {
		return fmt.Errorf("config: unknown loadBalancingMode %q", c.Pool.LoadBalancingMode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		return errors.New("config: events.topic is required when brokers are set")
	}
	return nil
}

// Thresholds maps the failure table onto the pool's threshold struct; zero
// fields fall back to the pool defaults.
func (c *Config) Thresholds() pool.FailureThresholds {
	return pool.FailureThresholds{
		StreakWindow:      c.Failure.StreakWindow,
		StreakCooldown:    time.Duration(c.Failure.StreakCooldownSeconds) * time.Second,
		DisableThreshold:  c.Failure.DisableThreshold,
		RateLimitCooldown: time.Duration(c.Failure.RateLimitCooldownSeconds) * time.Second,
		QuotaCooldown:     time.Duration(c.Failure.QuotaCooldownSeconds) * time.Second,
	}
}

// CloudPassInterval returns the keep-fresh cadence.
func (c *Config) CloudPassInterval() time.Duration {
	return time.Duration(c.Pool.CloudPassRefreshIntervalSeconds) * time.Second
}
