// Package config provides configuration loading and management for the
// agent orchestration core. File options use plain scalars (seconds,
// milliseconds) and convert into the typed configs each component
// takes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/agentcore/coordinator"
	"github.com/c360studio/agentcore/progress"
	"github.com/c360studio/agentcore/resources"
	"github.com/c360studio/agentcore/session"
)

// Config is the complete core configuration.
type Config struct {
	Redis RedisConfig `yaml:"redis"`

	// KeyPrefix namespaces all keys in the shared store.
	KeyPrefix string `yaml:"key_prefix"`
	// ChannelPrefix namespaces broker pub/sub channels.
	ChannelPrefix string `yaml:"channel_prefix"`
	// NATSURL, when set, also bridges events onto NATS subjects.
	NATSURL string `yaml:"nats_url"`

	// VisibilityTimeoutS is the default reservation lifetime in seconds.
	VisibilityTimeoutS int `yaml:"visibility_timeout_s"`
	// RecoverPollIntervalS is the validator sweep cadence in seconds.
	RecoverPollIntervalS int `yaml:"recover_poll_interval_s"`

	// MaxConcurrentWorkflows caps the running set.
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows"`
	// ResourceMonitoringIntervalS is the monitoring-loop cadence in
	// seconds.
	ResourceMonitoringIntervalS int `yaml:"resource_monitoring_interval_s"`

	// WorkflowTimeoutS fails workflows older than this many seconds.
	WorkflowTimeoutS int `yaml:"workflow_timeout_s"`
	// CleanupIntervalS is the tracker cleanup cadence in seconds.
	CleanupIntervalS int `yaml:"cleanup_interval_s"`

	// NackBackoffBaseMS and NackBackoffCapMS bound the transient-nack
	// retry schedule.
	NackBackoffBaseMS int `yaml:"nack_backoff_base_ms"`
	NackBackoffCapMS  int `yaml:"nack_backoff_cap_ms"`
	// MaxDeliveryAttempts forces dead-lettering past this attempt count.
	// Zero means unlimited.
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts"`

	// SessionRecoveryWindowS is how long a paused session stays
	// resumable, in seconds.
	SessionRecoveryWindowS int `yaml:"session_recovery_window_s"`
}

// RedisConfig configures the shared-store connection.
type RedisConfig struct {
	// Addr is the Redis host:port.
	Addr string `yaml:"addr"`
	// Password authenticates the connection when set.
	Password string `yaml:"password"`
	// DB selects the logical database.
	DB int `yaml:"db"`
}

// DefaultConfig returns a Config with the core's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis:                       RedisConfig{Addr: "localhost:6379"},
		KeyPrefix:                   "ao",
		ChannelPrefix:               "ao:events",
		VisibilityTimeoutS:          5,
		RecoverPollIntervalS:        1,
		MaxConcurrentWorkflows:      10,
		ResourceMonitoringIntervalS: 30,
		WorkflowTimeoutS:            7200,
		CleanupIntervalS:            600,
		NackBackoffBaseMS:           200,
		NackBackoffCapMS:            30000,
		SessionRecoveryWindowS:      1800,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.KeyPrefix == "" {
		return fmt.Errorf("key_prefix is required")
	}
	if c.VisibilityTimeoutS <= 0 {
		return fmt.Errorf("visibility_timeout_s must be positive")
	}
	if c.RecoverPollIntervalS <= 0 {
		return fmt.Errorf("recover_poll_interval_s must be positive")
	}
	if c.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("max_concurrent_workflows must be positive")
	}
	if c.NackBackoffBaseMS <= 0 || c.NackBackoffCapMS < c.NackBackoffBaseMS {
		return fmt.Errorf("nack backoff bounds are inconsistent")
	}
	return nil
}

// VisibilityTimeout returns the reservation lifetime as a duration.
func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutS) * time.Second
}

// SweepInterval returns the validator cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.RecoverPollIntervalS) * time.Second
}

// CoordinatorConfig converts into the message coordinator's config.
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		KeyPrefix:           c.KeyPrefix,
		BackoffBase:         time.Duration(c.NackBackoffBaseMS) * time.Millisecond,
		BackoffCap:          time.Duration(c.NackBackoffCapMS) * time.Millisecond,
		MaxDeliveryAttempts: c.MaxDeliveryAttempts,
	}
}

// TrackerConfig converts into the progress tracker's config.
func (c *Config) TrackerConfig() progress.TrackerConfig {
	return progress.TrackerConfig{
		AutoPublishUpdates: true,
		CleanupInterval:    time.Duration(c.CleanupIntervalS) * time.Second,
		WorkflowTimeout:    time.Duration(c.WorkflowTimeoutS) * time.Second,
	}
}

// ManagerConfig converts into the resource manager's config.
func (c *Config) ManagerConfig() resources.ManagerConfig {
	return resources.ManagerConfig{
		MaxConcurrentWorkflows:   c.MaxConcurrentWorkflows,
		SchedulingInterval:       time.Second,
		MonitoringInterval:       time.Duration(c.ResourceMonitoringIntervalS) * time.Second,
		StaleAllocationThreshold: time.Hour,
	}
}

// SessionConfig converts into the session controller's config.
func (c *Config) SessionConfig() session.ControllerConfig {
	return session.ControllerConfig{
		RecoveryWindow: time.Duration(c.SessionRecoveryWindowS) * time.Second,
	}
}

// LoadFromFile loads configuration from a YAML file layered over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Load returns the file config when a path is given, else the defaults,
// validated either way.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}
