package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, "localhost:6379", config.Redis.Addr)
	assert.Equal(t, "ao", config.KeyPrefix)
	assert.Equal(t, "ao:events", config.ChannelPrefix)
	assert.Equal(t, 5*time.Second, config.VisibilityTimeout())
	assert.Equal(t, time.Second, config.SweepInterval())
	assert.Equal(t, 10, config.MaxConcurrentWorkflows)
}

func TestComponentConfigConversion(t *testing.T) {
	config := DefaultConfig()

	coord := config.CoordinatorConfig()
	assert.Equal(t, "ao", coord.KeyPrefix)
	assert.Equal(t, 200*time.Millisecond, coord.BackoffBase)
	assert.Equal(t, 30*time.Second, coord.BackoffCap)
	assert.Zero(t, coord.MaxDeliveryAttempts)

	tracker := config.TrackerConfig()
	assert.True(t, tracker.AutoPublishUpdates)
	assert.Equal(t, 10*time.Minute, tracker.CleanupInterval)
	assert.Equal(t, 2*time.Hour, tracker.WorkflowTimeout)

	manager := config.ManagerConfig()
	assert.Equal(t, 10, manager.MaxConcurrentWorkflows)
	assert.Equal(t, 30*time.Second, manager.MonitoringInterval)

	sess := config.SessionConfig()
	assert.Equal(t, 30*time.Minute, sess.RecoveryWindow)
}

func TestLoadFromFileLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.yaml")
	content := `
redis:
  addr: "redis.internal:6380"
  db: 2
key_prefix: "prod"
visibility_timeout_s: 10
max_concurrent_workflows: 25
nack_backoff_base_ms: 500
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", config.Redis.Addr)
	assert.Equal(t, 2, config.Redis.DB)
	assert.Equal(t, "prod", config.KeyPrefix)
	assert.Equal(t, 10*time.Second, config.VisibilityTimeout())
	assert.Equal(t, 25, config.MaxConcurrentWorkflows)
	assert.Equal(t, 500*time.Millisecond, config.CoordinatorConfig().BackoffBase)
	// Untouched options keep their defaults.
	assert.Equal(t, "ao:events", config.ChannelPrefix)
	assert.Equal(t, 30*time.Second, config.CoordinatorConfig().BackoffCap)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ao", config.KeyPrefix)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis:\n  addr: \"\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr")
}

func TestValidateCatchesBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key prefix", func(c *Config) { c.KeyPrefix = "" }},
		{"zero sweep interval", func(c *Config) { c.RecoverPollIntervalS = 0 }},
		{"zero visibility timeout", func(c *Config) { c.VisibilityTimeoutS = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentWorkflows = 0 }},
		{"backoff cap below base", func(c *Config) { c.NackBackoffCapMS = 100 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}
