package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.LockTTL)
	assert.Equal(t, 100, cfg.WebSocket.NotificationQueueSize)
	assert.Equal(t, 24*time.Hour, cfg.WebSocket.NotificationTTL)
	assert.False(t, cfg.WebSocket.OptimisticEdits)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: "9090"
  instance_id: "instance-42"
websocket:
  lock_ttl: 45s
  optimistic_edits: true
redis:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "instance-42", cfg.Server.InstanceID)
	assert.Equal(t, 45*time.Second, cfg.WebSocket.LockTTL)
	assert.True(t, cfg.WebSocket.OptimisticEdits)
	assert.False(t, cfg.Redis.Enabled)
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "test-secret")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("WS_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("WS_LIVENESS_MULTIPLIER", "3")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.WebSocket.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.InactivityTimeout())
	assert.False(t, cfg.Redis.Enabled)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "missing secret",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "jwt_secret",
		},
		{
			name:    "bad signing method",
			mutate:  func(c *Config) { c.Auth.SigningMethod = "none" },
			wantErr: "signing method",
		},
		{
			name:    "zero heartbeat",
			mutate:  func(c *Config) { c.WebSocket.HeartbeatInterval = 0 },
			wantErr: "heartbeat_interval",
		},
		{
			name:    "zero lock ttl",
			mutate:  func(c *Config) { c.WebSocket.LockTTL = 0 },
			wantErr: "lock_ttl",
		},
		{
			name:    "zero queue size",
			mutate:  func(c *Config) { c.WebSocket.NotificationQueueSize = 0 },
			wantErr: "notification_queue_size",
		},
		{
			name: "redis enabled without host",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Host = ""
			},
			wantErr: "redis host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getDefaultConfig()
			cfg.Auth.JWTSecret = "test-secret"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
