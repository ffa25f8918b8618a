package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVICE_NAME", "test-server")
	t.Setenv("DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8475", cfg.ListenAddr)
	assert.Equal(t, 8475, cfg.DiscoveryPort)
	assert.Equal(t, 3, cfg.MaxConcurrentJobs)
	assert.Equal(t, 5*time.Minute, cfg.HeartbeatTimeout)
	assert.Equal(t, []string{"tasks", "inventory", "settings"}, cfg.ServerCapabilities)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SERVICE_NAME", "dock-3")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("MAX_CONCURRENT_JOBS", "8")
	t.Setenv("HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("SERVER_CAPABILITIES", "tasks,inventory")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dock-3", cfg.ServiceName)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.MaxConcurrentJobs)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, []string{"tasks", "inventory"}, cfg.ServerCapabilities)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_DataDirResolvedAbsolute(t *testing.T) {
	t.Setenv("SERVICE_NAME", "test-server")
	t.Setenv("DATA_DIR", "relative/data")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "zero concurrent jobs", key: "MAX_CONCURRENT_JOBS", value: "0"},
		{name: "port out of range", key: "DISCOVERY_PORT", value: "70000"},
		{name: "negative heartbeat timeout", key: "HEARTBEAT_TIMEOUT", value: "-1s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_NAME", "test-server")
			t.Setenv("DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
