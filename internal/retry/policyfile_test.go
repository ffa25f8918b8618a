package retry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/events"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/logging"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/models"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "retry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPolicyFile_ParsesDurationsAndFlags(t *testing.T) {
	path := writePolicyFile(t, `
policies:
  full:
    max_attempts: 5
    base_delay: 45s
    max_delay: 10m
    exponential: true
    jitter_factor: 0.3
  tasks_only:
    max_attempts: 2
    base_delay: 1s
    max_delay: 30s
    exponential: false
`)

	policies, err := LoadPolicyFile(path)
	require.NoError(t, err)
	require.Len(t, policies, 2)

	full := policies[models.SyncFull]
	assert.Equal(t, 5, full.MaxAttempts)
	assert.Equal(t, 45*time.Second, full.BaseDelay)
	assert.Equal(t, 10*time.Minute, full.MaxDelay)
	assert.True(t, full.ExponentialBackoff)
	assert.InDelta(t, 0.3, full.JitterFactor, 0.001)

	tasks := policies[models.SyncTasksOnly]
	assert.Equal(t, 2, tasks.MaxAttempts)
	assert.False(t, tasks.ExponentialBackoff)
}

func TestLoadPolicyFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "zero max attempts",
			content: `
policies:
  full:
    max_attempts: 0
    base_delay: 30s
`,
		},
		{
			name: "jitter out of range",
			content: `
policies:
  full:
    max_attempts: 3
    base_delay: 30s
    jitter_factor: 1.5
`,
		},
		{
			name: "bad duration",
			content: `
policies:
  full:
    max_attempts: 3
    base_delay: soon
`,
		},
		{
			name:    "not yaml",
			content: `{{{`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePolicyFile(t, tt.content)
			_, err := LoadPolicyFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyFile_Missing(t *testing.T) {
	_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyPolicyFile_InstallsOverrides(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	m := NewManager(bus, logging.NewLogger("development"))

	path := writePolicyFile(t, `
policies:
  incremental:
    max_attempts: 9
    base_delay: 2s
    max_delay: 20s
    exponential: true
    jitter_factor: 0.1
`)
	require.NoError(t, m.ApplyPolicyFile(path))

	p := m.Policy(models.SyncIncremental)
	assert.Equal(t, 9, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BaseDelay)

	// Types the file does not mention keep their defaults.
	assert.Equal(t, 3, m.Policy(models.SyncFull).MaxAttempts)
}
