package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Level1.MaxAttempts)
	assert.Equal(t, 2, cfg.Level2.MaxAttempts)
	assert.Equal(t, 5, cfg.Level2.CircuitBreakerThreshold)
	assert.Equal(t, float64(300), cfg.Level2.CircuitBreakerCooldownSeconds)
	assert.Equal(t, 2.0, cfg.Level1.BackoffMultiplier)
	assert.True(t, cfg.Tokens.EnforceBudget)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
state:
  storage_path: /var/lib/maestro/state
  max_versions: 20
checkpoint:
  max_checkpoints: 5
  default_ttl: 48h
level1:
  max_attempts: 4
tokens:
  max_tokens_per_persona: 100000
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/maestro/state", cfg.State.StoragePath)
	assert.Equal(t, 20, cfg.State.MaxVersions)
	assert.Equal(t, 5, cfg.Checkpoint.MaxCheckpoints)
	assert.Equal(t, 48*time.Hour, cfg.Checkpoint.DefaultTTL)
	assert.Equal(t, 4, cfg.Level1.MaxAttempts)
	assert.Equal(t, 100000, cfg.Tokens.MaxTokensPerPersona)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2, cfg.Level2.MaxAttempts)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte("level1:\n  max_attempts: 4\n"), 0o644))

	t.Setenv("MAESTRO_LEVEL1_MAX_ATTEMPTS", "7")
	t.Setenv("MAESTRO_LEVEL2_CIRCUIT_BREAKER_COOLDOWN_SECONDS", "60.5")
	t.Setenv("MAESTRO_TOKENS_ENFORCE_BUDGET", "false")
	t.Setenv("MAESTRO_CHECKPOINT_DEFAULT_TTL", "30m")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Level1.MaxAttempts)
	assert.Equal(t, 60.5, cfg.Level2.CircuitBreakerCooldownSeconds)
	assert.False(t, cfg.Tokens.EnforceBudget)
	assert.Equal(t, 30*time.Minute, cfg.Checkpoint.DefaultTTL)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/maestro.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Level1.MaxAttempts)
}

func TestLoader_InvalidValues(t *testing.T) {
	t.Setenv("MAESTRO_LEVEL1_MAX_ATTEMPTS", "0")
	_, err := NewLoader().Load()
	assert.ErrorContains(t, err, "level1.max_attempts")
}

func TestConfig_ComponentMappings(t *testing.T) {
	cfg := Default()

	exec := cfg.ExecutorConfig()
	assert.Equal(t, 3, exec.MaxAttempts)
	assert.Equal(t, time.Second, exec.Backoff.BaseDelay)
	assert.Equal(t, 30*time.Second, exec.Backoff.MaxDelay)

	brk := cfg.BreakerConfig()
	assert.Equal(t, 5, brk.Threshold)
	assert.Equal(t, 5*time.Minute, brk.Cooldown)

	saf := cfg.SafetyConfig()
	assert.Equal(t, 2, saf.MaxAttempts)
	assert.Equal(t, 3, saf.Level1MaxAttempts)
}

func TestConfig_BuildLogger(t *testing.T) {
	cfg := Default()
	logger, err := cfg.BuildLogger()
	require.NoError(t, err)
	logger.Sync()

	cfg.Log.Level = "not-a-level"
	_, err = cfg.BuildLogger()
	assert.Error(t, err)
}

func TestFileWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles: {}\n"), 0o644))

	changes := make(chan string, 4)
	w := NewFileWatcher(path, 10*time.Millisecond, func(p string) {
		changes <- p
	}, zap.NewNop())
	w.Start()
	defer w.Stop()

	// No callback for the pre-existing content.
	select {
	case <-changes:
		t.Fatal("unexpected change event at startup")
	case <-time.After(50 * time.Millisecond):
	}

	// Touch the file with a newer mtime.
	require.NoError(t, os.WriteFile(path, []byte("roles: {a: {}}\n"), 0o644))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case p := <-changes:
		assert.Equal(t, path, p)
	case <-time.After(2 * time.Second):
		t.Fatal("change event never arrived")
	}
}
