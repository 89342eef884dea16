package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "fleetcore:dispatch", cfg.RedisQueueName)
	assert.Equal(t, 60, cfg.SchedulerIntervalSeconds)
	assert.Equal(t, 3, cfg.FailureStreakThreshold)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetcore.yaml")
	raw, err := yaml.Marshal(map[string]any{
		"failure_streak_threshold": 5,
		"artifacts_root":           "/data/artifacts",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.FailureStreakThreshold)
	assert.Equal(t, "/data/artifacts", cfg.ArtifactsRoot)
	assert.Equal(t, "fleetcore:dispatch", cfg.RedisQueueName)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("FLEETCORE_FAILURE_STREAK_THRESHOLD", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.FailureStreakThreshold)
}
