package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"ADDRESS", "SECURE", "REQUEST_TIMEOUT", "MAX_WAIT", "DIAL_RETRY",
	"OUTPUT_DIR", "ROLES_PATH", "LOG_LEVEL", "LOG_FORMAT",
}

// clearEnv unsets every key for the duration of the test. A key that is set
// but empty does not fall back to its default.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		// Setenv restores the previous value on cleanup
		t.Setenv(Prefix+"_"+k, "")
		require.NoError(t, os.Unsetenv(Prefix+"_"+k))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8188", cfg.Address)
	assert.False(t, cfg.Secure)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Minute, cfg.MaxWait)
	assert.Equal(t, 3, cfg.DialRetry)
	assert.Equal(t, "output", cfg.OutputDir)
	assert.Empty(t, cfg.RolesPath)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMFYRUN_ADDRESS", "gpu-box:8188")
	t.Setenv("COMFYRUN_SECURE", "true")
	t.Setenv("COMFYRUN_MAX_WAIT", "90s")
	t.Setenv("COMFYRUN_LOG_LEVEL", "debug")
	t.Setenv("COMFYRUN_LOG_FORMAT", "json")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "gpu-box:8188", cfg.Address)
	assert.True(t, cfg.Secure)
	assert.Equal(t, 90*time.Second, cfg.MaxWait)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("COMFYRUN_OUTPUT_DIR=renders\nCOMFYRUN_DIAL_RETRY=0\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "renders", cfg.OutputDir)
	assert.Equal(t, 0, cfg.DialRetry)
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMFYRUN_MAX_WAIT", "-1s")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)

	t.Setenv("COMFYRUN_MAX_WAIT", "soon")
	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}
