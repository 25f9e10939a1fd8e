package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaultsPlusEnv(t *testing.T) {
	t.Setenv("LIGHTHOUSE_BROKER_SECRET", "test-secret")
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "test-secret", cfg.BrokerSecret)
	assert.Equal(t, int64(1<<20), cfg.MaxEventSize)
}

func TestLoadExpandsEnvInFile(t *testing.T) {
	t.Setenv("MY_SECRET", "from-env")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker_secret: ${MY_SECRET}\ndata_dir: "+dir+"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.BrokerSecret)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrMissingBrokerSecret)
}

func TestValidateRejectsBadElicitationTimeouts(t *testing.T) {
	cfg := Defaults()
	cfg.BrokerSecret = "s"
	cfg.ElicitationMaxTimeoutSeconds = 5
	cfg.ElicitationDefaultTimeoutSeconds = 30
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestRateLimitForFallsBackToDefault(t *testing.T) {
	cfg := Defaults()
	rl := cfg.RateLimitFor("unknown-role")
	assert.Equal(t, 10.0, rl.PerSecond)
	assert.Equal(t, 30, rl.Burst)
}
