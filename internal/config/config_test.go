package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 48*time.Hour, cfg.Retention.Hot)
	assert.Equal(t, 5, cfg.Retention.WarmMinImportance)
	assert.Equal(t, 5*time.Second, cfg.Writer.Timeout)
	assert.Less(t, cfg.Trust.QuickDelete, -cfg.Trust.HighValueWrite)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: /tmp/hub-test.db
webhook:
  max_attempts: 7
  base_delay: 250ms
`), 0o644))
	t.Setenv("MEMORY_HUB_SERVER_ADDR", "127.0.0.1:9999")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/hub-test.db", cfg.DB)
	assert.Equal(t, 7, cfg.Webhook.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Webhook.BaseDelay)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MEMORY_HUB_LOG_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("MEMORY_HUB_LOG_LEVEL") })

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadWindows(t *testing.T) {
	cfg := Default()
	cfg.Retention.Warm = cfg.Retention.Hot
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Trust.QuickDelete = 0.1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Retention.WarmMinImportance = 11
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsZeroBounds(t *testing.T) {
	cfg := Default()
	cfg.Trust.Initial = 0
	cfg.Retention.WarmMinImportance = 0
	assert.NoError(t, cfg.Validate())
}
