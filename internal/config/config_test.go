package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "data/examslots.db", cfg.Database.Path)
	assert.Equal(t, filepath.Join("data", "backups"), cfg.Backup.StoragePath)
	assert.Equal(t, 10, cfg.ReferenceAttempts())
	assert.Equal(t, 60, cfg.Granularity())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
	assert.Equal(t, 24*time.Hour, cfg.Backup.IntervalOrDefault())
	assert.Equal(t, time.UTC, cfg.TimeZone())
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("EXAMSLOTS_TEST_KEY", "secret-key")

	cfg, err := Parse([]byte(`
admin:
  api_keys: ["${EXAMSLOTS_TEST_KEY}"]
booking:
  reference_attempts: 3
  granularity_minutes: 30
backup:
  enabled: true
  interval_hours: 6
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"secret-key"}, cfg.Admin.APIKeys)
	assert.Equal(t, 3, cfg.ReferenceAttempts())
	assert.Equal(t, 30, cfg.Granularity())
	assert.True(t, cfg.Backup.Enabled)
	assert.Equal(t, 6*time.Hour, cfg.Backup.IntervalOrDefault())
}

func TestParse_BadTimeZone(t *testing.T) {
	_, err := Parse([]byte("location:\n  time_zone: Mars/Olympus\n"))
	assert.Error(t, err)
}

func TestLoad_FromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":9999\"\n"), 0o600))
	t.Setenv(PathEnv, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
