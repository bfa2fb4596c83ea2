package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"SCOA_PORT", "SCOA_DB_PATH", "SCOA_MAX_BATCH_ROWS", "SCOA_ALLOWED_ORIGINS", "SCOA_SCHEDULER_ENABLED", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  read_timeout: 5s
database:
  path: /tmp/from-yaml.db
mapping:
  max_batch_rows: 250
scheduler:
  enabled: true
  interval: 10m
log:
  level: debug
  format: json
`), 0o600))

	clearEnv(t)
	t.Setenv("SCOA_DB_PATH", "/tmp/from-env.db")

	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 250, cfg.Mapping.MaxBatchRows)
	assert.Equal(t, "/tmp/from-env.db", cfg.Database.Path)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Mapping.PrefetchConcurrency, "unset keys keep defaults")
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SCOA_MAX_BATCH_ROWS=42\nSCOA_ALLOWED_ORIGINS=https://a.example, https://b.example\n"), 0o600))

	// godotenv does not override variables that are already set
	clearEnv(t)
	os.Unsetenv("SCOA_MAX_BATCH_ROWS")
	os.Unsetenv("SCOA_ALLOWED_ORIGINS")

	cfg, err := Load("", envFile)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Mapping.MaxBatchRows)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestLoad_MissingDotEnvIsFine(t *testing.T) {
	clearEnv(t)
	_, err := Load("", filepath.Join(t.TempDir(), "nope.env"))
	assert.NoError(t, err)
}

func TestLoad_MissingYAMLIsError(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}

func TestLoad_BadEnvNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCOA_PORT", "eighty")
	_, err := Load("", "")
	assert.ErrorContains(t, err, "SCOA_PORT")
}

func TestValidate_ReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Mapping.MaxBatchRows = 0
	cfg.Log.Format = "xml"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Server.Port")
	assert.Contains(t, err.Error(), "Config.Mapping.MaxBatchRows")
	assert.Contains(t, err.Error(), "Config.Log.Format")
}
