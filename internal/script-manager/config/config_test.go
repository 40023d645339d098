package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultServerAddr, cfg.ServerAddr)
	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "./data/scripts", cfg.ScriptsBasePath)
	assert.Equal(t, "./data/scripts/library", cfg.LibraryDir())
	assert.Equal(t, "./data/scripts/templates", cfg.TemplatesDir())
	assert.True(t, cfg.CacheEnabled)
	assert.Equal(t, 60*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 100, cfg.CacheMaxSize)
	assert.Equal(t, 600*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, time.Minute, cfg.PollInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SCRIPT_CACHE_ENABLED", "false")
	t.Setenv("SCRIPT_CACHE_MAX_SIZE", "5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SCRIPTS_BASE_PATH", "/srv/scripts/")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.CacheEnabled)
	assert.Equal(t, 5, cfg.CacheMaxSize)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "/srv/scripts/library", cfg.LibraryDir())
}

func TestLoad_ConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "script-manager.yaml")
	require.NoError(t, os.WriteFile(file, []byte("SCRIPT_POLL_INTERVAL_SECONDS: 15\nDB_TYPE: mysql\n"), 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, "mysql", cfg.DBType)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("SCRIPT_CACHE_MAX_SIZE", "0")
	_, err := Load("")
	assert.Error(t, err)
}
