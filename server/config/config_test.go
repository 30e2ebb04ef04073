package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.True(t, cfg.Timeline.Enabled)
	assert.Equal(t, 1000, cfg.Timeline.BootstrapReplicates)
	assert.Equal(t, 0, cfg.Cache.InvalidationDelayMS)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
database:
  host: db.internal
  port: 5433
  database: perf
  user: bench
timeline:
  enabled: false
  bootstrap_replicates: 250
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "perf", cfg.Database.Database)
	assert.False(t, cfg.Timeline.Enabled)
	assert.Equal(t, 250, cfg.Timeline.BootstrapReplicates)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BENCHDB_DB_HOST", "pg.example.org")
	t.Setenv("BENCHDB_DB_PORT", "6432")
	t.Setenv("BENCHDB_TIMELINE_ENABLED", "false")
	t.Setenv("BENCHDB_BOOTSTRAP_REPLICATES", "100")
	t.Setenv("BENCHDB_CACHE_INVALIDATION_DELAY_MS", "2500")

	cfg, err := Load("", logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "pg.example.org", cfg.Database.Host)
	assert.Equal(t, 6432, cfg.Database.Port)
	assert.False(t, cfg.Timeline.Enabled)
	assert.Equal(t, 100, cfg.Timeline.BootstrapReplicates)
	assert.Equal(t, 2500, cfg.Cache.InvalidationDelayMS)
}

func TestEnvInvalidPort(t *testing.T) {
	t.Setenv("BENCHDB_DB_PORT", "not-a-port")

	_, err := Load("", logrus.New())
	assert.Error(t, err)
}

func TestValidateRejectsBadReplicates(t *testing.T) {
	cfg := Default()
	cfg.Timeline.BootstrapReplicates = 0
	assert.Error(t, cfg.Validate())
}

func TestConnectionString(t *testing.T) {
	cfg := Default()
	cfg.Database.Password = "secret"

	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=secret dbname=benchdb sslmode=disable",
		cfg.Database.ConnectionString())
}
