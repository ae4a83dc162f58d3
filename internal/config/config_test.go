package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout())
	assert.NotEmpty(t, cfg.DBPath)
	assert.Equal(t, "service.log", cfg.Logging.File)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
db_path: /var/lib/schedarray/jobs.db
max_workers: 8
poll_interval: 0.5
drain_timeout: 60
logging:
  file: sched.log
  max_size_mb: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/schedarray/jobs.db", cfg.DBPath)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, time.Minute, cfg.DrainTimeout())
	assert.Equal(t, "sched.log", cfg.Logging.File)
	assert.Equal(t, 50, cfg.Logging.MaxSizeMB)
	// Untouched keys keep their defaults.
	assert.Equal(t, 14, cfg.Logging.MaxAge)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"bad_workers": "max_workers: 0\n",
		"bad_poll":    "poll_interval: -1\n",
		"bad_drain":   "drain_timeout: -5\n",
		"bad_yaml":    "max_workers: [\n",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name+".yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		_, err := Load(path)
		assert.Error(t, err, name)
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxWorkers, cfg.MaxWorkers)

	cfg, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, Default().MaxWorkers, cfg.MaxWorkers)
}

func TestResolveDBPath(t *testing.T) {
	cfg := &Config{DBPath: "/from/config.db"}

	t.Setenv(EnvDBPath, "")
	assert.Equal(t, "/from/flag.db", ResolveDBPath("/from/flag.db", cfg))
	assert.Equal(t, "/from/config.db", ResolveDBPath("", cfg))

	t.Setenv(EnvDBPath, "/from/env.db")
	assert.Equal(t, "/from/env.db", ResolveDBPath("", cfg))
	assert.Equal(t, "/from/flag.db", ResolveDBPath("/from/flag.db", cfg))

	t.Setenv(EnvDBPath, "")
	assert.Equal(t, DefaultDBPath(), ResolveDBPath("", nil))
}
