package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pharmadir.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ".", cfg.Paths.Root)
	assert.Equal(t, filepath.Join(".", "input"), cfg.Paths.InputDir)
	assert.Equal(t, filepath.Join(".", "archive"), cfg.Paths.ArchiveDir)
	assert.Equal(t, filepath.Join(".", "unzipped"), cfg.Paths.ScratchDir)
	assert.Equal(t, filepath.Join(".", "nppes_data.zip"), cfg.Paths.DownloadFile)
	assert.Equal(t, DefaultIndexURL, cfg.Source.IndexURL)
	assert.Equal(t, DefaultLinkText, cfg.Source.LinkText)
	assert.Equal(t, "Taxonomy Code", cfg.Filter.TaxonomyColumn)
	assert.Equal(t, DefaultBatchSize, cfg.Filter.BatchSize)
	assert.Equal(t, "npi_pharmacies", cfg.Output.Prefix)
	assert.Equal(t, RegistryCSV, cfg.Registry.Driver)
	assert.Equal(t, filepath.Join(".", "groups.csv"), cfg.Registry.Path)
	assert.Equal(t, SnapshotToday, cfg.Dashboard.Snapshot)
	assert.Equal(t, "127.0.0.1:8501", cfg.Server.Address())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.False(t, cfg.Archive.S3.Enabled)
	assert.Empty(t, cfg.Metrics.PushURL)
	assert.Equal(t, "pharmadir", cfg.Metrics.Job)
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
paths:
  root: /data/nppes
filter:
  batch_size: 1000
registry:
  driver: sqlite
server:
  port: 9000
  shutdown_timeout: 3s
archive:
  s3:
    enabled: true
    bucket: from-file
    region: us-east-1
`, 0o600)

	t.Setenv("PHARMADIR_SERVER_PORT", "9100")
	t.Setenv("PHARMADIR_ARCHIVE_S3_BUCKET", "from-env")
	t.Setenv("PHARMADIR_DASHBOARD_SNAPSHOT", "latest")
	t.Setenv("PHARMADIR_METRICS_PUSH_URL", "http://pushgateway:9091")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/nppes", cfg.Paths.Root)
	assert.Equal(t, filepath.Join("/data/nppes", "input"), cfg.Paths.InputDir)
	assert.Equal(t, 1000, cfg.Filter.BatchSize)
	assert.Equal(t, RegistrySQLite, cfg.Registry.Driver)
	assert.Equal(t, filepath.Join("/data/nppes", "groups.db"), cfg.Registry.Path)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "from-env", cfg.Archive.S3.Bucket)
	assert.Equal(t, SnapshotLatest, cfg.Dashboard.Snapshot)
	assert.Equal(t, "http://pushgateway:9091", cfg.Metrics.PushURL)
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	t.Run("explicit missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("world writable file", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server:\n  port: 1\n", 0o666))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insecure")
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: [", 0o600))
		assert.Error(t, err)
	})

	t.Run("invalid value", func(t *testing.T) {
		_, err := Load(writeConfig(t, "registry:\n  driver: postgres\n", 0o600))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry.driver")
	})
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"PHARMADIR_SERVER_PORT":             "server.port",
		"PHARMADIR_FILTER_BATCH_SIZE":       "filter.batch_size",
		"PHARMADIR_ARCHIVE_S3_SECRET_KEY":   "archive.s3.secret_key",
		"PHARMADIR_PATHS_ROOT":              "paths.root",
		"PHARMADIR_DASHBOARD_DISABLE_WATCH": "dashboard.disable_watch",
		"PHARMADIR_METRICS_PUSH_URL":        "metrics.push_url",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"batch size", func(c *Config) { c.Filter.BatchSize = -1 }, "filter.batch_size"},
		{"snapshot", func(c *Config) { c.Dashboard.Snapshot = "yesterday" }, "dashboard.snapshot"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"stable polls", func(c *Config) { c.Download.StablePolls = 0 }, "download.stable_polls"},
		{"push url", func(c *Config) { c.Metrics.PushURL = "pushgateway:9091" }, "metrics.push_url"},
		{"s3 bucket", func(c *Config) { c.Archive.S3 = S3Config{Enabled: true, Region: "r"} }, "archive.s3.bucket"},
		{"s3 keys", func(c *Config) {
			c.Archive.S3 = S3Config{Enabled: true, Bucket: "b", Region: "r", AccessKey: "a"}
		}, "secret_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
