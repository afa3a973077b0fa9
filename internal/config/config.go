// Package config loads pharmadir configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, and PHARMADIR_* environment variables. Paths that are left
// empty are derived from paths.root.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Config holds the complete pharmadir configuration.
type Config struct {
	Paths     PathsConfig     `koanf:"paths"`
	Source    SourceConfig    `koanf:"source"`
	Download  DownloadConfig  `koanf:"download"`
	Filter    FilterConfig    `koanf:"filter"`
	Output    OutputConfig    `koanf:"output"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Registry  RegistryConfig  `koanf:"registry"`
	Server    ServerConfig    `koanf:"server"`
	Dashboard DashboardConfig `koanf:"dashboard"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// PathsConfig locates the working tree of a run.
type PathsConfig struct {
	Root         string `koanf:"root"`
	InputDir     string `koanf:"input_dir"`
	ArchiveDir   string `koanf:"archive_dir"`
	ScratchDir   string `koanf:"scratch_dir"`
	DownloadFile string `koanf:"download_file"`
}

// SourceConfig says where the dissemination archive is published.
type SourceConfig struct {
	IndexURL string `koanf:"index_url"`
	LinkText string `koanf:"link_text"`

	// URL pins the archive location and skips index page discovery.
	URL string `koanf:"url"`
}

// DownloadConfig tunes the archive download.
type DownloadConfig struct {
	Timeout      Duration `koanf:"timeout"`
	PollInterval Duration `koanf:"poll_interval"`
	StablePolls  int      `koanf:"stable_polls"`
	UserAgent    string   `koanf:"user_agent"`
}

// FilterConfig configures the record filter.
type FilterConfig struct {
	TaxonomyFile   string `koanf:"taxonomy_file"`
	TaxonomyColumn string `koanf:"taxonomy_column"`
	BatchSize      int    `koanf:"batch_size"`
}

// OutputConfig locates Directory Store snapshots.
type OutputConfig struct {
	Dir    string `koanf:"dir"`
	Prefix string `koanf:"prefix"`
}

// ArchiveConfig configures archival of consumed inputs.
type ArchiveConfig struct {
	S3 S3Config `koanf:"s3"`
}

// S3Config configures the optional S3 mirror of archived inputs.
type S3Config struct {
	Enabled      bool   `koanf:"enabled"`
	Bucket       string `koanf:"bucket"`
	Prefix       string `koanf:"prefix"`
	Region       string `koanf:"region"`
	Endpoint     string `koanf:"endpoint"`
	UsePathStyle bool   `koanf:"use_path_style"`
	AccessKey    string `koanf:"access_key"`
	SecretKey    Secret `koanf:"secret_key"`

	// PartSize is the multipart chunk size in bytes; 0 uses the mirror default.
	PartSize int64 `koanf:"part_size"`
}

// RegistryConfig selects the Group Registry backend.
type RegistryConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// ServerConfig holds dashboard HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DashboardConfig controls which snapshot the dashboard serves.
type DashboardConfig struct {
	Snapshot     string `koanf:"snapshot"`
	DisableWatch bool   `koanf:"disable_watch"`
}

// MetricsConfig configures delivery of pipeline run metrics. A run exits
// before any scrape, so its metrics are pushed to a Pushgateway instead.
type MetricsConfig struct {
	PushURL string `koanf:"push_url"`
	Job     string `koanf:"job"`
}

// LoggingConfig is the file/env form of logging.Config.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	File     string `koanf:"file"`
	Sampling bool   `koanf:"sampling"`
}

// Registry drivers.
const (
	RegistryCSV    = "csv"
	RegistrySQLite = "sqlite"
)

// Dashboard snapshot modes.
const (
	SnapshotToday  = "today"
	SnapshotLatest = "latest"
)

// Defaults.
const (
	DefaultIndexURL  = "https://download.cms.gov/nppes/NPI_Files.html"
	DefaultLinkText  = "NPPES Data Dissemination V.2"
	DefaultBatchSize = 500000
	DefaultPort      = 8501
)

// Address returns host:port for the dashboard listener.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if c.Filter.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("filter.batch_size must be > 0, got %d", c.Filter.BatchSize))
	}
	if c.Source.URL == "" && c.Source.IndexURL == "" {
		errs = append(errs, errors.New("source.url or source.index_url is required"))
	}
	if c.Download.StablePolls < 1 {
		errs = append(errs, fmt.Errorf("download.stable_polls must be >= 1, got %d", c.Download.StablePolls))
	}
	switch c.Registry.Driver {
	case RegistryCSV, RegistrySQLite:
	default:
		errs = append(errs, fmt.Errorf("registry.driver must be %q or %q, got %q", RegistryCSV, RegistrySQLite, c.Registry.Driver))
	}
	switch c.Dashboard.Snapshot {
	case SnapshotToday, SnapshotLatest:
	default:
		errs = append(errs, fmt.Errorf("dashboard.snapshot must be %q or %q, got %q", SnapshotToday, SnapshotLatest, c.Dashboard.Snapshot))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if c.Metrics.PushURL != "" {
		if u, err := url.Parse(c.Metrics.PushURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("metrics.push_url must be an http(s) URL, got %q", c.Metrics.PushURL))
		}
	}
	if s3 := c.Archive.S3; s3.Enabled {
		if s3.Bucket == "" {
			errs = append(errs, errors.New("archive.s3.bucket is required when the mirror is enabled"))
		}
		if s3.Region == "" {
			errs = append(errs, errors.New("archive.s3.region is required when the mirror is enabled"))
		}
		if (s3.AccessKey == "") != !s3.SecretKey.IsSet() {
			errs = append(errs, errors.New("archive.s3.access_key and archive.s3.secret_key must be set together"))
		}
	}

	return errors.Join(errs...)
}

// applyDefaults fills unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Paths.Root == "" {
		cfg.Paths.Root = "."
	}
	root := cfg.Paths.Root
	if cfg.Paths.InputDir == "" {
		cfg.Paths.InputDir = filepath.Join(root, "input")
	}
	if cfg.Paths.ArchiveDir == "" {
		cfg.Paths.ArchiveDir = filepath.Join(root, "archive")
	}
	if cfg.Paths.ScratchDir == "" {
		cfg.Paths.ScratchDir = filepath.Join(root, "unzipped")
	}
	if cfg.Paths.DownloadFile == "" {
		cfg.Paths.DownloadFile = filepath.Join(root, "nppes_data.zip")
	}

	if cfg.Source.IndexURL == "" {
		cfg.Source.IndexURL = DefaultIndexURL
	}
	if cfg.Source.LinkText == "" {
		cfg.Source.LinkText = DefaultLinkText
	}

	if cfg.Download.Timeout == 0 {
		cfg.Download.Timeout = Duration(2 * time.Hour)
	}
	if cfg.Download.PollInterval == 0 {
		cfg.Download.PollInterval = Duration(2 * time.Second)
	}
	if cfg.Download.StablePolls == 0 {
		cfg.Download.StablePolls = 2
	}
	if cfg.Download.UserAgent == "" {
		cfg.Download.UserAgent = "pharmadir"
	}

	if cfg.Filter.TaxonomyFile == "" {
		cfg.Filter.TaxonomyFile = filepath.Join(root, "taxonomy.csv")
	}
	if cfg.Filter.TaxonomyColumn == "" {
		cfg.Filter.TaxonomyColumn = "Taxonomy Code"
	}
	if cfg.Filter.BatchSize == 0 {
		cfg.Filter.BatchSize = DefaultBatchSize
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = root
	}
	if cfg.Output.Prefix == "" {
		cfg.Output.Prefix = "npi_pharmacies"
	}

	if cfg.Registry.Driver == "" {
		cfg.Registry.Driver = RegistryCSV
	}
	if cfg.Registry.Path == "" {
		name := "groups.csv"
		if cfg.Registry.Driver == RegistrySQLite {
			name = "groups.db"
		}
		cfg.Registry.Path = filepath.Join(root, name)
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Dashboard.Snapshot == "" {
		cfg.Dashboard.Snapshot = SnapshotToday
	}

	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = "pharmadir"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
