package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PHARMADIR_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// nestedSections lists sub-sections whose env names need a second split,
// e.g. PHARMADIR_ARCHIVE_S3_BUCKET -> archive.s3.bucket.
var nestedSections = map[string][]string{
	"archive": {"s3"},
}

// Load reads configuration from the YAML file at configPath, then applies
// environment overrides, defaults and validation.
//
// When configPath is empty, ./pharmadir.yaml and then
// ~/.config/pharmadir/config.yaml are tried; neither has to exist. An
// explicit configPath that does not exist is an error.
//
// Environment variables are uppercased, prefixed with PHARMADIR_ and split
// on the first underscore after the prefix:
//
//	PHARMADIR_SERVER_PORT        -> server.port
//	PHARMADIR_FILTER_BATCH_SIZE  -> filter.batch_size
//	PHARMADIR_ARCHIVE_S3_BUCKET  -> archive.s3.bucket
//
// The config file must not be group or world writable because it can hold
// the S3 secret key.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	path, explicit := configPath, configPath != ""
	if !explicit {
		path = defaultConfigPath()
	}

	if path != "" {
		content, err := readConfigFile(path)
		switch {
		case err == nil:
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps PHARMADIR_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	for _, sub := range nestedSections[section] {
		if rest, ok := strings.CutPrefix(field, sub+"_"); ok {
			return section + "." + sub + "." + rest
		}
	}
	return section + "." + field
}

func defaultConfigPath() string {
	if _, err := os.Stat("pharmadir.yaml"); err == nil {
		return "pharmadir.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pharmadir", "config.yaml")
}

// readConfigFile opens path once and validates it through the open
// descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o022 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (must not be group or world writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
