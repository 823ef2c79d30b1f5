// Package config loads the bulk-import configuration from a YAML file,
// with environment overrides for deployment knobs.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the storage server's stock settings.
const (
	DefaultMaxFileSize       = 1 << 30    // 1 GiB
	DefaultFreeSpaceMarginMB = 100        // kept free on the store path
	DefaultBufferSize        = 256 * 1024 // streaming read/write buffer
	DefaultWorkers           = 4
	DefaultIDGenAttempts     = 10
	DefaultSubdirCount       = 256
)

type Config struct {
	ServerID   uint32           `yaml:"server_id"`
	Group      GroupConfig      `yaml:"group"`
	Store      StoreConfig      `yaml:"store"`
	Import     ImportConfig     `yaml:"import"`
	Index      IndexConfig      `yaml:"index"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// GroupConfig is the fixed store target used when no tracker is reachable.
type GroupConfig struct {
	Name           string `yaml:"name"`
	StorePathIndex int    `yaml:"store_path_index"`
}

type StoreConfig struct {
	// Paths are the physical storage roots, indexed by store-path index.
	Paths             []string `yaml:"paths"`
	SubdirCount       int      `yaml:"subdir_count"`
	FreeSpaceMarginMB int64    `yaml:"free_space_margin_mb"`
}

type ImportConfig struct {
	// Roots restricts which source paths may be imported. Empty allows any.
	Roots         []string `yaml:"roots"`
	MaxFileSize   int64    `yaml:"max_file_size"`
	AllowSymlinks bool     `yaml:"allow_symlinks"`
	Workers       int      `yaml:"workers"`
	QueueSize     int      `yaml:"queue_size"`
	IDGenAttempts int      `yaml:"id_gen_attempts"`
	BufferSize    int      `yaml:"buffer_size"`
	SkipImported  bool     `yaml:"skip_imported"`
}

type IndexConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Load reads and validates the configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ServerID: 1,
		Import: ImportConfig{
			SkipImported: true,
		},
		Logging: LoggingConfig{Format: "text", Level: "info"},
	}
}

// applyEnv lets deployments override file-based settings without editing
// the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("FDFS_INDEX_PATH"); v != "" {
		c.Index.Path = v
	}
	if v := os.Getenv("FDFS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FDFS_IMPORT_WORKERS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.Import.Workers = parsed
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Store.SubdirCount <= 0 {
		c.Store.SubdirCount = DefaultSubdirCount
	}
	if c.Store.FreeSpaceMarginMB <= 0 {
		c.Store.FreeSpaceMarginMB = DefaultFreeSpaceMarginMB
	}
	if c.Import.MaxFileSize <= 0 {
		c.Import.MaxFileSize = DefaultMaxFileSize
	}
	if c.Import.Workers <= 0 {
		c.Import.Workers = DefaultWorkers
	}
	if c.Import.QueueSize <= 0 {
		c.Import.QueueSize = c.Import.Workers * 2
	}
	if c.Import.IDGenAttempts <= 0 {
		c.Import.IDGenAttempts = DefaultIDGenAttempts
	}
	if c.Import.BufferSize <= 0 {
		c.Import.BufferSize = DefaultBufferSize
	}
}

// Validate rejects configurations the importer cannot start with.
func (c *Config) Validate() error {
	if len(c.Store.Paths) == 0 {
		return fmt.Errorf("config: no store paths configured")
	}
	for i, p := range c.Store.Paths {
		if p == "" {
			return fmt.Errorf("config: store path %d is empty", i)
		}
	}
	if c.Store.SubdirCount > 256 {
		return fmt.Errorf("config: subdir_count %d exceeds 256", c.Store.SubdirCount)
	}
	if c.Index.Path == "" {
		return fmt.Errorf("config: index path not set")
	}
	return nil
}
