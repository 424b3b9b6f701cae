// Package config defines the tunables the storage core consumes from its
// embedding application: page geometry, buffer pool capacity, WAL placement
// and durability policy, plus logging and telemetry settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/d-bee/dbee/pkg/logger"
	"github.com/d-bee/dbee/pkg/telemetry"
)

// Fsync policies for the write-ahead log.
const (
	// FsyncAlways syncs the log file on every flush request.
	FsyncAlways = "always"
	// FsyncGrouped syncs once per flush batch, letting concurrent commits
	// share a single sync (group commit). This is the default.
	FsyncGrouped = "grouped"
	// FsyncNever skips syncing entirely. Only safe for tests.
	FsyncNever = "never"
)

const (
	DefaultPageSize       = 4096
	DefaultPoolSize       = 256
	DefaultWALSegmentSize = 16 * 1024 * 1024
	DefaultWALBufferSize  = 64 * 1024
)

// Config holds every tunable the storage core consumes.
type Config struct {
	// DataDir is the directory holding the data file and WAL segments.
	DataDir string `yaml:"data_dir"`
	// PageSize is the fixed on-disk page size in bytes.
	PageSize int `yaml:"page_size"`
	// PoolSize is the buffer pool capacity in frames.
	PoolSize int `yaml:"pool_size"`
	// WALSegmentSize is the rotation threshold for WAL segment files, bytes.
	WALSegmentSize int64 `yaml:"wal_segment_size"`
	// WALBufferSize is the in-memory WAL append buffer size, bytes.
	WALBufferSize int `yaml:"wal_buffer_size"`
	// FsyncPolicy is one of "always", "grouped", "never".
	FsyncPolicy string `yaml:"fsync_policy"`

	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a Config with production defaults rooted at dataDir.
func Default(dataDir string) Config {
	return Config{
		DataDir:        dataDir,
		PageSize:       DefaultPageSize,
		PoolSize:       DefaultPoolSize,
		WALSegmentSize: DefaultWALSegmentSize,
		WALBufferSize:  DefaultWALBufferSize,
		FsyncPolicy:    FsyncGrouped,
		Logging:        logger.Config{Level: "info", Format: "json", OutputFile: "stderr"},
		Telemetry:      telemetry.Config{Enabled: false, ServiceName: "dbee"},
	}
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (Config, error) {
	cfg := Default("")
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the storage core cannot honor.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.PageSize < 512 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page_size must be a power of two >= 512, got %d", c.PageSize)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	if c.WALBufferSize <= 0 {
		return fmt.Errorf("wal_buffer_size must be positive, got %d", c.WALBufferSize)
	}
	if c.WALSegmentSize < int64(c.WALBufferSize) {
		return fmt.Errorf("wal_segment_size (%d) must be >= wal_buffer_size (%d)", c.WALSegmentSize, c.WALBufferSize)
	}
	switch c.FsyncPolicy {
	case FsyncAlways, FsyncGrouped, FsyncNever:
	default:
		return fmt.Errorf("unknown fsync_policy %q", c.FsyncPolicy)
	}
	return nil
}
