// Package config loads server configuration from YAML with environment-free
// defaults that run out of the box.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zumicdb/zumic/internal/aof"
	"github.com/zumicdb/zumic/internal/zdb"
)

// Config is the full server configuration tree.
type Config struct {
	Server     Server     `yaml:"server"`
	Storage    Storage    `yaml:"storage"`
	Compaction Compaction `yaml:"compaction"`
	Cluster    Cluster    `yaml:"cluster"`
	Logging    Logging    `yaml:"logging"`
}

// Server holds the listener settings.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage holds index and durability settings.
type Storage struct {
	DataDir   string `yaml:"data_dir"`
	NumShards int    `yaml:"num_shards"`

	// FsyncPolicy selects log durability: always | every_n | per_interval | no.
	// every_n takes its count from fsync_every_n, per_interval its period
	// from fsync_interval_ms.
	FsyncPolicy     string `yaml:"fsync_policy"`
	FsyncEveryN     int    `yaml:"fsync_every_n"`
	FsyncIntervalMS int    `yaml:"fsync_interval_ms"`

	FormatVersion uint16        `yaml:"format_version"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	MaxStringSize     uint64 `yaml:"max_string_size"`
	MaxCollectionSize uint64 `yaml:"max_collection_size"`
	MaxCompressedSize uint64 `yaml:"max_compressed_size"`
	MaxBitmapSize     uint64 `yaml:"max_bitmap_size"`
}

// Compaction holds snapshot thresholds.
type Compaction struct {
	MaxLogSize  int64         `yaml:"max_log_size"`
	MaxRecords  uint64        `yaml:"max_records"`
	MaxInterval time.Duration `yaml:"max_interval"`
	Retain      int           `yaml:"retain"`
	Compress    bool          `yaml:"compress"`
}

// Cluster holds slot routing and rebalancer settings.
type Cluster struct {
	Enabled         bool          `yaml:"enabled"`
	ImbalanceRatio  float64       `yaml:"imbalance_ratio"`
	HotKeyThreshold uint64        `yaml:"hot_key_threshold"`
	BatchSize       int           `yaml:"batch_size"`
	Interval        time.Duration `yaml:"interval"`
}

// Logging holds log output settings.
type Logging struct {
	Level       string `yaml:"level"` // debug | info | warn | error
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	limits := zdb.DefaultLimits()
	return Config{
		Server: Server{
			Addr:            ":7878",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: Storage{
			DataDir:           "./data",
			NumShards:         16,
			FsyncPolicy:       "per_interval",
			FsyncEveryN:       100,
			FsyncIntervalMS:   1000,
			FormatVersion:     uint16(zdb.CurrentVersion),
			SweepInterval:     10 * time.Second,
			MaxStringSize:     limits.MaxStringSize,
			MaxCollectionSize: limits.MaxCollectionSize,
			MaxCompressedSize: limits.MaxCompressedSize,
			MaxBitmapSize:     limits.MaxBitmapSize,
		},
		Compaction: Compaction{
			MaxLogSize:  64 * 1024 * 1024,
			MaxRecords:  100_000,
			MaxInterval: 5 * time.Minute,
			Retain:      3,
			Compress:    true,
		},
		Cluster: Cluster{
			Enabled:         false,
			ImbalanceRatio:  1.5,
			HotKeyThreshold: 100,
			BatchSize:       64,
			Interval:        30 * time.Second,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads YAML from path over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Storage.NumShards < 1 {
		return fmt.Errorf("storage.num_shards must be at least 1, got %d", c.Storage.NumShards)
	}
	switch c.Storage.FsyncPolicy {
	case "always", "no":
	case "every_n":
		if c.Storage.FsyncEveryN < 1 {
			return fmt.Errorf("storage.fsync_every_n must be at least 1, got %d", c.Storage.FsyncEveryN)
		}
	case "per_interval":
		if c.Storage.FsyncIntervalMS < 1 {
			return fmt.Errorf("storage.fsync_interval_ms must be at least 1, got %d", c.Storage.FsyncIntervalMS)
		}
	default:
		return fmt.Errorf("storage.fsync_policy must be always, every_n, per_interval, or no, got %q", c.Storage.FsyncPolicy)
	}
	if v := zdb.FormatVersion(c.Storage.FormatVersion); !v.Valid() {
		return fmt.Errorf("storage.format_version %d is unknown", c.Storage.FormatVersion)
	}
	if c.Compaction.Retain < 1 {
		return fmt.Errorf("compaction.retain must be at least 1, got %d", c.Compaction.Retain)
	}
	if c.Cluster.Enabled && c.Cluster.ImbalanceRatio <= 1.0 {
		return fmt.Errorf("cluster.imbalance_ratio must exceed 1.0, got %g", c.Cluster.ImbalanceRatio)
	}
	return nil
}

// SyncPolicy maps the fsync_policy string to the log writer's enum.
func (s Storage) SyncPolicy() aof.SyncPolicy {
	switch s.FsyncPolicy {
	case "always":
		return aof.SyncAlways
	case "every_n":
		return aof.SyncEveryN
	case "no":
		return aof.SyncNever
	default:
		return aof.SyncPerInterval
	}
}

// FsyncEvery returns the record count between fsyncs under every_n.
func (s Storage) FsyncEvery() int { return s.FsyncEveryN }

// FsyncInterval returns the fsync period under per_interval.
func (s Storage) FsyncInterval() time.Duration {
	return time.Duration(s.FsyncIntervalMS) * time.Millisecond
}

// Limits maps the configured caps to decode limits.
func (s Storage) Limits() zdb.Limits {
	return zdb.Limits{
		MaxStringSize:     s.MaxStringSize,
		MaxCollectionSize: s.MaxCollectionSize,
		MaxCompressedSize: s.MaxCompressedSize,
		MaxBitmapSize:     s.MaxBitmapSize,
	}
}
