// Package config loads colstage configuration from environment variables and
// YAML files.
//
// Defaults come from DefaultConfig. A YAML file, if given, overrides the
// defaults, and COLSTAGE_* environment variables override both.
//
// Example Usage:
//
//	cfg, err := config.Load("./colstage.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	opts, _ := cfg.StagingOptions()
//	store, err := staging.Open(ctx, cfg.Staging.Dir, true, opts)
//
// Environment Variables:
//   - COLSTAGE_DIR="./stage"               staging store location
//   - COLSTAGE_TEMP_DIR=""                 parent of temporary stores
//   - COLSTAGE_BULK_COMMIT_SIZE=50000      records per bulk SQL transaction
//   - COLSTAGE_LOOKUP_WINDOW=50000         nodes per lookup index window
//   - COLSTAGE_LOW_MEMORY=true             memory-constrained BadgerDB
//   - COLSTAGE_SYNC_WRITES=false           fsync graph writes
//   - COLSTAGE_BATCH_SIZE=10000            resolver window size
//   - COLSTAGE_TIE_BREAK="first"           first or last
//   - COLSTAGE_COMPRESSION="zstd"          none, lz4 or zstd
//   - COLSTAGE_BADGER_LOG_LEVEL="WARNING"  DEBUG, INFO, WARNING, ERROR, OFF
//   - COLSTAGE_LOG_OUTPUT="stderr"         stderr, stdout or a file path
//   - COLSTAGE_POOL_ENABLED=true
//   - COLSTAGE_POOL_MAX_SIZE=4096
//   - COLSTAGE_MEMORY_LIMIT="0"            soft memory limit, e.g. 2GB
//   - COLSTAGE_GC_PERCENT=100
package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/CatalogueOfLife/backend-sub024/pkg/pool"
	"github.com/CatalogueOfLife/backend-sub024/pkg/resolver"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
	"github.com/CatalogueOfLife/backend-sub024/pkg/storage"
)

// Config holds all colstage configuration.
type Config struct {
	Staging  StagingConfig  `yaml:"staging"`
	Resolver ResolverConfig `yaml:"resolver"`
	Codec    CodecConfig    `yaml:"codec"`
	Logging  LoggingConfig  `yaml:"logging"`
	Pool     PoolConfig     `yaml:"pool"`
	Memory   MemoryConfig   `yaml:"memory"`
}

// StagingConfig holds staging store settings.
type StagingConfig struct {
	// Dir is the store location used by the CLI. Empty means a temporary store.
	Dir            string `yaml:"dir"`
	TempDir        string `yaml:"temp_dir"`
	BulkCommitSize int    `yaml:"bulk_commit_size"`
	LookupWindow   int    `yaml:"lookup_window"`
	LowMemory      bool   `yaml:"low_memory"`
	SyncWrites     bool   `yaml:"sync_writes"`
}

// ResolverConfig holds relation resolver settings.
type ResolverConfig struct {
	BatchSize int `yaml:"batch_size"`
	// TieBreak is "first" or "last".
	TieBreak string `yaml:"tie_break"`
}

// CodecConfig holds record payload settings.
type CodecConfig struct {
	// Compression is "none", "lz4" or "zstd".
	Compression string `yaml:"compression"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// BadgerLevel filters BadgerDB's internal log (DEBUG, INFO, WARNING, ERROR, OFF).
	BadgerLevel string `yaml:"badger_level"`
	// Output is stderr, stdout or a file path.
	Output string `yaml:"output"`
}

// PoolConfig mirrors pool.PoolConfig.
type PoolConfig struct {
	Enabled bool `yaml:"enabled"`
	MaxSize int  `yaml:"max_size"`
}

// MemoryConfig holds Go runtime memory settings.
type MemoryConfig struct {
	// Limit is a human-readable soft memory limit ("2GB", "512MiB"). "0" or
	// empty means unlimited.
	Limit     string `yaml:"limit"`
	GCPercent int    `yaml:"gc_percent"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Staging: StagingConfig{
			Dir:            "",
			BulkCommitSize: staging.DefaultBulkCommitSize,
			LookupWindow:   staging.DefaultLookupWindow,
			LowMemory:      true,
		},
		Resolver: ResolverConfig{
			BatchSize: staging.DefaultBatchSize,
			TieBreak:  "first",
		},
		Codec:   CodecConfig{Compression: "zstd"},
		Logging: LoggingConfig{BadgerLevel: "WARNING", Output: "stderr"},
		Pool:    PoolConfig{Enabled: true, MaxSize: 4096},
		Memory:  MemoryConfig{Limit: "0", GCPercent: 100},
	}
}

// LoadFromEnv returns the defaults overridden by COLSTAGE_* variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// LoadFromFile returns the defaults overridden by a YAML file. Keys missing
// from the file keep their default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads the YAML file at path, if path is not empty, and then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Staging.Dir = getEnv("COLSTAGE_DIR", c.Staging.Dir)
	c.Staging.TempDir = getEnv("COLSTAGE_TEMP_DIR", c.Staging.TempDir)
	c.Staging.BulkCommitSize = getEnvInt("COLSTAGE_BULK_COMMIT_SIZE", c.Staging.BulkCommitSize)
	c.Staging.LookupWindow = getEnvInt("COLSTAGE_LOOKUP_WINDOW", c.Staging.LookupWindow)
	c.Staging.LowMemory = getEnvBool("COLSTAGE_LOW_MEMORY", c.Staging.LowMemory)
	c.Staging.SyncWrites = getEnvBool("COLSTAGE_SYNC_WRITES", c.Staging.SyncWrites)

	c.Resolver.BatchSize = getEnvInt("COLSTAGE_BATCH_SIZE", c.Resolver.BatchSize)
	c.Resolver.TieBreak = getEnv("COLSTAGE_TIE_BREAK", c.Resolver.TieBreak)

	c.Codec.Compression = getEnv("COLSTAGE_COMPRESSION", c.Codec.Compression)

	c.Logging.BadgerLevel = getEnv("COLSTAGE_BADGER_LOG_LEVEL", c.Logging.BadgerLevel)
	c.Logging.Output = getEnv("COLSTAGE_LOG_OUTPUT", c.Logging.Output)

	c.Pool.Enabled = getEnvBool("COLSTAGE_POOL_ENABLED", c.Pool.Enabled)
	c.Pool.MaxSize = getEnvInt("COLSTAGE_POOL_MAX_SIZE", c.Pool.MaxSize)

	c.Memory.Limit = getEnv("COLSTAGE_MEMORY_LIMIT", c.Memory.Limit)
	c.Memory.GCPercent = getEnvInt("COLSTAGE_GC_PERCENT", c.Memory.GCPercent)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Staging.BulkCommitSize <= 0 {
		return fmt.Errorf("invalid bulk commit size: %d", c.Staging.BulkCommitSize)
	}
	if c.Staging.LookupWindow <= 0 {
		return fmt.Errorf("invalid lookup window: %d", c.Staging.LookupWindow)
	}
	if c.Resolver.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size: %d", c.Resolver.BatchSize)
	}
	if _, err := resolver.ParseTieBreak(c.Resolver.TieBreak); err != nil {
		return err
	}
	if _, err := storage.ParseCompression(c.Codec.Compression); err != nil {
		return err
	}
	if c.Pool.Enabled && c.Pool.MaxSize <= 0 {
		return fmt.Errorf("invalid pool max size: %d", c.Pool.MaxSize)
	}
	if _, err := c.Memory.limitBytes(); err != nil {
		return err
	}
	return nil
}

// StagingOptions converts the configuration into staging store options.
func (c *Config) StagingOptions() (staging.Options, error) {
	compression, err := storage.ParseCompression(c.Codec.Compression)
	if err != nil {
		return staging.Options{}, err
	}
	return staging.Options{
		Compression:    compression,
		BulkCommitSize: c.Staging.BulkCommitSize,
		LookupWindow:   c.Staging.LookupWindow,
		LowMemory:      c.Staging.LowMemory,
		SyncWrites:     c.Staging.SyncWrites,
		BadgerLogLevel: storage.ParseLogLevel(c.Logging.BadgerLevel),
		TempDir:        c.Staging.TempDir,
	}, nil
}

// ResolverOptions converts the configuration into resolver options.
func (c *Config) ResolverOptions() (resolver.Options, error) {
	tb, err := resolver.ParseTieBreak(c.Resolver.TieBreak)
	if err != nil {
		return resolver.Options{}, err
	}
	return resolver.Options{BatchSize: c.Resolver.BatchSize, TieBreak: tb}, nil
}

// ApplyPool configures the global object pools.
func (c *Config) ApplyPool() {
	pool.Configure(pool.PoolConfig{Enabled: c.Pool.Enabled, MaxSize: c.Pool.MaxSize})
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	dir := c.Staging.Dir
	if dir == "" {
		dir = "<temporary>"
	}
	return fmt.Sprintf(
		"Config{Dir: %s, Compression: %s, BatchSize: %d, TieBreak: %s, LowMemory: %v, MemoryLimit: %s}",
		dir, c.Codec.Compression, c.Resolver.BatchSize, c.Resolver.TieBreak,
		c.Staging.LowMemory, c.Memory.Limit,
	)
}

// OpenOutput redirects the standard logger to the configured output and
// returns a function restoring it.
func (c *LoggingConfig) OpenOutput() (func() error, error) {
	var (
		w      io.Writer
		closer io.Closer
	)
	switch strings.ToLower(c.Output) {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log output: %w", err)
		}
		w, closer = f, f
	}
	prev := log.Writer()
	log.SetOutput(w)
	return func() error {
		log.SetOutput(prev)
		if closer != nil {
			return closer.Close()
		}
		return nil
	}, nil
}

func (c *MemoryConfig) limitBytes() (uint64, error) {
	s := strings.TrimSpace(c.Limit)
	if s == "" || s == "0" || strings.EqualFold(s, "unlimited") {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", c.Limit, err)
	}
	return n, nil
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if n, err := c.limitBytes(); err == nil && n > 0 {
		debug.SetMemoryLimit(int64(n))
	}
	if c.GCPercent > 0 && c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}
