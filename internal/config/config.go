// Package config provides unified configuration for all chronostat services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/chronostat/chronostat/pkg/types"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeAPI    Mode = "api"
	ModeWorker Mode = "worker"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "CHRONOSTAT_"

// Config holds the unified configuration for all chronostat services.
type Config struct {
	// Mode specifies which services to run: all, api, worker
	Mode Mode `json:"mode" yaml:"mode" env:"MODE"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir" env:"DATA_DIR"`

	HTTP      HTTPConfig      `json:"http" yaml:"http" envPrefix:"HTTP_"`
	GRPC      GRPCConfig      `json:"grpc" yaml:"grpc" envPrefix:"GRPC_"`
	Store     StoreConfig     `json:"store" yaml:"store" envPrefix:"STORE_"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" envPrefix:"CACHE_"`
	Redis     RedisConfig     `json:"redis" yaml:"redis" envPrefix:"REDIS_"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest" envPrefix:"INGEST_"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Archive   ArchiveConfig   `json:"archive" yaml:"archive" envPrefix:"ARCHIVE_"`
	Query     QueryConfig     `json:"query" yaml:"query" envPrefix:"QUERY_"`
	Log       LogConfig       `json:"log" yaml:"log" envPrefix:"LOG_"`
	Admin     AdminConfig     `json:"admin" yaml:"admin" envPrefix:"ADMIN_"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address for the read and admin API
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`

	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr" env:"ADDR"`
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
}

// StoreConfig selects and tunes the event store.
type StoreConfig struct {
	// Driver is sqlite or postgres
	Driver string `json:"driver" yaml:"driver" env:"DRIVER"`

	// Path is the SQLite database file (sqlite driver)
	Path string `json:"path" yaml:"path" env:"PATH"`

	// DSN is the PostgreSQL connection string (postgres driver)
	DSN string `json:"dsn" yaml:"dsn" env:"DSN"`

	// MaxOpenConns caps the read pool (sqlite) or the whole pool (postgres)
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

// CacheConfig tunes the time series result cache.
type CacheConfig struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl" env:"TTL"`
	MaxEntries    int           `json:"max_entries" yaml:"max_entries" env:"MAX_ENTRIES"`
	Shards        int           `json:"shards" yaml:"shards" env:"SHARDS"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval" env:"SWEEP_INTERVAL"`

	// Redis enables the shared second cache tier
	Redis bool `json:"redis" yaml:"redis" env:"REDIS"`
}

// RedisConfig holds the Redis connection used by the cache tier and the stream consumer.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"ADDR"`
	Password string `json:"password" yaml:"password" env:"PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"DB"`
}

// IngestConfig configures the Redis Streams event consumer.
type IngestConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Stream    string `json:"stream" yaml:"stream" env:"STREAM"`
	Group     string `json:"group" yaml:"group" env:"GROUP"`
	Consumer  string `json:"consumer" yaml:"consumer" env:"CONSUMER"`
	BatchSize int64  `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`

	// RetryInterval is the minimum wait before entries whose store failed
	// are read again.
	RetryInterval time.Duration `json:"retry_interval" yaml:"retry_interval" env:"RETRY_INTERVAL"`
}

// SchedulerConfig configures the daily materialization run.
type SchedulerConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// RunAt is the UTC time of day, HH:MM
	RunAt string `json:"run_at" yaml:"run_at" env:"RUN_AT"`
}

// ArchiveConfig configures snapshot archival to object storage.
type ArchiveConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Storage StorageConfig `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type" env:"TYPE"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path" env:"PATH"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3" envPrefix:"S3_"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket   string `json:"bucket" yaml:"bucket" env:"BUCKET"`
	Region   string `json:"region" yaml:"region" env:"REGION"`
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"ENDPOINT"`

	// Namespace is a key prefix inside the bucket
	Namespace string `json:"namespace" yaml:"namespace" env:"NAMESPACE"`
}

// QueryConfig holds validation settings.
type QueryConfig struct {
	// StrictAlignment rejects week spans that are not whole weeks and month
	// boundaries that are not on the 1st
	StrictAlignment bool `json:"strict_alignment" yaml:"strict_alignment" env:"STRICT_ALIGNMENT"`

	// EarliestEventDate is the first date materialization may start from (yyyy-MM-dd)
	EarliestEventDate string `json:"earliest_event_date" yaml:"earliest_event_date" env:"EARLIEST_EVENT_DATE"`
}

// LogConfig selects the zap logger flavour.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
}

// AdminConfig protects the administrative endpoints.
type AdminConfig struct {
	// Token is the bearer token required by admin endpoints; empty disables them
	Token string `json:"token" yaml:"token" env:"TOKEN"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/chronostat",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: false,
		},
		Store: StoreConfig{
			Driver:       "sqlite",
			MaxOpenConns: 4,
		},
		Cache: CacheConfig{
			TTL:           24 * time.Hour,
			MaxEntries:    10000,
			Shards:        16,
			SweepInterval: 10 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Ingest: IngestConfig{
			Stream:    "resource-events",
			Group:         "chronostat",
			BatchSize:     100,
			RetryInterval: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			RunAt:   "05:30",
		},
		Archive: ArchiveConfig{
			Storage: StorageConfig{Type: "local"},
		},
		Query: QueryConfig{
			EarliestEventDate: "2022-01-01",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/chronostat"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "chronostat.db")
	}
	if c.Archive.Storage.Type == "local" && c.Archive.Storage.Path == "" {
		c.Archive.Storage.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Ingest.Consumer == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Ingest.Consumer = host
		} else {
			c.Ingest.Consumer = "chronostat"
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeAPI, ModeWorker:
	default:
		return fmt.Errorf("invalid mode: %s (must be all, api, or worker)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid store driver: %s (must be sqlite or postgres)", c.Store.Driver)
	}

	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %v", c.Cache.TTL)
	}

	if c.Archive.Enabled {
		if c.Archive.Storage.Type != "local" && c.Archive.Storage.Type != "s3" {
			return fmt.Errorf("invalid archive storage type: %s (must be local or s3)", c.Archive.Storage.Type)
		}
		if c.Archive.Storage.Type == "s3" && c.Archive.Storage.S3.Bucket == "" {
			return fmt.Errorf("archive.storage.s3.bucket is required when storage type is s3")
		}
	}

	if _, _, err := c.Scheduler.ParseRunAt(); err != nil {
		return err
	}
	if _, err := c.Query.Earliest(); err != nil {
		return err
	}
	if c.Ingest.Enabled && c.Ingest.Stream == "" {
		return fmt.Errorf("ingest.stream is required when ingest is enabled")
	}

	return nil
}

// ParseRunAt returns the hour and minute of the daily run.
func (s SchedulerConfig) ParseRunAt() (int, int, error) {
	t, err := time.Parse("15:04", s.RunAt)
	if err != nil {
		return 0, 0, fmt.Errorf("scheduler.run_at must be HH:MM, got %q", s.RunAt)
	}
	return t.Hour(), t.Minute(), nil
}

// Earliest returns the earliest retained event date.
func (q QueryConfig) Earliest() (types.Date, error) {
	d, err := types.ParseDate(q.EarliestEventDate)
	if err != nil {
		return types.Date{}, fmt.Errorf("query.earliest_event_date: %w", err)
	}
	return d, nil
}

// ShouldRunAPI returns true if the HTTP and gRPC APIs should run.
func (c *Config) ShouldRunAPI() bool {
	return c.Mode == ModeAll || c.Mode == ModeAPI
}

// ShouldRunWorker returns true if the scheduler and the stream consumer should run.
func (c *Config) ShouldRunWorker() bool {
	return c.Mode == ModeAll || c.Mode == ModeWorker
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables prefixed with CHRONOSTAT_ onto cfg.
// Unset variables leave the current values untouched.
func LoadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Store.Driver == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}
	if c.Archive.Enabled && c.Archive.Storage.Type == "local" {
		dirs = append(dirs, c.Archive.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
