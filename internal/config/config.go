package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
	Pager    PagerConfig    `yaml:"pager"`
	Images   ImagesConfig   `yaml:"images"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
}

// DatabaseConfig contains local mirror settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig points the engine at the remote document store.
type RemoteConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"-"` // env-only, never in YAML
	RequestTimeout Duration `yaml:"request_timeout"`
	// Watch subscribes to the remote change feed.
	Watch bool `yaml:"watch"`
	// Offline runs without any remote; writes queue in the sync log.
	Offline bool `yaml:"offline"`
}

// SyncConfig tunes the sync engine and the retention sweep.
type SyncConfig struct {
	Interval          Duration `yaml:"interval"`
	Workers           int      `yaml:"workers"`
	MaxRetries        int      `yaml:"max_retries"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffMax        Duration `yaml:"backoff_max"`
	PullBatchSize     int      `yaml:"pull_batch_size"`
	PullRetryAttempts int      `yaml:"pull_retry_attempts"`
	// StaleAfter is the age of the last successful cycle after which a read
	// triggers a pull.
	StaleAfter        Duration `yaml:"stale_after"`
	Retention         Duration `yaml:"retention"`
	RetentionInterval Duration `yaml:"retention_interval"`
}

// CacheConfig contains query cache settings.
type CacheConfig struct {
	Capacity      int      `yaml:"capacity"`
	DefaultTTL    Duration `yaml:"default_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// PagerConfig contains remote pagination settings.
type PagerConfig struct {
	PageSize  int  `yaml:"page_size"`
	Lookahead bool `yaml:"lookahead"`
}

// ImagesConfig contains image blob cache settings. An empty Bucket keeps the
// cache local-only: rows are mirrored but blobs are never downloaded.
type ImagesConfig struct {
	Dir              string   `yaml:"dir"`
	BudgetBytes      int64    `yaml:"budget_bytes"`
	EvictionInterval Duration `yaml:"eviction_interval"`
	Bucket           string   `yaml:"bucket"`
	Endpoint         string   `yaml:"endpoint"`
	Region           string   `yaml:"region"`
	AccessKey        string   `yaml:"access_key"`
	SecretKey        string   `yaml:"-"` // env-only, never in YAML
	UseSSL           *bool    `yaml:"use_ssl"`
}

// LogConfig contains logging settings. When File is set, output is written
// there and rotated.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ServerConfig contains settings for the development remote server.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load loads configuration with precedence: defaults → YAML file → env vars.
// The file path comes from HERITAGE_CONFIG_PATH; a missing file is not an
// error.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("HERITAGE_CONFIG_PATH", "config/heritage.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServer loads configuration for the development remote server, which
// never talks to a remote itself. An empty path falls back to
// HERITAGE_CONFIG_PATH, where a missing file is not an error.
func LoadServer(path string) (*Config, error) {
	cfg := newDefaults()

	if path == "" {
		if err := loadYAMLFile(cfg, getEnv("HERITAGE_CONFIG_PATH", "config/heritage.yaml")); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.Remote.Offline = true

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration, before any file or env
// overrides.
func Default() *Config { return newDefaults() }

func newDefaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "data/heritage.db",
		},
		Remote: RemoteConfig{
			RequestTimeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			Interval:          Duration(5 * time.Minute),
			Workers:           4,
			MaxRetries:        5,
			BackoffBase:       Duration(2 * time.Second),
			BackoffMax:        Duration(5 * time.Minute),
			PullBatchSize:     100,
			PullRetryAttempts: 3,
			StaleAfter:        Duration(15 * time.Minute),
			Retention:         Duration(30 * 24 * time.Hour),
			RetentionInterval: Duration(1 * time.Hour),
		},
		Cache: CacheConfig{
			Capacity:      50,
			DefaultTTL:    Duration(5 * time.Minute),
			SweepInterval: Duration(1 * time.Minute),
		},
		Pager: PagerConfig{
			PageSize: 20,
		},
		Images: ImagesConfig{
			Dir:              "data/images",
			BudgetBytes:      256 << 20,
			EvictionInterval: Duration(30 * time.Minute),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Database
	envString("HERITAGE_DB_PATH", &cfg.Database.Path)

	// Remote
	envString("HERITAGE_REMOTE_URL", &cfg.Remote.BaseURL)
	envString("HERITAGE_API_KEY", &cfg.Remote.APIKey)
	envDuration("HERITAGE_REQUEST_TIMEOUT", &cfg.Remote.RequestTimeout)
	envBool("HERITAGE_WATCH", &cfg.Remote.Watch)
	envBool("HERITAGE_OFFLINE", &cfg.Remote.Offline)

	// Sync
	envDuration("HERITAGE_SYNC_INTERVAL", &cfg.Sync.Interval)
	envInt("HERITAGE_SYNC_WORKERS", &cfg.Sync.Workers)
	envInt("HERITAGE_SYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)
	envDuration("HERITAGE_BACKOFF_BASE", &cfg.Sync.BackoffBase)
	envDuration("HERITAGE_BACKOFF_MAX", &cfg.Sync.BackoffMax)
	envInt("HERITAGE_PULL_BATCH_SIZE", &cfg.Sync.PullBatchSize)
	envDuration("HERITAGE_STALE_AFTER", &cfg.Sync.StaleAfter)
	envDuration("HERITAGE_RETENTION", &cfg.Sync.Retention)

	// Cache
	envInt("HERITAGE_CACHE_CAPACITY", &cfg.Cache.Capacity)
	envDuration("HERITAGE_CACHE_TTL", &cfg.Cache.DefaultTTL)

	// Pager
	envInt("HERITAGE_PAGE_SIZE", &cfg.Pager.PageSize)

	// Images
	envString("HERITAGE_IMAGES_DIR", &cfg.Images.Dir)
	if v := os.Getenv("HERITAGE_IMAGES_BUDGET"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Images.BudgetBytes = n
		}
	}
	envString("HERITAGE_IMAGES_BUCKET", &cfg.Images.Bucket)
	envString("HERITAGE_S3_ENDPOINT", &cfg.Images.Endpoint)
	envString("HERITAGE_S3_REGION", &cfg.Images.Region)
	envString("HERITAGE_S3_ACCESS_KEY", &cfg.Images.AccessKey)
	envString("HERITAGE_S3_SECRET_KEY", &cfg.Images.SecretKey)
	if v := os.Getenv("HERITAGE_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Images.UseSSL = &useSSL
	}

	// Log
	envString("HERITAGE_LOG_LEVEL", &cfg.Log.Level)
	envString("HERITAGE_LOG_FORMAT", &cfg.Log.Format)
	envString("HERITAGE_LOG_FILE", &cfg.Log.File)

	// Server
	envInt("HERITAGE_PORT", &cfg.Server.Port)
	envString("HERITAGE_SERVER_API_KEY", &cfg.Server.APIKey)
}

// validate rejects settings the engine cannot run with.
func (c *Config) validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if !c.Remote.Offline && c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required unless remote.offline is set")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync backoff must satisfy 0 < backoff_base <= backoff_max, got %s and %s",
			c.Sync.BackoffBase.Std(), c.Sync.BackoffMax.Std())
	}
	for name, d := range map[string]Duration{
		"sync.interval":            c.Sync.Interval,
		"sync.retention_interval":  c.Sync.RetentionInterval,
		"cache.sweep_interval":     c.Cache.SweepInterval,
		"images.eviction_interval": c.Images.EvictionInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d.Std())
		}
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be at least 1, got %d", c.Cache.Capacity)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
