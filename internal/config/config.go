package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// DatasetConfig describes where the bulk file of one dataset kind lives.
// URL may contain {cycle} (four digits) and {yy} (last two digits).
type DatasetConfig struct {
	URL       string `yaml:"url"`
	Member    string `yaml:"member"`
	Delimiter string `yaml:"delimiter"`
}

type StoreConfig struct {
	Path      string      `yaml:"path"`
	LockRetry RetryConfig `yaml:"lock_retry"`
}

type APIConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MinPageSize int           `yaml:"min_page_size"`
	MaxPageSize int           `yaml:"max_page_size"`
	Concurrency int           `yaml:"concurrency"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxRetries  int           `yaml:"max_retries"`
	Backoff     time.Duration `yaml:"backoff"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration            `yaml:"default_ttl"`
	TTL           map[string]time.Duration `yaml:"ttl"`
	MemoryEntries int                      `yaml:"memory_entries"`
	StaleFraction float64                  `yaml:"stale_fraction"`
}

type BulkConfig struct {
	DownloadDir     string                   `yaml:"download_dir"`
	RejectsDir      string                   `yaml:"rejects_dir"`
	DownloadTimeout time.Duration            `yaml:"download_timeout"`
	ChunkSize       int                      `yaml:"chunk_size"`
	CheckpointEvery int                      `yaml:"checkpoint_every"`
	Datasets        map[string]DatasetConfig `yaml:"datasets"`
}

type BackfillConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type RetryConfig struct {
	Attempts int `yaml:"attempts"`
	DelayMS  int `yaml:"delay_ms"`
}

type Config struct {
	LogLevel string         `yaml:"log_level"`
	Store    StoreConfig    `yaml:"store"`
	API      APIConfig      `yaml:"api"`
	Cache    CacheConfig    `yaml:"cache"`
	Bulk     BulkConfig     `yaml:"bulk"`
	Backfill BackfillConfig `yaml:"backfill"`
	Server   ServerConfig   `yaml:"server"`
	// Retry applies to chunk writes that keep failing after the store's own
	// lock-contention backoff.
	Retry RetryConfig `yaml:"retry"`
}

// Load reads and unmarshals the configuration file located at the given path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// The API key may be kept out of the file.
	if key := os.Getenv("FILINGSYNC_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}

	// Relative paths are resolved against the config file's directory.
	cfgDir := filepath.Dir(absPath)
	cfg.Store.Path = resolve(cfgDir, cfg.Store.Path)
	cfg.Bulk.DownloadDir = resolve(cfgDir, cfg.Bulk.DownloadDir)
	cfg.Bulk.RejectsDir = resolve(cfgDir, cfg.Bulk.RejectsDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and checks required settings.
func (cfg *Config) Validate() error {
	cfg.ApplyDefaults()

	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if cfg.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required (or set FILINGSYNC_API_KEY)")
	}
	if cfg.API.MinPageSize > cfg.API.MaxPageSize {
		return fmt.Errorf("api.min_page_size (%d) exceeds api.max_page_size (%d)", cfg.API.MinPageSize, cfg.API.MaxPageSize)
	}
	if cfg.Cache.StaleFraction <= 0 || cfg.Cache.StaleFraction >= 1 {
		return fmt.Errorf("cache.stale_fraction must be between 0 and 1, got %v", cfg.Cache.StaleFraction)
	}
	for name, ds := range cfg.Bulk.Datasets {
		if ds.URL == "" {
			return fmt.Errorf("bulk dataset '%s' is missing url", name)
		}
		if len(ds.Delimiter) > 1 {
			return fmt.Errorf("bulk dataset '%s' delimiter must be a single character", name)
		}
	}
	return nil
}

// ApplyDefaults fills every unset field with its default.
func (cfg *Config) ApplyDefaults() {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Store.LockRetry.Attempts == 0 {
		cfg.Store.LockRetry.Attempts = 8
	}
	if cfg.Store.LockRetry.DelayMS == 0 {
		cfg.Store.LockRetry.DelayMS = 50
	}

	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 30 * time.Second
	}
	if cfg.API.MinPageSize <= 0 {
		cfg.API.MinPageSize = 1
	}
	if cfg.API.MaxPageSize <= 0 {
		cfg.API.MaxPageSize = 100
	}
	if cfg.API.Concurrency <= 0 {
		cfg.API.Concurrency = 5
	}
	if cfg.API.MinInterval == 0 {
		cfg.API.MinInterval = 500 * time.Millisecond
	}
	if cfg.API.MaxRetries == 0 {
		cfg.API.MaxRetries = 3
	}
	if cfg.API.Backoff == 0 {
		cfg.API.Backoff = 2 * time.Second
	}
	cfg.API.BaseURL = strings.TrimSuffix(cfg.API.BaseURL, "/")

	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = time.Hour
	}
	if cfg.Cache.TTL == nil {
		cfg.Cache.TTL = map[string]time.Duration{
			"/committee/":            7 * 24 * time.Hour,
			"/committees/":           7 * 24 * time.Hour,
			"/candidate/":            7 * 24 * time.Hour,
			"/candidates/":           7 * 24 * time.Hour,
			"/schedules/schedule_a/": time.Hour,
		}
	}
	if cfg.Cache.MemoryEntries == 0 {
		cfg.Cache.MemoryEntries = 1024
	}
	if cfg.Cache.StaleFraction == 0 {
		cfg.Cache.StaleFraction = 0.5
	}

	if cfg.Bulk.DownloadTimeout == 0 {
		cfg.Bulk.DownloadTimeout = 2 * time.Hour
	}
	if cfg.Bulk.ChunkSize <= 0 {
		cfg.Bulk.ChunkSize = 50_000
	}
	if cfg.Bulk.CheckpointEvery <= 0 {
		cfg.Bulk.CheckpointEvery = 5
	}
	if cfg.Bulk.Datasets == nil {
		cfg.Bulk.Datasets = map[string]DatasetConfig{}
	}
	for name, ds := range cfg.Bulk.Datasets {
		if ds.Delimiter == "" {
			ds.Delimiter = "|"
		}
		cfg.Bulk.Datasets[name] = ds
	}

	// Default workers to the number of CPUs when not provided or invalid.
	if cfg.Backfill.Workers <= 0 {
		cfg.Backfill.Workers = runtime.NumCPU()
		if cfg.Backfill.Workers < 1 {
			cfg.Backfill.Workers = 1
		}
	}
	if cfg.Backfill.QueueSize <= 0 {
		cfg.Backfill.QueueSize = 256
	}
	if cfg.Backfill.FetchTimeout == 0 {
		cfg.Backfill.FetchTimeout = 30 * time.Second
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}

	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.DelayMS == 0 {
		cfg.Retry.DelayMS = 1500
	}
}

// DatasetURL expands the URL template of a dataset for a cycle.
func (ds DatasetConfig) DatasetURL(cycle int) string {
	r := strings.NewReplacer(
		"{cycle}", fmt.Sprintf("%04d", cycle),
		"{yy}", fmt.Sprintf("%02d", cycle%100),
	)
	return r.Replace(ds.URL)
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
