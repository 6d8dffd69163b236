// Package config provides configuration loading and management for the registry mirror.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is left empty.
const (
	defaultPageSize          = 500
	defaultRateLimit         = 5.0
	defaultRateBurst         = 5
	defaultRequestTimeout    = 30 * time.Second
	defaultMaxRetries        = 3
	defaultRateLimitRetries  = 5
	defaultBackoffBase       = 500 * time.Millisecond
	defaultBackoffMultiplier = 2.0
	defaultChunkSize         = 10
	defaultCommitEvery       = 50
	defaultSyncInterval      = 15 * time.Minute
	defaultImportWorkers     = 4
	defaultAPIBudget         = 8
	defaultListenAddress     = ":8080"
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Upstream UpstreamConfig  `yaml:"upstream"`
	Sync     SyncConfig      `yaml:"sync,omitempty"`
	Import   ImportConfig    `yaml:"import,omitempty"`
	Server   ServerConfig    `yaml:"server,omitempty"`
	Database *DatabaseConfig `yaml:"database,omitempty"`
}

// UpstreamConfig defines the upstream registry API and the rate/retry
// budget applied to every outbound call.
type UpstreamConfig struct {
	// Endpoint is the base API URL (without path), e.g.
	// "https://api.registry.example/v1". The client appends
	// /updates, /entities/{id} and /entities/{id}/statements.
	Endpoint string `yaml:"endpoint"`

	// PageSize is the number of change events requested per feed page
	PageSize int `yaml:"pageSize,omitempty"`

	// RateLimit is the outbound request budget in requests per second,
	// shared by incremental sync and bulk import
	RateLimit float64 `yaml:"rateLimit,omitempty"`

	// RateBurst is the token bucket burst size
	RateBurst int `yaml:"rateBurst,omitempty"`

	// RequestTimeout is the overall per-request timeout (e.g. "30s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// MaxRetries is the attempt ceiling for timeouts and generic failures
	MaxRetries int `yaml:"maxRetries,omitempty"`

	// RateLimitRetries is the attempt ceiling for 429 responses
	RateLimitRetries int `yaml:"rateLimitRetries,omitempty"`

	// BackoffBase is the base delay for retry backoff (e.g. "500ms")
	BackoffBase string `yaml:"backoffBase,omitempty"`

	// BackoffMultiplier is the exponential multiplier applied on 429 backoff
	BackoffMultiplier float64 `yaml:"backoffMultiplier,omitempty"`
}

// SyncConfig defines incremental sync pipeline settings
type SyncConfig struct {
	// ChunkSize is the bounded number of concurrent detail fetches per chunk
	ChunkSize int `yaml:"chunkSize,omitempty"`

	// CommitEvery is the number of persisted entities per commit window
	CommitEvery int `yaml:"commitEvery,omitempty"`

	// Interval is the coordinator cadence in serve mode (e.g. "15m")
	Interval string `yaml:"interval,omitempty"`
}

// ImportConfig defines bulk import settings
type ImportConfig struct {
	// Workers is the number of concurrent queue workers
	Workers int `yaml:"workers,omitempty"`

	// APIBudget sizes the self-throttle semaphore shared by all workers,
	// independent of the worker count
	APIBudget int `yaml:"apiBudget,omitempty"`
}

// ServerConfig defines the operational HTTP surface settings
type ServerConfig struct {
	// Address is the listen address for the operational API
	Address string `yaml:"address,omitempty"`
}

// DatabaseConfig defines database connection settings
type DatabaseConfig struct {
	// Host is the database server hostname or IP address
	Host string `yaml:"host"`

	// Port is the database server port
	Port int `yaml:"port"`

	// User is the database username
	User string `yaml:"user"`

	// PasswordFile is the path to a file containing the database password.
	// The file should contain only the password with optional trailing whitespace.
	PasswordFile string `yaml:"passwordFile,omitempty"`

	// Database is the database name
	Database string `yaml:"database"`

	// SSLMode is the SSL mode for the connection (disable, require, verify-ca, verify-full)
	SSLMode string `yaml:"sslMode,omitempty"`

	// MaxConns is the maximum number of pooled connections
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// MinConns is the minimum number of pooled connections
	MinConns int32 `yaml:"minConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a connection (e.g., "1h", "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`
}

// GetPassword returns the database password using the following priority:
// 1. Read from PasswordFile if specified
// 2. Read from BIZMIRROR_DATABASE_PASSWORD environment variable
//
// The password from file will have leading/trailing whitespace trimmed.
func (d *DatabaseConfig) GetPassword() (string, error) {
	if d.PasswordFile != "" {
		// Use filepath.Clean to prevent path traversal attacks
		cleanPath := filepath.Clean(d.PasswordFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read password from file %s: %w", d.PasswordFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv("BIZMIRROR_DATABASE_PASSWORD"); envPassword != "" {
		return envPassword, nil
	}

	return "", fmt.Errorf(
		"no database password configured: set passwordFile or BIZMIRROR_DATABASE_PASSWORD environment variable",
	)
}

// GetConnectionString builds a PostgreSQL connection string with proper password handling.
// The password is URL-escaped to handle special characters safely.
func (d *DatabaseConfig) GetConnectionString() (string, error) {
	password, err := d.GetPassword()
	if err != nil {
		return "", err
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User,
		url.QueryEscape(password),
		d.Host,
		d.Port,
		d.Database,
		sslMode,
	)

	return connString, nil
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Upstream.Endpoint == "" {
		return fmt.Errorf("upstream.endpoint is required")
	}
	parsed, err := url.Parse(c.Upstream.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("upstream.endpoint must be an absolute URL: %s", c.Upstream.Endpoint)
	}

	if c.Upstream.PageSize < 0 {
		return fmt.Errorf("upstream.pageSize must not be negative")
	}
	if c.Upstream.RateLimit < 0 {
		return fmt.Errorf("upstream.rateLimit must not be negative")
	}

	durations := map[string]string{
		"upstream.requestTimeout": c.Upstream.RequestTimeout,
		"upstream.backoffBase":    c.Upstream.BackoffBase,
		"sync.interval":           c.Sync.Interval,
	}
	if c.Database != nil {
		durations["database.connMaxLifetime"] = c.Database.ConnMaxLifetime
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s must be a valid duration (e.g. '30s', '15m'): %w", name, err)
		}
	}

	if c.Sync.ChunkSize < 0 {
		return fmt.Errorf("sync.chunkSize must not be negative")
	}
	if c.Sync.CommitEvery < 0 {
		return fmt.Errorf("sync.commitEvery must not be negative")
	}
	if c.Import.Workers < 0 {
		return fmt.Errorf("import.workers must not be negative")
	}

	return nil
}

// GetPageSize returns the feed page size, using the default if unset
func (u *UpstreamConfig) GetPageSize() int {
	if u.PageSize == 0 {
		return defaultPageSize
	}
	return u.PageSize
}

// GetRateLimit returns the outbound request budget in requests per second
func (u *UpstreamConfig) GetRateLimit() float64 {
	if u.RateLimit == 0 {
		return defaultRateLimit
	}
	return u.RateLimit
}

// GetRateBurst returns the token bucket burst size
func (u *UpstreamConfig) GetRateBurst() int {
	if u.RateBurst == 0 {
		return defaultRateBurst
	}
	return u.RateBurst
}

// GetRequestTimeout returns the per-request timeout
func (u *UpstreamConfig) GetRequestTimeout() time.Duration {
	return durationOrDefault(u.RequestTimeout, defaultRequestTimeout)
}

// GetMaxRetries returns the attempt ceiling for timeouts and generic failures
func (u *UpstreamConfig) GetMaxRetries() int {
	if u.MaxRetries == 0 {
		return defaultMaxRetries
	}
	return u.MaxRetries
}

// GetRateLimitRetries returns the attempt ceiling for 429 responses
func (u *UpstreamConfig) GetRateLimitRetries() int {
	if u.RateLimitRetries == 0 {
		return defaultRateLimitRetries
	}
	return u.RateLimitRetries
}

// GetBackoffBase returns the base retry delay
func (u *UpstreamConfig) GetBackoffBase() time.Duration {
	return durationOrDefault(u.BackoffBase, defaultBackoffBase)
}

// GetBackoffMultiplier returns the exponential backoff multiplier
func (u *UpstreamConfig) GetBackoffMultiplier() float64 {
	if u.BackoffMultiplier == 0 {
		return defaultBackoffMultiplier
	}
	return u.BackoffMultiplier
}

// GetChunkSize returns the fetch concurrency bound per chunk
func (s *SyncConfig) GetChunkSize() int {
	if s.ChunkSize == 0 {
		return defaultChunkSize
	}
	return s.ChunkSize
}

// GetCommitEvery returns the commit window size
func (s *SyncConfig) GetCommitEvery() int {
	if s.CommitEvery == 0 {
		return defaultCommitEvery
	}
	return s.CommitEvery
}

// GetInterval returns the coordinator sync cadence
func (s *SyncConfig) GetInterval() time.Duration {
	return durationOrDefault(s.Interval, defaultSyncInterval)
}

// GetWorkers returns the bulk import worker count
func (i *ImportConfig) GetWorkers() int {
	if i.Workers == 0 {
		return defaultImportWorkers
	}
	return i.Workers
}

// GetAPIBudget returns the import self-throttle semaphore size
func (i *ImportConfig) GetAPIBudget() int {
	if i.APIBudget == 0 {
		return defaultAPIBudget
	}
	return i.APIBudget
}

// GetAddress returns the operational API listen address
func (s *ServerConfig) GetAddress() string {
	if s.Address == "" {
		return defaultListenAddress
	}
	return s.Address
}

func durationOrDefault(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
