// Package common provides shared utilities for Nimbus
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Runtime roles. The api role serves HTTP only, the worker role executes
// jobs only, and all does both in one process.
const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// Storage backends.
const (
	BackendSQLite  = "sqlite"
	BackendBadger  = "badger"
	BackendSurreal = "surrealdb"
)

// Config holds all configuration for Nimbus
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Fetch       FetchConfig     `toml:"fetch"`
	Download    DownloadConfig  `toml:"download"`
	Providers   ProvidersConfig `toml:"providers"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Role          string   `toml:"role"`
	APIKey        string   `toml:"api_key"`
	CORSOrigins   []string `toml:"cors_origins"`
	MaxRequestMB  int      `toml:"max_request_mb"`
	EnableMetrics bool     `toml:"enable_metrics"`
}

// StorageConfig selects the job store backend and the download area.
type StorageConfig struct {
	Backend string        `toml:"backend"` // sqlite (default), badger, surrealdb
	Path    string        `toml:"path"`    // database file or directory
	DataDir string        `toml:"data_dir"`
	Surreal SurrealConfig `toml:"surrealdb"`
}

// SurrealConfig holds SurrealDB connection settings
type SurrealConfig struct {
	URL       string `toml:"url"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// FetchConfig tunes the job scheduler and recovery loop.
type FetchConfig struct {
	MaxJobs          int            `toml:"max_jobs"`
	QueuePollSeconds float64        `toml:"queue_poll_seconds"`
	StaleJobSeconds  int            `toml:"stale_job_seconds"`
	ProviderLimits   map[string]int `toml:"provider_limits"`
}

// QueuePollInterval returns the recovery loop tick as a duration.
func (c *FetchConfig) QueuePollInterval() time.Duration {
	return time.Duration(c.QueuePollSeconds * float64(time.Second))
}

// StaleJobCutoff returns the stale running job cutoff as a duration.
func (c *FetchConfig) StaleJobCutoff() time.Duration {
	return time.Duration(c.StaleJobSeconds) * time.Second
}

// DownloadConfig tunes the concurrent download manager.
type DownloadConfig struct {
	MaxConcurrent         int     `toml:"max_concurrent"`
	MaxRetries            int     `toml:"max_retries"`
	InitialDelaySeconds   float64 `toml:"initial_delay_seconds"`
	BackoffFactor         float64 `toml:"backoff_factor"`
	ConnectTimeoutSeconds float64 `toml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    float64 `toml:"read_timeout_seconds"`
	ChunkSizeBytes        int     `toml:"chunk_size_bytes"`
}

// InitialDelay returns the base retry delay as a duration.
func (c *DownloadConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySeconds * float64(time.Second))
}

// ConnectTimeout returns the connection timeout as a duration.
func (c *DownloadConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds * float64(time.Second))
}

// ReadTimeout returns the per-read timeout as a duration.
func (c *DownloadConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds * float64(time.Second))
}

// ProvidersConfig holds provider client configurations
type ProvidersConfig struct {
	Copernicus CopernicusConfig `toml:"copernicus"`
	USGS       USGSConfig       `toml:"usgs"`
}

// CopernicusConfig holds Copernicus Data Space credentials and endpoints
type CopernicusConfig struct {
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	BaseURL     string `toml:"base_url"`
	TokenURL    string `toml:"token_url"`
	DownloadURL string `toml:"download_url"`
	RateLimit   int    `toml:"rate_limit"`
	Timeout     string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *CopernicusConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// USGSConfig holds USGS M2M credentials and endpoint
type USGSConfig struct {
	Username  string `toml:"username"`
	Token     string `toml:"token"`
	BaseURL   string `toml:"base_url"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *USGSConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			Role:          RoleAll,
			MaxRequestMB:  1,
			EnableMetrics: true,
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    "data/nimbus.db",
			DataDir: "data/downloads",
			Surreal: SurrealConfig{
				URL:       "ws://localhost:8000/rpc",
				Username:  "root",
				Password:  "root",
				Namespace: "nimbus",
				Database:  "jobs",
			},
		},
		Fetch: FetchConfig{
			MaxJobs:          4,
			QueuePollSeconds: 1.0,
			StaleJobSeconds:  900,
			ProviderLimits:   map[string]int{"copernicus": 2, "usgs": 4},
		},
		Download: DownloadConfig{
			MaxConcurrent:         4,
			MaxRetries:            5,
			InitialDelaySeconds:   1.5,
			BackoffFactor:         1.7,
			ConnectTimeoutSeconds: 20,
			ReadTimeoutSeconds:    120,
			ChunkSizeBytes:        1 << 20,
		},
		Providers: ProvidersConfig{
			Copernicus: CopernicusConfig{
				BaseURL:     "https://catalogue.dataspace.copernicus.eu",
				TokenURL:    "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token",
				DownloadURL: "https://download.dataspace.copernicus.eu",
				RateLimit:   4,
				Timeout:     "30s",
			},
			USGS: USGSConfig{
				BaseURL:   "https://m2m.cr.usgs.gov/api/api/json/stable",
				RateLimit: 4,
				Timeout:   "30s",
			},
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("NIMBUS_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("NIMBUS_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("NIMBUS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if role := os.Getenv("NIMBUS_RUNTIME_ROLE"); role != "" {
		config.Server.Role = strings.ToLower(role)
	}

	if key := os.Getenv("NIMBUS_API_KEY"); key != "" {
		config.Server.APIKey = key
	}

	if origins := os.Getenv("NIMBUS_CORS_ORIGINS"); origins != "" {
		config.Server.CORSOrigins = splitAndTrim(origins)
	}

	if mb := os.Getenv("NIMBUS_MAX_REQUEST_MB"); mb != "" {
		if n, err := strconv.Atoi(mb); err == nil {
			config.Server.MaxRequestMB = n
		}
	}

	if v := os.Getenv("NIMBUS_ENABLE_METRICS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Server.EnableMetrics = b
		}
	}

	if backend := os.Getenv("NIMBUS_DB_BACKEND"); backend != "" {
		config.Storage.Backend = strings.ToLower(backend)
	}

	if path := os.Getenv("NIMBUS_DB_PATH"); path != "" {
		config.Storage.Path = path
	}

	if dir := os.Getenv("NIMBUS_DATA_DIR"); dir != "" {
		config.Storage.DataDir = dir
	}

	if url := os.Getenv("NIMBUS_SURREAL_URL"); url != "" {
		config.Storage.Surreal.URL = url
	}
	if user := os.Getenv("NIMBUS_SURREAL_USER"); user != "" {
		config.Storage.Surreal.Username = user
	}
	if pass := os.Getenv("NIMBUS_SURREAL_PASS"); pass != "" {
		config.Storage.Surreal.Password = pass
	}
	if ns := os.Getenv("NIMBUS_SURREAL_NAMESPACE"); ns != "" {
		config.Storage.Surreal.Namespace = ns
	}
	if db := os.Getenv("NIMBUS_SURREAL_DATABASE"); db != "" {
		config.Storage.Surreal.Database = db
	}

	if jobs := os.Getenv("NIMBUS_MAX_JOBS"); jobs != "" {
		if n, err := strconv.Atoi(jobs); err == nil {
			config.Fetch.MaxJobs = n
		}
	}

	if poll := os.Getenv("NIMBUS_QUEUE_POLL_SECONDS"); poll != "" {
		if f, err := strconv.ParseFloat(poll, 64); err == nil {
			config.Fetch.QueuePollSeconds = f
		}
	}

	if stale := os.Getenv("NIMBUS_STALE_JOB_SECONDS"); stale != "" {
		if n, err := strconv.Atoi(stale); err == nil {
			config.Fetch.StaleJobSeconds = n
		}
	}

	if limits := os.Getenv("NIMBUS_PROVIDER_LIMITS"); limits != "" {
		config.Fetch.ProviderLimits = ParseProviderLimits(limits)
	}

	if level := os.Getenv("NIMBUS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if v := os.Getenv("NIMBUS_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Logging.JSON = b
		}
	}

	// Provider credentials. The unprefixed names match what the upstream
	// services document, the NIMBUS_ names keep deployments uniform.
	if v := firstEnv("CDSE_USERNAME", "NIMBUS_COPERNICUS_USERNAME"); v != "" {
		config.Providers.Copernicus.Username = v
	}
	if v := firstEnv("CDSE_PASSWORD", "NIMBUS_COPERNICUS_PASSWORD"); v != "" {
		config.Providers.Copernicus.Password = v
	}
	if v := firstEnv("USGS_USERNAME", "NIMBUS_USGS_USERNAME"); v != "" {
		config.Providers.USGS.Username = v
	}
	if v := firstEnv("USGS_TOKEN", "NIMBUS_USGS_TOKEN"); v != "" {
		config.Providers.USGS.Token = v
	}
}

// validate normalizes tunables into their supported ranges and rejects
// values with no usable interpretation.
func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendBadger, BackendSurreal:
	default:
		return fmt.Errorf("unknown storage backend %q (want sqlite, badger, or surrealdb)", c.Storage.Backend)
	}

	switch c.Server.Role {
	case RoleAll, RoleAPI, RoleWorker:
	default:
		return fmt.Errorf("unknown runtime role %q (want all, api, or worker)", c.Server.Role)
	}

	c.Fetch.MaxJobs = clampInt(c.Fetch.MaxJobs, 1, 128)
	c.Fetch.QueuePollSeconds = clampFloat(c.Fetch.QueuePollSeconds, 0.1, 30)
	c.Fetch.StaleJobSeconds = clampInt(c.Fetch.StaleJobSeconds, 30, 86400)

	c.Download.MaxConcurrent = clampInt(c.Download.MaxConcurrent, 1, 64)
	if c.Download.MaxRetries < 0 {
		c.Download.MaxRetries = 0
	}
	if c.Download.InitialDelaySeconds <= 0 {
		c.Download.InitialDelaySeconds = 1.5
	}
	if c.Download.BackoffFactor < 1 {
		c.Download.BackoffFactor = 1.7
	}
	if c.Download.ConnectTimeoutSeconds <= 0 {
		c.Download.ConnectTimeoutSeconds = 20
	}
	if c.Download.ReadTimeoutSeconds <= 0 {
		c.Download.ReadTimeoutSeconds = 120
	}
	if c.Download.ChunkSizeBytes < 64<<10 {
		c.Download.ChunkSizeBytes = 64 << 10
	}

	if c.Server.MaxRequestMB < 1 {
		c.Server.MaxRequestMB = 1
	}

	return nil
}

// EnsureDirectories creates the data directories the configured backend
// needs. Safe to call repeatedly.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", c.Storage.DataDir, err)
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if dir := filepath.Dir(c.Storage.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create database dir %s: %w", dir, err)
			}
		}
	case BackendBadger:
		if err := os.MkdirAll(c.Storage.Path, 0o755); err != nil {
			return fmt.Errorf("failed to create database dir %s: %w", c.Storage.Path, err)
		}
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseProviderLimits parses a "name=n,name=n" list into a limit map.
// Malformed entries are skipped.
func ParseProviderLimits(s string) map[string]int {
	limits := make(map[string]int)
	for _, part := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 1 {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		limits[name] = n
	}
	return limits
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
