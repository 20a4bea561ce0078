package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"schoolsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Sync       SyncConfig       `yaml:"sync"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Exports    ExportConfig     `yaml:"exports"`
	Server     ServerConfig     `yaml:"server"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig describes the remote school API and the drain schedule.
type SyncConfig struct {
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	APIExtra         string        `yaml:"api_extra"`
	SessionID        string        `yaml:"session_id"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	MaxAttempts      int           `yaml:"max_attempts"`
	MaxRPS           float64       `yaml:"max_rps"`
	Debounce         time.Duration `yaml:"debounce"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ServerConfig configures the reference school API (cmd/api).
type ServerConfig struct {
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
	SeedFile  string             `yaml:"seed_file"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	TTL      time.Duration `yaml:"ttl"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Load(configPath string) (*Config, error) {
	// .env необязателен
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Sync.BaseURL != "" {
		u, err := url.Parse(c.Sync.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("sync.base_url %q is not an absolute URL", c.Sync.BaseURL)
		}
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_max (%s) is below sync.backoff_base (%s)", c.Sync.BackoffMax, c.Sync.BackoffBase)
	}
	if c.Sync.MaxAttempts < 1 {
		return errors.New("sync.max_attempts must be positive")
	}
	if !c.API.Enabled || !c.API.Auth.Enabled {
		return nil
	}
	if len(c.API.Auth.APIKeys) == 0 {
		return errors.New("api.auth requires at least one api key")
	}
	return ValidateKeys(c.API.Auth.APIKeys)
}

// ValidateKeys rejects empty and duplicate API keys.
func ValidateKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Key == "" {
			return fmt.Errorf("api key %q has empty key", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client %q", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "schoolsync"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/queue.db"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8090
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	defaultHeaders(&c.API.Auth)
	defaultHeaders(&c.Server.Auth)

	// Sync defaults
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = models.DefaultRequestTimeout
	}
	if c.Sync.PeriodicInterval == 0 {
		c.Sync.PeriodicInterval = models.DefaultPeriodicInterval
	}
	if c.Sync.BackoffBase == 0 {
		c.Sync.BackoffBase = models.DefaultBackoffBase
	}
	if c.Sync.BackoffMax == 0 {
		c.Sync.BackoffMax = models.DefaultBackoffMax
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = models.DefaultMaxAttempts
	}
	if c.Sync.Debounce == 0 {
		c.Sync.Debounce = models.DefaultDebounce
	}
	if c.Sync.ProbeInterval == 0 {
		c.Sync.ProbeInterval = models.DefaultProbeInterval
	}

	if c.Redis.TTL == 0 {
		c.Redis.TTL = models.DefaultStatusTTL
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
	if c.Logging.Output == "file" && c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 50
	}
}

func defaultHeaders(auth *APIAuthConfig) {
	if auth.HeaderAPIKey == "" {
		auth.HeaderAPIKey = "x-api-key"
	}
	if auth.HeaderExtra == "" {
		auth.HeaderExtra = "x-api-extra"
	}
}
