package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Mongo      MongoConfig      `yaml:"mongo"`
	Redis      RedisConfig      `yaml:"redis"`
	WhatsApp   WhatsAppConfig   `yaml:"whatsapp"`
	Email      EmailConfig      `yaml:"email"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Dedup      DedupConfig      `yaml:"dedup"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Queue      QueueConfig      `yaml:"queue"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Automation AutomationConfig `yaml:"automation"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// MongoConfig holds connection strings for the admin and tenant clusters.
// The admin database holds the tenant directory; each tenant gets its own
// database on the tenant cluster.
type MongoConfig struct {
	AdminURI       string `yaml:"admin_uri"`
	TenantURI      string `yaml:"tenant_uri"`
	AdminDB        string `yaml:"admin_db"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c MongoConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RedisConfig holds the shared cache connection settings
type RedisConfig struct {
	URL string `yaml:"url"`
}

// WhatsAppConfig holds the Gupshup template-message API settings used when a
// tenant has no provider config of its own.
type WhatsAppConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	AppID             string `yaml:"app_id"`
	SourcePhoneNumber string `yaml:"source_phone_number"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	DefaultCountry    string `yaml:"default_country_code"`
}

// Timeout returns the configured timeout as a duration
func (c WhatsAppConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EmailConfig holds the internal email service endpoint
type EmailConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c EmailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DispatchConfig holds audience batching settings
type DispatchConfig struct {
	BatchSize           int  `yaml:"batch_size"`
	InterBatchDelayMS   int  `yaml:"inter_batch_delay_ms"`
	WaitWhenRateLimited bool `yaml:"wait_when_rate_limited"`
}

// InterBatchDelay returns the delay inserted between batches
func (c DispatchConfig) InterBatchDelay() time.Duration {
	return time.Duration(c.InterBatchDelayMS) * time.Millisecond
}

// DedupConfig holds delivery-cache settings.
// FailClosed flips the availability tradeoff: when true, a cache error on
// the history check suppresses the send instead of allowing it.
type DedupConfig struct {
	TTLDays    int  `yaml:"ttl_days"`
	FailClosed bool `yaml:"fail_closed"`
	Atomic     bool `yaml:"atomic"`
}

// TTL returns the delivery-record TTL
func (c DedupConfig) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// RateLimitConfig holds the default per-tenant token bucket settings,
// applied when a tenant has no rate limit config of its own.
type RateLimitConfig struct {
	TokensPerInterval float64 `yaml:"tokens_per_interval"`
	IntervalMS        int     `yaml:"interval_ms"`
	Enabled           bool    `yaml:"enabled"`
	Shared            bool    `yaml:"shared"` // back buckets with redis instead of process memory
}

// Interval returns the refill interval
func (c RateLimitConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// QueueConfig holds work-queue retry settings
type QueueConfig struct {
	Attempts       int `yaml:"attempts"`
	BackoffBaseMS  int `yaml:"backoff_base_ms"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
	Concurrency    int `yaml:"concurrency"`
}

// BackoffBase returns the initial retry backoff
func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// PollInterval returns the queue poll interval
func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// SchedulerConfig holds cron scheduler settings
type SchedulerConfig struct {
	Disabled       bool   `yaml:"disabled"`
	RefreshCron    string `yaml:"refresh_cron"`
	TickLockTTLSec int    `yaml:"tick_lock_ttl_seconds"`
}

// TickLockTTL returns the per-tick distributed lock TTL
func (c SchedulerConfig) TickLockTTL() time.Duration {
	return time.Duration(c.TickLockTTLSec) * time.Second
}

// AutomationConfig holds automation engine settings
type AutomationConfig struct {
	BlockOnWait bool `yaml:"block_on_wait"`
}

// Default returns the built-in configuration, used when no config file
// exists.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Mongo.AdminDB == "" {
		c.Mongo.AdminDB = "adminEB"
	}
	if c.Mongo.TimeoutSeconds == 0 {
		c.Mongo.TimeoutSeconds = 30
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}
	if c.WhatsApp.BaseURL == "" {
		c.WhatsApp.BaseURL = "https://api.gupshup.io/wa/api/v1"
	}
	if c.WhatsApp.TimeoutSeconds == 0 {
		c.WhatsApp.TimeoutSeconds = 5
	}
	if c.WhatsApp.DefaultCountry == "" {
		c.WhatsApp.DefaultCountry = "+91"
	}
	if c.Email.BaseURL == "" {
		c.Email.BaseURL = "http://localhost:5174/email"
	}
	if c.Email.TimeoutSeconds == 0 {
		c.Email.TimeoutSeconds = 10
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 10
	}
	if c.Dispatch.InterBatchDelayMS == 0 {
		c.Dispatch.InterBatchDelayMS = 1000
	}
	if c.Dedup.TTLDays == 0 {
		c.Dedup.TTLDays = 30
	}
	if c.RateLimit.TokensPerInterval == 0 {
		c.RateLimit.TokensPerInterval = 60
	}
	if c.RateLimit.IntervalMS == 0 {
		c.RateLimit.IntervalMS = 60000
	}
	if c.Queue.Attempts == 0 {
		c.Queue.Attempts = 3
	}
	if c.Queue.BackoffBaseMS == 0 {
		c.Queue.BackoffBaseMS = 5000
	}
	if c.Queue.PollIntervalMS == 0 {
		c.Queue.PollIntervalMS = 500
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = 4
	}
	if c.Scheduler.RefreshCron == "" {
		c.Scheduler.RefreshCron = "0 0 * * *"
	}
	if c.Scheduler.TickLockTTLSec == 0 {
		c.Scheduler.TickLockTTLSec = 55
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = Default()
	}

	if v := os.Getenv("ADMIN_DB_URI"); v != "" {
		cfg.Mongo.AdminURI = v
	}
	if v := os.Getenv("TENANT_DB_URI"); v != "" {
		cfg.Mongo.TenantURI = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("GUPSHUP_API_KEY"); v != "" {
		cfg.WhatsApp.APIKey = v
	}
	if v := os.Getenv("GUPSHUP_APP_ID"); v != "" {
		cfg.WhatsApp.AppID = v
	}
	if v := os.Getenv("GUPSHUP_SOURCE_PHONE"); v != "" {
		cfg.WhatsApp.SourcePhoneNumber = v
	}
	if v := os.Getenv("EMAIL_SERVICE_URL"); v != "" {
		cfg.Email.BaseURL = v
	}
	if v := os.Getenv("DISPATCH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatch.BatchSize = n
		}
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}

	return cfg, nil
}
