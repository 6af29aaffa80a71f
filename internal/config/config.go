package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the inbox sync service
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Provider   ProviderConfig   `yaml:"provider"`
	LLM        LLMConfig        `yaml:"llm"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	ThreadSync ThreadSyncConfig `yaml:"thread_sync"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Extraction ExtractionConfig `yaml:"extraction"`
}

// ServerConfig holds HTTP server configuration for the webhook receiver
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis settings used for leader leases and rate limiting.
// Redis is optional; when disabled the service falls back to PostgreSQL
// advisory locks and local pacing only.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// ProviderConfig holds email provider API configuration
type ProviderConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the configured timeout as a duration
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LLMConfig holds LLM provider configuration for extraction and spam detection
type LLMConfig struct {
	Provider       string  `yaml:"provider"` // "openai" or "bedrock"
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Region         string  `yaml:"region"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackfillConfig holds backfill orchestrator settings
type BackfillConfig struct {
	PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`
	PageSize                 int `yaml:"page_size"`
	MaxRangeDays             int `yaml:"max_range_days"`
	MaxRetries               int `yaml:"max_retries"`
	SweepBatchSize           int `yaml:"sweep_batch_size"`
	SweepConcurrency         int `yaml:"sweep_concurrency"`
}

// PollInterval returns the backfill queue poll interval
func (c BackfillConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// VisibilityTimeout returns the backfill queue visibility timeout
func (c BackfillConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// ThreadSyncConfig holds thread-sync worker settings
type ThreadSyncConfig struct {
	NumWorkers               int `yaml:"num_workers"`
	PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
	VisibilityTimeoutSeconds int `yaml:"visibility_timeout_seconds"`
	BatchSize                int `yaml:"batch_size"`
	MaxMessagesPerThread     int `yaml:"max_messages_per_thread"`
	MaxRetries               int `yaml:"max_retries"`
	APIDelayMs               int `yaml:"api_delay_ms"`
	MessageDelayMs           int `yaml:"message_delay_ms"`
	ThreadDelayMs            int `yaml:"thread_delay_ms"`
	RatePerMinute            int `yaml:"rate_per_minute"`
}

// PollInterval returns the thread-sync queue poll interval
func (c ThreadSyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// VisibilityTimeout returns the thread-sync queue visibility timeout
func (c ThreadSyncConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// APIDelay returns the delay between provider API calls
func (c ThreadSyncConfig) APIDelay() time.Duration {
	return time.Duration(c.APIDelayMs) * time.Millisecond
}

// MessageDelay returns the delay between message persistence operations
func (c ThreadSyncConfig) MessageDelay() time.Duration {
	return time.Duration(c.MessageDelayMs) * time.Millisecond
}

// ThreadDelay returns the delay between threads
func (c ThreadSyncConfig) ThreadDelay() time.Duration {
	return time.Duration(c.ThreadDelayMs) * time.Millisecond
}

// WebhookConfig holds webhook notification consumer settings
type WebhookConfig struct {
	PollIntervalSeconds      int  `yaml:"poll_interval_seconds"`
	VisibilityTimeoutSeconds int  `yaml:"visibility_timeout_seconds"`
	BatchSize                int  `yaml:"batch_size"`
	MaxRetries               int  `yaml:"max_retries"`
	TestingMode              bool `yaml:"testing_mode"` // disables queue deletion so messages redeliver
}

// PollInterval returns the webhook queue poll interval
func (c WebhookConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// VisibilityTimeout returns the webhook queue visibility timeout
func (c WebhookConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
}

// MonitorConfig holds completion monitor settings
type MonitorConfig struct {
	CheckIntervalSeconds    int  `yaml:"check_interval_seconds"`
	RecoveryIntervalSeconds int  `yaml:"recovery_interval_seconds"`
	AutoRecovery            bool `yaml:"auto_recovery"`
}

// CheckInterval returns the stats recomputation interval
func (c MonitorConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// RecoveryInterval returns the premature-completion scan interval
func (c MonitorConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

// ExtractionConfig holds extraction enqueuer + worker settings
type ExtractionConfig struct {
	EnqueueIntervalSeconds   int    `yaml:"enqueue_interval_seconds"`
	BatchSize                int    `yaml:"batch_size"`
	NumWorkers               int    `yaml:"num_workers"`
	PollIntervalSeconds      int    `yaml:"poll_interval_seconds"`
	VisibilityTimeoutSeconds int    `yaml:"visibility_timeout_seconds"`
	MaxRetries               int    `yaml:"max_retries"`
	Version                  int    `yaml:"version"`
	SpamDetection            bool   `yaml:"spam_detection"`
	SpamModel                string `yaml:"spam_model"`
}

// EnqueueInterval returns the candidate discovery interval
func (c ExtractionConfig) EnqueueInterval() time.Duration {
	return time.Duration(c.EnqueueIntervalSeconds) * time.Second
}

// PollInterval returns the extraction queue poll interval
func (c ExtractionConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// VisibilityTimeout returns the extraction queue visibility timeout
func (c ExtractionConfig) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutSeconds) * time.Second
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

// applyDefaults fills zero values with operational defaults
func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://api.us.nylas.com"
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = 30
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 3
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com"
	}
	if cfg.LLM.Region == "" {
		cfg.LLM.Region = "us-east-1"
	}
	if cfg.LLM.TimeoutSeconds == 0 {
		cfg.LLM.TimeoutSeconds = 60
	}
	if cfg.Backfill.PollIntervalSeconds == 0 {
		cfg.Backfill.PollIntervalSeconds = 5
	}
	if cfg.Backfill.VisibilityTimeoutSeconds == 0 {
		cfg.Backfill.VisibilityTimeoutSeconds = 600
	}
	if cfg.Backfill.PageSize == 0 {
		cfg.Backfill.PageSize = 100
	}
	if cfg.Backfill.MaxRangeDays == 0 {
		cfg.Backfill.MaxRangeDays = 365
	}
	if cfg.Backfill.MaxRetries == 0 {
		cfg.Backfill.MaxRetries = 3
	}
	if cfg.Backfill.SweepBatchSize == 0 {
		cfg.Backfill.SweepBatchSize = 200
	}
	if cfg.Backfill.SweepConcurrency == 0 {
		cfg.Backfill.SweepConcurrency = 5
	}
	if cfg.ThreadSync.NumWorkers == 0 {
		cfg.ThreadSync.NumWorkers = 4
	}
	if cfg.ThreadSync.PollIntervalSeconds == 0 {
		cfg.ThreadSync.PollIntervalSeconds = 2
	}
	if cfg.ThreadSync.VisibilityTimeoutSeconds == 0 {
		cfg.ThreadSync.VisibilityTimeoutSeconds = 300
	}
	if cfg.ThreadSync.BatchSize == 0 {
		cfg.ThreadSync.BatchSize = 5
	}
	if cfg.ThreadSync.MaxMessagesPerThread == 0 {
		cfg.ThreadSync.MaxMessagesPerThread = 100
	}
	if cfg.ThreadSync.MaxRetries == 0 {
		cfg.ThreadSync.MaxRetries = 5
	}
	if cfg.Webhook.PollIntervalSeconds == 0 {
		cfg.Webhook.PollIntervalSeconds = 2
	}
	if cfg.Webhook.VisibilityTimeoutSeconds == 0 {
		cfg.Webhook.VisibilityTimeoutSeconds = 120
	}
	if cfg.Webhook.BatchSize == 0 {
		cfg.Webhook.BatchSize = 10
	}
	if cfg.Webhook.MaxRetries == 0 {
		cfg.Webhook.MaxRetries = 3
	}
	if cfg.Monitor.CheckIntervalSeconds == 0 {
		cfg.Monitor.CheckIntervalSeconds = 5
	}
	if cfg.Monitor.RecoveryIntervalSeconds == 0 {
		cfg.Monitor.RecoveryIntervalSeconds = 60
	}
	if cfg.Extraction.EnqueueIntervalSeconds == 0 {
		cfg.Extraction.EnqueueIntervalSeconds = 15
	}
	if cfg.Extraction.BatchSize == 0 {
		cfg.Extraction.BatchSize = 10
	}
	if cfg.Extraction.NumWorkers == 0 {
		cfg.Extraction.NumWorkers = 2
	}
	if cfg.Extraction.PollIntervalSeconds == 0 {
		cfg.Extraction.PollIntervalSeconds = 5
	}
	if cfg.Extraction.VisibilityTimeoutSeconds == 0 {
		cfg.Extraction.VisibilityTimeoutSeconds = 300
	}
	if cfg.Extraction.MaxRetries == 0 {
		cfg.Extraction.MaxRetries = 3
	}
	if cfg.Extraction.Version == 0 {
		cfg.Extraction.Version = 1
	}
	if cfg.Extraction.SpamModel == "" {
		cfg.Extraction.SpamModel = cfg.LLM.Model
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if apiKey := os.Getenv("NYLAS_API_KEY"); apiKey != "" {
		cfg.Provider.APIKey = apiKey
	}
	if baseURL := os.Getenv("NYLAS_BASE_URL"); baseURL != "" {
		cfg.Provider.BaseURL = baseURL
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = apiKey
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.LLM.Region = region
	}
	if v := os.Getenv("SYNC_TESTING_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Webhook.TestingMode = b
		}
	}
	if v := os.Getenv("SPAM_DETECTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Extraction.SpamDetection = b
		}
	}

	return cfg, nil
}
