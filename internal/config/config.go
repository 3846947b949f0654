package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the DocVal server.
type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Quota    QuotaConfig
	Worker   WorkerConfig
	Poller   PollerConfig
	Reaper   ReaperConfig
	AI       AIConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

// AuthConfig seeds the first credential. Keys are otherwise only minted
// through the admin endpoints, which themselves require an admin key.
type AuthConfig struct {
	BootstrapKey string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	QueueKey string
}

type StorageConfig struct {
	Root string
}

// QuotaConfig caps how many reports an owner may submit per calendar month.
type QuotaConfig struct {
	MonthlyLimit int
}

type WorkerConfig struct {
	Concurrency    int
	DequeueTimeout time.Duration
}

// PollerConfig are the defaults handed to clients of the polling protocol.
type PollerConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// ReaperConfig controls when a report without a terminal transition is
// forced to failed.
type ReaperConfig struct {
	Interval      time.Duration
	ReportTimeout time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

var validProviders = map[string]bool{
	"openai": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("DOCVAL_PORT", 8080),
			Env:  envString("DOCVAL_ENV", "development"),
		},
		Auth: AuthConfig{
			BootstrapKey: os.Getenv("DOCVAL_BOOTSTRAP_API_KEY"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      os.Getenv("REDIS_URL"),
			QueueKey: envString("DOCVAL_QUEUE_KEY", "docval:reports"),
		},
		Storage: StorageConfig{
			Root: envString("DOCVAL_STORAGE_DIR", "data"),
		},
		Quota: QuotaConfig{
			MonthlyLimit: envInt("DOCVAL_MONTHLY_REPORT_LIMIT", 100),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("DOCVAL_WORKER_CONCURRENCY", 2),
			DequeueTimeout: envDuration("DOCVAL_WORKER_DEQUEUE_TIMEOUT", 5*time.Second),
		},
		Poller: PollerConfig{
			Interval:    envDuration("DOCVAL_POLL_INTERVAL", 2*time.Second),
			MaxAttempts: envInt("DOCVAL_POLL_MAX_ATTEMPTS", 30),
		},
		Reaper: ReaperConfig{
			Interval:      envDuration("DOCVAL_REAPER_INTERVAL", time.Minute),
			ReportTimeout: envDuration("DOCVAL_REPORT_TIMEOUT", 30*time.Minute),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 120*time.Second),
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if k := c.Auth.BootstrapKey; k != "" && len(k) < 16 {
		return fmt.Errorf("DOCVAL_BOOTSTRAP_API_KEY must be at least 16 characters, got %d", len(k))
	}

	if c.Quota.MonthlyLimit <= 0 {
		return fmt.Errorf("DOCVAL_MONTHLY_REPORT_LIMIT must be positive, got %d", c.Quota.MonthlyLimit)
	}

	if c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("DOCVAL_POLL_MAX_ATTEMPTS must be positive, got %d", c.Poller.MaxAttempts)
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, mock; got %q", c.AI.Provider)
	}

	if c.AI.Provider == "openai" {
		if c.AI.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
		}
		if !strings.HasPrefix(c.AI.OpenAI.BaseURL, "http://") && !strings.HasPrefix(c.AI.OpenAI.BaseURL, "https://") {
			return fmt.Errorf("OPENAI_BASE_URL must start with http:// or https://, got %q", c.AI.OpenAI.BaseURL)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
