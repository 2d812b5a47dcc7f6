package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the framequeue server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Detector  DetectorConfig
	Queue     QueueConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// DetectorConfig selects and configures the recognition backend.
type DetectorConfig struct {
	Provider   string
	BaseURL    string
	// Timeout caps a single HTTP call. Zero leaves wedged calls to the stuck-job reaper.
	Timeout    time.Duration
	MaxRetries int
	// MockDelay is how long the mock detector pretends to work.
	MockDelay  time.Duration
}

// QueueConfig tunes the worker loop, the supervisor and admission estimates.
type QueueConfig struct {
	IdleInterval       time.Duration
	BusyInterval       time.Duration
	MaxErrorBackoff    time.Duration
	StuckTimeout       time.Duration
	SupervisorSchedule string
	ClipFallback       float64
	StreamFallback     float64
	AverageWindow      int
	DefaultFrames      int
}

// AuthConfig lists bcrypt hashes of the accepted API keys. Empty disables auth.
type AuthConfig struct {
	APIKeyHashes []string
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

var validProviders = map[string]bool{
	"http": true,
	"mock": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("FRAMEQUEUE_PORT", 8080),
			Env:  envString("FRAMEQUEUE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Detector: DetectorConfig{
			Provider:   envString("DETECTOR_PROVIDER", "http"),
			BaseURL:    os.Getenv("DETECTOR_BASE_URL"),
			Timeout:    envDuration("DETECTOR_TIMEOUT", 0),
			MaxRetries: envInt("DETECTOR_MAX_RETRIES", 3),
			MockDelay:  envDuration("DETECTOR_MOCK_DELAY", 2*time.Second),
		},
		Queue: QueueConfig{
			IdleInterval:       envDuration("QUEUE_IDLE_INTERVAL", 5*time.Second),
			BusyInterval:       envDuration("QUEUE_BUSY_INTERVAL", 2*time.Second),
			MaxErrorBackoff:    envDuration("QUEUE_MAX_ERROR_BACKOFF", 30*time.Second),
			StuckTimeout:       envDuration("QUEUE_STUCK_TIMEOUT", 10*time.Minute),
			SupervisorSchedule: envString("QUEUE_SUPERVISOR_SCHEDULE", "@every 30s"),
			ClipFallback:       envFloat("QUEUE_CLIP_FALLBACK_SECONDS", 15),
			StreamFallback:     envFloat("QUEUE_STREAM_FALLBACK_SECONDS", 25),
			AverageWindow:      envInt("QUEUE_AVERAGE_WINDOW", 20),
			DefaultFrames:      envInt("QUEUE_DEFAULT_FRAMES", 20),
		},
		Auth: AuthConfig{
			APIKeyHashes: envList("API_KEY_HASHES"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_RPM", 60),
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

	if !validProviders[c.Detector.Provider] {
		return fmt.Errorf("DETECTOR_PROVIDER must be one of http, mock; got %q", c.Detector.Provider)
	}
	if c.Detector.Provider == "http" {
		if c.Detector.BaseURL == "" {
			return fmt.Errorf("DETECTOR_BASE_URL is required when DETECTOR_PROVIDER is http")
		}
		if !strings.HasPrefix(c.Detector.BaseURL, "http://") && !strings.HasPrefix(c.Detector.BaseURL, "https://") {
			return fmt.Errorf("DETECTOR_BASE_URL must start with http:// or https://, got %q", c.Detector.BaseURL)
		}
	}
	if c.Detector.MaxRetries < 0 {
		return fmt.Errorf("DETECTOR_MAX_RETRIES must not be negative, got %d", c.Detector.MaxRetries)
	}

	if _, err := cron.ParseStandard(c.Queue.SupervisorSchedule); err != nil {
		return fmt.Errorf("QUEUE_SUPERVISOR_SCHEDULE is invalid: %w", err)
	}
	if c.Queue.StuckTimeout <= 0 {
		return fmt.Errorf("QUEUE_STUCK_TIMEOUT must be positive, got %s", c.Queue.StuckTimeout)
	}
	if c.Queue.IdleInterval <= 0 || c.Queue.BusyInterval <= 0 {
		return fmt.Errorf("QUEUE_IDLE_INTERVAL and QUEUE_BUSY_INTERVAL must be positive")
	}
	if c.Queue.MaxErrorBackoff <= 0 {
		return fmt.Errorf("QUEUE_MAX_ERROR_BACKOFF must be positive, got %s", c.Queue.MaxErrorBackoff)
	}
	if c.Queue.ClipFallback <= 0 || c.Queue.StreamFallback <= 0 {
		return fmt.Errorf("queue fallback averages must be positive")
	}
	if c.Queue.AverageWindow < 1 {
		return fmt.Errorf("QUEUE_AVERAGE_WINDOW must be at least 1, got %d", c.Queue.AverageWindow)
	}
	if c.Queue.DefaultFrames < 1 {
		return fmt.Errorf("QUEUE_DEFAULT_FRAMES must be at least 1, got %d", c.Queue.DefaultFrames)
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

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
