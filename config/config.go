package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const developmentSecret = "secretkey"

type Config struct {
	Env      string
	LogLevel string

	TCPAddr  string
	HTTPAddr string

	DBDriver    string // "sqlite" or "postgres"
	DBPath      string
	DatabaseURL string

	JWTSecret string

	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	SendQueueSize    int
	MaxContentLength int
	RedeliverPending bool

	AllowedOrigins    []string
	ControlSocketPath string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; variables already set in
// the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:               getEnv("RTCHAT_ENV", "development"),
		LogLevel:          getEnv("RTCHAT_LOG_LEVEL", "info"),
		TCPAddr:           getEnv("RTCHAT_TCP_ADDR", ":3215"),
		HTTPAddr:          getEnv("RTCHAT_HTTP_ADDR", ":4000"),
		DBDriver:          strings.ToLower(getEnv("RTCHAT_DB_DRIVER", "sqlite")),
		DBPath:            getEnv("RTCHAT_DB_PATH", "rtchat.db"),
		DatabaseURL:       strings.TrimSpace(os.Getenv("RTCHAT_DATABASE_URL")),
		JWTSecret:         strings.TrimSpace(os.Getenv("RTCHAT_JWT_SECRET")),
		ControlSocketPath: getEnv("RTCHAT_CONTROL_SOCKET", "/tmp/rtchat.sock"),
	}

	var err error
	if cfg.ReadTimeout, err = parseDurationEnv("RTCHAT_READ_TIMEOUT", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = parseDurationEnv("RTCHAT_WRITE_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SendQueueSize, err = parseIntEnv("RTCHAT_SEND_QUEUE", 64); err != nil {
		return nil, err
	}
	if cfg.MaxContentLength, err = parseIntEnv("RTCHAT_MAX_CONTENT", 4096); err != nil {
		return nil, err
	}
	if cfg.RedeliverPending, err = parseBoolEnv("RTCHAT_REDELIVER_PENDING", true); err != nil {
		return nil, err
	}

	cfg.AllowedOrigins = parseListEnv("RTCHAT_ALLOWED_ORIGINS", []string{"*"})

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = developmentSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. main calls it again after flag
// overrides are applied.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("RTCHAT_DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("RTCHAT_DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid RTCHAT_DB_DRIVER value %q", c.DBDriver)
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("RTCHAT_JWT_SECRET is required outside development")
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("RTCHAT_SEND_QUEUE must be positive, got %d", c.SendQueueSize)
	}
	if c.MaxContentLength < 1 {
		return fmt.Errorf("RTCHAT_MAX_CONTENT must be positive, got %d", c.MaxContentLength)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("read and write timeouts must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv accepts Go durations ("90s") or a bare number of seconds.
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseListEnv(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return defaultValue
	}

	var items []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			items = append(items, entry)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
