package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string
	JWTSecret   string
	Env         string
	CacheDir    string
	// AuthCodeTTL bounds both the durable attempt-budget row and the cache
	// mirror of a client authentication code.
	AuthCodeTTL time.Duration
	// MaxAuthAttempts is the per-mobile verification attempt budget.
	MaxAuthAttempts int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:            "8080",
		Env:             "development",
		CacheDir:        "./data/cache",
		AuthCodeTTL:     30 * 24 * time.Hour,
		MaxAuthAttempts: 5,
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	cfg.JWTSecret = jwtSecret

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}
	if dir := os.Getenv("CACHE_DIR"); dir != "" {
		cfg.CacheDir = dir
	}
	if v := os.Getenv("AUTH_CODE_TTL_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return nil, fmt.Errorf("AUTH_CODE_TTL_HOURS must be a positive integer, got %q", v)
		}
		cfg.AuthCodeTTL = time.Duration(hours) * time.Hour
	}
	if v := os.Getenv("MAX_AUTH_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("MAX_AUTH_ATTEMPTS must be a positive integer, got %q", v)
		}
		cfg.MaxAuthAttempts = n
	}

	return cfg, nil
}
