package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Port     int
	LogLevel string

	DBPath string

	ClassifierEndpoint string
	ClassifierModel    string

	HealthIntervalMs int

	// GatewayKey enables bearer auth on the API surface when set.
	GatewayKey string

	// Security & hardening.
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// Opt-in OpenTelemetry export.
	OTELEnabled  bool
	OTELEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Port:     getEnvInt("SMARTCLAW_PORT", 3000),
		LogLevel: getEnv("SMARTCLAW_LOG_LEVEL", "info"),
		DBPath:   getEnv("SMARTCLAW_DB_PATH", "~/.smartclaw/router/router.db"),

		ClassifierEndpoint: getEnv("SMARTCLAW_CLASSIFIER_ENDPOINT", "http://127.0.0.1:11434"),
		ClassifierModel:    getEnv("SMARTCLAW_CLASSIFIER_MODEL", "qwen3:1.7b"),

		HealthIntervalMs: getEnvInt("SMARTCLAW_HEALTH_INTERVAL_MS", 60000),

		GatewayKey: getEnv("SMARTCLAW_API_KEY", ""),

		CORSOrigins:    getEnvStringSlice("SMARTCLAW_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("SMARTCLAW_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("SMARTCLAW_RATE_LIMIT_BURST", 120),

		OTELEnabled:  getEnvBool("SMARTCLAW_OTEL_ENABLED", false),
		OTELEndpoint: getEnv("SMARTCLAW_OTEL_ENDPOINT", "localhost:4318"),
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SMARTCLAW_PORT must be in 1..65535, got %d", c.Port)
	}
	if c.HealthIntervalMs < 1000 {
		return fmt.Errorf("SMARTCLAW_HEALTH_INTERVAL_MS must be >= 1000, got %d", c.HealthIntervalMs)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("SMARTCLAW_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("SMARTCLAW_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ClassifierEndpoint == "" {
		return fmt.Errorf("SMARTCLAW_CLASSIFIER_ENDPOINT must not be empty")
	}
	return nil
}

// ListenAddr returns the bind address for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
