// SPDX-License-Identifier: MIT

// Package config loads and validates the waitlined runtime configuration.
// Precedence: environment > file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the immutable runtime configuration handed to every component.
type Config struct {
	Listen     string   `yaml:"listen"`
	DataDir    string   `yaml:"dataDir"`
	LogLevel   string   `yaml:"logLevel"`
	AppBaseURL string   `yaml:"appBaseUrl"`

	// Host credentials are HMAC-SHA256 over the session id with this secret.
	HostAuthSecret string `yaml:"hostAuthSecret"`

	TurnstileSecret string `yaml:"turnstileSecret"`
	TurnstileBypass bool   `yaml:"turnstileBypass"`

	AllowedOrigins []string `yaml:"allowedOrigins"`

	VAPIDPublic  string `yaml:"vapidPublic"`
	VAPIDPrivate string `yaml:"vapidPrivate"`
	VAPIDSubject string `yaml:"vapidSubject"`

	// TestMode makes the alarm treat any fire as deadline-reached.
	TestMode bool `yaml:"testMode"`

	// SnapshotStore selects the snapshot backend: memory, redis or badger.
	SnapshotStore string `yaml:"snapshotStore"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`

	// TracingService enables OTLP tracing middleware when non-empty.
	TracingService string `yaml:"tracingService"`

	// RateLimitRPM caps create/join requests per minute per IP (0 disables).
	RateLimitRPM int `yaml:"rateLimitRPM"`
}

// PushEnabled reports whether Web Push delivery is configured.
func (c Config) PushEnabled() bool {
	return c.VAPIDPublic != "" && c.VAPIDPrivate != ""
}

func defaults() Config {
	return Config{
		Listen:        ":8080",
		DataDir:       "/var/lib/waitline",
		LogLevel:      "info",
		SnapshotStore: "memory",
		RateLimitRPM:  60,
	}
}

// Load reads the optional YAML file at path, applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Listen = ParseString("WAITLINE_LISTEN", cfg.Listen)
	cfg.DataDir = ParseString("WAITLINE_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = ParseString("LOG_LEVEL", cfg.LogLevel)
	cfg.AppBaseURL = ParseString("APP_BASE_URL", cfg.AppBaseURL)
	cfg.HostAuthSecret = ParseString("HOST_AUTH_SECRET", cfg.HostAuthSecret)
	cfg.TurnstileSecret = ParseString("TURNSTILE_SECRET_KEY", cfg.TurnstileSecret)
	cfg.TurnstileBypass = ParseBool("TURNSTILE_BYPASS", cfg.TurnstileBypass)
	cfg.VAPIDPublic = ParseString("VAPID_PUBLIC", cfg.VAPIDPublic)
	cfg.VAPIDPrivate = ParseString("VAPID_PRIVATE", cfg.VAPIDPrivate)
	cfg.VAPIDSubject = ParseString("VAPID_SUBJECT", cfg.VAPIDSubject)
	cfg.TestMode = ParseBool("TEST_MODE", cfg.TestMode)
	cfg.SnapshotStore = ParseString("WAITLINE_SNAPSHOT_STORE", cfg.SnapshotStore)
	cfg.RedisAddr = ParseString("WAITLINE_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = ParseString("WAITLINE_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = ParseInt("WAITLINE_REDIS_DB", cfg.RedisDB)
	cfg.TracingService = ParseString("WAITLINE_TRACING_SERVICE", cfg.TracingService)
	cfg.RateLimitRPM = ParseInt("WAITLINE_RATE_LIMIT_RPM", cfg.RateLimitRPM)

	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.AllowedOrigins = origins
	}
}

func (c Config) validate() error {
	if c.HostAuthSecret == "" {
		return fmt.Errorf("config: HOST_AUTH_SECRET is required")
	}
	switch c.SnapshotStore {
	case "memory", "redis", "badger":
	default:
		return fmt.Errorf("config: unknown snapshot store %q (memory|redis|badger)", c.SnapshotStore)
	}
	if c.SnapshotStore == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("config: WAITLINE_REDIS_ADDR is required for the redis snapshot store")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("config: rate limit must be >= 0, got %d", c.RateLimitRPM)
	}
	return nil
}

// ParseString returns the environment value for key, or fallback if unset.
func ParseString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

// ParseBool returns the boolean environment value for key, or fallback if
// unset or unparseable.
func ParseBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return fallback
}

// ParseInt returns the integer environment value for key, or fallback if
// unset or unparseable.
func ParseInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return fallback
}
