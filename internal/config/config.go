package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	DisconnectFlushTimeout   time.Duration
	MetricsNamespace         string
	LogLevel                 string

	AllowAnyOrigin bool

	RedisURL    string
	DatabaseURL string

	MaxHistoryMessages int
	MaxStoredMessages  int

	FlushLockTTL   time.Duration
	FlushLockWait  time.Duration
	FlushMarkerTTL time.Duration

	RetentionPolicy        string
	RetentionSessionsLimit int
	RetentionRecordsLimit  int

	CompletionMode    string
	CompletionBaseURL string
	CompletionAPIKey  string
	CompletionTimeout time.Duration

	DefaultModel            string
	DefaultPrompt           string
	DefaultTemperature      float64
	DefaultFrequencyPenalty float64
	DefaultPresencePenalty  float64
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "chatai"),
		LogLevel:          envOrDefault("APP_LOG_LEVEL", "info"),
		RedisURL:          envOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		RetentionPolicy:   strings.ToLower(envOrDefault("RETENTION_POLICY", "sessions")),
		CompletionMode:    envOrDefault("COMPLETION_MODE", "auto"),
		CompletionBaseURL: envOrDefault("COMPLETION_BASE_URL", "https://api.deepseek.com"),
		// DEEPSEEK_API_KEY is accepted for existing deployments.
		CompletionAPIKey: firstNonEmpty(stringsTrimSpace("COMPLETION_API_KEY"), stringsTrimSpace("DEEPSEEK_API_KEY")),
		DefaultModel:     envOrDefault("AI_DEFAULT_MODEL", "deepseek-chat"),
		DefaultPrompt:    envOrDefault("AI_DEFAULT_PROMPT", "You are a friendly assistant."),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		DisconnectFlushTimeout:   15 * time.Second,
		MaxHistoryMessages:       4,
		MaxStoredMessages:        50,
		FlushLockTTL:             30 * time.Second,
		FlushLockWait:            10 * time.Second,
		FlushMarkerTTL:           5 * time.Second,
		RetentionSessionsLimit:   10,
		RetentionRecordsLimit:    1000,
		DefaultTemperature:       0.2,
		DefaultFrequencyPenalty:  0.1,
		DefaultPresencePenalty:   0.2,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"APP_DISCONNECT_FLUSH_TIMEOUT", &cfg.DisconnectFlushTimeout},
		{"FLUSH_LOCK_TTL", &cfg.FlushLockTTL},
		{"FLUSH_LOCK_WAIT", &cfg.FlushLockWait},
		{"FLUSH_MARKER_TTL", &cfg.FlushMarkerTTL},
		{"COMPLETION_TIMEOUT", &cfg.CompletionTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CHAT_MAX_HISTORY_MESSAGES", &cfg.MaxHistoryMessages},
		{"CHAT_MAX_STORED_MESSAGES", &cfg.MaxStoredMessages},
		{"RETENTION_SESSIONS_LIMIT", &cfg.RetentionSessionsLimit},
		{"RETENTION_RECORDS_LIMIT", &cfg.RetentionRecordsLimit},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"AI_DEFAULT_TEMPERATURE", &cfg.DefaultTemperature},
		{"AI_DEFAULT_FREQUENCY_PENALTY", &cfg.DefaultFrequencyPenalty},
		{"AI_DEFAULT_PRESENCE_PENALTY", &cfg.DefaultPresencePenalty},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.MaxHistoryMessages <= 0 {
		return fmt.Errorf("CHAT_MAX_HISTORY_MESSAGES must be positive")
	}
	if c.MaxStoredMessages <= c.MaxHistoryMessages {
		return fmt.Errorf("CHAT_MAX_STORED_MESSAGES must be greater than CHAT_MAX_HISTORY_MESSAGES")
	}
	if c.FlushLockTTL <= 0 || c.FlushLockWait <= 0 || c.FlushMarkerTTL <= 0 {
		return fmt.Errorf("FLUSH_LOCK_TTL, FLUSH_LOCK_WAIT and FLUSH_MARKER_TTL must be positive")
	}
	if c.CompletionTimeout < 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be >= 0")
	}
	switch c.RetentionPolicy {
	case "sessions", "records":
	default:
		return fmt.Errorf("RETENTION_POLICY must be sessions or records, got %q", c.RetentionPolicy)
	}
	if c.RetentionSessionsLimit <= 0 {
		return fmt.Errorf("RETENTION_SESSIONS_LIMIT must be positive")
	}
	if c.RetentionRecordsLimit <= 0 {
		return fmt.Errorf("RETENTION_RECORDS_LIMIT must be positive")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("APP_LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
