// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Extractor backends.
const (
	BackendOpenAI = "openai"
	BackendGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	DBPath           string
	LogLevel         string
	IsLocal          bool
	SessionIdleTTL   time.Duration
	SweepInterval    time.Duration
	MaxReplies       int
	ArchiveRetention time.Duration
	Extractor        ExtractorConfig
	ConversationLog  ConversationLogConfig
}

// ExtractorConfig selects and tunes the profile extraction backend.
type ExtractorConfig struct {
	Backend       string
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	MaxTokens     int
	Addr          string // gRPC extractor address
	Timeout       time.Duration
	MaxAttempts   int
}

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		DBPath:           getEnv("DB_PATH", "./data/wellness.db"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		IsLocal:          getEnvBool("IS_LOCAL", false),
		SessionIdleTTL:   getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
		SweepInterval:    getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		MaxReplies:       getEnvInt("MAX_ASSISTANT_REPLIES", 5),
		ArchiveRetention: getEnvDuration("ARCHIVE_RETENTION", 30*24*time.Hour),
		Extractor: ExtractorConfig{
			Backend:       strings.ToLower(getEnv("EXTRACTOR_BACKEND", BackendOpenAI)),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			MaxTokens:     getEnvInt("MAX_TOKENS", 1024),
			Addr:          getEnv("EXTRACTOR_ADDR", "localhost:50051"),
			Timeout:       getEnvDuration("EXTRACTOR_TIMEOUT", 30*time.Second),
			MaxAttempts:   getEnvInt("EXTRACTOR_MAX_ATTEMPTS", 2),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.MaxReplies <= 0 {
		return fmt.Errorf("MAX_ASSISTANT_REPLIES must be > 0")
	}
	if c.ArchiveRetention <= 0 {
		return fmt.Errorf("ARCHIVE_RETENTION must be > 0")
	}

	switch c.Extractor.Backend {
	case BackendOpenAI:
		if c.Extractor.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai backend")
		}
		if c.Extractor.MaxTokens <= 0 {
			return fmt.Errorf("MAX_TOKENS must be > 0")
		}
	case BackendGRPC:
		if c.Extractor.Addr == "" {
			return fmt.Errorf("EXTRACTOR_ADDR is required for the grpc backend")
		}
	default:
		return fmt.Errorf("EXTRACTOR_BACKEND must be %q or %q, got %q", BackendOpenAI, BackendGRPC, c.Extractor.Backend)
	}
	if c.Extractor.Timeout <= 0 {
		return fmt.Errorf("EXTRACTOR_TIMEOUT must be > 0")
	}
	if c.Extractor.MaxAttempts <= 0 {
		return fmt.Errorf("EXTRACTOR_MAX_ATTEMPTS must be > 0")
	}

	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.IsLocal ||
		c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel returns the configured log level. IS_LOCAL forces debug.
func (c *Config) SlogLevel() slog.Level {
	if c.IsLocal {
		return slog.LevelDebug
	}
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not a valid level", s)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s", "1h") or plain seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
