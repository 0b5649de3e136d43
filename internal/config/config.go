// Package config loads runtime configuration from the environment.
//
// Every setting has a default suitable for local development and can be
// overridden with a POSTUREWATCH_-prefixed environment variable. A .env file
// in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const envPrefix = "POSTUREWATCH_"

// Config is the resolved process configuration.
type Config struct {
	DataDir   string
	LogLevel  string
	LogFormat string

	// Poll scheduler
	PollInterval time.Duration

	// Prometheus side server ("" disables it)
	MetricsAddr string

	// Tool worker process
	WorkerCommand string
	WorkerArgs    []string

	// Tool call deadlines
	ToolTimeout     time.Duration
	SlowToolTimeout time.Duration
	PoolIdleTimeout time.Duration

	// Completion endpoint
	LLMEndpoint  string
	LLMAPIKey    string
	LLMModel     string
	LLMMaxTokens int

	// SMTP for email notifications
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	// Run an investigation to verify each newly active alert
	VerifyAlerts bool
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		DataDir:         getString("DATA_DIR", "data"),
		LogLevel:        getString("LOG_LEVEL", "info"),
		LogFormat:       getString("LOG_FORMAT", "auto"),
		PollInterval:    getDuration("POLL_INTERVAL", 15*time.Minute),
		MetricsAddr:     getString("METRICS_ADDR", ":9631"),
		WorkerCommand:   getString("WORKER_COMMAND", "node"),
		ToolTimeout:     getDuration("TOOL_TIMEOUT", 30*time.Second),
		SlowToolTimeout: getDuration("SLOW_TOOL_TIMEOUT", 90*time.Second),
		PoolIdleTimeout: getDuration("POOL_IDLE_TIMEOUT", 5*time.Minute),
		LLMEndpoint:     getString("LLM_ENDPOINT", "https://api.openai.com/v1/chat/completions"),
		LLMAPIKey:       getString("LLM_API_KEY", ""),
		LLMModel:        getString("LLM_MODEL", "gpt-4o-mini"),
		LLMMaxTokens:    getInt("LLM_MAX_TOKENS", 1500),
		SMTPHost:        getString("SMTP_HOST", ""),
		SMTPPort:        getInt("SMTP_PORT", 587),
		SMTPUser:        getString("SMTP_USER", ""),
		SMTPPass:        getString("SMTP_PASS", ""),
		SMTPFrom:        getString("SMTP_FROM", "posturewatch@noreply.local"),
		VerifyAlerts:    getBool("VERIFY_ALERTS", false),
	}

	if args := getString("WORKER_ARGS", ""); args != "" {
		cfg.WorkerArgs = strings.Fields(args)
	}

	if cfg.WorkerCommand == "" {
		return nil, fmt.Errorf("worker command must not be empty")
	}
	if cfg.PollInterval < time.Minute {
		return nil, fmt.Errorf("poll interval %s is below the 1m minimum", cfg.PollInterval)
	}

	return cfg, nil
}

func getString(key, def string) string {
	if val := os.Getenv(envPrefix + key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Invalid integer value, using default")
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Invalid boolean value, using default")
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(envPrefix + key)
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Invalid duration value, using default")
		return def
	}
	return d
}
