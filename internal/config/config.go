package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	Server ServerConfig `json:"server"`

	// Sync loop tuning
	Sync SyncConfig `json:"sync"`

	// Logging Configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig points at the chat backend.
type ServerConfig struct {
	BaseURL     string `json:"base_url"`
	WSURL       string `json:"ws_url"`
	HTTPTimeout int    `json:"http_timeout"` // seconds
}

// SyncConfig tunes reconnect behaviour of the push channels.
type SyncConfig struct {
	BackoffBaseMS int `json:"backoff_base_ms"`
	BackoffMaxMS  int `json:"backoff_max_ms"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// Load reads configuration from a .env file if present, then from the
// environment. Missing values fall back to defaults; only CHAT_BASE_URL is
// required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			BaseURL:     os.Getenv("CHAT_BASE_URL"),
			WSURL:       os.Getenv("CHAT_WS_URL"),
			HTTPTimeout: envInt("CHAT_HTTP_TIMEOUT", 15),
		},
		Sync: SyncConfig{
			BackoffBaseMS: envInt("CHAT_BACKOFF_BASE_MS", 500),
			BackoffMaxMS:  envInt("CHAT_BACKOFF_MAX_MS", 30000),
		},
		Logging: LoggingConfig{
			Level: envDefault("CHAT_LOG_LEVEL", "info"),
		},
	}

	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("CHAT_BASE_URL is not set")
	}
	if cfg.Server.WSURL == "" {
		cfg.Server.WSURL = deriveWSURL(cfg.Server.BaseURL)
	}
	return cfg, nil
}

func (cfg *Config) HTTPTimeout() time.Duration {
	return time.Duration(cfg.Server.HTTPTimeout) * time.Second
}

func (cfg *Config) BackoffBase() time.Duration {
	return time.Duration(cfg.Sync.BackoffBaseMS) * time.Millisecond
}

func (cfg *Config) BackoffMax() time.Duration {
	return time.Duration(cfg.Sync.BackoffMaxMS) * time.Millisecond
}

// LogLevel maps the configured level name to zerolog, defaulting to info
// on anything unrecognized.
func (cfg *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// deriveWSURL rewrites the REST base URL onto the websocket scheme and
// appends the push endpoint.
func deriveWSURL(base string) string {
	switch {
	case len(base) > 8 && base[:8] == "https://":
		return "wss://" + base[8:] + "/ws"
	case len(base) > 7 && base[:7] == "http://":
		return "ws://" + base[7:] + "/ws"
	default:
		return base + "/ws"
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
