package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHAT_BASE_URL", "http://chat.example.com")
	t.Setenv("CHAT_WS_URL", "")
	t.Setenv("CHAT_HTTP_TIMEOUT", "")
	t.Setenv("CHAT_BACKOFF_BASE_MS", "")
	t.Setenv("CHAT_BACKOFF_MAX_MS", "")
	t.Setenv("CHAT_LOG_LEVEL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://chat.example.com/ws", cfg.Server.WSURL)
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase())
	assert.Equal(t, 30*time.Second, cfg.BackoffMax())
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
}

func TestLoad_RequiresBaseURL(t *testing.T) {
	t.Setenv("CHAT_BASE_URL", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHAT_BASE_URL", "https://chat.example.com")
	t.Setenv("CHAT_WS_URL", "wss://push.example.com/ws")
	t.Setenv("CHAT_HTTP_TIMEOUT", "5")
	t.Setenv("CHAT_BACKOFF_BASE_MS", "100")
	t.Setenv("CHAT_BACKOFF_MAX_MS", "2000")
	t.Setenv("CHAT_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://push.example.com/ws", cfg.Server.WSURL)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.BackoffBase())
	assert.Equal(t, 2*time.Second, cfg.BackoffMax())
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
}

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{"http", "http://host:8080", "ws://host:8080/ws"},
		{"https", "https://host", "wss://host/ws"},
		{"bare", "host:8080", "host:8080/ws"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveWSURL(tt.base))
		})
	}
}
