package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("TIKHUB_BASE_URL", "https://api.tikhub.example")
	t.Setenv("TIKHUB_API_KEY", "test-key")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 20*time.Second, cfg.ReceiveTimeout)
	assert.Equal(t, 60*time.Second, cfg.ReaperInterval)
	assert.Equal(t, 300*time.Second, cfg.IdleRoomTimeout)
}

func TestLoad_MissingAPIKey(t *testing.T) {
	t.Setenv("TIKHUB_BASE_URL", "https://api.tikhub.example")
	t.Setenv("TIKHUB_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TIKHUB_API_KEY")
}

func TestLoad_InvalidReceiveTimeout(t *testing.T) {
	setRequired(t)
	t.Setenv("WS_RECEIVE_TIMEOUT", "-5s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WS_RECEIVE_TIMEOUT")
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9100")
	t.Setenv("WS_RECEIVE_TIMEOUT", "45s")
	t.Setenv("WS_PROXY_URL", "http://127.0.0.1:7890")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.ReceiveTimeout)
	assert.Equal(t, "http://127.0.0.1:7890", cfg.WsProxyURL)
}
