package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:1401", cfg.HTTP.Addr)
	assert.Equal(t, "0.0.0.0:2775", cfg.SMPPServer.Addr)
	assert.Equal(t, 2*time.Second, cfg.Script.Timeout)
	assert.Equal(t, "default", cfg.Store.Profile)
	assert.Empty(t, cfg.InterceptorClient.URL)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("INTERCEPTOR_URL", "ws://127.0.0.1:8987/")
	t.Setenv("CONNECTOR_BREAKER_FAILURE_THRESHOLD", "9")
	t.Setenv("CONFIG_AUTOSAVE_INTERVAL", "1m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, "ws://127.0.0.1:8987/", cfg.InterceptorClient.URL)
	assert.Equal(t, 9, cfg.Connector.BreakerFailureThreshold)
	assert.Equal(t, time.Minute, cfg.Store.AutosaveInterval)
}
