package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegisroute/internal/session"
	"github.com/thrillee/aegisroute/pkg/codes"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"smppc ok", smppcConfig("smppc-1"), false},
		{"missing id", Config{Type: codes.ConnectorHTTP, URL: "http://x"}, true},
		{"smppc without host", Config{ID: "a", Type: codes.ConnectorSMPPClient, Port: 2775, SystemID: "s"}, true},
		{"smppc bad bind", Config{ID: "a", Type: codes.ConnectorSMPPClient, Host: "h", Port: 1, SystemID: "s", BindMode: "both"}, true},
		{"http ok", Config{ID: "h", Type: codes.ConnectorHTTP, URL: "https://example.com/mo"}, false},
		{"http bad url", Config{ID: "h", Type: codes.ConnectorHTTP, URL: "ftp://example.com"}, true},
		{"http bad method", Config{ID: "h", Type: codes.ConnectorHTTP, URL: "http://x", Method: "PUT"}, true},
		{"unknown type", Config{ID: "u", Type: "smpps"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, codes.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ID: "h", Type: codes.ConnectorHTTP, URL: "http://x", Method: "get"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "GET", cfg.Method)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout())

	s := smppcConfig("s")
	assert.Equal(t, session.BindTRX, s.Mode())
	assert.Equal(t, 10, s.Window())
	assert.Equal(t, 30*time.Second, s.EnquireLink())
	s.WindowSize = 1000
	assert.Equal(t, 10, s.Window())
	s.RequestTimeoutSecs = 3
	assert.Equal(t, 3*time.Second, s.RequestTimeout())

	assert.Equal(t, "****", s.Redacted().Password)
	assert.Equal(t, "pwd", s.Password)
}
