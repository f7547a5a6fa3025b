// Package connector owns the gateway's outbound links: SMPP client
// connectors bound to SMSCs, and HTTP connectors receiving MO traffic.
package connector

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/thrillee/aegisroute/internal/session"
	"github.com/thrillee/aegisroute/pkg/codes"
)

// Config describes one connector. SMPP fields apply to "smppc" connectors,
// URL and Method to "http" ones.
type Config struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Host               string `json:"host,omitempty"`
	Port               int    `json:"port,omitempty"`
	SystemID           string `json:"system_id,omitempty"`
	Password           string `json:"password,omitempty"`
	SystemType         string `json:"system_type,omitempty"`
	BindMode           string `json:"bind_mode,omitempty"`
	EnquireLinkSecs    int    `json:"enquire_link_secs,omitempty"`
	RequestTimeoutSecs int    `json:"request_timeout_secs,omitempty"`
	ConnectTimeoutSecs int    `json:"connect_timeout_secs,omitempty"`
	WindowSize         int    `json:"window_size,omitempty"`
	ReconnectOnLoss    bool   `json:"reconnect_on_loss,omitempty"`
	SourceAddrTON      byte   `json:"source_addr_ton,omitempty"`
	SourceAddrNPI      byte   `json:"source_addr_npi,omitempty"`
	DestAddrTON        byte   `json:"dest_addr_ton,omitempty"`
	DestAddrNPI        byte   `json:"dest_addr_npi,omitempty"`

	URL     string `json:"url,omitempty"`
	Method  string `json:"method,omitempty"`
	Timeout int    `json:"timeout_secs,omitempty"`
}

const (
	defaultEnquireLink    = 30 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultWindowSize     = 10
	defaultHTTPTimeout    = 30 * time.Second
)

func secsOr(secs int, def time.Duration) time.Duration {
	if secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func (c Config) EnquireLink() time.Duration    { return secsOr(c.EnquireLinkSecs, defaultEnquireLink) }
func (c Config) RequestTimeout() time.Duration { return secsOr(c.RequestTimeoutSecs, defaultRequestTimeout) }
func (c Config) ConnectTimeout() time.Duration { return secsOr(c.ConnectTimeoutSecs, defaultConnectTimeout) }
func (c Config) HTTPTimeout() time.Duration    { return secsOr(c.Timeout, defaultHTTPTimeout) }

func (c Config) Window() int {
	if c.WindowSize <= 0 || c.WindowSize > 255 {
		return defaultWindowSize
	}
	return c.WindowSize
}

// Mode is the parsed bind mode, trx when unset.
func (c Config) Mode() session.BindMode {
	m, err := session.ParseBindMode(c.BindMode)
	if err != nil {
		return session.BindTRX
	}
	return m
}

// Validate checks the fields required by the connector type and fills in
// the defaults that are stored with it.
func (c *Config) Validate() error {
	if c.ID == "" {
		return codes.New(codes.KindConfiguration, "connector id is required")
	}
	switch c.Type {
	case codes.ConnectorSMPPClient:
		if c.Host == "" || c.Port <= 0 || c.SystemID == "" {
			return codes.New(codes.KindConfiguration, "smppc connector %q needs host, port and system_id", c.ID)
		}
		if _, err := session.ParseBindMode(c.BindMode); err != nil {
			return codes.Wrap(codes.KindConfiguration, err, "smppc connector %q", c.ID)
		}
	case codes.ConnectorHTTP:
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return codes.New(codes.KindConfiguration, "http connector %q needs an http(s) url", c.ID)
		}
		c.Method = strings.ToUpper(c.Method)
		if c.Method == "" {
			c.Method = http.MethodPost
		}
		if c.Method != http.MethodPost && c.Method != http.MethodGet {
			return codes.New(codes.KindConfiguration, "http connector %q method must be GET or POST", c.ID)
		}
	default:
		return codes.New(codes.KindConfiguration, "unknown connector type %q", c.Type)
	}
	return nil
}

// Redacted is the config with secrets masked, for listings.
func (c Config) Redacted() Config {
	if c.Password != "" {
		c.Password = "****"
	}
	return c
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }
