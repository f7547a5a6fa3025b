package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// HTTPConfig is the HTTP edge (/send, /rate, /ping, /metrics).
type HTTPConfig struct {
	Addr         string        `envconfig:"HTTP_ADDR"          default:"0.0.0.0:1401"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT"  default:"10s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"HTTP_IDLE_TIMEOUT"  default:"60s"`
	Enabled      bool          `envconfig:"HTTP_ENABLED"       default:"true"`
}

// SMPPServerConfig is the inbound SMPP edge where users bind as ESMEs.
type SMPPServerConfig struct {
	Addr           string        `envconfig:"SMPP_SERVER_ADDR"            default:"0.0.0.0:2775"`
	SystemID       string        `envconfig:"SMPP_SERVER_SYSTEM_ID"       default:"aegisroute"`
	ReadTimeout    time.Duration `envconfig:"SMPP_SERVER_READ_TIMEOUT"    default:"60s"`
	WriteTimeout   time.Duration `envconfig:"SMPP_SERVER_WRITE_TIMEOUT"   default:"10s"`
	BindTimeout    time.Duration `envconfig:"SMPP_SERVER_BIND_TIMEOUT"    default:"5s"`
	MaxConnections int           `envconfig:"SMPP_SERVER_MAX_CONNECTIONS" default:"100"`
	Enabled        bool          `envconfig:"SMPP_SERVER_ENABLED"         default:"true"`
}

// ControlPlaneConfig is the administration endpoint. AdminPasswordHash is a
// bcrypt hash; Anonymous disables authentication.
type ControlPlaneConfig struct {
	Addr              string `envconfig:"CONTROL_PLANE_ADDR"                default:"127.0.0.1:8990"`
	Anonymous         bool   `envconfig:"CONTROL_PLANE_ANONYMOUS"           default:"false"`
	AdminUsername     string `envconfig:"CONTROL_PLANE_ADMIN_USERNAME"      default:"admin"`
	AdminPasswordHash string `envconfig:"CONTROL_PLANE_ADMIN_PASSWORD_HASH"`
}

// InterceptorClientConfig points the gateway at an interceptor daemon. An
// empty URL leaves the interception subsystem unset, unless Local runs
// scripts in-process.
type InterceptorClientConfig struct {
	URL            string        `envconfig:"INTERCEPTOR_URL"`
	Username       string        `envconfig:"INTERCEPTOR_USERNAME"`
	Password       string        `envconfig:"INTERCEPTOR_PASSWORD"`
	Local          bool          `envconfig:"INTERCEPTOR_LOCAL"           default:"false"`
	CallTimeout    time.Duration `envconfig:"INTERCEPTOR_CALL_TIMEOUT"    default:"5s"`
	RedialInterval time.Duration `envconfig:"INTERCEPTOR_REDIAL_INTERVAL" default:"10s"`
}

// InterceptorServerConfig is the interceptor daemon (cmd/interceptord).
type InterceptorServerConfig struct {
	Addr              string `envconfig:"INTERCEPTORD_ADDR"                default:"127.0.0.1:8987"`
	Anonymous         bool   `envconfig:"INTERCEPTORD_ANONYMOUS"           default:"false"`
	AdminUsername     string `envconfig:"INTERCEPTORD_ADMIN_USERNAME"      default:"interceptor"`
	AdminPasswordHash string `envconfig:"INTERCEPTORD_ADMIN_PASSWORD_HASH"`
}

type ScriptConfig struct {
	Timeout time.Duration `envconfig:"SCRIPT_TIMEOUT" default:"2s"`
}

// ConnectorConfig tunes the connector registry.
type ConnectorConfig struct {
	ReconnectInterval       time.Duration `envconfig:"CONNECTOR_RECONNECT_INTERVAL"        default:"10s"`
	DispatchTimeout         time.Duration `envconfig:"CONNECTOR_DISPATCH_TIMEOUT"          default:"30s"`
	BreakerFailureThreshold int           `envconfig:"CONNECTOR_BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerSuccessThreshold int           `envconfig:"CONNECTOR_BREAKER_SUCCESS_THRESHOLD" default:"2"`
	BreakerTimeout          time.Duration `envconfig:"CONNECTOR_BREAKER_TIMEOUT"           default:"30s"`
	BreakerVolumeThreshold  int           `envconfig:"CONNECTOR_BREAKER_VOLUME_THRESHOLD"  default:"10"`
}

// StoreConfig enables configuration persistence when DatabaseURL is set.
type StoreConfig struct {
	DatabaseURL      string        `envconfig:"DATABASE_URL"`
	Profile          string        `envconfig:"CONFIG_PROFILE"           default:"default"`
	Autoload         bool          `envconfig:"CONFIG_AUTOLOAD"          default:"true"`
	AutosaveInterval time.Duration `envconfig:"CONFIG_AUTOSAVE_INTERVAL" default:"0s"`
}

// Config holds the overall application configuration.
type Config struct {
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
	HTTP              HTTPConfig
	SMPPServer        SMPPServerConfig
	ControlPlane      ControlPlaneConfig
	InterceptorClient InterceptorClientConfig
	InterceptorServer InterceptorServerConfig
	Script            ScriptConfig
	Connector         ConnectorConfig
	Store             StoreConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	log.Println("Loading configuration from environment variables...")

	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, skipping: %v", err)
	} else {
		log.Println(".env loaded")
	}

	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("Configuration loaded successfully (HTTP Addr: %s, SMPP Addr: %s)", cfg.HTTP.Addr, cfg.SMPPServer.Addr)
	return &cfg, nil
}
