package config

import (
	"time"

	"github.com/TriadSpectraMotion/proxy/internal/keyfetch"
	"github.com/TriadSpectraMotion/proxy/internal/observability"
)

// Config is the root of the authn-proxy configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing" json:"tracing"`
	KeyFetch KeyFetchConfig `yaml:"keyFetch" json:"keyFetch"`
	Policy   PolicyConfig   `yaml:"policy" json:"policy"`
}

// ServerConfig configures the listeners and the upstream.
type ServerConfig struct {
	// Listen is the HTTP listen address of the proxy.
	Listen string `yaml:"listen" json:"listen"`

	// Upstream is the URL requests are forwarded to after authentication.
	Upstream string `yaml:"upstream" json:"upstream"`

	// GRPCListen enables the gRPC health server when set.
	GRPCListen string `yaml:"grpcListen,omitempty" json:"grpcListen,omitempty"`

	TLS *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// TokenHeaders are request headers, besides Authorization, carrying
	// bearer tokens.
	TokenHeaders []string `yaml:"tokenHeaders,omitempty" json:"tokenHeaders,omitempty"`

	ReadHeaderTimeout Duration `yaml:"readHeaderTimeout,omitempty" json:"readHeaderTimeout,omitempty"`
	ShutdownTimeout   Duration `yaml:"shutdownTimeout,omitempty" json:"shutdownTimeout,omitempty"`
}

// TLSConfig configures the serving certificate and client verification.
type TLSConfig struct {
	CertFile string `yaml:"certFile" json:"certFile"`
	KeyFile  string `yaml:"keyFile" json:"keyFile"`

	// ClientCAFile enables client certificate verification against this
	// bundle. Without it client certificates are requested but unverified.
	ClientCAFile string `yaml:"clientCAFile,omitempty" json:"clientCAFile,omitempty"`

	// RequireClientCert rejects handshakes without a client certificate.
	RequireClientCert bool `yaml:"requireClientCert,omitempty" json:"requireClientCert,omitempty"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// LogConfig converts to the observability logger settings.
func (c LoggingConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{Level: c.Level, Format: c.Format, Output: c.Output}
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Listen    string `yaml:"listen" json:"listen"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Endpoint     string  `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty" json:"insecure,omitempty"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// TracerConfig converts to the observability tracer settings.
func (c TracingConfig) TracerConfig() observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName:  c.ServiceName,
		OTLPEndpoint: c.Endpoint,
		SamplingRate: c.SamplingRate,
		Insecure:     c.Insecure,
		Enabled:      c.Enabled,
	}
}

// KeyFetchConfig configures JWKS loading.
type KeyFetchConfig struct {
	Timeout            Duration `yaml:"timeout" json:"timeout"`
	RefreshInterval    Duration `yaml:"refreshInterval" json:"refreshInterval"`
	RefreshBefore      Duration `yaml:"refreshBefore" json:"refreshBefore"`
	MinRefreshInterval Duration `yaml:"minRefreshInterval" json:"minRefreshInterval"`
	Concurrency        int      `yaml:"concurrency" json:"concurrency"`
	MaxResponseBytes   int64    `yaml:"maxResponseBytes" json:"maxResponseBytes"`
	BreakerThreshold   uint32   `yaml:"breakerThreshold" json:"breakerThreshold"`
	BreakerTimeout     Duration `yaml:"breakerTimeout" json:"breakerTimeout"`

	Retry RetryConfig  `yaml:"retry" json:"retry"`
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RetryConfig configures retries of a failed JWKS request.
type RetryConfig struct {
	MaxRetries     int      `yaml:"maxRetries" json:"maxRetries"`
	InitialBackoff Duration `yaml:"initialBackoff" json:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff" json:"maxBackoff"`
}

// RedisConfig enables the shared JWKS cache.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Address   string `yaml:"address" json:"address"`
	Password  string `yaml:"password,omitempty" json:"password,omitempty"`
	DB        int    `yaml:"db,omitempty" json:"db,omitempty"`
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
}

// FetcherConfig converts to the fetcher refresh settings.
func (c KeyFetchConfig) FetcherConfig() keyfetch.Config {
	return keyfetch.Config{
		RefreshInterval:  c.RefreshInterval.Duration(),
		RefreshBefore:    c.RefreshBefore.Duration(),
		MinMissInterval:  c.MinRefreshInterval.Duration(),
		Concurrency:      c.Concurrency,
		FetchTimeout:     c.Timeout.Duration(),
		BreakerThreshold: c.BreakerThreshold,
		BreakerTimeout:   c.BreakerTimeout.Duration(),
	}
}

// HTTPRetry converts to the HTTP source retry settings.
func (c KeyFetchConfig) HTTPRetry() keyfetch.RetryConfig {
	return keyfetch.RetryConfig{
		MaxRetries:     c.Retry.MaxRetries,
		InitialBackoff: c.Retry.InitialBackoff.Duration(),
		MaxBackoff:     c.Retry.MaxBackoff.Duration(),
		JitterFactor:   keyfetch.DefaultRetryConfig().JitterFactor,
	}
}

// DefaultConfig returns a configuration with every default applied and an
// empty policy.
func DefaultConfig() *Config {
	fetch := keyfetch.DefaultConfig()
	retry := keyfetch.DefaultRetryConfig()
	log := observability.DefaultLogConfig()

	return &Config{
		Server: ServerConfig{
			Listen:            ":8443",
			ReadHeaderTimeout: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(15 * time.Second),
		},
		Logging: LoggingConfig{Level: log.Level, Format: log.Format, Output: log.Output},
		Metrics: MetricsConfig{
			Enabled:   true,
			Listen:    ":9090",
			Path:      "/metrics",
			Namespace: "authn",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
			ServiceName:  "authn-proxy",
		},
		KeyFetch: KeyFetchConfig{
			Timeout:            Duration(fetch.FetchTimeout),
			RefreshInterval:    Duration(fetch.RefreshInterval),
			RefreshBefore:      Duration(fetch.RefreshBefore),
			MinRefreshInterval: Duration(fetch.MinMissInterval),
			Concurrency:        fetch.Concurrency,
			MaxResponseBytes:   keyfetch.DefaultMaxResponseBytes,
			BreakerThreshold:   fetch.BreakerThreshold,
			BreakerTimeout:     Duration(fetch.BreakerTimeout),
			Retry: RetryConfig{
				MaxRetries:     retry.MaxRetries,
				InitialBackoff: Duration(retry.InitialBackoff),
				MaxBackoff:     Duration(retry.MaxBackoff),
			},
		},
	}
}
