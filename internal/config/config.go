package config

import (
	"math"
	"net"
	"strconv"
	"time"
)

// Verification policy names accepted in route configuration.
const (
	VerificationNone     = "none"
	VerificationOptional = "optional"
	VerificationRequired = "required"
)

// Default values.
const (
	DefaultBind                  = "0.0.0.0"
	DefaultPort                  = 8443
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultKeepaliveTimeout      = 65 * time.Second
	DefaultShutdownTimeout       = 30 * time.Second
	DefaultMinVersion            = "TLS12"
	DefaultMaxVersion            = "TLS13"
	DefaultDialTimeout           = 5 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultMaxIdleConnsPerHost   = 32
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultRetryBackoff          = 10 * time.Millisecond
	DefaultBreakerThreshold      = 5
	DefaultBreakerTimeout        = 30 * time.Second
	DefaultMetricsAddress        = ":9090"
	DefaultMetricsPath           = "/metrics"
	DefaultServiceName           = "avamtls"
)

// Default identity header names.
const (
	DefaultSubjectHeader     = "X-Client-Subject-DN"
	DefaultIssuerHeader      = "X-Client-Issuer-DN"
	DefaultSerialHeader      = "X-Client-Cert-Serial"
	DefaultFingerprintHeader = "X-Client-Cert-Fingerprint"
	DefaultVerifyHeader      = "X-Client-Verify"
)

// Config is the root configuration of the proxy.
type Config struct {
	Listener        ListenerConfig        `yaml:"listener" json:"listener"`
	TLS             TLSConfig             `yaml:"tls" json:"tls"`
	TrustAnchor     TrustAnchorConfig     `yaml:"trustAnchor" json:"trustAnchor"`
	Upstream        UpstreamConfig        `yaml:"upstream" json:"upstream"`
	IdentityHeaders IdentityHeadersConfig `yaml:"identityHeaders" json:"identityHeaders"`
	Routes          []RouteConfig         `yaml:"routes" json:"routes"`
	Logging         LoggingConfig         `yaml:"logging" json:"logging"`
	Metrics         MetricsConfig         `yaml:"metrics" json:"metrics"`
	Tracing         TracingConfig         `yaml:"tracing" json:"tracing"`
}

// ListenerConfig configures the TLS listening socket.
type ListenerConfig struct {
	Bind             string   `yaml:"bind" json:"bind"`
	Port             int      `yaml:"port" json:"port"`
	HandshakeTimeout Duration `yaml:"handshakeTimeout" json:"handshakeTimeout"`
	// MaxConnections caps concurrently open client connections. Zero is unlimited.
	MaxConnections   int      `yaml:"maxConnections" json:"maxConnections"`
	KeepaliveTimeout Duration `yaml:"keepaliveTimeout" json:"keepaliveTimeout"`
	ShutdownTimeout  Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// Address returns the host:port the listener binds to.
func (l ListenerConfig) Address() string {
	return net.JoinHostPort(l.Bind, strconv.Itoa(l.Port))
}

// TLSConfig configures the server certificate and protocol parameters.
type TLSConfig struct {
	CertFile string `yaml:"certFile" json:"certFile"`
	KeyFile  string `yaml:"keyFile" json:"keyFile"`
	// ReloadInterval is the debounce delay for certificate hot reload.
	// Zero disables watching.
	ReloadInterval   Duration `yaml:"reloadInterval" json:"reloadInterval"`
	MinVersion       string   `yaml:"minVersion" json:"minVersion"`
	MaxVersion       string   `yaml:"maxVersion" json:"maxVersion"`
	CipherSuites     []string `yaml:"cipherSuites,omitempty" json:"cipherSuites,omitempty"`
	CurvePreferences []string `yaml:"curvePreferences,omitempty" json:"curvePreferences,omitempty"`
}

// TrustAnchorConfig points at the root CA bundle and an optional CRL.
type TrustAnchorConfig struct {
	CAFile  string `yaml:"caFile" json:"caFile"`
	CRLFile string `yaml:"crlFile,omitempty" json:"crlFile,omitempty"`
}

// UpstreamConfig configures the shared upstream connection pool.
type UpstreamConfig struct {
	DialTimeout           Duration             `yaml:"dialTimeout" json:"dialTimeout"`
	ResponseHeaderTimeout Duration             `yaml:"responseHeaderTimeout" json:"responseHeaderTimeout"`
	MaxIdleConnsPerHost   int                  `yaml:"maxIdleConnsPerHost" json:"maxIdleConnsPerHost"`
	IdleConnTimeout       Duration             `yaml:"idleConnTimeout" json:"idleConnTimeout"`
	RetryBackoff          Duration             `yaml:"retryBackoff" json:"retryBackoff"`
	// ForwardedHeaders adds X-Forwarded-For, X-Forwarded-Host and
	// X-Forwarded-Proto to forwarded requests.
	ForwardedHeaders bool                 `yaml:"forwardedHeaders" json:"forwardedHeaders"`
	CircuitBreaker   CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
}

// CircuitBreakerConfig configures the per-upstream circuit breaker.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Threshold int      `yaml:"threshold" json:"threshold"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// IdentityHeadersConfig names the headers carrying the client identity upstream.
type IdentityHeadersConfig struct {
	Subject     string `yaml:"subject" json:"subject"`
	Issuer      string `yaml:"issuer" json:"issuer"`
	Serial      string `yaml:"serial" json:"serial"`
	Fingerprint string `yaml:"fingerprint" json:"fingerprint"`
	Verify      string `yaml:"verify" json:"verify"`
}

// RouteConfig is one routing rule.
type RouteConfig struct {
	Name         string           `yaml:"name" json:"name"`
	Host         string           `yaml:"host,omitempty" json:"host,omitempty"`
	PathPrefix   string           `yaml:"pathPrefix" json:"pathPrefix"`
	Upstream     string           `yaml:"upstream" json:"upstream"`
	Verification string           `yaml:"verification" json:"verification"`
	RateLimit    *RateLimitConfig `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
}

// RateLimitConfig configures a token bucket for a route.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// Enabled reports whether the limit is active.
func (r *RateLimitConfig) Enabled() bool {
	return r != nil && r.RequestsPerSecond > 0
}

// EffectiveBurst returns Burst, or the requests per second rounded up when
// Burst is unset.
func (r *RateLimitConfig) EffectiveBurst() int {
	if r.Burst > 0 {
		return r.Burst
	}
	return int(math.Ceil(r.RequestsPerSecond))
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// MetricsConfig configures the metrics and health listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Path    string `yaml:"path" json:"path"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
}

// DefaultConfig returns a configuration with every default applied and no routes.
// The loader decodes YAML on top of it so omitted fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Bind:             DefaultBind,
			Port:             DefaultPort,
			HandshakeTimeout: Duration(DefaultHandshakeTimeout),
			KeepaliveTimeout: Duration(DefaultKeepaliveTimeout),
			ShutdownTimeout:  Duration(DefaultShutdownTimeout),
		},
		TLS: TLSConfig{
			MinVersion: DefaultMinVersion,
			MaxVersion: DefaultMaxVersion,
		},
		Upstream: UpstreamConfig{
			DialTimeout:           Duration(DefaultDialTimeout),
			ResponseHeaderTimeout: Duration(DefaultResponseHeaderTimeout),
			MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
			IdleConnTimeout:       Duration(DefaultIdleConnTimeout),
			RetryBackoff:          Duration(DefaultRetryBackoff),
			ForwardedHeaders:      true,
			CircuitBreaker: CircuitBreakerConfig{
				Threshold: DefaultBreakerThreshold,
				Timeout:   Duration(DefaultBreakerTimeout),
			},
		},
		IdentityHeaders: IdentityHeadersConfig{
			Subject:     DefaultSubjectHeader,
			Issuer:      DefaultIssuerHeader,
			Serial:      DefaultSerialHeader,
			Fingerprint: DefaultFingerprintHeader,
			Verify:      DefaultVerifyHeader,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: DefaultMetricsAddress,
			Path:    DefaultMetricsPath,
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
			ServiceName:  DefaultServiceName,
		},
	}
}

// applyRouteDefaults fills per-route defaults that YAML decoding cannot
// inherit from DefaultConfig.
func (c *Config) applyRouteDefaults() {
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.Verification == "" {
			r.Verification = VerificationRequired
		}
		if r.RateLimit.Enabled() {
			r.RateLimit.Burst = r.RateLimit.EffectiveBurst()
		}
	}
}
