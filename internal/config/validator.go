package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	tlspkg "github.com/vyrodovalexey/avamtls/internal/tls"
)

// ErrInvalidConfig is matched by every *ConfigError through errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError is a fatal configuration problem at a field path.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// ConfigErrors is a collection of configuration errors.
type ConfigErrors []*ConfigError

// Error implements the error interface.
func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return "no configuration errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d configuration errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (e ConfigErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, err := range e {
		errs[i] = err
	}
	return errs
}

// validator accumulates configuration errors.
type validator struct {
	errors ConfigErrors
}

func (v *validator) addError(field, message string) {
	v.errors = append(v.errors, NewConfigError(field, message))
}

func (v *validator) addErrorWithCause(field, message string, cause error) {
	v.errors = append(v.errors, NewConfigErrorWithCause(field, message, cause))
}

func (v *validator) result() error {
	if len(v.errors) == 0 {
		return nil
	}
	return v.errors
}

// ValidateConfig validates a configuration and returns ConfigErrors listing
// every problem found.
func ValidateConfig(cfg *Config) error {
	v := &validator{}

	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.result()
	}

	v.validateListener(&cfg.Listener)
	v.validateTLS(&cfg.TLS)
	v.validateTrustAnchor(&cfg.TrustAnchor)
	v.validateUpstream(&cfg.Upstream)
	v.validateIdentityHeaders(&cfg.IdentityHeaders)
	v.validateRoutes(cfg.Routes)
	v.validateObservability(cfg)

	return v.result()
}

// ValidateRoutes validates only the routes section, as applied on reload.
func ValidateRoutes(routes []RouteConfig) error {
	v := &validator{}
	v.validateRoutes(routes)
	return v.result()
}

func (v *validator) validateListener(l *ListenerConfig) {
	if l.Port < 1 || l.Port > 65535 {
		v.addError("listener.port", fmt.Sprintf("port must be between 1 and 65535, got %d", l.Port))
	}
	if l.HandshakeTimeout <= 0 {
		v.addError("listener.handshakeTimeout", "handshake timeout must be positive")
	}
	if l.MaxConnections < 0 {
		v.addError("listener.maxConnections", "max connections cannot be negative")
	}
	if l.KeepaliveTimeout < 0 {
		v.addError("listener.keepaliveTimeout", "keepalive timeout cannot be negative")
	}
	if l.ShutdownTimeout < 0 {
		v.addError("listener.shutdownTimeout", "shutdown timeout cannot be negative")
	}
}

func (v *validator) validateTLS(t *TLSConfig) {
	if t.CertFile == "" {
		v.addError("tls.certFile", "server certificate file is required")
	}
	if t.KeyFile == "" {
		v.addError("tls.keyFile", "server private key file is required")
	}
	if t.ReloadInterval < 0 {
		v.addError("tls.reloadInterval", "reload interval cannot be negative")
	}

	minVersion, minErr := tlspkg.ParseVersion(t.MinVersion)
	if minErr != nil {
		v.addErrorWithCause("tls.minVersion", "invalid TLS version", minErr)
	}
	maxVersion, maxErr := tlspkg.ParseVersion(t.MaxVersion)
	if maxErr != nil {
		v.addErrorWithCause("tls.maxVersion", "invalid TLS version", maxErr)
	}
	if minErr == nil && maxErr == nil && minVersion > maxVersion {
		v.addError("tls.minVersion", "minimum TLS version cannot exceed maximum TLS version")
	}

	if _, err := tlspkg.ParseCipherSuites(t.CipherSuites); err != nil {
		v.addErrorWithCause("tls.cipherSuites", "invalid cipher suite", err)
	}
	if _, err := tlspkg.ParseCurvePreferences(t.CurvePreferences); err != nil {
		v.addErrorWithCause("tls.curvePreferences", "invalid curve", err)
	}
}

func (v *validator) validateTrustAnchor(t *TrustAnchorConfig) {
	if t.CAFile == "" {
		v.addError("trustAnchor.caFile", "trust anchor CA file is required")
	}
}

func (v *validator) validateUpstream(u *UpstreamConfig) {
	if u.DialTimeout < 0 {
		v.addError("upstream.dialTimeout", "dial timeout cannot be negative")
	}
	if u.ResponseHeaderTimeout < 0 {
		v.addError("upstream.responseHeaderTimeout", "response header timeout cannot be negative")
	}
	if u.MaxIdleConnsPerHost < 0 {
		v.addError("upstream.maxIdleConnsPerHost", "max idle connections cannot be negative")
	}
	if u.IdleConnTimeout < 0 {
		v.addError("upstream.idleConnTimeout", "idle connection timeout cannot be negative")
	}
	if u.RetryBackoff < 0 {
		v.addError("upstream.retryBackoff", "retry backoff cannot be negative")
	}
	if u.CircuitBreaker.Enabled {
		if u.CircuitBreaker.Threshold <= 0 {
			v.addError("upstream.circuitBreaker.threshold", "threshold must be positive")
		}
		if u.CircuitBreaker.Timeout <= 0 {
			v.addError("upstream.circuitBreaker.timeout", "timeout must be positive")
		}
	}
}

func (v *validator) validateIdentityHeaders(h *IdentityHeadersConfig) {
	headers := []struct{ field, name string }{
		{"identityHeaders.subject", h.Subject},
		{"identityHeaders.issuer", h.Issuer},
		{"identityHeaders.serial", h.Serial},
		{"identityHeaders.fingerprint", h.Fingerprint},
		{"identityHeaders.verify", h.Verify},
	}
	seen := make(map[string]bool, len(headers))
	for _, hdr := range headers {
		field, name := hdr.field, hdr.name
		if name == "" {
			v.addError(field, "header name is required")
			continue
		}
		if strings.ContainsAny(name, " \t:") {
			v.addError(field, fmt.Sprintf("invalid header name %q", name))
			continue
		}
		canonical := strings.ToLower(name)
		if seen[canonical] {
			v.addError(field, fmt.Sprintf("duplicate header name %q", name))
		}
		seen[canonical] = true
	}
}

func (v *validator) validateRoutes(routes []RouteConfig) {
	if len(routes) == 0 {
		v.addError("routes", "at least one route is required")
		return
	}

	names := make(map[string]bool, len(routes))
	for i := range routes {
		r := &routes[i]
		path := fmt.Sprintf("routes[%d]", i)

		if r.Name == "" {
			v.addError(path+".name", "name is required")
		} else if names[r.Name] {
			v.addError(path+".name", fmt.Sprintf("duplicate route name %q", r.Name))
		}
		names[r.Name] = true

		if !strings.HasPrefix(r.PathPrefix, "/") {
			v.addError(path+".pathPrefix", "path prefix must start with '/'")
		}

		v.validateHost(path+".host", r.Host)
		v.validateUpstreamURL(path+".upstream", r.Upstream)

		if _, err := tlspkg.ParsePolicy(r.Verification); err != nil {
			v.addErrorWithCause(path+".verification", "invalid verification policy", err)
		}

		if r.RateLimit != nil {
			if r.RateLimit.RequestsPerSecond < 0 {
				v.addError(path+".rateLimit.requestsPerSecond", "requests per second cannot be negative")
			}
			if r.RateLimit.Burst < 0 {
				v.addError(path+".rateLimit.burst", "burst cannot be negative")
			}
		}
	}
}

func (v *validator) validateHost(field, host string) {
	if host == "" || host == "*" {
		return
	}
	rest := host
	if strings.HasPrefix(host, "*.") {
		rest = host[2:]
	}
	if rest == "" || strings.Contains(rest, "*") {
		v.addError(field, fmt.Sprintf("invalid host pattern %q", host))
	}
}

func (v *validator) validateUpstreamURL(field, raw string) {
	if raw == "" {
		v.addError(field, "upstream is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		v.addErrorWithCause(field, "invalid upstream URL", err)
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		v.addError(field, fmt.Sprintf("upstream scheme must be http or https, got %q", u.Scheme))
	}
	if u.Host == "" {
		v.addError(field, "upstream host is required")
	}
}

func (v *validator) validateObservability(cfg *Config) {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("logging.level", fmt.Sprintf("invalid log level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("invalid log format %q", cfg.Logging.Format))
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Address == "" {
			v.addError("metrics.address", "address is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			v.addError("metrics.path", "path must start with '/'")
		}
	}

	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		v.addError("tracing.samplingRate", "sampling rate must be between 0 and 1")
	}
}

// CheckFiles verifies that the certificate, key, trust anchor and CRL files
// exist. Each missing file is reported against its own field.
func CheckFiles(cfg *Config) error {
	v := &validator{}
	v.checkFile("tls.certFile", cfg.TLS.CertFile)
	v.checkFile("tls.keyFile", cfg.TLS.KeyFile)
	v.checkFile("trustAnchor.caFile", cfg.TrustAnchor.CAFile)
	if cfg.TrustAnchor.CRLFile != "" {
		v.checkFile("trustAnchor.crlFile", cfg.TrustAnchor.CRLFile)
	}
	return v.result()
}

func (v *validator) checkFile(field, path string) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		v.addErrorWithCause(field, fmt.Sprintf("cannot access %s", path), err)
		return
	}
	if info.IsDir() {
		v.addError(field, fmt.Sprintf("%s is a directory", path))
	}
}
