package tls

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// cipherSuiteRegistry maps configurable TLS 1.2 cipher suite names to IDs.
// TLS 1.3 suites are accepted by name but not configurable in crypto/tls.
var cipherSuiteRegistry = buildCipherSuiteRegistry()

func buildCipherSuiteRegistry() map[string]*tls.CipherSuite {
	registry := make(map[string]*tls.CipherSuite)
	for _, s := range tls.CipherSuites() {
		registry[s.Name] = s
	}
	for _, s := range tls.InsecureCipherSuites() {
		registry[s.Name] = s
	}
	return registry
}

// curveRegistry maps curve names to their tls.CurveID values.
var curveRegistry = map[string]tls.CurveID{
	"X25519":         tls.X25519,
	"X25519MLKEM768": tls.X25519MLKEM768,
	"P256":           tls.CurveP256,
	"P384":           tls.CurveP384,
	"P521":           tls.CurveP521,
	"CurveP256":      tls.CurveP256,
	"CurveP384":      tls.CurveP384,
	"CurveP521":      tls.CurveP521,
}

// versionRegistry maps configuration names to TLS versions.
var versionRegistry = map[string]uint16{
	"TLS10": tls.VersionTLS10,
	"TLS11": tls.VersionTLS11,
	"TLS12": tls.VersionTLS12,
	"TLS13": tls.VersionTLS13,
	"1.0":   tls.VersionTLS10,
	"1.1":   tls.VersionTLS11,
	"1.2":   tls.VersionTLS12,
	"1.3":   tls.VersionTLS13,
}

// DefaultSecureCipherSuites returns the default TLS 1.2 cipher suites.
func DefaultSecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// DefaultCurvePreferences returns the default key exchange preferences.
func DefaultCurvePreferences() []tls.CurveID {
	return []tls.CurveID{
		tls.X25519MLKEM768,
		tls.X25519,
		tls.CurveP256,
		tls.CurveP384,
	}
}

// ParseVersion parses a TLS version name such as "TLS12" or "1.3".
func ParseVersion(name string) (uint16, error) {
	v, ok := versionRegistry[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrTLSVersionInvalid, name)
	}
	return v, nil
}

// ParseCipherSuites parses cipher suite names. An empty list, or a list of
// only TLS 1.3 suites, yields DefaultSecureCipherSuites.
func ParseCipherSuites(names []string) ([]uint16, error) {
	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		suite, ok := cipherSuiteRegistry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCipherSuiteInvalid, name)
		}
		if isTLS13Only(suite) {
			continue
		}
		suites = append(suites, suite.ID)
	}

	if len(suites) == 0 {
		return DefaultSecureCipherSuites(), nil
	}
	return suites, nil
}

func isTLS13Only(s *tls.CipherSuite) bool {
	return len(s.SupportedVersions) == 1 && s.SupportedVersions[0] == tls.VersionTLS13
}

// ParseCurvePreferences parses curve names and returns their IDs.
func ParseCurvePreferences(names []string) ([]tls.CurveID, error) {
	curves := make([]tls.CurveID, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		curve, ok := curveRegistry[name]
		if !ok {
			return nil, fmt.Errorf("invalid curve: %s", name)
		}
		curves = append(curves, curve)
	}

	if len(curves) == 0 {
		return DefaultCurvePreferences(), nil
	}
	return curves, nil
}

// VersionName returns the human-readable name of a TLS version.
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("0x%04X", version)
	}
}

// CipherSuiteName returns the standard name of a cipher suite ID.
func CipherSuiteName(id uint16) string {
	return tls.CipherSuiteName(id)
}
