package router

import (
	"fmt"
	"net"
	"strings"
)

type hostKind int

const (
	hostAny hostKind = iota
	hostWildcard
	hostExact
)

// hostPattern is a compiled host: exact name, "*.suffix" or catch-all.
type hostPattern struct {
	kind hostKind
	// Lowercased name for exact, suffix without "*." for wildcard.
	value string
}

func parseHostPattern(raw string) (hostPattern, error) {
	host := strings.ToLower(strings.TrimSpace(raw))
	if !strings.HasPrefix(host, "*.") {
		host = strings.TrimSuffix(host, ".")
	}
	switch {
	case host == "" || host == "*":
		return hostPattern{kind: hostAny}, nil
	case strings.HasPrefix(host, "*."):
		suffix := strings.TrimSuffix(host[2:], ".")
		if suffix == "" || strings.Contains(suffix, "*") {
			return hostPattern{}, fmt.Errorf("invalid host pattern %q", raw)
		}
		return hostPattern{kind: hostWildcard, value: suffix}, nil
	case strings.Contains(host, "*"):
		return hostPattern{}, fmt.Errorf("invalid host pattern %q", raw)
	default:
		return hostPattern{kind: hostExact, value: host}, nil
	}
}

func (p hostPattern) key() string {
	switch p.kind {
	case hostExact:
		return p.value
	case hostWildcard:
		return "*." + p.value
	default:
		return "*"
	}
}

// normalizeHost lowercases host and strips any port and trailing dot.
func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// wildcardSuffix returns the part of host after its first label, which is
// the lookup key for single-label wildcards.
func wildcardSuffix(host string) (string, bool) {
	i := strings.IndexByte(host, '.')
	if i <= 0 || i == len(host)-1 {
		return "", false
	}
	return host[i+1:], true
}

// PrefixMatcher matches path prefixes on segment boundaries.
type PrefixMatcher struct {
	prefix string
}

// NewPrefixMatcher creates a new prefix path matcher.
func NewPrefixMatcher(prefix string) *PrefixMatcher {
	return &PrefixMatcher{prefix: prefix}
}

// Match checks if the path starts with the prefix at a segment boundary.
func (m *PrefixMatcher) Match(path string) bool {
	if !strings.HasPrefix(path, m.prefix) {
		return false
	}
	if len(path) == len(m.prefix) {
		return true
	}
	return strings.HasSuffix(m.prefix, "/") || path[len(m.prefix)] == '/'
}

// Pattern returns the prefix.
func (m *PrefixMatcher) Pattern() string {
	return m.prefix
}
