package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixMatcher(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		path   string
		want   bool
	}{
		{prefix: "/", path: "/", want: true},
		{prefix: "/", path: "/anything/at/all", want: true},
		{prefix: "/test", path: "/test", want: true},
		{prefix: "/test", path: "/test/", want: true},
		{prefix: "/test", path: "/test/x", want: true},
		{prefix: "/test", path: "/testing", want: false},
		{prefix: "/test", path: "/tes", want: false},
		{prefix: "/test/", path: "/test/x", want: true},
		{prefix: "/test/", path: "/test", want: false},
		{prefix: "/a/b", path: "/a/bc", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+" "+tt.path, func(t *testing.T) {
			t.Parallel()

			m := NewPrefixMatcher(tt.prefix)
			assert.Equal(t, tt.want, m.Match(tt.path))
			assert.Equal(t, tt.prefix, m.Pattern())
		})
	}
}

func TestParseHostPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		kind    hostKind
		key     string
		wantErr bool
	}{
		{raw: "", kind: hostAny, key: "*"},
		{raw: "*", kind: hostAny, key: "*"},
		{raw: "Example.COM", kind: hostExact, key: "example.com"},
		{raw: "example.com.", kind: hostExact, key: "example.com"},
		{raw: "*.example.com", kind: hostWildcard, key: "*.example.com"},
		{raw: "*.", wantErr: true},
		{raw: "a*.example.com", wantErr: true},
		{raw: "*.*.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()

			p, err := parseHostPattern(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.kind)
			assert.Equal(t, tt.key, p.key())
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", normalizeHost("Example.com:443"))
	assert.Equal(t, "example.com", normalizeHost("example.com."))
	assert.Equal(t, "::1", normalizeHost("[::1]:8443"))
	assert.Equal(t, "10.0.0.1", normalizeHost("10.0.0.1"))
	assert.Equal(t, "", normalizeHost(""))
}

func TestWildcardSuffix(t *testing.T) {
	t.Parallel()

	suffix, ok := wildcardSuffix("a.example.com")
	assert.True(t, ok)
	assert.Equal(t, "example.com", suffix)

	_, ok = wildcardSuffix("localhost")
	assert.False(t, ok)
	_, ok = wildcardSuffix(".example.com")
	assert.False(t, ok)
}
