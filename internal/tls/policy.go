package tls

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// Policy is the client certificate verification policy.
type Policy int

// Verification policies.
const (
	// PolicyNone never requests a client certificate.
	PolicyNone Policy = iota
	// PolicyOptional requests a certificate but accepts its absence.
	PolicyOptional
	// PolicyRequired fails the handshake without a valid certificate.
	PolicyRequired
)

// ParsePolicy parses "none", "optional" or "required".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off":
		return PolicyNone, nil
	case "optional":
		return PolicyOptional, nil
	case "required", "on":
		return PolicyRequired, nil
	default:
		return PolicyNone, fmt.Errorf("%w: %q", ErrPolicyInvalid, s)
	}
}

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyOptional:
		return "optional"
	case PolicyRequired:
		return "required"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// IsValid reports whether p is one of the defined policies.
func (p Policy) IsValid() bool {
	return p >= PolicyNone && p <= PolicyRequired
}

// ClientAuth returns the crypto/tls client auth type for the handshake.
// Chain verification is left to the trust store in every case.
func (p Policy) ClientAuth() tls.ClientAuthType {
	switch p {
	case PolicyOptional:
		return tls.RequestClientCert
	case PolicyRequired:
		return tls.RequireAnyClientCert
	default:
		return tls.NoClientCert
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrPolicyInvalid, int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Combine merges the policies of every rule reachable for one host into the
// policy used during its handshake: required only if all are required,
// none only if all are none, optional otherwise.
func Combine(policies ...Policy) Policy {
	if len(policies) == 0 {
		return PolicyNone
	}

	allRequired, allNone := true, true
	for _, p := range policies {
		if p != PolicyRequired {
			allRequired = false
		}
		if p != PolicyNone {
			allNone = false
		}
	}

	switch {
	case allRequired:
		return PolicyRequired
	case allNone:
		return PolicyNone
	default:
		return PolicyOptional
	}
}

// ConnState is the lifecycle state of one client connection.
type ConnState int

// Connection states.
const (
	ConnListening ConnState = iota
	ConnHandshaking
	ConnEstablished
	ConnFailed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case ConnListening:
		return "listening"
	case ConnHandshaking:
		return "handshaking"
	case ConnEstablished:
		return "established"
	case ConnFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// CanTransition reports whether moving from s to next is allowed.
// Established and Failed are terminal.
func (s ConnState) CanTransition(next ConnState) bool {
	switch s {
	case ConnListening:
		return next == ConnHandshaking
	case ConnHandshaking:
		return next == ConnEstablished || next == ConnFailed
	default:
		return false
	}
}

// PolicyResolver chooses the handshake policy for an SNI server name.
type PolicyResolver interface {
	HandshakePolicy(serverName string) Policy
}

// PolicyResolverFunc adapts a function to PolicyResolver.
type PolicyResolverFunc func(serverName string) Policy

// HandshakePolicy implements PolicyResolver.
func (f PolicyResolverFunc) HandshakePolicy(serverName string) Policy {
	return f(serverName)
}

// StaticPolicy resolves every server name to p.
func StaticPolicy(p Policy) PolicyResolver {
	return PolicyResolverFunc(func(string) Policy { return p })
}
