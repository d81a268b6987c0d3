package router

import (
	"net/url"
	"strings"

	"github.com/vyrodovalexey/avamtls/internal/config"
	tlspkg "github.com/vyrodovalexey/avamtls/internal/tls"
)

// RateLimit is a per-rule token bucket.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Rule is one compiled route.
type Rule struct {
	Name       string
	Host       string
	PathPrefix string
	Upstream   *url.URL
	Policy     tlspkg.Policy
	RateLimit  *RateLimit

	// Position in the declared rule list.
	Index int

	host   hostPattern
	prefix *PrefixMatcher
}

// Matches reports whether the rule's path prefix covers path.
func (r *Rule) Matches(path string) bool {
	return r.prefix.Match(path)
}

// RulesFromConfig converts route configuration into rules.
func RulesFromConfig(routes []config.RouteConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(routes))
	for i := range routes {
		rc := &routes[i]

		policy, err := tlspkg.ParsePolicy(rc.Verification)
		if err != nil {
			return nil, &RuleError{Rule: rc.Name, Message: "invalid verification policy", Cause: err}
		}

		upstream, err := parseUpstream(rc.Name, rc.Upstream)
		if err != nil {
			return nil, err
		}

		rule := Rule{
			Name:       rc.Name,
			Host:       rc.Host,
			PathPrefix: rc.PathPrefix,
			Upstream:   upstream,
			Policy:     policy,
		}
		if rc.RateLimit.Enabled() {
			rule.RateLimit = &RateLimit{
				RequestsPerSecond: rc.RateLimit.RequestsPerSecond,
				Burst:             rc.RateLimit.EffectiveBurst(),
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseUpstream(name, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, &RuleError{Rule: name, Message: "invalid upstream URL", Cause: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &RuleError{Rule: name, Message: "upstream scheme must be http or https"}
	}
	if u.Host == "" {
		return nil, &RuleError{Rule: name, Message: "upstream host is required"}
	}
	return u, nil
}
