package router

import (
	"sort"
	"strings"
	"sync/atomic"

	tlspkg "github.com/vyrodovalexey/avamtls/internal/tls"
)

// hostGroup holds the rules of one host pattern, most specific first.
type hostGroup struct {
	pattern hostPattern
	rules   []*Rule
	policy  tlspkg.Policy
}

func (g *hostGroup) match(path string) *Rule {
	for _, r := range g.rules {
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

// Table is an immutable, compiled routing table.
type Table struct {
	rules     []*Rule
	exact     map[string]*hostGroup
	wildcards map[string]*hostGroup
	catchAll  *hostGroup
	// Policy for handshakes without SNI, over every rule.
	defaultPolicy tlspkg.Policy
}

// New compiles rules into a Table. Rules keep their declaration order for
// tie-breaking.
func New(rules []Rule) (*Table, error) {
	t := &Table{
		rules:     make([]*Rule, 0, len(rules)),
		exact:     make(map[string]*hostGroup),
		wildcards: make(map[string]*hostGroup),
	}

	names := make(map[string]bool, len(rules))
	for i := range rules {
		rule := rules[i]
		if err := compileRule(&rule, i); err != nil {
			return nil, err
		}
		if names[rule.Name] {
			return nil, &RuleError{Rule: rule.Name, Message: "duplicate route name"}
		}
		names[rule.Name] = true

		t.rules = append(t.rules, &rule)
		g := t.groupFor(rule.host)
		g.rules = append(g.rules, &rule)
	}

	all := make([]tlspkg.Policy, 0, len(t.rules))
	for _, r := range t.rules {
		all = append(all, r.Policy)
	}
	t.defaultPolicy = tlspkg.Combine(all...)

	for _, g := range t.groups() {
		sortRules(g.rules)
		policies := make([]tlspkg.Policy, 0, len(g.rules))
		for _, r := range g.rules {
			policies = append(policies, r.Policy)
		}
		g.policy = tlspkg.Combine(policies...)
	}

	return t, nil
}

func compileRule(rule *Rule, index int) error {
	if rule.Name == "" {
		return &RuleError{Rule: rule.Name, Message: "name is required"}
	}
	if rule.PathPrefix == "" || !strings.HasPrefix(rule.PathPrefix, "/") {
		return &RuleError{Rule: rule.Name, Message: "path prefix must start with '/'"}
	}
	if rule.Upstream == nil || rule.Upstream.Host == "" {
		return &RuleError{Rule: rule.Name, Message: "upstream host is required"}
	}
	if !rule.Policy.IsValid() {
		return &RuleError{Rule: rule.Name, Message: "invalid verification policy", Cause: tlspkg.ErrPolicyInvalid}
	}
	if rule.RateLimit != nil && rule.RateLimit.RequestsPerSecond > 0 && rule.RateLimit.Burst < 1 {
		return &RuleError{Rule: rule.Name, Message: "rate limit burst must be at least 1"}
	}

	host, err := parseHostPattern(rule.Host)
	if err != nil {
		return &RuleError{Rule: rule.Name, Message: "invalid host", Cause: err}
	}

	rule.Index = index
	rule.host = host
	rule.prefix = NewPrefixMatcher(rule.PathPrefix)
	return nil
}

func (t *Table) groupFor(p hostPattern) *hostGroup {
	switch p.kind {
	case hostExact:
		if g, ok := t.exact[p.value]; ok {
			return g
		}
		g := &hostGroup{pattern: p}
		t.exact[p.value] = g
		return g
	case hostWildcard:
		if g, ok := t.wildcards[p.value]; ok {
			return g
		}
		g := &hostGroup{pattern: p}
		t.wildcards[p.value] = g
		return g
	default:
		if t.catchAll == nil {
			t.catchAll = &hostGroup{pattern: p}
		}
		return t.catchAll
	}
}

func (t *Table) groups() []*hostGroup {
	groups := make([]*hostGroup, 0, len(t.exact)+len(t.wildcards)+1)
	for _, g := range t.exact {
		groups = append(groups, g)
	}
	for _, g := range t.wildcards {
		groups = append(groups, g)
	}
	if t.catchAll != nil {
		groups = append(groups, t.catchAll)
	}
	return groups
}

// sortRules orders by prefix length, longest first, then declaration order.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		li, lj := len(rules[i].PathPrefix), len(rules[j].PathPrefix)
		if li != lj {
			return li > lj
		}
		return rules[i].Index < rules[j].Index
	})
}

// hostGroup returns the most specific group for a normalized host.
func (t *Table) hostGroup(host string) *hostGroup {
	if g, ok := t.exact[host]; ok {
		return g
	}
	if suffix, ok := wildcardSuffix(host); ok {
		if g, ok := t.wildcards[suffix]; ok {
			return g
		}
	}
	return t.catchAll
}

// Resolve returns the rule for host and path, or a *NoRouteError.
func (t *Table) Resolve(host, path string) (*Rule, error) {
	if path == "" {
		path = "/"
	}

	g := t.hostGroup(normalizeHost(host))
	if g != nil {
		if r := g.match(path); r != nil {
			return r, nil
		}
	}
	return nil, &NoRouteError{Host: host, Path: path}
}

// HandshakePolicy returns the client certificate policy for a handshake
// naming serverName. Without SNI every rule is reachable; an unknown name
// reaches no rule and needs no certificate.
func (t *Table) HandshakePolicy(serverName string) tlspkg.Policy {
	if serverName == "" {
		return t.defaultPolicy
	}
	g := t.hostGroup(normalizeHost(serverName))
	if g == nil {
		return tlspkg.PolicyNone
	}
	return g.policy
}

// Rules returns the rules in declaration order.
func (t *Table) Rules() []*Rule {
	rules := make([]*Rule, len(t.rules))
	copy(rules, t.rules)
	return rules
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Holder publishes the current Table. Readers never block a reload.
type Holder struct {
	table   atomic.Pointer[Table]
	metrics *Metrics
}

// HolderOption is a functional option for configuring Holder.
type HolderOption func(*Holder)

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *Metrics) HolderOption {
	return func(h *Holder) {
		h.metrics = metrics
	}
}

// NewHolder creates a Holder serving table.
func NewHolder(table *Table, opts ...HolderOption) *Holder {
	h := &Holder{}
	for _, opt := range opts {
		opt(h)
	}
	h.Store(table)
	return h
}

// Load returns the current table.
func (h *Holder) Load() *Table {
	return h.table.Load()
}

// Store installs table for all subsequent lookups.
func (h *Holder) Store(table *Table) {
	h.table.Store(table)
	if table != nil {
		h.metrics.SetRules(table.Len())
	}
}

// Resolve resolves against the current table.
func (h *Holder) Resolve(host, path string) (*Rule, error) {
	t := h.table.Load()
	if t == nil {
		return nil, &NoRouteError{Host: host, Path: path}
	}

	rule, err := t.Resolve(host, path)
	h.metrics.RecordResolve(err)
	return rule, err
}

// HandshakePolicy implements the TLS PolicyResolver.
func (h *Holder) HandshakePolicy(serverName string) tlspkg.Policy {
	t := h.table.Load()
	if t == nil {
		return tlspkg.PolicyRequired
	}
	return t.HandshakePolicy(serverName)
}

var _ tlspkg.PolicyResolver = (*Holder)(nil)
