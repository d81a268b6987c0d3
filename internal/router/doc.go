// Package router maps an incoming host and path to a route rule.
//
// A Table is compiled once from configuration and never mutated, so
// lookups take no locks. Matching happens in two steps:
//
//  1. Host: an exact name wins over a single-label wildcard such as
//     "*.example.com", which wins over the catch-all ("" or "*").
//     Comparison is case-insensitive and ignores any port.
//  2. Path: the longest prefix that ends on a segment boundary wins.
//     "/api" matches "/api" and "/api/v1" but not "/apis". Rules with
//     equal prefixes keep their declaration order.
//
// Only the most specific host group is searched; a request whose host
// has its own group never falls back to the catch-all.
//
// # Usage
//
//	table, err := router.New(rules)
//	if err != nil {
//	    return err
//	}
//	holder := router.NewHolder(table)
//
//	rule, err := holder.Resolve(r.Host, r.URL.Path)
//	if err != nil {
//	    // *router.NoRouteError
//	}
//
// Holder also implements the TLS PolicyResolver, so the handshake policy
// for an SNI name always reflects the table currently installed.
package router
