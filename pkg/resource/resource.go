/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package resource holds the catalog of administrator-defined Resources
// (spec.md §3) and the lookup structures -- a longest-prefix CIDR trie and
// a wildcard-aware DNS matcher -- that ClientState and GatewayState use to
// decide which Gateway, if any, owns a given destination.
package resource

import (
	"net/netip"
	"strings"

	"github.com/netshade/connlib/pkg/ids"
)

// Protocol names the transport a Filter restricts, mirroring spec.md §3's
// `{Udp{port_range}, Tcp{port_range}, Icmp}`.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
	ProtocolICMP
)

// Filter allows one protocol, optionally restricted to a port range. Ports
// are ignored for ProtocolICMP.
type Filter struct {
	Protocol Protocol
	LowPort  uint16
	HighPort uint16
}

// allows reports whether port falls within f's range (inclusive). A zero
// HighPort means "this exact port only" (LowPort == HighPort == port).
func (f Filter) allows(port uint16) bool {
	if f.LowPort == 0 && f.HighPort == 0 {
		return true
	}
	if f.HighPort == 0 {
		return port == f.LowPort
	}
	return port >= f.LowPort && port <= f.HighPort
}

// Kind distinguishes the three Resource shapes.
type Kind int

const (
	KindCidr Kind = iota
	KindDNS
	KindInternet
)

// Resource is the union spec.md §3 describes: a CIDR prefix, a DNS
// pattern, or the catch-all Internet Resource. Only the fields relevant
// to Kind are meaningful.
type Resource struct {
	ID      ids.ResourceId
	Name    string
	Kind    Kind
	Address netip.Prefix // KindCidr
	Pattern string       // KindDNS, e.g. "*.example.com"
	Filters []Filter
}

// AllowsTransport reports whether proto/port passes r's filters. An empty
// filter list allows everything; ICMP is permitted iff a Filter entry
// names it or the list is empty (spec.md §4.4).
func (r Resource) AllowsTransport(proto Protocol, port uint16) bool {
	if len(r.Filters) == 0 {
		return true
	}
	for _, f := range r.Filters {
		if f.Protocol != proto {
			continue
		}
		if proto == ProtocolICMP || f.allows(port) {
			return true
		}
	}
	return false
}

// MatchesDomain reports whether fqdn satisfies a KindDNS Resource's
// Pattern, per spec.md §4.5's domain matching rules:
//   - an exact pattern matches only the literal FQDN
//   - "*.example.com" matches "foo.example.com", "a.b.example.com", but
//     not "example.com" itself
//   - "**.example.com" matches the same set plus "example.com"
//
// Matching is case-insensitive on ASCII.
func (r Resource) MatchesDomain(fqdn string) bool {
	if r.Kind != KindDNS {
		return false
	}
	return matchesPattern(r.Pattern, fqdn)
}

func matchesPattern(pattern, fqdn string) bool {
	pattern = strings.ToLower(strings.TrimSuffix(pattern, "."))
	fqdn = strings.ToLower(strings.TrimSuffix(fqdn, "."))

	switch {
	case strings.HasPrefix(pattern, "**."):
		suffix := pattern[3:]
		return fqdn == suffix || strings.HasSuffix(fqdn, "."+suffix)
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[2:]
		if fqdn == suffix {
			return false
		}
		return strings.HasSuffix(fqdn, "."+suffix)
	default:
		return fqdn == pattern
	}
}
