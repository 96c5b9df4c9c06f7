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

package resource

import (
	"net/netip"
	"strings"

	"github.com/netshade/connlib/pkg/ids"
)

// Catalog is the shared table of known Resources, keyed by ResourceId, plus
// the indexes ClientState/GatewayState need to resolve a destination to a
// Resource in O(prefix length) for CIDR and O(label count) for DNS.
//
// Per spec.md §3's ownership rule, a Resource is shared by reference
// between the catalog and any peer's allowed_ips/policy entry; Remove only
// retires it from the catalog and the trie/matcher -- callers still holding
// a *Resource from a prior Lookup are responsible for dropping it from
// their own peer state.
type Catalog struct {
	byID     map[ids.ResourceId]*Resource
	cidrs    *trieNode // IPv4 root
	cidrsV6  *trieNode // IPv6 root
	dns      []*Resource
	internet *Resource
}

// NewCatalog builds an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byID:    make(map[ids.ResourceId]*Resource),
		cidrs:   newTrieNode(),
		cidrsV6: newTrieNode(),
	}
}

// Add inserts or replaces r in the catalog.
func (c *Catalog) Add(r Resource) {
	cp := r
	if existing, ok := c.byID[r.ID]; ok {
		c.unindex(existing)
	}
	c.byID[r.ID] = &cp
	c.index(&cp)
}

// Remove retires id from the catalog and every index. Per spec.md §8's
// testable property, the caller must still walk its own peer store and
// drop id from any allowed_ips entry within the same handle_timeout tick.
func (c *Catalog) Remove(id ids.ResourceId) (Resource, bool) {
	r, ok := c.byID[id]
	if !ok {
		return Resource{}, false
	}
	c.unindex(r)
	delete(c.byID, id)
	return *r, true
}

// Get returns the Resource with id, if present.
func (c *Catalog) Get(id ids.ResourceId) (Resource, bool) {
	r, ok := c.byID[id]
	if !ok {
		return Resource{}, false
	}
	return *r, true
}

// All returns every Resource currently in the catalog.
func (c *Catalog) All() []Resource {
	out := make([]Resource, 0, len(c.byID))
	for _, r := range c.byID {
		out = append(out, *r)
	}
	return out
}

func (c *Catalog) index(r *Resource) {
	switch r.Kind {
	case KindCidr:
		root := c.cidrs
		if r.Address.Addr().Is6() {
			root = c.cidrsV6
		}
		root.insert(r.Address, r)
	case KindDNS:
		c.dns = append(c.dns, r)
	case KindInternet:
		c.internet = r
	}
}

func (c *Catalog) unindex(r *Resource) {
	switch r.Kind {
	case KindCidr:
		root := c.cidrs
		if r.Address.Addr().Is6() {
			root = c.cidrsV6
		}
		root.remove(r.Address)
	case KindDNS:
		kept := c.dns[:0]
		for _, d := range c.dns {
			if d.ID != r.ID {
				kept = append(kept, d)
			}
		}
		c.dns = kept
	case KindInternet:
		if c.internet != nil && c.internet.ID == r.ID {
			c.internet = nil
		}
	}
}

// LookupCIDR returns the most specific (longest-prefix) CIDR Resource
// covering addr, falling back to the Internet Resource if one is
// configured and no CIDR matches (spec.md §4.3 routing steps 3/5).
func (c *Catalog) LookupCIDR(addr netip.Addr) (Resource, bool) {
	root := c.cidrs
	if addr.Is6() {
		root = c.cidrsV6
	}
	if r := root.lookup(addr); r != nil {
		return *r, true
	}
	if c.internet != nil {
		return *c.internet, true
	}
	return Resource{}, false
}

// LookupDNS returns the best-matching DNS Resource for fqdn. Among
// multiple matches an exact pattern always wins over a wildcard, and a
// longer (more specific) pattern wins over a shorter one --
// spec.md does not fix a tie-break for overlapping DNS Resources, so this
// implementation prefers specificity the same way LookupCIDR does for
// CIDRs.
func (c *Catalog) LookupDNS(fqdn string) (Resource, bool) {
	var best *Resource
	for _, r := range c.dns {
		if !r.MatchesDomain(fqdn) {
			continue
		}
		if best == nil || moreSpecificPattern(r.Pattern, best.Pattern) {
			best = r
		}
	}
	if best == nil {
		return Resource{}, false
	}
	return *best, true
}

func moreSpecificPattern(a, b string) bool {
	aExact := !strings.HasPrefix(a, "*")
	bExact := !strings.HasPrefix(b, "*")
	if aExact != bExact {
		return aExact
	}
	return len(a) > len(b)
}
