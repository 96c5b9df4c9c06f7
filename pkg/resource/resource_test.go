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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/netshade/connlib/pkg/ids"
)

func TestMatchesDomain(t *testing.T) {
	cases := []struct {
		pattern, fqdn string
		want          bool
	}{
		{"example.com", "example.com", true},
		{"example.com", "foo.example.com", false},
		{"*.example.com", "foo.example.com", true},
		{"*.example.com", "a.b.example.com", true},
		{"*.example.com", "example.com", false},
		{"**.example.com", "example.com", true},
		{"**.example.com", "foo.example.com", true},
		{"EXAMPLE.com", "example.COM", true},
	}
	for _, c := range cases {
		r := Resource{Kind: KindDNS, Pattern: c.pattern}
		if got := r.MatchesDomain(c.fqdn); got != c.want {
			t.Errorf("MatchesDomain(%q against %q) = %v, want %v", c.fqdn, c.pattern, got, c.want)
		}
	}
}

func TestCatalogLookupCIDRLongestPrefix(t *testing.T) {
	c := NewCatalog()
	wide := Resource{ID: ids.NewResourceId(), Kind: KindCidr, Address: netip.MustParsePrefix("10.0.0.0/8")}
	narrow := Resource{ID: ids.NewResourceId(), Kind: KindCidr, Address: netip.MustParsePrefix("10.0.0.0/24")}
	c.Add(wide)
	c.Add(narrow)

	got, ok := c.LookupCIDR(netip.MustParseAddr("10.0.0.5"))
	if !ok || got.ID != narrow.ID {
		t.Fatalf("expected longest-prefix match to the /24, got %+v ok=%v", got, ok)
	}

	got, ok = c.LookupCIDR(netip.MustParseAddr("10.1.0.5"))
	if !ok || got.ID != wide.ID {
		t.Fatalf("expected fallback to the /8, got %+v ok=%v", got, ok)
	}

	_, ok = c.LookupCIDR(netip.MustParseAddr("192.168.1.1"))
	if ok {
		t.Fatalf("expected no match outside either prefix with no Internet Resource configured")
	}
}

func TestCatalogInternetResourceFallback(t *testing.T) {
	c := NewCatalog()
	internet := Resource{ID: ids.NewResourceId(), Kind: KindInternet}
	c.Add(internet)

	got, ok := c.LookupCIDR(netip.MustParseAddr("8.8.8.8"))
	if !ok || got.ID != internet.ID {
		t.Fatalf("expected the Internet Resource as fallback, got %+v ok=%v", got, ok)
	}
}

func TestCatalogRemoveDropsIndex(t *testing.T) {
	c := NewCatalog()
	r := Resource{ID: ids.NewResourceId(), Kind: KindCidr, Address: netip.MustParsePrefix("10.0.0.0/24")}
	c.Add(r)
	if _, ok := c.LookupCIDR(netip.MustParseAddr("10.0.0.1")); !ok {
		t.Fatalf("expected a match before removal")
	}
	c.Remove(r.ID)
	if _, ok := c.LookupCIDR(netip.MustParseAddr("10.0.0.1")); ok {
		t.Fatalf("expected no match after removal")
	}
}

func TestCatalogLookupDNSPrefersExactOverWildcard(t *testing.T) {
	c := NewCatalog()
	wildcard := Resource{ID: ids.NewResourceId(), Kind: KindDNS, Pattern: "*.example.com"}
	exact := Resource{ID: ids.NewResourceId(), Kind: KindDNS, Pattern: "app.example.com"}
	c.Add(wildcard)
	c.Add(exact)

	got, ok := c.LookupDNS("app.example.com")
	if !ok || got.ID != exact.ID {
		t.Fatalf("expected the exact match to win, got %+v ok=%v", got, ok)
	}
}

func TestResourceAllowsTransport(t *testing.T) {
	r := Resource{Filters: []Filter{{Protocol: ProtocolTCP, LowPort: 443, HighPort: 443}}}
	if !r.AllowsTransport(ProtocolTCP, 443) {
		t.Fatalf("expected port 443/tcp to be allowed")
	}
	if r.AllowsTransport(ProtocolTCP, 80) {
		t.Fatalf("expected port 80/tcp to be denied")
	}
	if r.AllowsTransport(ProtocolICMP, 0) {
		t.Fatalf("expected icmp denied when no Icmp filter entry exists")
	}

	allowAll := Resource{}
	if !allowAll.AllowsTransport(ProtocolICMP, 0) {
		t.Fatalf("expected icmp allowed when filters is empty")
	}
}

func TestCatalogGetRoundTripsResourceExactly(t *testing.T) {
	c := NewCatalog()
	want := Resource{
		ID:      ids.NewResourceId(),
		Name:    "internal-net",
		Kind:    KindCidr,
		Address: netip.MustParsePrefix("10.10.0.0/24"),
		Filters: []Filter{
			{Protocol: ProtocolTCP, LowPort: 443, HighPort: 443},
			{Protocol: ProtocolICMP},
		},
	}
	c.Add(want)

	got, ok := c.Get(want.ID)
	if !ok {
		t.Fatalf("expected Get to find the resource just added")
	}
	addrCmp := cmp.Comparer(func(a, b netip.Addr) bool { return a == b })
	prefixCmp := cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })
	if diff := cmp.Diff(want, got, addrCmp, prefixCmp); diff != "" {
		t.Fatalf("stored resource diverged from what was added (-want +got):\n%s", diff)
	}
}

func TestPeerIndex(t *testing.T) {
	idx := NewPeerIndex[ids.GatewayId]()
	gw := ids.NewGatewayId()
	addr := netip.MustParseAddr("100.64.0.1")
	idx.Add(gw, addr)

	got, ok := idx.Lookup(addr)
	if !ok || got != gw {
		t.Fatalf("expected %v, got %v ok=%v", gw, got, ok)
	}

	idx.RemoveConn(gw)
	if _, ok := idx.Lookup(addr); ok {
		t.Fatalf("expected no owner after RemoveConn")
	}
}
