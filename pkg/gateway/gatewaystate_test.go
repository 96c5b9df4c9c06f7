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

package gateway

import (
	"net/netip"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netshade/connlib/pkg/ids"
	"github.com/netshade/connlib/pkg/resource"
)

func mustKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

// newTestClient registers a ClientOnGateway directly, bypassing the
// snownet handshake Accept would otherwise require.
func newTestClient(g *GatewayState, clientID ids.ClientId, tunnelV4 netip.Addr, now time.Time) *ClientOnGateway {
	connID := connIDForClient(clientID)
	c := newClientOnGateway(clientID, connID, tunnelV4, netip.Addr{}, now)
	g.clients[clientID] = c
	g.connToClient[connID] = clientID
	return c
}

func TestConnIDForClientRoundTrips(t *testing.T) {
	clientID := ids.NewClientId()
	conn := connIDForClient(clientID)
	if clientIDForConn(conn) != clientID {
		t.Fatalf("expected connIDForClient/clientIDForConn to round-trip")
	}
}

func TestAllowAccessIsIdempotentExceptExpiry(t *testing.T) {
	g := New(mustKey(t))
	now := time.Now()
	clientID := ids.NewClientId()
	newTestClient(g, clientID, netip.MustParseAddr("100.71.0.1"), now)

	res := resource.Resource{ID: ids.NewResourceId(), Kind: resource.KindCidr, Address: netip.MustParsePrefix("10.0.0.0/24")}
	if err := g.AllowAccess(clientID, res.ID, res, nil); err != nil {
		t.Fatalf("AllowAccess: %v", err)
	}
	if len(g.clients[clientID].grants) != 1 {
		t.Fatalf("expected exactly one grant")
	}

	exp := now.Add(time.Hour)
	if err := g.AllowAccess(clientID, res.ID, res, &exp); err != nil {
		t.Fatalf("AllowAccess (refresh): %v", err)
	}
	if len(g.clients[clientID].grants) != 1 {
		t.Fatalf("expected re-granting the same resource to stay idempotent, got %d grants", len(g.clients[clientID].grants))
	}
	if g.clients[clientID].grants[res.ID].ExpiresAt == nil {
		t.Fatalf("expected the refreshed expires_at to stick")
	}
}

func TestDecapsulatePolicyRejectsSpoofedSource(t *testing.T) {
	g := New(mustKey(t))
	now := time.Now()
	clientID := ids.NewClientId()
	client := newTestClient(g, clientID, netip.MustParseAddr("100.71.0.1"), now)

	res := resource.Resource{ID: ids.NewResourceId(), Kind: resource.KindCidr, Address: netip.MustParsePrefix("10.0.0.0/24")}
	client.grants[res.ID] = &AccessGrant{Resource: res}

	dst := netip.MustParseAddr("10.0.0.5")
	if _, ok := client.matchDestination(dst, now); !ok {
		t.Fatalf("expected the CIDR resource to match %v", dst)
	}
	if client.ownsTunnelAddr(netip.MustParseAddr("100.71.0.2")) {
		t.Fatalf("expected a spoofed source to not match the client's tunnel IP")
	}
	if !client.ownsTunnelAddr(netip.MustParseAddr("100.71.0.1")) {
		t.Fatalf("expected the real tunnel IP to match")
	}
}

func TestFilterEnforcement(t *testing.T) {
	res := resource.Resource{
		ID:      ids.NewResourceId(),
		Kind:    resource.KindCidr,
		Address: netip.MustParsePrefix("10.0.0.0/24"),
		Filters: []resource.Filter{{Protocol: resource.ProtocolTCP, LowPort: 443, HighPort: 443}},
	}
	if !res.AllowsTransport(resource.ProtocolTCP, 443) {
		t.Fatalf("expected TCP/443 to be allowed")
	}
	if res.AllowsTransport(resource.ProtocolTCP, 80) {
		t.Fatalf("expected TCP/80 to be denied")
	}
	if res.AllowsTransport(resource.ProtocolICMP, 0) {
		t.Fatalf("expected ICMP to be denied without an explicit Icmp filter")
	}
}

func TestCreateDnsResourceNatEntryRejectsEmptyResolvedSet(t *testing.T) {
	g := New(mustKey(t))
	clientID := ids.NewClientId()
	newTestClient(g, clientID, netip.MustParseAddr("100.71.0.1"), time.Now())

	resourceID := ids.NewResourceId()
	err := g.CreateDnsResourceNatEntry(clientID, resourceID, "app.example.com",
		netip.MustParseAddr("100.96.0.5"), netip.Addr{}, nil)
	if err == nil {
		t.Fatalf("expected an empty resolved set to be rejected")
	}
}

func TestCreateAndRefreshDnsResourceNatEntry(t *testing.T) {
	g := New(mustKey(t))
	now := time.Now()
	clientID := ids.NewClientId()
	client := newTestClient(g, clientID, netip.MustParseAddr("100.71.0.1"), now)

	resourceID := ids.NewResourceId()
	client.grants[resourceID] = &AccessGrant{Resource: resource.Resource{ID: resourceID, Kind: resource.KindDNS, Pattern: "app.example.com"}}

	proxy := netip.MustParseAddr("100.96.0.5")
	real1 := netip.MustParseAddr("10.10.0.1")
	if err := g.CreateDnsResourceNatEntry(clientID, resourceID, "app.example.com", proxy, netip.Addr{}, []netip.Addr{real1}); err != nil {
		t.Fatalf("CreateDnsResourceNatEntry: %v", err)
	}

	grant, entry, ok := client.matchDestination(proxy, now)
	if !ok || entry == nil || grant.Resource.ID != resourceID {
		t.Fatalf("expected the proxy IP to resolve through the NAT table")
	}
	if real, ok := entry.realFor(proxy); !ok || real != real1 {
		t.Fatalf("expected forward rewrite to %v, got %v (ok=%v)", real1, real, ok)
	}

	real2 := netip.MustParseAddr("10.10.0.2")
	if err := g.RefreshTranslation(clientID, resourceID, "app.example.com", []netip.Addr{real2}); err != nil {
		t.Fatalf("RefreshTranslation: %v", err)
	}
	entry2, ok := client.natByProxy[proxy]
	if !ok || entry2.RealV4 != real2 {
		t.Fatalf("expected refresh to replace the real IP while keeping the proxy IP, got %+v", entry2)
	}
	if p, ok := entry2.proxyFor(real2); !ok || p != proxy {
		t.Fatalf("expected reverse rewrite to still resolve to %v", proxy)
	}
}

func TestRemoveAccessClearsGrantAndNat(t *testing.T) {
	g := New(mustKey(t))
	now := time.Now()
	clientID := ids.NewClientId()
	client := newTestClient(g, clientID, netip.MustParseAddr("100.71.0.1"), now)

	resourceID := ids.NewResourceId()
	client.grants[resourceID] = &AccessGrant{Resource: resource.Resource{ID: resourceID, Kind: resource.KindDNS}}
	proxy := netip.MustParseAddr("100.96.0.9")
	if err := g.CreateDnsResourceNatEntry(clientID, resourceID, "x.example.com", proxy, netip.Addr{}, []netip.Addr{netip.MustParseAddr("10.0.0.9")}); err != nil {
		t.Fatalf("CreateDnsResourceNatEntry: %v", err)
	}

	g.RemoveAccess(clientID, resourceID)
	if _, ok := client.grants[resourceID]; ok {
		t.Fatalf("expected the grant to be removed")
	}
	if _, ok := client.natByProxy[proxy]; ok {
		t.Fatalf("expected the NAT entry to be removed")
	}
}

func TestSweepExpiredGrantsViaHandleTimeout(t *testing.T) {
	g := New(mustKey(t))
	now := time.Now()
	clientID := ids.NewClientId()
	client := newTestClient(g, clientID, netip.MustParseAddr("100.71.0.1"), now)

	resourceID := ids.NewResourceId()
	expiry := now.Add(500 * time.Millisecond)
	client.grants[resourceID] = &AccessGrant{Resource: resource.Resource{ID: resourceID, Kind: resource.KindInternet}, ExpiresAt: &expiry}

	g.HandleTimeout(now)
	if _, ok := client.grants[resourceID]; !ok {
		t.Fatalf("expected the grant to still be active before expiry")
	}

	g.HandleTimeout(now.Add(2 * time.Second))
	if _, ok := client.grants[resourceID]; ok {
		t.Fatalf("expected the expired grant to be swept")
	}
}

func TestReapIdleClients(t *testing.T) {
	g := New(mustKey(t))
	now := time.Now()
	clientID := ids.NewClientId()
	newTestClient(g, clientID, netip.MustParseAddr("100.71.0.1"), now)

	g.HandleTimeout(now.Add(idleTimeout + time.Minute))
	if _, ok := g.clients[clientID]; ok {
		t.Fatalf("expected the idle client to be reaped")
	}
}
