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

package client

import (
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netshade/connlib/pkg/ids"
	"github.com/netshade/connlib/pkg/resource"
	"github.com/netshade/connlib/pkg/wire/ippacket"
)

func mustKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func TestUpdateInterfaceConfigAssignsSentinelsAndEmitsEvent(t *testing.T) {
	c := New(mustKey(t))
	c.UpdateInterfaceConfig(
		netip.MustParseAddr("100.64.0.1"),
		netip.MustParseAddr("fd00::1"),
		[]netip.AddrPort{netip.MustParseAddrPort("8.8.8.8:53")},
	)

	ev, ok := c.PollEvent()
	if !ok {
		t.Fatalf("expected a TunInterfaceUpdated event")
	}
	tun, ok := ev.(TunInterfaceUpdated)
	if !ok {
		t.Fatalf("expected TunInterfaceUpdated, got %T", ev)
	}
	if len(tun.UpstreamDNS) != 2 {
		t.Fatalf("expected one v4 and one v6 sentinel, got %d", len(tun.UpstreamDNS))
	}
}

func TestEncapsulateDropsMulticastDestination(t *testing.T) {
	c := New(mustKey(t))
	pkt, err := ippacket.BuildUDPv4(
		netip.MustParseAddr("100.64.0.1"),
		netip.MustParseAddr("224.0.0.22"),
		12345, 53, []byte("x"),
	)
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}

	tx, err := c.Encapsulate(pkt, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx != nil {
		t.Fatalf("expected the multicast packet to be dropped, got a transmit")
	}
}

func TestEncapsulateWithoutPeerEmitsRateLimitedIntent(t *testing.T) {
	c := New(mustKey(t))
	resourceID := ids.NewResourceId()
	c.AddResources([]resource.Resource{{
		ID:      resourceID,
		Name:    "internal",
		Kind:    resource.KindCidr,
		Address: netip.MustParsePrefix("10.1.0.0/24"),
	}})
	c.resourceGateway[resourceID] = ids.NewGatewayId() // routing details arrived but no peer yet
	c.PollEvent()                                      // drain the ResourcesChanged event queued by AddResources

	pkt, err := ippacket.BuildUDPv4(
		netip.MustParseAddr("100.64.0.1"),
		netip.MustParseAddr("10.1.0.5"),
		12345, 80, []byte("x"),
	)
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}

	now := time.Now()
	if _, err := c.Encapsulate(pkt, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev, ok := c.PollEvent()
	if !ok {
		t.Fatalf("expected a ConnectionIntent event")
	}
	intent, ok := ev.(ConnectionIntent)
	if !ok || intent.Resource != resourceID {
		t.Fatalf("expected ConnectionIntent for %s, got %#v", resourceID, ev)
	}

	// A second packet within the 2s window should not re-emit the intent.
	if _, err := c.Encapsulate(pkt, now.Add(time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.PollEvent(); ok {
		t.Fatalf("expected the rate limiter to suppress a second intent")
	}
}

func TestOnRoutingDetailsCreatesOfferAndPeer(t *testing.T) {
	c := New(mustKey(t))
	resourceID := ids.NewResourceId()
	gateway := ids.NewGatewayId()

	req, err := c.OnRoutingDetails(resourceID, gateway, time.Now())
	if err != nil {
		t.Fatalf("OnRoutingDetails: %v", err)
	}
	if req.ResourceId != resourceID || req.GatewayId != gateway {
		t.Fatalf("unexpected RequestConnection: %#v", req)
	}
	if req.ClientPresharedKey == "" {
		t.Fatalf("expected a non-empty preshared key")
	}
	if _, ok := c.peers[gateway]; !ok {
		t.Fatalf("expected a Peer to be created for the new connection")
	}
}

func TestHandleDnsPacketForNonResourceForwardsAndQueues(t *testing.T) {
	c := New(mustKey(t))
	sentinel, ok := c.dns.AssignSentinel(netip.MustParseAddrPort("8.8.8.8:53"), false)
	if !ok {
		t.Fatalf("expected sentinel assignment to succeed")
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn("unrelated.net"), dns.TypeA)
	raw, err := q.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}
	pkt, err := ippacket.BuildUDPv4(netip.MustParseAddr("100.64.0.1"), sentinel, 4000, 53, raw)
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}

	if _, err := c.Encapsulate(pkt, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.PollDnsQueries(); !ok {
		t.Fatalf("expected a forwarded DNS query to be queued")
	}
}

func TestHandleDnsPacketForResourceRequestsAccess(t *testing.T) {
	c := New(mustKey(t))
	resourceID := ids.NewResourceId()
	c.AddResources([]resource.Resource{{
		ID:      resourceID,
		Name:    "app",
		Kind:    resource.KindDNS,
		Pattern: "*.example.com",
	}})
	c.PollEvent() // drain the ResourcesChanged event from AddResources

	sentinel, _ := c.dns.AssignSentinel(netip.MustParseAddrPort("8.8.8.8:53"), false)

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn("app.example.com"), dns.TypeA)
	raw, err := q.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}
	pkt, err := ippacket.BuildUDPv4(netip.MustParseAddr("100.64.0.1"), sentinel, 4000, 53, raw)
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}

	if _, err := c.Encapsulate(pkt, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev, ok := c.PollEvent()
	if !ok {
		t.Fatalf("expected a RequestAccess event")
	}
	ra, ok := ev.(RequestAccess)
	if !ok || ra.Resource != resourceID || ra.MaybeDomain != "app.example.com" {
		t.Fatalf("unexpected event: %#v", ev)
	}
	if len(c.pendingDns) != 1 {
		t.Fatalf("expected exactly one pending DNS access entry")
	}
}

// TestCompleteDnsAccessPinsProxyIPAndRoutes drives the full deferred-DNS
// path spec.md §4.3 step 4 / §4.5 describe: a query against a DNS Resource
// defers synthesis until the Gateway is known (handleDnsPacket), then once
// CompleteDnsAccess runs, a subsequent packet to the synthesized proxy IP
// must resolve back to that same Resource/Gateway instead of falling
// through to the no-peer ConnectionIntent path.
func TestCompleteDnsAccessPinsProxyIPAndRoutes(t *testing.T) {
	c := New(mustKey(t))
	resourceID := ids.NewResourceId()
	c.AddResources([]resource.Resource{{
		ID:      resourceID,
		Name:    "app",
		Kind:    resource.KindDNS,
		Pattern: "*.example.com",
	}})
	c.PollEvent() // drain ResourcesChanged

	gateway := ids.NewGatewayId()
	if _, err := c.OnRoutingDetails(resourceID, gateway, time.Now()); err != nil {
		t.Fatalf("OnRoutingDetails: %v", err)
	}

	sentinel, _ := c.dns.AssignSentinel(netip.MustParseAddrPort("8.8.8.8:53"), false)
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn("app.example.com"), dns.TypeA)
	raw, err := q.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}
	querier := netip.MustParseAddr("100.64.0.1")
	const querierPort = 4000
	pkt, err := ippacket.BuildUDPv4(querier, sentinel, querierPort, 53, raw)
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}

	now := time.Now()
	if _, err := c.Encapsulate(pkt, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ev, ok := c.PollEvent()
	if !ok {
		t.Fatalf("expected a RequestAccess event")
	}
	ra, ok := ev.(RequestAccess)
	if !ok {
		t.Fatalf("expected RequestAccess, got %#v", ev)
	}
	if ra.Gateway != gateway {
		t.Fatalf("expected RequestAccess to carry the owning gateway %s, got %s", gateway, ra.Gateway)
	}

	if err := c.CompleteDnsAccess(resourceID, "app.example.com", querier, querierPort, sentinel); err != nil {
		t.Fatalf("CompleteDnsAccess: %v", err)
	}

	reply, ok := c.PollPackets()
	if !ok {
		t.Fatalf("expected the synthesized DNS reply to be queued")
	}
	_, _, _, _, payload, err := ippacket.ParseUDP(reply)
	if err != nil {
		t.Fatalf("parse synthesized reply: %v", err)
	}
	var m dns.Msg
	if err := m.Unpack(payload); err != nil {
		t.Fatalf("unpack synthesized reply: %v", err)
	}
	a, ok := m.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("expected an A record, got %T", m.Answer[0])
	}
	proxy := netip.AddrFrom4([4]byte(a.A.To4()))

	gotResource, gotGateway, ok := c.routeDestination(proxy)
	if !ok {
		t.Fatalf("expected the synthesized proxy IP to route")
	}
	if gotResource.ID != resourceID {
		t.Fatalf("expected the proxy IP to resolve to resource %s, got %s", resourceID, gotResource.ID)
	}
	if gotGateway != gateway {
		t.Fatalf("expected the proxy IP to resolve to gateway %s, got %s", gateway, gotGateway)
	}

	// Granting the peer routing coverage over the proxy IP (as AllowResourceAccess
	// would once the Gateway confirms access) must route the real Encapsulate
	// path through the peer instead of re-emitting a ConnectionIntent.
	c.AllowResourceAccess(resourceID, gateway, netip.PrefixFrom(proxy, proxy.BitLen()))
	toResource, err := ippacket.BuildUDPv4(querier, proxy, querierPort, 443, []byte("x"))
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}
	if _, err := c.Encapsulate(toResource, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := c.PollEvent(); ok {
		t.Fatalf("expected no ConnectionIntent once the peer covers the proxy IP")
	}
}

func TestUpdateSystemResolversDebounces(t *testing.T) {
	c := New(mustKey(t))
	now := time.Now()
	c.UpdateSystemResolvers([]netip.Addr{netip.MustParseAddr("1.1.1.1")}, now)

	if c.resolverPending == false {
		t.Fatalf("expected a pending resolver update")
	}
	c.HandleTimeout(now.Add(100 * time.Millisecond))
	if !c.resolverPending {
		t.Fatalf("expected the update to still be pending before 500ms elapse")
	}
	c.HandleTimeout(now.Add(600 * time.Millisecond))
	if c.resolverPending {
		t.Fatalf("expected the debounce to fire after 500ms")
	}

	// Re-applying the same set must not restart the debounce.
	c.UpdateSystemResolvers([]netip.Addr{netip.MustParseAddr("1.1.1.1")}, now.Add(time.Second))
	if c.resolverPending {
		t.Fatalf("expected an identical resolver set to be a no-op")
	}
}
