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

// Package client implements ClientState (spec.md §4.3): the policy engine
// that turns TUN ingress/egress into connection intents, DNS answers, and
// snownet encap/decap calls. Like every other core component it is
// sans-io and single-threaded; the driver feeds it packets/timeouts and
// drains its poll_* queues.
package client

import (
	"encoding/hex"
	"net/netip"
	"time"

	"golang.org/x/time/rate"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netshade/connlib/pkg/connerr"
	"github.com/netshade/connlib/pkg/dnsintercept"
	"github.com/netshade/connlib/pkg/ids"
	"github.com/netshade/connlib/pkg/resource"
	"github.com/netshade/connlib/pkg/signaling"
	"github.com/netshade/connlib/pkg/snownet"
	"github.com/netshade/connlib/pkg/wire/ippacket"
)

const (
	intentInterval        = 2 * time.Second
	dnsRefreshInterval     = 300 * time.Second
	resolverDebounceDelay  = 500 * time.Millisecond
)

// pendingDnsAccess is a DNS query synthesis deferred until the driver
// confirms (via CompleteDnsAccess) that allow_access and
// create_dns_resource_nat_entry have both run (spec.md §4.5).
type pendingDnsAccess struct {
	outcome dnsintercept.Outcome
	gateway ids.GatewayId
}

// ClientState is the Client-side policy engine.
type ClientState struct {
	node    *snownet.Node
	catalog *resource.Catalog
	dns     *dnsintercept.Interceptor

	localStatic wgtypes.Key

	peers           map[ids.GatewayId]*Peer
	resourceGateway map[ids.ResourceId]ids.GatewayId
	disabled        map[ids.ResourceId]struct{}

	intentLimiters map[ids.ResourceId]*rate.Limiter
	pendingDns     map[string]*pendingDnsAccess

	ifaceV4        netip.Addr
	ifaceV6        netip.Addr
	upstreamDNS    []netip.AddrPort
	systemResolvers []netip.Addr
	resolverDeadline time.Time
	resolverPending  bool

	nextDnsRefresh time.Time

	transmits []snownet.Transmit
	packets   [][]byte
	events    []Event
}

// New constructs an empty ClientState backed by localStatic's WireGuard
// identity.
func New(localStatic wgtypes.Key) *ClientState {
	catalog := resource.NewCatalog()
	return &ClientState{
		node:            snownet.NewNode(localStatic),
		catalog:         catalog,
		dns:             dnsintercept.NewInterceptor(catalog),
		localStatic:     localStatic,
		peers:           make(map[ids.GatewayId]*Peer),
		resourceGateway: make(map[ids.ResourceId]ids.GatewayId),
		disabled:        make(map[ids.ResourceId]struct{}),
		intentLimiters:  make(map[ids.ResourceId]*rate.Limiter),
		pendingDns:      make(map[string]*pendingDnsAccess),
	}
}

// AddResources adds or replaces Resources in the catalog.
func (c *ClientState) AddResources(resources []resource.Resource) {
	for _, r := range resources {
		c.catalog.Add(r)
	}
	c.events = append(c.events, ResourcesChanged{Resources: c.catalog.All()})
}

// RemoveResource retires id from the catalog and every peer's allowed set
// (spec.md §3's ownership rule: removal from the catalog triggers removal
// from peers).
func (c *ClientState) RemoveResource(id ids.ResourceId) {
	if _, ok := c.catalog.Remove(id); !ok {
		return
	}
	for _, p := range c.peers {
		for prefix, set := range p.AllowedIPs {
			delete(set, id)
			if len(set) == 0 {
				delete(p.AllowedIPs, prefix)
			}
		}
	}
	delete(c.resourceGateway, id)
	c.events = append(c.events, ResourcesChanged{Resources: c.catalog.All()})
}

// SetDisabledResources replaces the set of Resources the routing algorithm
// treats as if absent from the catalog.
func (c *ClientState) SetDisabledResources(disabled map[ids.ResourceId]struct{}) {
	c.disabled = disabled
}

// UpdateInterfaceConfig applies a new Interface{ipv4, ipv6, upstream_dns}
// and emits TunInterfaceUpdated with the resulting sentinel map.
func (c *ClientState) UpdateInterfaceConfig(ipv4, ipv6 netip.Addr, upstreamDNS []netip.AddrPort) {
	c.ifaceV4, c.ifaceV6 = ipv4, ipv6
	c.upstreamDNS = upstreamDNS
	c.emitTunUpdated()
}

func (c *ClientState) emitTunUpdated() {
	var sentinels []netip.AddrPort
	for _, up := range c.upstreamDNS {
		if s4, ok := c.dns.AssignSentinel(up, false); ok {
			sentinels = append(sentinels, netip.AddrPortFrom(s4, 53))
		}
		if s6, ok := c.dns.AssignSentinel(up, true); ok {
			sentinels = append(sentinels, netip.AddrPortFrom(s6, 53))
		}
	}
	c.events = append(c.events, TunInterfaceUpdated{IPv4: c.ifaceV4, IPv6: c.ifaceV6, UpstreamDNS: sentinels})
}

// UpdateSystemResolvers begins (or extends) the 500ms debounce after which
// HandleTimeout re-emits TunInterfaceUpdated (spec.md §4.3). Comparison
// ignores order. The re-emitted sentinel map is built from the configured
// upstream_dns list only; the system resolvers are not mapped to sentinel
// IPs.
func (c *ClientState) UpdateSystemResolvers(resolvers []netip.Addr, now time.Time) {
	if sameResolverSet(c.systemResolvers, resolvers) {
		return
	}
	c.systemResolvers = resolvers
	c.resolverDeadline = now.Add(resolverDebounceDelay)
	c.resolverPending = true
}

func sameResolverSet(a, b []netip.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[netip.Addr]int, len(a))
	for _, addr := range a {
		seen[addr]++
	}
	for _, addr := range b {
		seen[addr]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// OnRoutingDetails is called by the signaling adapter once the portal has
// selected a Gateway for resourceID, beginning connection establishment
// (spec.md §4.3).
func (c *ClientState) OnRoutingDetails(resourceID ids.ResourceId, gateway ids.GatewayId, now time.Time) (signaling.RequestConnection, error) {
	offer, err := c.node.NewConnection(gateway, now)
	if err != nil {
		return signaling.RequestConnection{}, connerr.PerPeerf("new connection to %s: %w", gateway, err)
	}
	c.resourceGateway[resourceID] = gateway
	if _, ok := c.peers[gateway]; !ok {
		c.peers[gateway] = newPeer(gateway)
	}
	return signaling.RequestConnection{
		ResourceId:         resourceID,
		GatewayId:          gateway,
		ClientPresharedKey: hex.EncodeToString(offer.SessionKey[:]),
		ClientPayload: signaling.ClientPayload{
			IceParameters: offer.Credentials.Ufrag + ":" + offer.Credentials.Pwd,
		},
	}, nil
}

// AddLocalHostCandidate informs the connection to gateway of a locally
// bound socket address, the same passthrough spec.md §4.1 names on
// snownet.Node.
func (c *ClientState) AddLocalHostCandidate(gateway ids.GatewayId, socket netip.AddrPort) error {
	return c.node.AddLocalHostCandidate(gateway, socket)
}

// AddRemoteCandidate feeds an ICE candidate signaled by gateway into the
// underlying connection.
func (c *ClientState) AddRemoteCandidate(gateway ids.GatewayId, sdp string, now time.Time) error {
	return c.node.AddRemoteCandidate(gateway, sdp, now)
}

// IsConnectedTo reports whether the connection to gateway has completed
// ICE nomination and the WireGuard handshake.
func (c *ClientState) IsConnectedTo(gateway ids.GatewayId) bool {
	return c.node.IsConnectedTo(gateway)
}

// AcceptAnswer finalizes a connection once the Gateway has answered
// (spec.md §4.3 step 3).
func (c *ClientState) AcceptAnswer(answer snownet.Answer, resourceID ids.ResourceId, gatewayPubKey wgtypes.Key, now time.Time) error {
	gateway, ok := c.resourceGateway[resourceID]
	if !ok {
		return connerr.PerPeerf("client: no pending connection for resource %s", resourceID)
	}
	return c.node.AcceptAnswer(gateway, gatewayPubKey, answer, now)
}

// AllowResourceAccess grants the Client-side routing table access to
// resourceID's CIDR/prefix via gateway, once a Gateway has confirmed
// allow_access out of band. Internet Resources pass netip.Prefix{} (the
// catalog's fallback match covers every address).
func (c *ClientState) AllowResourceAccess(resourceID ids.ResourceId, gateway ids.GatewayId, prefix netip.Prefix) {
	p, ok := c.peers[gateway]
	if !ok {
		p = newPeer(gateway)
		c.peers[gateway] = p
	}
	if prefix.IsValid() {
		p.allow(prefix, resourceID)
	}
	c.resourceGateway[resourceID] = gateway
}

// isDefinitelyNotAResource reports whether addr can never correspond to a
// Resource: multicast or link-local (spec.md §4.3 step 2's examples are
// 224.0.0.22 and ff02::2, both multicast).
func isDefinitelyNotAResource(addr netip.Addr) bool {
	return addr.IsMulticast() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()
}

// Encapsulate runs spec.md §4.3's routing algorithm against an outbound IP
// packet read from the TUN device. A non-nil Transmit should be sent on
// the network; a nil Transmit with a nil error means the packet was
// consumed internally (DNS fast path, drop) or dropped after emitting a
// ConnectionIntent.
func (c *ClientState) Encapsulate(packet []byte, now time.Time) (*snownet.Transmit, error) {
	_, dst, err := ippacket.Addresses(packet)
	if err != nil {
		return nil, err
	}

	if dnsintercept.IsSentinel(dst) {
		return nil, c.handleDnsPacket(packet, dst, now)
	}
	if isDefinitelyNotAResource(dst) {
		return nil, nil
	}

	res, gateway, ok := c.routeDestination(dst)
	if !ok {
		return nil, nil
	}

	peer, ok := c.peers[gateway]
	if !ok || !peer.covers(dst) {
		c.emitIntent(res.ID, now)
		return nil, nil
	}

	return c.node.Encapsulate(gateway, packet, now)
}

// routeDestination implements steps 3-6 of spec.md §4.3's routing
// algorithm: longest-prefix CIDR match, else DNS-proxy-IP table, else the
// Internet Resource fallback. A matched Resource whose gateway is not yet
// known comes back with a zero GatewayId, so Encapsulate emits a
// ConnectionIntent for it.
func (c *ClientState) routeDestination(dst netip.Addr) (resource.Resource, ids.GatewayId, bool) {
	cidr, cidrOK := c.catalog.LookupCIDR(dst)
	if cidrOK && cidr.Kind != resource.KindInternet && !c.isDisabled(cidr.ID) {
		return cidr, c.resourceGateway[cidr.ID], true
	}
	for _, p := range c.peers {
		if resourceID, ok := p.Transform.Resource(dst); ok {
			if r, ok := c.catalog.Get(resourceID); ok && !c.isDisabled(r.ID) {
				return r, p.ConnID, true
			}
		}
	}
	if cidrOK && cidr.Kind == resource.KindInternet && !c.isDisabled(cidr.ID) {
		return cidr, c.resourceGateway[cidr.ID], true
	}
	return resource.Resource{}, ids.GatewayId{}, false
}

func (c *ClientState) isDisabled(id ids.ResourceId) bool {
	_, ok := c.disabled[id]
	return ok
}

func (c *ClientState) emitIntent(resourceID ids.ResourceId, now time.Time) {
	limiter, ok := c.intentLimiters[resourceID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(intentInterval), 1)
		c.intentLimiters[resourceID] = limiter
	}
	if !limiter.AllowN(now, 1) {
		return
	}
	var connected []ids.GatewayId
	for gw := range c.peers {
		connected = append(connected, gw)
	}
	c.events = append(c.events, ConnectionIntent{Resource: resourceID, ConnectedGatewayIds: connected})
}

// handleDnsPacket implements spec.md §4.5 for a UDP packet addressed to a
// sentinel IP. TCP-framed DNS through the TUN device is out of scope here
// (ippacket exposes no TCP payload parser); UDP is the protocol's default
// transport and is what every scenario in spec.md §8 exercises.
func (c *ClientState) handleDnsPacket(packet []byte, dst netip.Addr, now time.Time) error {
	srcAddr, srcPort, _, _, payload, err := ippacket.ParseUDP(packet)
	if err != nil {
		return nil // not UDP; nothing this engine can intercept
	}

	outcome, err := c.dns.Intercept(dst, dnsintercept.TransportUDP, payload, now)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case dnsintercept.OutcomeAnswer:
		return c.injectDnsReply(dst, srcAddr, srcPort, outcome.Response)
	case dnsintercept.OutcomeNeedsAccess:
		gateway := c.resourceGateway[outcome.Resource.ID]
		key := outcome.Resource.ID.String() + "|" + outcome.Qname
		c.pendingDns[key] = &pendingDnsAccess{outcome: outcome, gateway: gateway}
		c.events = append(c.events, RequestAccess{Resource: outcome.Resource.ID, Gateway: gateway, MaybeDomain: outcome.Qname})
	case dnsintercept.OutcomeForwarded:
		// Queued; drained via PollDnsQueries.
	}
	return nil
}

func (c *ClientState) injectDnsReply(sentinel, to netip.Addr, toPort uint16, payload []byte) error {
	var reply []byte
	var err error
	if sentinel.Is4() {
		reply, err = ippacket.BuildUDPv4(sentinel, to, 53, toPort, payload)
	} else {
		reply, err = ippacket.BuildUDPv6(sentinel, to, 53, toPort, payload)
	}
	if err != nil {
		return err
	}
	c.packets = append(c.packets, reply)
	return nil
}

// CompleteDnsAccess finishes a deferred DNS synthesis once the Gateway has
// confirmed access and the DNS Resource NAT entry, injecting the now-ready
// A/AAAA reply into the TUN queue.
func (c *ClientState) CompleteDnsAccess(resourceID ids.ResourceId, qname string, querier netip.Addr, querierPort uint16, sentinel netip.Addr) error {
	key := resourceID.String() + "|" + qname
	pending, ok := c.pendingDns[key]
	if !ok {
		return connerr.PerPacketf("client: no pending DNS access for %s/%s", resourceID, qname)
	}
	delete(c.pendingDns, key)

	resp, proxy, err := c.dns.FinishSynthesis(pending.outcome)
	if err != nil {
		return err
	}
	if peer, ok := c.peers[pending.gateway]; ok {
		peer.Transform.Pin(proxy, resourceID)
	}
	return c.injectDnsReply(sentinel, querier, querierPort, resp)
}

// Decapsulate decrypts an inbound snownet datagram and, for WireGuard
// transport data, returns the cleartext IP packet for delivery to TUN.
func (c *ClientState) Decapsulate(local, from netip.AddrPort, data []byte, now time.Time) ([]byte, bool) {
	_, payload, ok := c.node.Decapsulate(local, from, data, now)
	return payload, ok
}

// HandleTimeout drives the Node, the DNS interceptor's forward-timeout
// queue, the system-resolver debounce, and the 300s DNS-refresh timer.
func (c *ClientState) HandleTimeout(now time.Time) {
	c.node.HandleTimeout(now)
	for {
		t, ok := c.node.PollTransmit()
		if !ok {
			break
		}
		c.transmits = append(c.transmits, t)
	}
	for {
		ev, ok := c.node.PollEvent()
		if !ok {
			break
		}
		c.handleNodeEvent(ev)
	}

	for _, expired := range c.dns.HandleTimeout(now) {
		_ = expired // the synthesized SERVFAIL replies are discarded here; they are not delivered to the querier
	}

	if c.resolverPending && !now.Before(c.resolverDeadline) {
		c.resolverPending = false
		c.emitTunUpdated()
	}

	if c.nextDnsRefresh.IsZero() {
		c.nextDnsRefresh = now.Add(dnsRefreshInterval)
	} else if !now.Before(c.nextDnsRefresh) {
		c.nextDnsRefresh = now.Add(dnsRefreshInterval)
		var conns []ids.GatewayId
		for gw := range c.peers {
			conns = append(conns, gw)
		}
		if len(conns) > 0 {
			c.events = append(c.events, RefreshResources{Connections: conns})
		}
	}
}

func (c *ClientState) handleNodeEvent(ev snownet.Event) {
	switch e := ev.(type) {
	case snownet.CandidateGathered:
		c.events = append(c.events, SignalIceCandidate{Gateway: e.ConnectionId, Candidate: e.Candidate})
	case snownet.ConnectionConnected, snownet.ConnectionFailed:
		// No ClientState-level bookkeeping beyond what Node already tracks.
		// These events are consumed here and are not surfaced as client
		// Events; only candidate events are translated.
	}
}

// PollTimeout returns the earliest instant across the Node and the DNS
// interceptor's forward queue.
func (c *ClientState) PollTimeout() (time.Time, bool) {
	earliest, found := c.node.PollTimeout()
	if t, ok := c.dns.PollTimeout(); ok && (!found || t.Before(earliest)) {
		earliest, found = t, true
	}
	if c.resolverPending && (!found || c.resolverDeadline.Before(earliest)) {
		earliest, found = c.resolverDeadline, true
	}
	return earliest, found
}

// PollTransmit pops the next queued UDP datagram.
func (c *ClientState) PollTransmit() (snownet.Transmit, bool) {
	if len(c.transmits) == 0 {
		return snownet.Transmit{}, false
	}
	t := c.transmits[0]
	c.transmits = c.transmits[1:]
	return t, true
}

// PollPackets pops the next IP packet to inject back into the TUN device
// (synthesized DNS replies).
func (c *ClientState) PollPackets() ([]byte, bool) {
	if len(c.packets) == 0 {
		return nil, false
	}
	p := c.packets[0]
	c.packets = c.packets[1:]
	return p, true
}

// PollDnsQueries pops the next upstream DNS forward request.
func (c *ClientState) PollDnsQueries() (dnsintercept.ForwardRequest, bool) {
	return c.dns.PollDnsQueries()
}

// DeliverDnsResponse relays an upstream DNS response queued via
// PollDnsQueries back through the sentinel (spec.md §4.5: "relayed back
// verbatim").
func (c *ClientState) DeliverDnsResponse(id uint64, raw []byte, sentinel netip.Addr, to netip.Addr, toPort uint16) error {
	resp, ok := c.dns.DeliverUpstreamResponse(id, raw)
	if !ok {
		return connerr.PerPacketf("client: no pending DNS forward %d", id)
	}
	return c.injectDnsReply(sentinel, to, toPort, resp)
}

// PollEvent pops the next queued Event.
func (c *ClientState) PollEvent() (Event, bool) {
	if len(c.events) == 0 {
		return nil, false
	}
	e := c.events[0]
	c.events = c.events[1:]
	return e, true
}
