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

// Package gateway implements GatewayState (spec.md §4.4): the per-Gateway
// enforcement engine that accepts Client connections, enforces per-Client
// Resource access policy and transport filters, and maintains the
// DNS-resource NAT table. Sans-io, same shape as pkg/client.
package gateway

import (
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netshade/connlib/pkg/connerr"
	"github.com/netshade/connlib/pkg/ids"
	"github.com/netshade/connlib/pkg/resource"
	"github.com/netshade/connlib/pkg/snownet"
	"github.com/netshade/connlib/pkg/wire/ippacket"
)

// IP protocol numbers, per IANA; duplicated here rather than imported from
// gvisor so this package's policy logic doesn't need a netstack import of
// its own beyond what pkg/wire/ippacket already wraps.
const (
	protoICMPv4 = 1
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58
)

const (
	expiryCheckInterval = time.Second
	dnsRefreshInterval  = 300 * time.Second
	idleTimeout         = 10 * time.Minute
)

// GatewayState is the Gateway-side enforcement engine.
type GatewayState struct {
	node *snownet.Node

	clients      map[ids.ClientId]*ClientOnGateway
	connToClient map[ids.GatewayId]ids.ClientId
	resources    map[ids.ResourceId]resource.Resource

	nextExpiryCheck time.Time
	nextDnsRefresh  time.Time

	transmits []snownet.Transmit
	events    []Event
}

// New constructs an empty GatewayState backed by localStatic's WireGuard
// identity.
func New(localStatic wgtypes.Key) *GatewayState {
	return &GatewayState{
		node:         snownet.NewNode(localStatic),
		clients:      make(map[ids.ClientId]*ClientOnGateway),
		connToClient: make(map[ids.GatewayId]ids.ClientId),
		resources:    make(map[ids.ResourceId]resource.Resource),
	}
}

// Accept answers a Client's Offer, establishing the policy-state shell for
// a new ClientOnGateway (spec.md §4.4's `accept`).
func (g *GatewayState) Accept(clientID ids.ClientId, offer snownet.Offer, clientPubKey wgtypes.Key, tunnelV4, tunnelV6 netip.Addr, now time.Time) (snownet.Answer, error) {
	connID := connIDForClient(clientID)
	answer, err := g.node.AcceptConnection(connID, offer, clientPubKey, now)
	if err != nil {
		return snownet.Answer{}, connerr.PerPeerf("accept connection from %s: %w", clientID, err)
	}
	if _, ok := g.clients[clientID]; !ok {
		g.clients[clientID] = newClientOnGateway(clientID, connID, tunnelV4, tunnelV6, now)
	}
	g.connToClient[connID] = clientID
	return answer, nil
}

// AddLocalHostCandidate informs the connection to clientID of a locally
// bound socket address.
func (g *GatewayState) AddLocalHostCandidate(clientID ids.ClientId, socket netip.AddrPort) error {
	return g.node.AddLocalHostCandidate(connIDForClient(clientID), socket)
}

// AddRemoteCandidate feeds an ICE candidate signaled by clientID into the
// underlying connection.
func (g *GatewayState) AddRemoteCandidate(clientID ids.ClientId, sdp string, now time.Time) error {
	return g.node.AddRemoteCandidate(connIDForClient(clientID), sdp, now)
}

// IsConnectedTo reports whether the connection to clientID has completed
// ICE nomination and the WireGuard handshake.
func (g *GatewayState) IsConnectedTo(clientID ids.ClientId) bool {
	return g.node.IsConnectedTo(connIDForClient(clientID))
}

// AllowAccess installs or refreshes a policy entry (spec.md §4.4). Idempotent
// per (client, resource) except for expiresAt, which always updates.
func (g *GatewayState) AllowAccess(clientID ids.ClientId, resourceID ids.ResourceId, res resource.Resource, expiresAt *time.Time) error {
	client, ok := g.clients[clientID]
	if !ok {
		return connerr.PerPeerf("gateway: unknown client %s", clientID)
	}
	g.resources[resourceID] = res
	if grant, ok := client.grants[resourceID]; ok {
		grant.Resource = res
		grant.ExpiresAt = expiresAt
		return nil
	}
	client.grants[resourceID] = &AccessGrant{Resource: res, ExpiresAt: expiresAt}
	return nil
}

// CreateDnsResourceNatEntry installs a bidirectional proxy<->real
// translation for a DNS Resource (spec.md §4.4). realIPs must be
// non-empty; an empty resolved set is rejected the way the source's
// `assign_translations` rejects it.
func (g *GatewayState) CreateDnsResourceNatEntry(clientID ids.ClientId, resourceID ids.ResourceId, domain string, proxyV4, proxyV6 netip.Addr, realIPs []netip.Addr) error {
	if len(realIPs) == 0 {
		return connerr.PerPeerf("gateway: empty resolved set")
	}
	client, ok := g.clients[clientID]
	if !ok {
		return connerr.PerPeerf("gateway: unknown client %s", clientID)
	}

	entry := &dnsNatEntry{ResourceID: resourceID, Domain: domain, ProxyV4: proxyV4, ProxyV6: proxyV6}
	for _, ip := range realIPs {
		if ip.Is4() && !entry.RealV4.IsValid() {
			entry.RealV4 = ip
		} else if ip.Is6() && !entry.RealV6.IsValid() {
			entry.RealV6 = ip
		}
	}

	client.installNat(entry)
	return nil
}

// RefreshTranslation replaces the real-IP side of an existing NAT entry
// while preserving its proxy IPs (spec.md §4.4).
func (g *GatewayState) RefreshTranslation(clientID ids.ClientId, resourceID ids.ResourceId, domain string, resolvedIPs []netip.Addr) error {
	if len(resolvedIPs) == 0 {
		return connerr.PerPeerf("gateway: empty resolved set")
	}
	client, ok := g.clients[clientID]
	if !ok {
		return connerr.PerPeerf("gateway: unknown client %s", clientID)
	}
	existing, ok := client.natByDomain(resourceID, domain)
	if !ok {
		return connerr.PerPeerf("gateway: no existing NAT entry for %s/%s", resourceID, domain)
	}
	return g.CreateDnsResourceNatEntry(clientID, resourceID, domain, existing.ProxyV4, existing.ProxyV6, resolvedIPs)
}

// installNat replaces any previous entry for the same ResourceID/domain
// and re-indexes the client's proxy/real lookup maps.
func (c *ClientOnGateway) installNat(entry *dnsNatEntry) {
	if old, ok := c.natByDomain(entry.ResourceID, entry.Domain); ok {
		delete(c.natByProxy, old.ProxyV4)
		delete(c.natByProxy, old.ProxyV6)
		delete(c.natByReal, old.RealV4)
		delete(c.natByReal, old.RealV6)
	}
	if entry.ProxyV4.IsValid() {
		c.natByProxy[entry.ProxyV4] = entry
	}
	if entry.ProxyV6.IsValid() {
		c.natByProxy[entry.ProxyV6] = entry
	}
	if entry.RealV4.IsValid() {
		c.natByReal[entry.RealV4] = entry
	}
	if entry.RealV6.IsValid() {
		c.natByReal[entry.RealV6] = entry
	}
}

func (c *ClientOnGateway) natByDomain(resourceID ids.ResourceId, domain string) (*dnsNatEntry, bool) {
	for _, e := range c.natByProxy {
		if e.ResourceID == resourceID && e.Domain == domain {
			return e, true
		}
	}
	return nil, false
}

// RemoveAccess revokes clientID's access to resourceID.
func (g *GatewayState) RemoveAccess(clientID ids.ClientId, resourceID ids.ResourceId) {
	client, ok := g.clients[clientID]
	if !ok {
		return
	}
	delete(client.grants, resourceID)
	for proxy, e := range client.natByProxy {
		if e.ResourceID == resourceID {
			delete(client.natByProxy, proxy)
		}
	}
	for real, e := range client.natByReal {
		if e.ResourceID == resourceID {
			delete(client.natByReal, real)
		}
	}
}

// UpdateResource propagates a changed Resource definition (new filters,
// new address) to every client grant that references it.
func (g *GatewayState) UpdateResource(res resource.Resource) {
	g.resources[res.ID] = res
	for _, client := range g.clients {
		if grant, ok := client.grants[res.ID]; ok {
			grant.Resource = res
		}
	}
}

func protocolFromIPProto(proto uint8) (resource.Protocol, bool) {
	switch proto {
	case protoTCP:
		return resource.ProtocolTCP, true
	case protoUDP:
		return resource.ProtocolUDP, true
	case protoICMPv4, protoICMPv6:
		return resource.ProtocolICMP, true
	default:
		return 0, false
	}
}

// Decapsulate decrypts an inbound datagram from a Client, enforces the
// spec.md §4.4 policy chain, rewrites DNS-resource NAT on ingress, and
// returns the cleartext packet ready for egress onto the Gateway's
// network.
func (g *GatewayState) Decapsulate(local, from netip.AddrPort, data []byte, now time.Time) ([]byte, error) {
	connID, payload, ok := g.node.Decapsulate(local, from, data, now)
	if !ok {
		return nil, nil
	}
	clientID, ok := g.connToClient[connID]
	if !ok {
		return nil, nil
	}
	client, ok := g.clients[clientID]
	if !ok {
		return nil, nil
	}

	src, dst, err := ippacket.Addresses(payload)
	if err != nil {
		return nil, nil
	}
	if !client.ownsTunnelAddr(src) {
		return nil, nil // spec.md §4.4: source must equal the client's assigned tunnel IP
	}

	grant, natEntry, ok := client.matchDestination(dst, now)
	if !ok {
		return nil, nil
	}

	ipProto, ok := ippacket.IPProtocol(payload)
	if !ok {
		return nil, nil
	}
	proto, ok := protocolFromIPProto(ipProto)
	if !ok {
		return nil, nil
	}
	port, _ := ippacket.DestinationPort(payload)
	if !grant.Resource.AllowsTransport(proto, port) {
		return nil, nil
	}

	if natEntry != nil {
		if real, ok := natEntry.realFor(dst); ok {
			if err := ippacket.RewriteDestination(payload, real); err != nil {
				return nil, err
			}
		}
	}

	client.lastActivity = now
	return payload, nil
}

// Encapsulate accepts a cleartext reply packet arriving on the Gateway's
// network (destined for one of its Clients' tunnel IPs), applies the
// DNS-resource NAT reverse rewrite, and encrypts it for delivery to that
// Client (spec.md §4.4's `encapsulate`).
func (g *GatewayState) Encapsulate(packet []byte, now time.Time) (*snownet.Transmit, error) {
	src, dst, err := ippacket.Addresses(packet)
	if err != nil {
		return nil, err
	}

	client, ok := g.clientByTunnelAddr(dst)
	if !ok {
		return nil, nil
	}

	if entry, ok := client.natByReal[src]; ok {
		if proxy, ok := entry.proxyFor(src); ok {
			if err := ippacket.RewriteSource(packet, proxy); err != nil {
				return nil, err
			}
		}
	}

	client.lastActivity = now
	return g.node.Encapsulate(client.ConnID, packet, now)
}

func (g *GatewayState) clientByTunnelAddr(addr netip.Addr) (*ClientOnGateway, bool) {
	for _, c := range g.clients {
		if c.ownsTunnelAddr(addr) {
			return c, true
		}
	}
	return nil, false
}

// HandleTimeout drives the Node, the once-a-second access-expiry sweep,
// the 300s DNS-refresh nudge, and idle-client reaping.
func (g *GatewayState) HandleTimeout(now time.Time) {
	g.node.HandleTimeout(now)
	for {
		t, ok := g.node.PollTransmit()
		if !ok {
			break
		}
		g.transmits = append(g.transmits, t)
	}
	for {
		ev, ok := g.node.PollEvent()
		if !ok {
			break
		}
		g.handleNodeEvent(ev)
	}

	if g.nextExpiryCheck.IsZero() || !now.Before(g.nextExpiryCheck) {
		g.nextExpiryCheck = now.Add(expiryCheckInterval)
		g.sweepExpiredGrants(now)
	}

	if g.nextDnsRefresh.IsZero() {
		g.nextDnsRefresh = now.Add(dnsRefreshInterval)
	} else if !now.Before(g.nextDnsRefresh) {
		g.nextDnsRefresh = now.Add(dnsRefreshInterval)
		g.emitDnsRefreshes()
	}

	g.reapIdleClients(now)
}

func (g *GatewayState) sweepExpiredGrants(now time.Time) {
	for _, client := range g.clients {
		for resourceID, grant := range client.grants {
			if grant.expired(now) {
				delete(client.grants, resourceID)
			}
		}
	}
}

func (g *GatewayState) emitDnsRefreshes() {
	for clientID, client := range g.clients {
		seen := make(map[ids.ResourceId]struct{})
		for _, e := range client.natByProxy {
			if _, ok := seen[e.ResourceID]; ok {
				continue
			}
			seen[e.ResourceID] = struct{}{}
			g.events = append(g.events, RefreshDns{ClientID: clientID, ResourceID: e.ResourceID, Domain: e.Domain})
		}
	}
}

func (g *GatewayState) reapIdleClients(now time.Time) {
	for clientID, client := range g.clients {
		if now.Sub(client.lastActivity) < idleTimeout {
			continue
		}
		delete(g.connToClient, client.ConnID)
		delete(g.clients, clientID)
	}
}

func (g *GatewayState) handleNodeEvent(ev snownet.Event) {
	switch e := ev.(type) {
	case snownet.CandidateGathered:
		clientID, ok := g.connToClient[e.ConnectionId]
		if !ok {
			return
		}
		g.events = append(g.events, AddedIceCandidates{ClientID: clientID, Candidates: []string{e.Candidate}})
	case snownet.ConnectionConnected, snownet.ConnectionFailed:
		// No GatewayState-level bookkeeping beyond what Node already tracks.
	}
}

// RequestDnsResolution asks the driver to resolve domain for resourceID so
// a NAT entry can be created, deferring until the result arrives out of
// band (spec.md §4.5's Gateway-side counterpart to the Client's
// RequestAccess).
func (g *GatewayState) RequestDnsResolution(clientID ids.ClientId, resourceID ids.ResourceId, domain string) {
	g.events = append(g.events, ResolveDns{ClientID: clientID, ResourceID: resourceID, Domain: domain})
}

// PollTimeout returns the Node's next deadline, or the next once-a-second
// expiry sweep, whichever is sooner.
func (g *GatewayState) PollTimeout() (time.Time, bool) {
	earliest, found := g.node.PollTimeout()
	if !g.nextExpiryCheck.IsZero() && (!found || g.nextExpiryCheck.Before(earliest)) {
		earliest, found = g.nextExpiryCheck, true
	}
	return earliest, found
}

// PollTransmit pops the next queued UDP datagram.
func (g *GatewayState) PollTransmit() (snownet.Transmit, bool) {
	if len(g.transmits) == 0 {
		return snownet.Transmit{}, false
	}
	t := g.transmits[0]
	g.transmits = g.transmits[1:]
	return t, true
}

// PollEvent pops the next queued Event.
func (g *GatewayState) PollEvent() (Event, bool) {
	if len(g.events) == 0 {
		return nil, false
	}
	e := g.events[0]
	g.events = g.events[1:]
	return e, true
}
