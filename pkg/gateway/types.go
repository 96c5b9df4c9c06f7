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
	"time"

	"github.com/google/uuid"

	"github.com/netshade/connlib/pkg/ids"
	"github.com/netshade/connlib/pkg/resource"
)

// connIDForClient mints the snownet connection identifier for clientID.
// snownet.ConnectionId is fixed to the ids.GatewayId type because "a
// Client always dials a specific Gateway, so the Gateway's own id doubles
// as the connection id" (pkg/snownet/types.go) -- that holds from the
// Client's Node. A Gateway's Node instead multiplexes one connection per
// Client, so here the GatewayId-shaped slot is reused to carry a Client's
// identity; both types wrap the same uuid.UUID representation, so the
// conversion is exact and reversible via clientIDForConn.
func connIDForClient(clientID ids.ClientId) ids.GatewayId {
	return ids.GatewayId(uuid.UUID(clientID))
}

func clientIDForConn(conn ids.GatewayId) ids.ClientId {
	return ids.ClientId(uuid.UUID(conn))
}

// AccessGrant is one (Client, Resource) policy entry (spec.md §3's
// `ClientOnGateway.resources` map value).
type AccessGrant struct {
	Resource  resource.Resource
	ExpiresAt *time.Time
}

func (g *AccessGrant) expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

// dnsNatEntry is one DNS Resource's proxy<->real translation for a single
// client, installed by CreateDnsResourceNatEntry and replaced with a new
// entry by RefreshTranslation.
type dnsNatEntry struct {
	ResourceID ids.ResourceId
	Domain     string
	ProxyV4    netip.Addr
	ProxyV6    netip.Addr
	RealV4     netip.Addr
	RealV6     netip.Addr
}

func (e *dnsNatEntry) proxyFor(real netip.Addr) (netip.Addr, bool) {
	switch {
	case real.Is4() && e.RealV4 == real:
		return e.ProxyV4, e.ProxyV4.IsValid()
	case real.Is6() && e.RealV6 == real:
		return e.ProxyV6, e.ProxyV6.IsValid()
	default:
		return netip.Addr{}, false
	}
}

func (e *dnsNatEntry) realFor(proxy netip.Addr) (netip.Addr, bool) {
	switch {
	case proxy.Is4() && e.ProxyV4 == proxy:
		return e.RealV4, e.RealV4.IsValid()
	case proxy.Is6() && e.ProxyV6 == proxy:
		return e.RealV6, e.RealV6.IsValid()
	default:
		return netip.Addr{}, false
	}
}

// ClientOnGateway is the Gateway-side per-Client state (spec.md §3).
type ClientOnGateway struct {
	ClientID   ids.ClientId
	ConnID     ids.GatewayId
	TunnelIPv4 netip.Addr
	TunnelIPv6 netip.Addr

	grants     map[ids.ResourceId]*AccessGrant
	natByProxy map[netip.Addr]*dnsNatEntry
	natByReal  map[netip.Addr]*dnsNatEntry

	lastActivity time.Time
}

func newClientOnGateway(clientID ids.ClientId, connID ids.GatewayId, tunnelV4, tunnelV6 netip.Addr, now time.Time) *ClientOnGateway {
	return &ClientOnGateway{
		ClientID:     clientID,
		ConnID:       connID,
		TunnelIPv4:   tunnelV4,
		TunnelIPv6:   tunnelV6,
		grants:       make(map[ids.ResourceId]*AccessGrant),
		natByProxy:   make(map[netip.Addr]*dnsNatEntry),
		natByReal:    make(map[netip.Addr]*dnsNatEntry),
		lastActivity: now,
	}
}

// ownsTunnelAddr reports whether addr is this client's own assigned
// tunnel IP, the spec.md §4.4 ingress source check.
func (c *ClientOnGateway) ownsTunnelAddr(addr netip.Addr) bool {
	return (c.TunnelIPv4.IsValid() && addr == c.TunnelIPv4) || (c.TunnelIPv6.IsValid() && addr == c.TunnelIPv6)
}

// matchDestination implements spec.md §4.4's destination policy check:
// CIDR/Internet Resources match by address containment, DNS Resources
// match by proxy-IP presence in the NAT table. Expired grants are
// excluded.
func (c *ClientOnGateway) matchDestination(dst netip.Addr, now time.Time) (*AccessGrant, *dnsNatEntry, bool) {
	if entry, ok := c.natByProxy[dst]; ok {
		if grant, ok := c.grants[entry.ResourceID]; ok && !grant.expired(now) {
			return grant, entry, true
		}
		return nil, nil, false
	}
	for _, grant := range c.grants {
		if grant.expired(now) {
			continue
		}
		switch grant.Resource.Kind {
		case resource.KindCidr:
			if grant.Resource.Address.Contains(dst) {
				return grant, nil, true
			}
		case resource.KindInternet:
			return grant, nil, true
		}
	}
	return nil, nil, false
}

// Event is something the driver or signaling adapter should react to.
type Event interface{ isGatewayEvent() }

// AddedIceCandidates reports locally gathered ICE candidates that should
// be signaled to clientID.
type AddedIceCandidates struct {
	ClientID   ids.ClientId
	Candidates []string
}

// RemovedIceCandidates reports candidates that are no longer valid and
// should be retracted over signaling.
type RemovedIceCandidates struct {
	ClientID   ids.ClientId
	Candidates []string
}

// ResolveDns asks the driver to resolve domain on the Gateway's network
// (outside the sans-io core) so a DNS Resource NAT entry can be created.
type ResolveDns struct {
	ClientID   ids.ClientId
	ResourceID ids.ResourceId
	Domain     string
}

// RefreshDns is the periodic nudge to re-resolve an already-installed DNS
// Resource NAT entry, mirroring ClientState's 300s RefreshResources.
type RefreshDns struct {
	ClientID   ids.ClientId
	ResourceID ids.ResourceId
	Domain     string
}

func (AddedIceCandidates) isGatewayEvent()   {}
func (RemovedIceCandidates) isGatewayEvent() {}
func (ResolveDns) isGatewayEvent()           {}
func (RefreshDns) isGatewayEvent()           {}
