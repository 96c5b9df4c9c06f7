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

	"github.com/netshade/connlib/pkg/ids"
	"github.com/netshade/connlib/pkg/resource"
)

// ClientTransform tracks, per peer (Gateway), which proxy IPs have been
// handed out for DNS Resources routed through that peer. Unlike the
// Gateway's NAT table (pkg/gateway), the Client never learns a Resource's
// real IP -- that only exists on the far side of the tunnel -- so a
// packet's destination is left as the proxy IP all the way to
// snownet.Encapsulate; the Gateway performs the proxy->real rewrite on
// ingress (spec.md §4.4). ClientTransform's job is purely the routing
// bookkeeping spec.md §4.3 step 4 needs: "which Resource does this proxy
// IP belong to, for this peer".
type ClientTransform struct {
	proxyToResource map[netip.Addr]ids.ResourceId
}

func newClientTransform() *ClientTransform {
	return &ClientTransform{proxyToResource: make(map[netip.Addr]ids.ResourceId)}
}

// Pin records that proxy now routes to resource via this peer.
func (t *ClientTransform) Pin(proxy netip.Addr, resourceID ids.ResourceId) {
	t.proxyToResource[proxy] = resourceID
}

// Resource returns the ResourceId proxy was pinned to, if any.
func (t *ClientTransform) Resource(proxy netip.Addr) (ids.ResourceId, bool) {
	r, ok := t.proxyToResource[proxy]
	return r, ok
}

// Peer is the Client-side per-Gateway connection state: which Resources
// (and their covering IP ranges) are reachable over it, and the proxy-IP
// bookkeeping for DNS Resources routed through it (spec.md §3).
type Peer struct {
	ConnID     ids.GatewayId
	AllowedIPs map[netip.Prefix]map[ids.ResourceId]struct{}
	Transform  *ClientTransform
}

func newPeer(conn ids.GatewayId) *Peer {
	return &Peer{
		ConnID:     conn,
		AllowedIPs: make(map[netip.Prefix]map[ids.ResourceId]struct{}),
		Transform:  newClientTransform(),
	}
}

func (p *Peer) allow(prefix netip.Prefix, resourceID ids.ResourceId) {
	set, ok := p.AllowedIPs[prefix]
	if !ok {
		set = make(map[ids.ResourceId]struct{})
		p.AllowedIPs[prefix] = set
	}
	set[resourceID] = struct{}{}
}

func (p *Peer) covers(addr netip.Addr) bool {
	for prefix := range p.AllowedIPs {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Event is something the driver or signaling adapter should react to.
type Event interface{ isClientEvent() }

// SignalIceCandidate asks the driver to forward a locally gathered ICE
// candidate to gateway over signaling.
type SignalIceCandidate struct {
	Gateway   ids.GatewayId
	Candidate string
}

// ConnectionIntent asks the signaling adapter to request a Gateway/Site
// for resource from the portal (spec.md §4.3 step 8).
type ConnectionIntent struct {
	Resource            ids.ResourceId
	ConnectedGatewayIds []ids.GatewayId
}

// RefreshResources is the 300s DNS-resource re-resolution nudge.
type RefreshResources struct {
	Connections []ids.GatewayId
}

// TunInterfaceUpdated asks the driver to reconfigure the TUN device.
type TunInterfaceUpdated struct {
	IPv4        netip.Addr
	IPv6        netip.Addr
	UpstreamDNS []netip.AddrPort
}

// RequestAccess asks the signaling adapter to request Gateway-side access
// to resource for a DNS query against maybeDomain, deferring the
// synthesized DNS answer until allow_access/create_dns_resource_nat_entry
// complete (spec.md §4.5).
type RequestAccess struct {
	Resource    ids.ResourceId
	Gateway     ids.GatewayId
	MaybeDomain string
}

// ResourcesChanged fires whenever the visible Resource set changes, so the
// driver can refresh any UI listing.
type ResourcesChanged struct {
	Resources []resource.Resource
}

func (SignalIceCandidate) isClientEvent()   {}
func (ConnectionIntent) isClientEvent()     {}
func (RefreshResources) isClientEvent()     {}
func (TunInterfaceUpdated) isClientEvent()  {}
func (RequestAccess) isClientEvent()        {}
func (ResourcesChanged) isClientEvent()     {}
