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

// Package signaling defines the JSON wire contract between a Client and
// the portal (spec.md §6). The transport itself -- a Phoenix-channel
// WebSocket -- is out of scope; this package fixes only the message
// shapes a driver marshals onto that transport.
package signaling

import (
	"net/netip"

	"github.com/netshade/connlib/pkg/ids"
)

// DnsServer is one upstream resolver the portal configures for the TUN
// interface.
type DnsServer struct {
	Address  netip.AddrPort `json:"address"`
	Protocol string         `json:"protocol"` // always "ip_port" per spec.md §6
}

// Interface is the TUN configuration carried in Init and TunInterfaceUpdated.
type Interface struct {
	IPv4        netip.Addr  `json:"ipv4"`
	IPv6        netip.Addr  `json:"ipv6"`
	UpstreamDNS []DnsServer `json:"upstream_dns"`
}

// ResourceFilter mirrors resource.Filter on the wire.
type ResourceFilter struct {
	Protocol string `json:"protocol"` // "tcp", "udp", "icmp"
	LowPort  uint16 `json:"low_port,omitempty"`
	HighPort uint16 `json:"high_port,omitempty"`
}

// ResourceDescription is a Resource as the portal describes it.
type ResourceDescription struct {
	ID      ids.ResourceId   `json:"id"`
	Name    string           `json:"name"`
	Kind    string           `json:"kind"` // "cidr", "dns", "internet"
	Address string           `json:"address,omitempty"`
	Filters []ResourceFilter `json:"filters,omitempty"`
}

// -- Messages consumed by the Client (portal -> Client) --

// Init is the first message on a new signaling connection.
type Init struct {
	Interface Interface              `json:"interface"`
	Resources []ResourceDescription  `json:"resources"`
}

// ResourceAdded notifies the Client of a new Resource.
type ResourceAdded struct {
	Resource ResourceDescription `json:"resource"`
}

// ResourceRemoved notifies the Client a Resource no longer exists.
type ResourceRemoved struct {
	ID ids.ResourceId `json:"id"`
}

// ResourceUpdated notifies the Client a Resource's definition changed.
type ResourceUpdated struct {
	Resource ResourceDescription `json:"resource"`
}

// RelayDescription is one TURN server the portal offers for a connection.
type RelayDescription struct {
	ID       ids.RelayId    `json:"id"`
	Addr     netip.AddrPort `json:"addr"`
	Username string         `json:"username"`
	Password string         `json:"password"`
}

// ConnectionDetails replies to a PrepareConnection intent, naming the
// Gateway and Site the portal selected.
type ConnectionDetails struct {
	ResourceId ids.ResourceId     `json:"resource_id"`
	GatewayId  ids.GatewayId      `json:"gateway_id"`
	Relays     []RelayDescription `json:"relays"`
	Reference  string             `json:"reference"`
}

// Connect is the Gateway's answer to a RequestConnection.
type Connect struct {
	ResourceId               ids.ResourceId `json:"resource_id"`
	GatewayRtcSessionDescription string     `json:"gateway_rtc_session_description"`
	GatewayPublicKey          [32]byte       `json:"gateway_public_key"`
}

// IceCandidates carries one or more ICE candidates signaled by a Gateway.
type IceCandidates struct {
	GatewayId  ids.GatewayId `json:"gateway_id"`
	Candidates []string      `json:"candidates"`
}

// InvalidateIceCandidates asks the Client to drop previously signaled
// candidates (e.g. a relay allocation the Gateway tore down).
type InvalidateIceCandidates struct {
	GatewayId  ids.GatewayId `json:"gateway_id"`
	Candidates []string      `json:"candidates"`
}

// RelaysPresence reports which relays are now usable.
type RelaysPresence struct {
	Connected        []RelayDescription `json:"connected"`
	DisconnectedIds  []ids.RelayId      `json:"disconnected_ids"`
}

// DisconnectReason names why the portal closed the session.
type DisconnectReason string

const (
	DisconnectTokenExpired DisconnectReason = "token_expired"
)

// Disconnect is a terminal message from the portal.
type Disconnect struct {
	Reason DisconnectReason `json:"reason"`
}

// -- Messages produced by the Client (Client -> portal) --

// PrepareConnection is a ConnectionIntent sent to the portal (spec.md §4.3
// step 1), asking it to pick a Gateway/Site for resourceId.
type PrepareConnection struct {
	ResourceId         ids.ResourceId  `json:"resource_id"`
	ConnectedGatewayIds []ids.GatewayId `json:"connected_gateway_ids"`
}

// ClientPayload is the offer-side payload carried in RequestConnection.
// Domain disambiguates which FQDN a wildcard DNS Resource request is for
// (original_source/ supplement; spec.md §4.3/§6 leave this implicit).
type ClientPayload struct {
	IceParameters string  `json:"ice_parameters"`
	Domain        *string `json:"domain,omitempty"`
}

// RequestConnection is the Client's Offer, sent once a Gateway has been
// selected for a fresh (not yet established) connection.
type RequestConnection struct {
	ResourceId        ids.ResourceId `json:"resource_id"`
	GatewayId         ids.GatewayId  `json:"gateway_id"`
	ClientPresharedKey string        `json:"client_preshared_key"`
	ClientPayload     ClientPayload  `json:"client_payload"`
}

// ReusePayload names the DNS Resource and proxy IPs chosen for a reused
// connection.
type ReusePayload struct {
	Name      string   `json:"name"`
	ProxyIps  []string `json:"proxy_ips"`
}

// ReuseConnection asks the portal to hand a new Resource access to an
// already-connected Gateway, skipping the Offer/Answer exchange. Per
// spec.md §9's Open Question, new code SHOULD prefer RequestAccess-style
// flows; ReuseConnection is carried for the RefreshResources path
// (spec.md §4.3's 300s DNS refresh).
type ReuseConnection struct {
	ResourceId ids.ResourceId `json:"resource_id"`
	GatewayId  ids.GatewayId  `json:"gateway_id"`
	Payload    *ReusePayload  `json:"payload,omitempty"`
}

// RefreshResources is the 300s DNS-refresh event, listing every
// still-alive DNS Resource connection the portal should consider
// re-resolving.
type RefreshResources struct {
	Connections []ReuseConnection `json:"connections"`
}

// BroadcastIceCandidates signals locally gathered candidates to a set of
// Gateways.
type BroadcastIceCandidates struct {
	GatewayIds []ids.GatewayId `json:"gateway_ids"`
	Candidates []string        `json:"candidates"`
}

// CreateLogSink asks the portal to open a diagnostic log upload channel.
type CreateLogSink struct{}
