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

// Package ippacket parses and rewrites the IPv4/IPv6/UDP/TCP/ICMP headers
// that cross the tunnel, on top of gvisor's header codec. It never builds a
// netstack: connlib only ever needs to read a few fields out of a packet
// it is forwarding, or rewrite an address and fix up the checksums that
// rewrite invalidates -- both the Gateway's DNS Resource NAT and the DNS
// interceptor's synthesized replies go through here.
package ippacket

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// ControlProtocolNumber is the IP protocol number connlib reserves for its
// own p2p control messages, distinct from any tunneled payload. The
// upstream protocol leaves this unspecified (an Open Question in spec.md
// §9); DESIGN.md fixes it at 254, IANA's "use for experimentation and
// testing" value (RFC 3692), for this implementation.
const ControlProtocolNumber = 254

// Version returns 4 or 6 for a well-formed IPv4/IPv6 packet, or 0 if b is
// too short to contain a version nibble or carries an unrecognized one.
func Version(b []byte) int {
	if len(b) < 1 {
		return 0
	}
	switch b[0] >> 4 {
	case 4:
		return 4
	case 6:
		return 6
	default:
		return 0
	}
}

// IsControlPacket reports whether b's IP protocol number is
// ControlProtocolNumber.
func IsControlPacket(b []byte) bool {
	switch Version(b) {
	case 4:
		if len(b) < header.IPv4MinimumSize {
			return false
		}
		return header.IPv4(b).Protocol() == ControlProtocolNumber
	case 6:
		if len(b) < header.IPv6MinimumSize {
			return false
		}
		return uint8(header.IPv6(b).TransportProtocol()) == ControlProtocolNumber
	default:
		return false
	}
}

// Addresses returns the source and destination addresses of an IPv4 or
// IPv6 packet.
func Addresses(b []byte) (src, dst netip.Addr, err error) {
	switch Version(b) {
	case 4:
		if len(b) < header.IPv4MinimumSize {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("ippacket: short IPv4 header (%d bytes)", len(b))
		}
		ip := header.IPv4(b)
		return addrFromSlice(ip.SourceAddress().AsSlice()), addrFromSlice(ip.DestinationAddress().AsSlice()), nil
	case 6:
		if len(b) < header.IPv6MinimumSize {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("ippacket: short IPv6 header (%d bytes)", len(b))
		}
		ip := header.IPv6(b)
		return addrFromSlice(ip.SourceAddress().AsSlice()), addrFromSlice(ip.DestinationAddress().AsSlice()), nil
	default:
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("ippacket: not an IP packet (version nibble %#x)", b[0]>>4)
	}
}

func addrFromSlice(b []byte) netip.Addr {
	addr, _ := netip.AddrFromSlice(b)
	return addr
}

// IPProtocol returns b's IP protocol number (e.g. 6 for TCP, 17 for UDP,
// 1/58 for ICMPv4/ICMPv6), or 0 with ok=false if b is not a well-formed
// IPv4/IPv6 packet. Used by the Gateway's filter-matching policy, which
// needs the transport protocol regardless of whether it also has a port.
func IPProtocol(b []byte) (proto uint8, ok bool) {
	switch Version(b) {
	case 4:
		if len(b) < header.IPv4MinimumSize {
			return 0, false
		}
		return uint8(header.IPv4(b).Protocol()), true
	case 6:
		if len(b) < header.IPv6MinimumSize {
			return 0, false
		}
		return uint8(header.IPv6(b).TransportProtocol()), true
	default:
		return 0, false
	}
}

// DestinationPort returns the destination port of a TCP or UDP packet, or
// ok=false for any other protocol or malformed packet.
func DestinationPort(b []byte) (port uint16, ok bool) {
	var proto uint8
	var transport []byte
	switch Version(b) {
	case 4:
		if len(b) < header.IPv4MinimumSize {
			return 0, false
		}
		ip := header.IPv4(b)
		proto = uint8(ip.Protocol())
		transport = ip.Payload()
	case 6:
		if len(b) < header.IPv6MinimumSize {
			return 0, false
		}
		ip := header.IPv6(b)
		proto = uint8(ip.TransportProtocol())
		transport = ip.Payload()
	default:
		return 0, false
	}

	switch proto {
	case uint8(header.UDPProtocolNumber):
		if len(transport) < header.UDPMinimumSize {
			return 0, false
		}
		return header.UDP(transport).DestinationPort(), true
	case uint8(header.TCPProtocolNumber):
		if len(transport) < header.TCPMinimumSize {
			return 0, false
		}
		return header.TCP(transport).DestinationPort(), true
	default:
		return 0, false
	}
}
