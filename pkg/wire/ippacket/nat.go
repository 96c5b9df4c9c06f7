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

package ippacket

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

type rewriteTarget int

const (
	rewriteDestination rewriteTarget = iota
	rewriteSource
)

// RewriteDestination replaces b's destination address in place with to and
// recomputes every checksum the rewrite invalidates: the IPv4 header
// checksum (IPv6 has none) and the UDP/TCP/ICMP transport checksum. This is
// the Gateway side of DNS Resource NAT -- translating a Client's proxy IP
// back to the Resource's real address before the packet leaves the
// Gateway's TUN device.
func RewriteDestination(b []byte, to netip.Addr) error {
	return rewriteAddress(b, to, rewriteDestination)
}

// RewriteSource replaces b's source address in place with from and
// recomputes checksums the same way RewriteDestination does. This is the
// return path of DNS Resource NAT -- translating a Resource's real address
// back to the proxy IP the Client believes it is talking to.
func RewriteSource(b []byte, from netip.Addr) error {
	return rewriteAddress(b, from, rewriteSource)
}

func rewriteAddress(b []byte, addr netip.Addr, target rewriteTarget) error {
	switch Version(b) {
	case 4:
		return rewriteIPv4(b, addr, target)
	case 6:
		return rewriteIPv6(b, addr, target)
	default:
		return fmt.Errorf("ippacket: not an IP packet")
	}
}

func rewriteIPv4(b []byte, to netip.Addr, target rewriteTarget) error {
	if !to.Is4() {
		return fmt.Errorf("ippacket: %s is not an IPv4 address", to)
	}
	if len(b) < header.IPv4MinimumSize {
		return fmt.Errorf("ippacket: short IPv4 header (%d bytes)", len(b))
	}
	ip := header.IPv4(b)
	hdrLen := int(ip.HeaderLength())
	if hdrLen < header.IPv4MinimumSize || len(b) < hdrLen {
		return fmt.Errorf("ippacket: invalid IPv4 header length %d for %d-byte packet", hdrLen, len(b))
	}

	raw := to.As4()
	addr := tcpip.AddrFromSlice(raw[:])
	switch target {
	case rewriteDestination:
		ip.SetDestinationAddress(addr)
	case rewriteSource:
		ip.SetSourceAddress(addr)
	}

	ip.SetChecksum(0)
	ip.SetChecksum(^checksum.Checksum(b[:hdrLen], 0))

	return fixupTransportChecksum(ip.TransportProtocol(), b[hdrLen:], ip.SourceAddress(), ip.DestinationAddress())
}

func rewriteIPv6(b []byte, to netip.Addr, target rewriteTarget) error {
	if !to.Is6() {
		return fmt.Errorf("ippacket: %s is not an IPv6 address", to)
	}
	if len(b) < header.IPv6MinimumSize {
		return fmt.Errorf("ippacket: short IPv6 header (%d bytes)", len(b))
	}
	ip := header.IPv6(b)

	raw := to.As16()
	addr := tcpip.AddrFromSlice(raw[:])
	switch target {
	case rewriteDestination:
		ip.SetDestinationAddress(addr)
	case rewriteSource:
		ip.SetSourceAddress(addr)
	}

	return fixupTransportChecksum(ip.TransportProtocol(), ip.Payload(), ip.SourceAddress(), ip.DestinationAddress())
}

func fixupTransportChecksum(proto tcpip.TransportProtocolNumber, transport []byte, src, dst tcpip.Address) error {
	switch proto {
	case header.UDPProtocolNumber:
		if len(transport) < header.UDPMinimumSize {
			return fmt.Errorf("ippacket: short UDP header (%d bytes)", len(transport))
		}
		udp := header.UDP(transport)
		udp.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, udp.Length())
		udp.SetChecksum(^checksum.Checksum(transport, xsum))
	case header.TCPProtocolNumber:
		if len(transport) < header.TCPMinimumSize {
			return fmt.Errorf("ippacket: short TCP header (%d bytes)", len(transport))
		}
		tcpHdr := header.TCP(transport)
		tcpHdr.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, uint16(len(transport)))
		tcpHdr.SetChecksum(^checksum.Checksum(transport, xsum))
	case header.ICMPv4ProtocolNumber:
		if len(transport) < header.ICMPv4MinimumSize {
			return fmt.Errorf("ippacket: short ICMPv4 header (%d bytes)", len(transport))
		}
		icmp := header.ICMPv4(transport)
		icmp.SetChecksum(0)
		icmp.SetChecksum(^checksum.Checksum(transport, 0))
	case header.ICMPv6ProtocolNumber:
		if len(transport) < header.ICMPv6MinimumSize {
			return fmt.Errorf("ippacket: short ICMPv6 header (%d bytes)", len(transport))
		}
		icmp := header.ICMPv6(transport)
		icmp.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(header.ICMPv6ProtocolNumber, src, dst, uint16(len(transport)))
		icmp.SetChecksum(^checksum.Checksum(transport, xsum))
	default:
		// Protocols this relay never inspects past the IP header (notably
		// ControlProtocolNumber) carry no transport checksum to fix up.
	}
	return nil
}
