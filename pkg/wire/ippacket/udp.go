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

// ParseUDP extracts the four-tuple and payload of a well-formed IPv4 or
// IPv6 UDP datagram. payload aliases b.
func ParseUDP(b []byte) (srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16, payload []byte, err error) {
	var proto tcpip.TransportProtocolNumber
	var transport []byte

	switch Version(b) {
	case 4:
		if len(b) < header.IPv4MinimumSize {
			return netip.Addr{}, 0, netip.Addr{}, 0, nil, fmt.Errorf("ippacket: short IPv4 header (%d bytes)", len(b))
		}
		ip := header.IPv4(b)
		proto = ip.TransportProtocol()
		transport = ip.Payload()
		srcAddr = addrFromSlice(ip.SourceAddress().AsSlice())
		dstAddr = addrFromSlice(ip.DestinationAddress().AsSlice())
	case 6:
		if len(b) < header.IPv6MinimumSize {
			return netip.Addr{}, 0, netip.Addr{}, 0, nil, fmt.Errorf("ippacket: short IPv6 header (%d bytes)", len(b))
		}
		ip := header.IPv6(b)
		proto = ip.TransportProtocol()
		transport = ip.Payload()
		srcAddr = addrFromSlice(ip.SourceAddress().AsSlice())
		dstAddr = addrFromSlice(ip.DestinationAddress().AsSlice())
	default:
		return netip.Addr{}, 0, netip.Addr{}, 0, nil, fmt.Errorf("ippacket: not an IP packet")
	}

	if proto != header.UDPProtocolNumber {
		return netip.Addr{}, 0, netip.Addr{}, 0, nil, fmt.Errorf("ippacket: not UDP (protocol %d)", proto)
	}
	if len(transport) < header.UDPMinimumSize {
		return netip.Addr{}, 0, netip.Addr{}, 0, nil, fmt.Errorf("ippacket: short UDP header (%d bytes)", len(transport))
	}
	udp := header.UDP(transport)
	return srcAddr, udp.SourcePort(), dstAddr, udp.DestinationPort(), udp.Payload(), nil
}

// BuildUDPv4 constructs a complete IPv4/UDP datagram carrying payload, with
// every checksum correctly computed. The DNS interceptor uses this to
// synthesize A/AAAA/PTR responses and forwarded upstream replies as
// packets the Client's TUN device can read directly.
func BuildUDPv4(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, fmt.Errorf("ippacket: BuildUDPv4 requires IPv4 addresses")
	}
	udpLen := header.UDPMinimumSize + len(payload)
	total := header.IPv4MinimumSize + udpLen
	b := make([]byte, total)

	rawSrc, rawDst := src.As4(), dst.As4()
	srcAddr := tcpip.AddrFromSlice(rawSrc[:])
	dstAddr := tcpip.AddrFromSlice(rawDst[:])

	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     srcAddr,
		DstAddr:     dstAddr,
	})
	ip.SetChecksum(0)
	ip.SetChecksum(^checksum.Checksum(b[:header.IPv4MinimumSize], 0))

	udp := header.UDP(b[header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{SrcPort: srcPort, DstPort: dstPort, Length: uint16(udpLen)})
	copy(udp.Payload(), payload)
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, srcAddr, dstAddr, uint16(udpLen))
	udp.SetChecksum(^checksum.Checksum(b[header.IPv4MinimumSize:], xsum))

	return b, nil
}

// BuildUDPv6 is BuildUDPv4's IPv6 counterpart.
func BuildUDPv6(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) ([]byte, error) {
	if !src.Is6() || !dst.Is6() {
		return nil, fmt.Errorf("ippacket: BuildUDPv6 requires IPv6 addresses")
	}
	udpLen := header.UDPMinimumSize + len(payload)
	total := header.IPv6MinimumSize + udpLen
	b := make([]byte, total)

	rawSrc, rawDst := src.As16(), dst.As16()
	srcAddr := tcpip.AddrFromSlice(rawSrc[:])
	dstAddr := tcpip.AddrFromSlice(rawDst[:])

	ip := header.IPv6(b)
	ip.Encode(&header.IPv6Fields{
		PayloadLength:     uint16(udpLen),
		TransportProtocol: header.UDPProtocolNumber,
		HopLimit:          64,
		SrcAddr:           srcAddr,
		DstAddr:           dstAddr,
	})

	udp := header.UDP(b[header.IPv6MinimumSize:])
	udp.Encode(&header.UDPFields{SrcPort: srcPort, DstPort: dstPort, Length: uint16(udpLen)})
	copy(udp.Payload(), payload)
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, srcAddr, dstAddr, uint16(udpLen))
	udp.SetChecksum(^checksum.Checksum(b[header.IPv6MinimumSize:], xsum))

	return b, nil
}
