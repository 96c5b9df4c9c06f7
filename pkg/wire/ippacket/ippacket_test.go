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
	"net/netip"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestBuildParseUDPv4RoundTrip(t *testing.T) {
	src := netip.MustParseAddr("100.64.0.1")
	dst := netip.MustParseAddr("100.96.0.1")
	payload := []byte("hello resource")

	pkt, err := BuildUDPv4(src, dst, 53535, 53, payload)
	if err != nil {
		t.Fatalf("BuildUDPv4: %v", err)
	}
	if Version(pkt) != 4 {
		t.Fatalf("Version() = %d, want 4", Version(pkt))
	}

	gotSrc, gotSrcPort, gotDst, gotDstPort, gotPayload, err := ParseUDP(pkt)
	if err != nil {
		t.Fatalf("ParseUDP: %v", err)
	}
	if gotSrc != src || gotDst != dst {
		t.Fatalf("addresses = %s -> %s, want %s -> %s", gotSrc, gotDst, src, dst)
	}
	if gotSrcPort != 53535 || gotDstPort != 53 {
		t.Fatalf("ports = %d -> %d, want 53535 -> 53", gotSrcPort, gotDstPort)
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestBuildParseUDPv6RoundTrip(t *testing.T) {
	src := netip.MustParseAddr("fd00::1")
	dst := netip.MustParseAddr("fd00::2")
	payload := []byte("dns reply")

	pkt, err := BuildUDPv6(src, dst, 53, 40000, payload)
	if err != nil {
		t.Fatalf("BuildUDPv6: %v", err)
	}
	if Version(pkt) != 6 {
		t.Fatalf("Version() = %d, want 6", Version(pkt))
	}

	gotSrc, gotSrcPort, gotDst, gotDstPort, gotPayload, err := ParseUDP(pkt)
	if err != nil {
		t.Fatalf("ParseUDP: %v", err)
	}
	if gotSrc != src || gotDst != dst || gotSrcPort != 53 || gotDstPort != 40000 {
		t.Fatalf("four-tuple mismatch: %s:%d -> %s:%d", gotSrc, gotSrcPort, gotDst, gotDstPort)
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestRewriteDestinationFixesChecksums(t *testing.T) {
	proxyIP := netip.MustParseAddr("100.96.0.5")
	clientIP := netip.MustParseAddr("100.64.0.1")
	realIP := netip.MustParseAddr("10.1.2.3")

	pkt, err := BuildUDPv4(clientIP, proxyIP, 40000, 443, []byte("payload bytes"))
	if err != nil {
		t.Fatalf("BuildUDPv4: %v", err)
	}

	if err := RewriteDestination(pkt, realIP); err != nil {
		t.Fatalf("RewriteDestination: %v", err)
	}

	src, dst, err := Addresses(pkt)
	if err != nil {
		t.Fatalf("Addresses: %v", err)
	}
	if src != clientIP || dst != realIP {
		t.Fatalf("addresses after rewrite = %s -> %s, want %s -> %s", src, dst, clientIP, realIP)
	}

	// A second parse must succeed, proving the rewritten checksums are
	// internally consistent (ParseUDP would reject a short/garbled header,
	// but does not itself verify checksums -- so additionally recompute
	// and compare against what the packet carries).
	gotSrc, _, gotDst, gotDstPort, payload, err := ParseUDP(pkt)
	if err != nil {
		t.Fatalf("ParseUDP after rewrite: %v", err)
	}
	if gotSrc != clientIP || gotDst != realIP || gotDstPort != 443 {
		t.Fatalf("post-rewrite four-tuple wrong: %s -> %s:%d", gotSrc, gotDst, gotDstPort)
	}
	if string(payload) != "payload bytes" {
		t.Fatalf("payload corrupted by rewrite: %q", payload)
	}

	ip := header.IPv4(pkt)
	if got := checksum.Checksum(pkt[:header.IPv4MinimumSize], 0); got != 0xffff {
		t.Fatalf("IPv4 header checksum invalid after rewrite: sum %#04x", got)
	}
	udpSeg := pkt[header.IPv4MinimumSize:]
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, ip.SourceAddress(), ip.DestinationAddress(), uint16(len(udpSeg)))
	if got := checksum.Checksum(udpSeg, xsum); got != 0xffff {
		t.Fatalf("UDP checksum invalid after rewrite: sum %#04x", got)
	}
}

func TestIsControlPacket(t *testing.T) {
	udpPkt, err := BuildUDPv4(netip.MustParseAddr("100.64.0.1"), netip.MustParseAddr("100.64.0.2"), 1, 2, []byte("x"))
	if err != nil {
		t.Fatalf("BuildUDPv4: %v", err)
	}
	if IsControlPacket(udpPkt) {
		t.Fatalf("ordinary UDP packet misclassified as control packet")
	}

	control := make([]byte, len(udpPkt))
	copy(control, udpPkt)
	control[9] = ControlProtocolNumber // IPv4 protocol field
	if !IsControlPacket(control) {
		t.Fatalf("protocol-254 packet not recognized as control packet")
	}
}

func TestVersionRejectsGarbage(t *testing.T) {
	for _, b := range [][]byte{nil, {}, {0x00}, {0x50}} {
		if v := Version(b); v != 0 {
			t.Fatalf("Version(%v) = %d, want 0", b, v)
		}
	}
}
