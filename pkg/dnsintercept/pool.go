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

package dnsintercept

import (
	"fmt"
	"net/netip"
)

// Sentinel IPv4/IPv6 ranges and the proxy-IP ranges minus the sentinel
// carve-out, per spec.md §3.
var (
	sentinelV4 = netip.MustParsePrefix("100.100.111.0/24")
	sentinelV6 = netip.MustParsePrefix("fd00:2021:1111:8000:100:100:111::/120")
	proxyV4    = netip.MustParsePrefix("100.96.0.0/11")
	proxyV6    = netip.MustParsePrefix("fd00:2021:1111:8000::/107")
)

// maxSentinels bounds the per-family sentinel pool to the /24 (and
// equivalent /120) address space; spec.md §8's 257-resolver edge case only
// bites at this ceiling.
const maxSentinels = 256

// SentinelPool hands out a sentinel IP per configured upstream resolver and
// keeps the sentinel<->resolver bijection the interceptor uses to route an
// inbound query back to the right upstream.
type SentinelPool struct {
	family   addrFamily
	next     int
	byAddr   map[netip.Addr]netip.AddrPort
	byServer map[netip.AddrPort]netip.Addr
	overflow int
}

type addrFamily int

const (
	familyV4 addrFamily = iota
	familyV6
)

// NewSentinelPool builds an empty pool for the given family.
func NewSentinelPool(v6 bool) *SentinelPool {
	f := familyV4
	if v6 {
		f = familyV6
	}
	return &SentinelPool{
		family:   f,
		byAddr:   make(map[netip.Addr]netip.AddrPort),
		byServer: make(map[netip.AddrPort]netip.Addr),
	}
}

// Assign allocates the next sentinel IP for upstream, or returns the
// already-assigned one if upstream was seen before. Once maxSentinels
// addresses are handed out, further calls report overflow: the caller
// should log a warning once and fail queries routed to the 257th+
// resolver with ServFail (spec.md §8).
func (p *SentinelPool) Assign(upstream netip.AddrPort) (netip.Addr, bool) {
	if addr, ok := p.byServer[upstream]; ok {
		return addr, true
	}
	if p.next >= maxSentinels {
		p.overflow++
		return netip.Addr{}, false
	}
	prefix := sentinelV4
	if p.family == familyV6 {
		prefix = sentinelV6
	}
	addr := nthAddr(prefix, p.next)
	p.next++
	p.byAddr[addr] = upstream
	p.byServer[upstream] = addr
	return addr, true
}

// Overflowed reports how many Assign calls were rejected for exceeding
// maxSentinels.
func (p *SentinelPool) Overflowed() int { return p.overflow }

// Resolver returns the upstream resolver owning sentinel, if any.
func (p *SentinelPool) Resolver(sentinel netip.Addr) (netip.AddrPort, bool) {
	up, ok := p.byAddr[sentinel]
	return up, ok
}

// IsSentinel reports whether addr falls in either sentinel range.
func IsSentinel(addr netip.Addr) bool {
	return sentinelV4.Contains(addr) || sentinelV6.Contains(addr)
}

// ProxyPool hands out private IPs for DNS Resource answers, pinned to a
// (ResourceId, qname) pair for the lifetime of the mapping (spec.md §3).
type ProxyPool struct {
	family   addrFamily
	next     int
	byKey    map[pinKey]netip.Addr
	byAddr   map[netip.Addr]pinKey
}

type pinKey struct {
	resource string
	qname    string
}

// NewProxyPool builds an empty pool for the given family, excluding the
// sentinel carve-out from the allocatable range.
func NewProxyPool(v6 bool) *ProxyPool {
	f := familyV4
	if v6 {
		f = familyV6
	}
	return &ProxyPool{
		family: f,
		byKey:  make(map[pinKey]netip.Addr),
		byAddr: make(map[netip.Addr]pinKey),
	}
}

// Allocate returns the proxy IP pinned to (resourceID, qname), allocating a
// fresh one on first use.
func (p *ProxyPool) Allocate(resourceID, qname string) (netip.Addr, error) {
	key := pinKey{resource: resourceID, qname: qname}
	if addr, ok := p.byKey[key]; ok {
		return addr, nil
	}
	prefix := proxyV4
	sentinel := sentinelV4
	if p.family == familyV6 {
		prefix = proxyV6
		sentinel = sentinelV6
	}
	for {
		addr := nthAddr(prefix, p.next)
		if !prefix.Contains(addr) {
			return netip.Addr{}, fmt.Errorf("dnsintercept: proxy IP pool for %v exhausted", prefix)
		}
		p.next++
		if sentinel.Contains(addr) {
			continue
		}
		p.byKey[key] = addr
		p.byAddr[addr] = key
		return addr, nil
	}
}

// Lookup returns the (resourceID, qname) pin for a previously allocated
// proxy IP, used to answer PTR queries locally (spec.md §4.5).
func (p *ProxyPool) Lookup(addr netip.Addr) (resourceID, qname string, ok bool) {
	key, ok := p.byAddr[addr]
	if !ok {
		return "", "", false
	}
	return key.resource, key.qname, true
}

// nthAddr returns the address n past prefix's base, staying within prefix's
// width (32 bits for v4, 128 for v6); callers are responsible for checking
// Contains on the result since offsets may walk past the prefix.
func nthAddr(prefix netip.Prefix, n int) netip.Addr {
	base := prefix.Addr()
	b := base.AsSlice()
	carry := n
	for i := len(b) - 1; i >= 0 && carry > 0; i-- {
		sum := int(b[i]) + carry
		b[i] = byte(sum & 0xFF)
		carry = sum >> 8
	}
	addr, _ := netip.AddrFromSlice(b)
	if base.Is4() {
		addr = addr.Unmap()
	}
	return addr
}
