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
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/netshade/connlib/pkg/ids"
	"github.com/netshade/connlib/pkg/resource"
)

func TestSentinelPoolAssignAndOverflow(t *testing.T) {
	p := NewSentinelPool(false)
	up := netip.MustParseAddrPort("8.8.8.8:53")
	addr, ok := p.Assign(up)
	if !ok || !addr.IsValid() {
		t.Fatalf("expected a valid sentinel assignment")
	}
	again, ok := p.Assign(up)
	if !ok || again != addr {
		t.Fatalf("expected re-assigning the same upstream to return the same sentinel")
	}

	for i := 0; i < maxSentinels-1; i++ {
		up := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}), 53)
		if _, ok := p.Assign(up); !ok {
			t.Fatalf("expected capacity for resolver %d", i)
		}
	}
	_, ok = p.Assign(netip.MustParseAddrPort("9.9.9.9:53"))
	if ok {
		t.Fatalf("expected the 257th resolver to overflow")
	}
	if p.Overflowed() != 1 {
		t.Fatalf("expected exactly one overflow, got %d", p.Overflowed())
	}
}

func TestProxyPoolAllocateIsPinned(t *testing.T) {
	p := NewProxyPool(false)
	a1, err := p.Allocate("res1", "app.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a2, err := p.Allocate("res1", "app.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("expected repeat allocation for the same (resource, qname) to return the same IP")
	}
	a3, err := p.Allocate("res1", "other.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a3 == a1 {
		t.Fatalf("expected a distinct IP for a distinct qname")
	}

	resID, qname, ok := p.Lookup(a1)
	if !ok || resID != "res1" || qname != "app.example.com" {
		t.Fatalf("expected reverse lookup to recover the pin, got %q %q %v", resID, qname, ok)
	}
}

func TestInterceptForwardsNonResourceQuery(t *testing.T) {
	cat := resource.NewCatalog()
	in := NewInterceptor(cat)
	sentinel, ok := in.AssignSentinel(netip.MustParseAddrPort("8.8.8.8:53"), false)
	if !ok {
		t.Fatalf("expected sentinel assignment to succeed")
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn("unrelated.net"), dns.TypeA)
	raw, err := q.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}

	now := time.Now()
	outcome, err := in.Intercept(sentinel, TransportUDP, raw, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeForwarded {
		t.Fatalf("expected OutcomeForwarded, got %v", outcome.Kind)
	}

	fwd, ok := in.PollDnsQueries()
	if !ok || fwd.ID != outcome.ForwardID {
		t.Fatalf("expected the queued forward to be drained")
	}
	if fwd.Upstream.String() != "8.8.8.8:53" {
		t.Fatalf("expected the forward to target the sentinel's upstream, got %v", fwd.Upstream)
	}
}

func TestInterceptSynthesizesResourceAnswer(t *testing.T) {
	cat := resource.NewCatalog()
	r := resource.Resource{ID: ids.NewResourceId(), Kind: resource.KindDNS, Pattern: "*.example.com"}
	cat.Add(r)
	in := NewInterceptor(cat)
	sentinel, _ := in.AssignSentinel(netip.MustParseAddrPort("8.8.8.8:53"), false)

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn("app.example.com"), dns.TypeA)
	raw, err := q.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}

	outcome, err := in.Intercept(sentinel, TransportUDP, raw, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Kind != OutcomeNeedsAccess {
		t.Fatalf("expected OutcomeNeedsAccess, got %v", outcome.Kind)
	}

	resp, proxy, err := in.FinishSynthesis(outcome)
	if err != nil {
		t.Fatalf("FinishSynthesis: %v", err)
	}
	if !proxy.IsValid() || !proxy.Is4() {
		t.Fatalf("expected a valid IPv4 proxy address, got %v", proxy)
	}
	var m dns.Msg
	if err := m.Unpack(resp); err != nil {
		t.Fatalf("unpack synthesized response: %v", err)
	}
	if len(m.Answer) != 1 {
		t.Fatalf("expected exactly one answer, got %d", len(m.Answer))
	}
	a, ok := m.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("expected an A record, got %T", m.Answer[0])
	}
	if a.Hdr.Ttl != synthesizedTTL {
		t.Fatalf("expected TTL %d, got %d", synthesizedTTL, a.Hdr.Ttl)
	}
	if netip.AddrFrom4([4]byte(a.A.To4())) != proxy {
		t.Fatalf("expected the answered A record to carry the returned proxy IP %v, got %v", proxy, a.A)
	}

	resID, qname, ok := in.proxyV4.Lookup(proxy)
	if !ok || resID != r.ID.String() || qname != "app.example.com" {
		t.Fatalf("expected the returned proxy IP to be pinned to (%s, app.example.com), got (%s, %s) ok=%v", r.ID, resID, qname, ok)
	}
}

func TestHandleTimeoutSynthesizesServFail(t *testing.T) {
	cat := resource.NewCatalog()
	in := NewInterceptor(cat)
	sentinel, _ := in.AssignSentinel(netip.MustParseAddrPort("8.8.8.8:53"), false)

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn("unrelated.net"), dns.TypeA)
	raw, _ := q.Pack()

	now := time.Now()
	if _, err := in.Intercept(sentinel, TransportUDP, raw, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expired := in.HandleTimeout(now.Add(6 * time.Second))
	if len(expired) != 1 {
		t.Fatalf("expected exactly one expired forward, got %d", len(expired))
	}
	var m dns.Msg
	if err := m.Unpack(expired[0].Response); err != nil {
		t.Fatalf("unpack timeout response: %v", err)
	}
	if m.Rcode != dns.RcodeServerFailure {
		t.Fatalf("expected SERVFAIL, got %d", m.Rcode)
	}
}

func TestReverseAddrRoundTrip(t *testing.T) {
	name, err := dns.ReverseAddr("100.96.0.5")
	if err != nil {
		t.Fatalf("ReverseAddr: %v", err)
	}
	addr, ok := reverseAddr(name)
	if !ok {
		t.Fatalf("expected reverseAddr to parse %q", name)
	}
	if addr.String() != "100.96.0.5" {
		t.Fatalf("expected 100.96.0.5, got %v", addr)
	}
}
