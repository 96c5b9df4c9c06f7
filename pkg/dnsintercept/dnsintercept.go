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

// Package dnsintercept implements the sans-io half of spec.md §4.5: parsing
// queries aimed at a Client's sentinel resolver IPs, synthesizing A/AAAA/PTR
// answers for DNS Resources out of a private proxy-IP pool, and queuing
// everything else for upstream forwarding. It never opens a socket; the
// driver (or pkg/client) feeds it datagrams and drains its forward queue
// and timeouts exactly like snownet.Node.
//
// Grounded on the teacher's pkg/services/meshdns (forward_handler.go's use
// of github.com/miekg/dns for Msg parsing/exchange) generalized from "proxy
// every query to a forwarder" to "answer DNS-Resource queries locally,
// forward the rest".
package dnsintercept

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/netshade/connlib/pkg/resource"
)

// Transport names which socket a query arrived on / must be forwarded on.
type Transport int

const (
	TransportUDP Transport = iota
	TransportTCP
)

// forwardTimeout is the 5s upstream deadline from spec.md §5.
const forwardTimeout = 5 * time.Second

// synthesizedTTL is the TTL on every locally synthesized answer (spec.md §4.5).
const synthesizedTTL = 300

// OutcomeKind discriminates what Intercept decided to do with a query.
type OutcomeKind int

const (
	// OutcomeAnswer means Response is a complete, ready-to-send reply.
	OutcomeAnswer OutcomeKind = iota
	// OutcomeNeedsAccess means the QNAME matched a DNS Resource but no
	// NAT entry exists yet; the caller (ClientState) must drive
	// RequestAccess/allow_access/create_dns_resource_nat_entry and then
	// call FinishSynthesis with the result.
	OutcomeNeedsAccess
	// OutcomeForwarded means the query was queued for upstream
	// forwarding; drain it via PollDnsQueries.
	OutcomeForwarded
)

// Outcome is the result of Intercept.
type Outcome struct {
	Kind     OutcomeKind
	Response []byte // OutcomeAnswer

	// OutcomeNeedsAccess fields.
	Resource resource.Resource
	Qname    string
	pending  *dns.Msg

	// OutcomeForwarded fields.
	ForwardID uint64
}

// ForwardRequest is a query the driver must send to Upstream and, on
// response, report back via DeliverUpstreamResponse(ID, ...).
type ForwardRequest struct {
	ID        uint64
	Upstream  netip.AddrPort
	Transport Transport
	Payload   []byte
}

// TimedOutResponse is a synthesized reply for a forwarded query that never
// got an answer within forwardTimeout.
type TimedOutResponse struct {
	ID       uint64
	Response []byte
}

type pendingForward struct {
	id       uint64
	upstream netip.AddrPort
	deadline time.Time
	req      *dns.Msg
}

// Interceptor is the per-Client DNS interception engine: one SentinelPool
// and one ProxyPool per IP family, plus the upstream-forwarding queue.
type Interceptor struct {
	sentinelV4 *SentinelPool
	sentinelV6 *SentinelPool
	proxyV4    *ProxyPool
	proxyV6    *ProxyPool
	catalog    *resource.Catalog

	nextID  uint64
	pending map[uint64]*pendingForward
	queue   []ForwardRequest
}

// NewInterceptor builds an Interceptor backed by catalog for DNS Resource
// lookups.
func NewInterceptor(catalog *resource.Catalog) *Interceptor {
	return &Interceptor{
		sentinelV4: NewSentinelPool(false),
		sentinelV6: NewSentinelPool(true),
		proxyV4:    NewProxyPool(false),
		proxyV6:    NewProxyPool(true),
		catalog:    catalog,
		pending:    make(map[uint64]*pendingForward),
	}
}

// AssignSentinel allocates (or returns the existing) sentinel IP for an
// upstream resolver, driven by update_interface_config's upstream_dns list.
// ok is false once the 256-address pool for that family is exhausted
// (spec.md §8's 257th-resolver edge case); the caller should log a warning
// once and skip configuring that resolver as a system DNS server.
func (in *Interceptor) AssignSentinel(upstream netip.AddrPort, v6 bool) (netip.Addr, bool) {
	if v6 {
		return in.sentinelV6.Assign(upstream)
	}
	return in.sentinelV4.Assign(upstream)
}

// Intercept classifies and, where possible, fully answers a DNS query sent
// to dst (expected to be one of this Interceptor's sentinel IPs).
func (in *Interceptor) Intercept(dst netip.Addr, transport Transport, raw []byte, now time.Time) (Outcome, error) {
	var req dns.Msg
	if err := req.Unpack(raw); err != nil {
		return Outcome{}, fmt.Errorf("dnsintercept: unpack query: %w", err)
	}
	if len(req.Question) == 0 {
		return Outcome{}, fmt.Errorf("dnsintercept: query has no question section")
	}
	q := req.Question[0]
	qname := strings.TrimSuffix(dns.Fqdn(q.Name), ".")

	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA:
		if r, ok := in.catalog.LookupDNS(qname); ok && r.Kind == resource.KindDNS {
			return Outcome{Kind: OutcomeNeedsAccess, Resource: r, Qname: qname, pending: &req}, nil
		}
	case dns.TypePTR:
		if addr, ok := reverseAddr(q.Name); ok {
			if resp, ok := in.answerPTR(&req, addr); ok {
				return Outcome{Kind: OutcomeAnswer, Response: resp}, nil
			}
		}
	}

	return in.forward(dst, transport, &req, now)
}

// FinishSynthesis completes an OutcomeNeedsAccess query once ClientState has
// confirmed (or already held) a NAT entry for (resource, qname), allocating
// one proxy IP per family pinned to that pair and building the final
// A/AAAA answer. It also returns the proxy IP actually answered with, so the
// caller can pin its routing table to the address a subsequent packet will
// actually be sent to.
func (in *Interceptor) FinishSynthesis(o Outcome) (reply []byte, proxy netip.Addr, err error) {
	if o.Kind != OutcomeNeedsAccess {
		return nil, netip.Addr{}, fmt.Errorf("dnsintercept: FinishSynthesis called on non-deferred outcome")
	}
	v4, err := in.proxyV4.Allocate(o.Resource.ID.String(), o.Qname)
	if err != nil {
		return nil, netip.Addr{}, err
	}
	v6, err := in.proxyV6.Allocate(o.Resource.ID.String(), o.Qname)
	if err != nil {
		return nil, netip.Addr{}, err
	}

	resp := new(dns.Msg)
	resp.SetReply(o.pending)
	q := o.pending.Question[0]
	switch q.Qtype {
	case dns.TypeA:
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: synthesizedTTL},
			A:   v4.AsSlice(),
		})
		proxy = v4
	case dns.TypeAAAA:
		resp.Answer = append(resp.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: synthesizedTTL},
			AAAA: v6.AsSlice(),
		})
		proxy = v6
	}
	reply, err = resp.Pack()
	return reply, proxy, err
}

// answerPTR answers a PTR query for addr from the proxy-IP reverse map, if
// addr was ever handed out as a proxy IP.
func (in *Interceptor) answerPTR(req *dns.Msg, addr netip.Addr) ([]byte, bool) {
	pool := in.proxyV4
	if addr.Is6() {
		pool = in.proxyV6
	}
	_, qname, ok := pool.Lookup(addr)
	if !ok {
		return nil, false
	}
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Answer = append(resp.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: synthesizedTTL},
		Ptr: dns.Fqdn(qname),
	})
	b, err := resp.Pack()
	if err != nil {
		return nil, false
	}
	return b, true
}

// forward queues req for upstream resolution against the resolver that
// owns dst (spec.md §4.5: "forwarded ... to the upstream resolver that
// owns the sentinel IP the query was sent to").
func (in *Interceptor) forward(dst netip.Addr, transport Transport, req *dns.Msg, now time.Time) (Outcome, error) {
	pool := in.sentinelV4
	if dst.Is6() {
		pool = in.sentinelV6
	}
	upstream, ok := pool.Resolver(dst)
	if !ok {
		return Outcome{}, fmt.Errorf("dnsintercept: %s is not a known sentinel IP", dst)
	}

	raw, err := req.Pack()
	if err != nil {
		return Outcome{}, fmt.Errorf("dnsintercept: repack query for forwarding: %w", err)
	}

	in.nextID++
	id := in.nextID
	in.pending[id] = &pendingForward{id: id, upstream: upstream, deadline: now.Add(forwardTimeout), req: req}
	fwd := ForwardRequest{ID: id, Upstream: upstream, Transport: transport, Payload: raw}
	in.queue = append(in.queue, fwd)
	return Outcome{Kind: OutcomeForwarded, ForwardID: id}, nil
}

// PollDnsQueries drains one queued upstream forward request, if any.
func (in *Interceptor) PollDnsQueries() (ForwardRequest, bool) {
	if len(in.queue) == 0 {
		return ForwardRequest{}, false
	}
	fwd := in.queue[0]
	in.queue = in.queue[1:]
	return fwd, true
}

// DeliverUpstreamResponse completes a forward started by Intercept, relaying
// the upstream's raw response verbatim (spec.md §4.5).
func (in *Interceptor) DeliverUpstreamResponse(id uint64, raw []byte) ([]byte, bool) {
	if _, ok := in.pending[id]; !ok {
		return nil, false
	}
	delete(in.pending, id)
	return raw, true
}

// HandleTimeout expires any forward older than forwardTimeout, synthesizing
// a SERVFAIL ("TimedOut") reply for each.
func (in *Interceptor) HandleTimeout(now time.Time) []TimedOutResponse {
	var expired []TimedOutResponse
	for id, p := range in.pending {
		if now.Before(p.deadline) {
			continue
		}
		resp := new(dns.Msg)
		resp.SetRcode(p.req, dns.RcodeServerFailure)
		b, err := resp.Pack()
		delete(in.pending, id)
		if err != nil {
			continue
		}
		expired = append(expired, TimedOutResponse{ID: id, Response: b})
	}
	return expired
}

// PollTimeout returns the earliest pending forward's deadline, if any.
func (in *Interceptor) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, p := range in.pending {
		if !found || p.deadline.Before(earliest) {
			earliest = p.deadline
			found = true
		}
	}
	return earliest, found
}

// reverseAddr parses a standard in-addr.arpa/ip6.arpa PTR qname back into
// the address it names. miekg/dns's own dns.ReverseAddr only encodes this
// direction, so the inverse is hand-rolled directly against RFC 1035
// §3.5/RFC 3596 §2.5's fixed label layout.
func reverseAddr(name string) (netip.Addr, bool) {
	fqdn := dns.Fqdn(name)
	labels := dns.SplitDomainName(fqdn)
	if len(labels) == 0 {
		return netip.Addr{}, false
	}

	switch {
	case len(labels) == 6 && labels[len(labels)-2] == "in-addr" && labels[len(labels)-1] == "arpa":
		octets := labels[:4]
		s := fmt.Sprintf("%s.%s.%s.%s", octets[3], octets[2], octets[1], octets[0])
		a, err := netip.ParseAddr(s)
		return a, err == nil
	case len(labels) == 34 && labels[len(labels)-2] == "ip6" && labels[len(labels)-1] == "arpa":
		nibbles := labels[:32]
		var b [16]byte
		for i := 0; i < 32; i++ {
			nibble := nibbles[31-i]
			if len(nibble) != 1 {
				return netip.Addr{}, false
			}
			v, err := hexDigit(nibble[0])
			if err != nil {
				return netip.Addr{}, false
			}
			if i%2 == 0 {
				b[i/2] |= v << 4
			} else {
				b[i/2] |= v
			}
		}
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("dnsintercept: invalid hex nibble %q", c)
	}
}
