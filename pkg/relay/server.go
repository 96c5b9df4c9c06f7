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

// Package relay implements a sans-io STUN/TURN server: the snownet relay
// role described by spec.md §4.2. It never touches a socket -- the driver
// feeds it inbound datagrams via HandleClientInput/HandlePeerTraffic and
// drains outbound effects via NextCommand.
package relay

import (
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"

	"github.com/netshade/connlib/pkg/ids"
	wirestun "github.com/netshade/connlib/pkg/wire/stun"
	wireturn "github.com/netshade/connlib/pkg/wire/turn"
)

// permissionLifetime is RFC 5766 §8's fixed 5-minute permission window,
// refreshed implicitly by CreatePermission or a successful ChannelBind.
const permissionLifetime = 5 * time.Minute

type channelKey struct {
	client netip.AddrPort
	number ids.ChannelNumber
}

type permissionKey struct {
	client netip.AddrPort
	peer   netip.Addr
}

// Server is the relay's single-threaded sans-io state machine. A deployment
// runs one Server per listening UDP socket pair; it holds no socket or
// goroutine of its own.
type Server struct {
	secret []byte
	realm  string

	pool   *portPool
	nonces *nonceTracker

	allocations map[netip.AddrPort]*Allocation
	byPort      map[ids.AllocationPort]*Allocation

	channels       map[channelKey]*Channel
	channelsByPeer map[ids.AllocationPort]map[netip.Addr]*Channel

	permissions map[permissionKey]time.Time

	commands []Command
}

// NewServer constructs a relay bound to secret (the HMAC key shared with
// the portal that issues ephemeral credentials, see GenerateEphemeralCredentials)
// and a pool of relay transport ports in [lowestPort, highestPort).
func NewServer(secret []byte, realm string, lowestPort, highestPort uint16) *Server {
	return &Server{
		secret:         append([]byte(nil), secret...),
		realm:          realm,
		pool:           newPortPool(lowestPort, highestPort),
		nonces:         newNonceTracker(),
		allocations:    make(map[netip.AddrPort]*Allocation),
		byPort:         make(map[ids.AllocationPort]*Allocation),
		channels:       make(map[channelKey]*Channel),
		channelsByPeer: make(map[ids.AllocationPort]map[netip.Addr]*Channel),
		permissions:    make(map[permissionKey]time.Time),
	}
}

// HandleClientInput processes a datagram received from a client socket.
// Malformed input is dropped silently (spec.md §7: "never panic on
// malformed input").
func (s *Server) HandleClientInput(from netip.AddrPort, data []byte, now time.Time) {
	if len(data) == 0 {
		return
	}
	switch {
	case wirestun.IsMessage(data):
		s.handleStunMessage(from, data, now)
	case wireturn.IsChannelData(data[0]):
		s.handleChannelDataFromClient(from, data, now)
	}
}

// HandlePeerTraffic processes a datagram arriving at a relayed port from a
// peer (not a TURN client). It is relayed to the owning client as a Data
// indication, or as ChannelData if a channel is bound for this peer.
func (s *Server) HandlePeerTraffic(port ids.AllocationPort, peer netip.AddrPort, data []byte, now time.Time) {
	alloc, ok := s.byPort[port]
	if !ok {
		return
	}
	if ch, ok := s.channelsByPeer[port][peer.Addr()]; ok && ch.Bound {
		framed := wireturn.EncodeChannelData(nil, ch.Number, data)
		s.send(alloc.Client, framed)
		return
	}
	key := permissionKey{client: alloc.Client, peer: peer.Addr()}
	expiry, ok := s.permissions[key]
	if !ok || now.After(expiry) {
		return
	}
	resp, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodData, wirestun.ClassIndication),
		wirestun.TransactionID,
	)
	if err != nil {
		return
	}
	if err := wireturn.AddXORPeerAddress(resp, net.IP(peer.Addr().AsSlice()), int(peer.Port())); err != nil {
		return
	}
	resp.Add(wireturn.AttrData, data)
	s.send(alloc.Client, resp.Raw)
}

func (s *Server) handleChannelDataFromClient(from netip.AddrPort, data []byte, now time.Time) {
	if _, ok := s.allocations[from]; !ok {
		return
	}
	number, payload, err := wireturn.DecodeChannelData(data)
	if err != nil {
		return
	}
	ch, ok := s.channels[channelKey{client: from, number: number}]
	if !ok || !ch.Bound {
		return
	}
	s.send(ch.Peer, append([]byte(nil), payload...))
}

func (s *Server) handleStunMessage(from netip.AddrPort, data []byte, now time.Time) {
	req := wirestun.New()
	if err := wirestun.Decode(data, req); err != nil {
		return
	}
	if req.Type.Class != wirestun.ClassRequest {
		return
	}
	switch req.Type.Method {
	case wirestun.MethodBinding:
		s.handleBinding(from, req)
	case wirestun.MethodAllocate:
		s.handleAllocate(from, req, now)
	case wirestun.MethodRefresh:
		s.handleRefresh(from, req, now)
	case wirestun.MethodCreatePermission:
		s.handleCreatePermission(from, req, now)
	case wirestun.MethodChannelBind:
		s.handleChannelBind(from, req, now)
	case wirestun.MethodSend:
		s.handleSendIndication(from, req, now)
	}
}

// handleBinding answers an unauthenticated Binding request (spec.md §4.2:
// "Binding requests are never authenticated -- they exist only so a client
// can discover its server-reflexive address").
func (s *Server) handleBinding(from netip.AddrPort, req *stun.Message) {
	resp, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodBinding, wirestun.ClassSuccessResponse),
		stun.NewTransactionIDSetter(req.TransactionID),
	)
	if err != nil {
		return
	}
	xma := wirestun.NewXORMappedAddress(net.IP(from.Addr().AsSlice()), int(from.Port()))
	if err := xma.AddTo(resp); err != nil {
		return
	}
	_ = wirestun.Fingerprint.AddTo(resp)
	s.send(from, resp.Raw)
}

// authenticate implements the long-term credential challenge/response
// dance spec.md §4.2 "Authentication" mandates for every TURN method other
// than Binding: a first request without MESSAGE-INTEGRITY is rejected with
// 401 and a fresh NONCE; a stale or unknown NONCE is rejected with 438 and
// a replacement; a bad credential or integrity check is rejected with 441.
// On success it returns the username and password the request was signed
// with, so the caller can sign its own response the same way.
func (s *Server) authenticate(method stun.Method, req *stun.Message, now time.Time) (username, password string, errResp *stun.Message) {
	var u stun.Username
	if err := u.GetFrom(req); err != nil {
		nonce := s.nonces.issue()
		resp, _ := s.errorResponse(method, req, wireturn.CodeUnauthorized, stun.Realm(s.realm), stun.Nonce(nonce))
		return "", "", resp
	}
	var n stun.Nonce
	if err := n.GetFrom(req); err != nil || !s.nonces.consume(string(n)) {
		fresh := s.nonces.issue()
		resp, _ := s.errorResponse(method, req, wireturn.CodeStaleNonce, stun.Realm(s.realm), stun.Nonce(fresh))
		return "", "", resp
	}
	pw, err := s.verifyUsername(string(u), now)
	if err != nil {
		resp, _ := s.errorResponse(method, req, wireturn.CodeWrongCredentials)
		return "", "", resp
	}
	mi := wirestun.LongTermIntegrity(string(u), s.realm, pw)
	if err := mi.Check(req); err != nil {
		resp, _ := s.errorResponse(method, req, wireturn.CodeWrongCredentials)
		return "", "", resp
	}
	return string(u), pw, nil
}

func (s *Server) errorResponse(method stun.Method, req *stun.Message, code int, extra ...stun.Setter) (*stun.Message, error) {
	setters := append([]stun.Setter{
		wirestun.NewType(method, wirestun.ClassErrorResponse),
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.ErrorCodeAttribute{Code: stun.ErrorCode(code), Reason: []byte(wireturn.Reason(code))},
	}, extra...)
	return wirestun.Build(setters...)
}

func (s *Server) handleAllocate(from netip.AddrPort, req *stun.Message, now time.Time) {
	username, password, errResp := s.authenticate(wirestun.MethodAllocate, req, now)
	if errResp != nil {
		s.send(from, errResp.Raw)
		return
	}
	if _, exists := s.allocations[from]; exists {
		s.sendError(from, wirestun.MethodAllocate, req, wireturn.CodeAllocationMismatch)
		return
	}
	if proto, err := wireturn.GetRequestedTransport(req); err != nil || proto != wireturn.TransportUDP {
		s.sendError(from, wirestun.MethodAllocate, req, wireturn.CodeBadRequest)
		return
	}

	lifetime := defaultAllocationLifetime
	if requested, err := wireturn.GetLifetime(req); err == nil {
		lifetime = time.Duration(requested) * time.Second
		if lifetime > maxAllocationLifetime {
			lifetime = maxAllocationLifetime
		}
	}

	port, err := s.pool.allocate()
	if err != nil {
		s.sendError(from, wirestun.MethodAllocate, req, wireturn.CodeInsufficientCapacity)
		return
	}

	alloc := &Allocation{
		Port:      ids.AllocationPort(port),
		Client:    from,
		ExpiresAt: now.Add(lifetime),
		FirstAddr: from.Addr(),
	}
	s.allocations[from] = alloc
	s.byPort[alloc.Port] = alloc
	s.commands = append(s.commands, CreateAllocation{Port: alloc.Port})

	resp, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodAllocate, wirestun.ClassSuccessResponse),
		stun.NewTransactionIDSetter(req.TransactionID),
	)
	if err != nil {
		return
	}
	wireturn.AddLifetime(resp, uint32(lifetime/time.Second))
	relayAddr := unspecifiedFor(from.Addr())
	if err := wireturn.AddXORRelayedAddress(resp, net.IP(relayAddr.AsSlice()), int(port)); err != nil {
		return
	}
	xma := wirestun.NewXORMappedAddress(net.IP(from.Addr().AsSlice()), int(from.Port()))
	if err := xma.AddTo(resp); err != nil {
		return
	}
	_ = wirestun.LongTermIntegrity(username, s.realm, password).AddTo(resp)
	s.send(from, resp.Raw)
}

func (s *Server) handleRefresh(from netip.AddrPort, req *stun.Message, now time.Time) {
	username, password, errResp := s.authenticate(wirestun.MethodRefresh, req, now)
	if errResp != nil {
		s.send(from, errResp.Raw)
		return
	}
	alloc, ok := s.allocations[from]
	if !ok {
		s.sendError(from, wirestun.MethodRefresh, req, wireturn.CodeAllocationMismatch)
		return
	}

	lifetime := defaultAllocationLifetime
	if requested, err := wireturn.GetLifetime(req); err == nil {
		lifetime = time.Duration(requested) * time.Second
		if lifetime > maxAllocationLifetime {
			lifetime = maxAllocationLifetime
		}
	}
	if lifetime == 0 {
		s.deallocate(alloc)
	} else {
		alloc.ExpiresAt = now.Add(lifetime)
	}

	resp, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodRefresh, wirestun.ClassSuccessResponse),
		stun.NewTransactionIDSetter(req.TransactionID),
	)
	if err != nil {
		return
	}
	wireturn.AddLifetime(resp, uint32(lifetime/time.Second))
	_ = wirestun.LongTermIntegrity(username, s.realm, password).AddTo(resp)
	s.send(from, resp.Raw)
}

func (s *Server) handleCreatePermission(from netip.AddrPort, req *stun.Message, now time.Time) {
	username, password, errResp := s.authenticate(wirestun.MethodCreatePermission, req, now)
	if errResp != nil {
		s.send(from, errResp.Raw)
		return
	}
	alloc, ok := s.allocations[from]
	if !ok {
		s.sendError(from, wirestun.MethodCreatePermission, req, wireturn.CodeAllocationMismatch)
		return
	}
	peerIP, _, err := wireturn.GetXORPeerAddress(req)
	if err != nil {
		s.sendError(from, wirestun.MethodCreatePermission, req, wireturn.CodeBadRequest)
		return
	}
	peerAddr, ok := netip.AddrFromSlice(peerIP)
	if !ok {
		s.sendError(from, wirestun.MethodCreatePermission, req, wireturn.CodeBadRequest)
		return
	}
	s.permissions[permissionKey{client: alloc.Client, peer: peerAddr.Unmap()}] = now.Add(permissionLifetime)

	resp, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodCreatePermission, wirestun.ClassSuccessResponse),
		stun.NewTransactionIDSetter(req.TransactionID),
	)
	if err != nil {
		return
	}
	_ = wirestun.LongTermIntegrity(username, s.realm, password).AddTo(resp)
	s.send(from, resp.Raw)
}

func (s *Server) handleChannelBind(from netip.AddrPort, req *stun.Message, now time.Time) {
	username, password, errResp := s.authenticate(wirestun.MethodChannelBind, req, now)
	if errResp != nil {
		s.send(from, errResp.Raw)
		return
	}
	alloc, ok := s.allocations[from]
	if !ok {
		s.sendError(from, wirestun.MethodChannelBind, req, wireturn.CodeAllocationMismatch)
		return
	}
	number, err := wireturn.GetChannelNumber(req)
	if err != nil || !number.Valid() {
		s.sendError(from, wirestun.MethodChannelBind, req, wireturn.CodeBadRequest)
		return
	}
	peerIP, peerPort, err := wireturn.GetXORPeerAddress(req)
	if err != nil {
		s.sendError(from, wirestun.MethodChannelBind, req, wireturn.CodeBadRequest)
		return
	}
	peerAddr, ok := netip.AddrFromSlice(peerIP)
	if !ok {
		s.sendError(from, wirestun.MethodChannelBind, req, wireturn.CodeBadRequest)
		return
	}
	peerAddr = peerAddr.Unmap()
	peer := netip.AddrPortFrom(peerAddr, uint16(peerPort))

	key := channelKey{client: from, number: number}
	ch, exists := s.channels[key]
	if !exists {
		ch = &Channel{Client: from, Number: number, Port: alloc.Port}
		s.channels[key] = ch
		if s.channelsByPeer[alloc.Port] == nil {
			s.channelsByPeer[alloc.Port] = make(map[netip.Addr]*Channel)
		}
		s.channelsByPeer[alloc.Port][peerAddr] = ch
	} else if ch.Peer != peer {
		s.sendError(from, wirestun.MethodChannelBind, req, wireturn.CodeBadRequest)
		return
	}
	ch.Peer = peer
	ch.Bound = true
	ch.ExpireAt = now.Add(channelExpiry)
	s.permissions[permissionKey{client: alloc.Client, peer: peerAddr}] = now.Add(permissionLifetime)

	resp, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodChannelBind, wirestun.ClassSuccessResponse),
		stun.NewTransactionIDSetter(req.TransactionID),
	)
	if err != nil {
		return
	}
	_ = wirestun.LongTermIntegrity(username, s.realm, password).AddTo(resp)
	s.send(from, resp.Raw)
}

// handleSendIndication relays a Send indication's DATA payload to the
// named peer, mirroring handleChannelDataFromClient for clients that never
// bind a channel.
func (s *Server) handleSendIndication(from netip.AddrPort, req *stun.Message, now time.Time) {
	alloc, ok := s.allocations[from]
	if !ok {
		return
	}
	peerIP, peerPort, err := wireturn.GetXORPeerAddress(req)
	if err != nil {
		return
	}
	peerAddr, ok := netip.AddrFromSlice(peerIP)
	if !ok {
		return
	}
	key := permissionKey{client: alloc.Client, peer: peerAddr.Unmap()}
	if expiry, ok := s.permissions[key]; !ok || now.After(expiry) {
		return
	}
	data, err := req.Get(wireturn.AttrData)
	if err != nil {
		return
	}
	s.send(netip.AddrPortFrom(peerAddr.Unmap(), uint16(peerPort)), append([]byte(nil), data...))
}

func (s *Server) sendError(from netip.AddrPort, method stun.Method, req *stun.Message, code int) {
	resp, err := s.errorResponse(method, req, code)
	if err != nil {
		return
	}
	s.send(from, resp.Raw)
}

func (s *Server) deallocate(alloc *Allocation) {
	delete(s.allocations, alloc.Client)
	delete(s.byPort, alloc.Port)
	delete(s.channelsByPeer, alloc.Port)
	for key := range s.channels {
		if key.client == alloc.Client {
			delete(s.channels, key)
		}
	}
	for key := range s.permissions {
		if key.client == alloc.Client {
			delete(s.permissions, key)
		}
	}
	s.pool.release(uint16(alloc.Port))
	s.commands = append(s.commands, FreeAllocation{Port: alloc.Port})
}

func (s *Server) send(to netip.AddrPort, data []byte) {
	s.commands = append(s.commands, SendMessage{To: to, Data: data})
}

// NextCommand pops the next queued effect the driver must perform.
func (s *Server) NextCommand() (Command, bool) {
	if len(s.commands) == 0 {
		return nil, false
	}
	cmd := s.commands[0]
	s.commands = s.commands[1:]
	return cmd, true
}

// HandleTimeout expires allocations whose lifetime has lapsed and retires
// channel bindings that have passed their unbind grace period (spec.md
// §4.2: "bound=false for another 5 min before the mapping may be reused").
func (s *Server) HandleTimeout(now time.Time) {
	for _, alloc := range s.allocationsSnapshot() {
		if now.After(alloc.ExpiresAt) {
			s.deallocate(alloc)
		}
	}
	for key, ch := range s.channels {
		switch {
		case ch.Bound && now.After(ch.ExpireAt):
			ch.Bound = false
			ch.ExpireAt = now.Add(channelUnbindGrace)
		case !ch.Bound && now.After(ch.ExpireAt):
			delete(s.channels, key)
			delete(s.channelsByPeer[ch.Port], ch.Peer.Addr())
		}
	}
	for key, expiry := range s.permissions {
		if now.After(expiry) {
			delete(s.permissions, key)
		}
	}
}

func (s *Server) allocationsSnapshot() []*Allocation {
	out := make([]*Allocation, 0, len(s.allocations))
	for _, a := range s.allocations {
		out = append(out, a)
	}
	return out
}

// PollTimeout returns the earliest instant HandleTimeout should next be
// called, if any state is pending expiry.
func (s *Server) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(earliest) {
			earliest = t
			found = true
		}
	}
	for _, alloc := range s.allocations {
		consider(alloc.ExpiresAt)
	}
	for _, ch := range s.channels {
		consider(ch.ExpireAt)
	}
	for _, expiry := range s.permissions {
		consider(expiry)
	}
	return earliest, found
}

func unspecifiedFor(addr netip.Addr) netip.Addr {
	if addr.Is4() || addr.Is4In6() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}
