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

package snownet

import (
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"

	"github.com/netshade/connlib/pkg/ids"
	wirestun "github.com/netshade/connlib/pkg/wire/stun"
	wireturn "github.com/netshade/connlib/pkg/wire/turn"
)

// relayPermissionLifetime mirrors RFC 5766 §8's fixed permission window.
const relayPermissionLifetime = 5 * time.Minute

type relayPhase int

const (
	relayIdle relayPhase = iota
	relayAllocating
	relayAllocated
	relayFailed
)

// relayAllocation is this Node's TURN-client state for one connection's
// use of one configured RelayServer: the Allocate/CreatePermission/
// ChannelBind lifecycle that spec.md §4.1's "update_relays" pairs with.
// Unlike pkg/relay (the server side of this same protocol), this drives
// the handshake rather than answering it.
type relayAllocation struct {
	server RelayServer
	local  netip.AddrPort

	phase       relayPhase
	realm       string
	nonce       string
	relayedAddr netip.AddrPort

	channel   ids.ChannelNumber
	boundPeer netip.AddrPort
	permitted map[netip.Addr]time.Time
}

func newRelayAllocation(server RelayServer, local netip.AddrPort) *relayAllocation {
	return &relayAllocation{
		server:    server,
		local:     local,
		channel:   ids.MinChannelNumber,
		permitted: make(map[netip.Addr]time.Time),
	}
}

// start sends the first, unauthenticated Allocate request.
func (r *relayAllocation) start() *Transmit {
	r.phase = relayAllocating
	req, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodAllocate, wirestun.ClassRequest),
		wirestun.TransactionID,
	)
	if err != nil {
		return nil
	}
	wireturn.AddRequestedTransport(req)
	return &Transmit{Local: r.local, To: r.server.Addr, Data: append([]byte(nil), req.Raw...)}
}

// handleMessage processes a response from the relay. It returns a retry
// Transmit when one more round trip is needed (the 401 challenge), and
// reports whether the allocation just completed.
func (r *relayAllocation) handleMessage(msg *stun.Message) (retry *Transmit, allocated bool) {
	if msg.Type.Method != wirestun.MethodAllocate {
		return nil, false
	}
	switch msg.Type.Class {
	case wirestun.ClassErrorResponse:
		var realm stun.Realm
		var nonce stun.Nonce
		if realm.GetFrom(msg) != nil || nonce.GetFrom(msg) != nil {
			r.phase = relayFailed
			return nil, false
		}
		r.realm = string(realm)
		r.nonce = string(nonce)
		req, err := wirestun.Build(
			wirestun.NewType(wirestun.MethodAllocate, wirestun.ClassRequest),
			wirestun.TransactionID,
			stun.NewUsername(r.server.Username),
			nonce,
			realm,
		)
		if err != nil {
			r.phase = relayFailed
			return nil, false
		}
		wireturn.AddRequestedTransport(req)
		if err := wirestun.LongTermIntegrity(r.server.Username, r.realm, r.server.Password).AddTo(req); err != nil {
			r.phase = relayFailed
			return nil, false
		}
		t := &Transmit{Local: r.local, To: r.server.Addr, Data: append([]byte(nil), req.Raw...)}
		return t, false
	case wirestun.ClassSuccessResponse:
		ip, port, err := wireturn.GetXORRelayedAddress(msg)
		if err != nil {
			r.phase = relayFailed
			return nil, false
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			r.phase = relayFailed
			return nil, false
		}
		r.relayedAddr = netip.AddrPortFrom(addr.Unmap(), uint16(port))
		r.phase = relayAllocated
		return nil, true
	}
	return nil, false
}

func ipBytes(addr netip.Addr) net.IP {
	if addr.Is4() {
		b := addr.As4()
		return net.IP(b[:])
	}
	b := addr.As16()
	return net.IP(b[:])
}

// permit builds a CreatePermission request for peer, unless one is
// already outstanding or granted.
func (r *relayAllocation) permit(peer netip.Addr, now time.Time) *Transmit {
	if exp, ok := r.permitted[peer]; ok && now.Before(exp) {
		return nil
	}
	req, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodCreatePermission, wirestun.ClassRequest),
		wirestun.TransactionID,
		stun.NewUsername(r.server.Username),
		stun.Nonce(r.nonce),
		stun.Realm(r.realm),
	)
	if err != nil {
		return nil
	}
	if err := wireturn.AddXORPeerAddress(req, ipBytes(peer), 0); err != nil {
		return nil
	}
	if err := wirestun.LongTermIntegrity(r.server.Username, r.realm, r.server.Password).AddTo(req); err != nil {
		return nil
	}
	r.permitted[peer] = now.Add(relayPermissionLifetime)
	return &Transmit{Local: r.local, To: r.server.Addr, Data: append([]byte(nil), req.Raw...)}
}

// bind builds a ChannelBind request for peer, reusing the allocation's
// single channel number. This implementation supports one active relayed
// peer per connection, which matches spec.md's scenarios: a connection
// relays to exactly one remote.
func (r *relayAllocation) bind(peer netip.AddrPort, now time.Time) *Transmit {
	r.boundPeer = peer
	req, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodChannelBind, wirestun.ClassRequest),
		wirestun.TransactionID,
		stun.NewUsername(r.server.Username),
		stun.Nonce(r.nonce),
		stun.Realm(r.realm),
	)
	if err != nil {
		return nil
	}
	wireturn.AddChannelNumber(req, r.channel)
	if err := wireturn.AddXORPeerAddress(req, ipBytes(peer.Addr()), int(peer.Port())); err != nil {
		return nil
	}
	if err := wirestun.LongTermIntegrity(r.server.Username, r.realm, r.server.Password).AddTo(req); err != nil {
		return nil
	}
	return &Transmit{Local: r.local, To: r.server.Addr, Data: append([]byte(nil), req.Raw...)}
}

// wrap frames payload as ChannelData for transmission through the relay.
func (r *relayAllocation) wrap(payload []byte) []byte {
	return wireturn.EncodeChannelData(nil, r.channel, payload)
}
