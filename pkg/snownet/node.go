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
	"fmt"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netshade/connlib/pkg/ice"
	"github.com/netshade/connlib/pkg/ids"
	wirestun "github.com/netshade/connlib/pkg/wire/stun"
	wireturn "github.com/netshade/connlib/pkg/wire/turn"
	"github.com/netshade/connlib/pkg/wire/wg"
)

// Node multiplexes N independent ICE+WireGuard connections over a single
// UDP socket pair (spec.md §4.1). It holds no socket of its own: the
// driver feeds it inbound datagrams via Decapsulate and drains outbound
// effects via PollTransmit/PollEvent.
type Node struct {
	localStatic wgtypes.Key

	connections map[ConnectionId]*connection
	bySocket    map[netip.AddrPort]ConnectionId

	relays map[ids.RelayId]RelayServer

	transmits []Transmit
	events    []Event
}

// NewNode constructs a Node that signs its WireGuard handshakes with
// localStatic.
func NewNode(localStatic wgtypes.Key) *Node {
	return &Node{
		localStatic: localStatic,
		connections: make(map[ConnectionId]*connection),
		bySocket:    make(map[netip.AddrPort]ConnectionId),
		relays:      make(map[ids.RelayId]RelayServer),
	}
}

// NewConnection begins gathering as the controlling (Client) side.
func (n *Node) NewConnection(cid ConnectionId, now time.Time) (Offer, error) {
	if _, exists := n.connections[cid]; exists {
		return Offer{}, fmt.Errorf("snownet: connection %s already exists", cid)
	}
	agent := ice.New(true, now)
	ufrag, pwd := agent.LocalCredentials()
	conn := &connection{
		id:           cid,
		role:         RoleClient,
		agent:        agent,
		sessionKey:   randomSessionKey(),
		createdAt:    now,
		lastActivity: now,
		state:        stateGathering,
	}
	conn.psk = derivePSK(conn.sessionKey)
	n.connections[cid] = conn
	return Offer{Credentials: Credentials{Ufrag: ufrag, Pwd: pwd}, SessionKey: conn.sessionKey}, nil
}

// AcceptConnection answers an Offer as the controlled (Gateway) side.
func (n *Node) AcceptConnection(cid ConnectionId, offer Offer, remotePubKey wgtypes.Key, now time.Time) (Answer, error) {
	if _, exists := n.connections[cid]; exists {
		return Answer{}, fmt.Errorf("snownet: connection %s already exists", cid)
	}
	agent := ice.New(false, now)
	agent.SetRemoteCredentials(offer.Credentials.Ufrag, offer.Credentials.Pwd)
	ufrag, pwd := agent.LocalCredentials()

	conn := &connection{
		id:           cid,
		role:         RoleGateway,
		agent:        agent,
		sessionKey:   offer.SessionKey,
		remoteStatic: remotePubKey,
		createdAt:    now,
		lastActivity: now,
		state:        stateGathering,
		answered:     true,
	}
	conn.psk = derivePSK(conn.sessionKey)
	conn.handshake = wg.NewResponderHandshake(n.localStatic, conn.psk)
	n.connections[cid] = conn
	n.flushBuffered(conn)
	return Answer{Credentials: Credentials{Ufrag: ufrag, Pwd: pwd}, SessionKey: offer.SessionKey}, nil
}

// AcceptAnswer finalizes the Client side of a connection once the Gateway
// has answered.
func (n *Node) AcceptAnswer(cid ConnectionId, remotePubKey wgtypes.Key, answer Answer, now time.Time) error {
	conn, ok := n.connections[cid]
	if !ok {
		return fmt.Errorf("snownet: unknown connection %s", cid)
	}
	conn.agent.SetRemoteCredentials(answer.Credentials.Ufrag, answer.Credentials.Pwd)
	conn.remoteStatic = remotePubKey
	conn.handshake = wg.NewInitiatorHandshake(n.localStatic, remotePubKey, conn.psk)
	conn.answered = true
	n.flushBuffered(conn)
	return nil
}

// AddLocalHostCandidate informs cid's agent of a locally bound address,
// and -- if relays are configured -- begins gathering a relay candidate
// against one of them.
func (n *Node) AddLocalHostCandidate(cid ConnectionId, socket netip.AddrPort) error {
	conn, ok := n.connections[cid]
	if !ok {
		return fmt.Errorf("snownet: unknown connection %s", cid)
	}
	c := ice.NewHostCandidate(socket.String(), 1, 65535)
	conn.agent.AddLocalCandidate(c)
	n.emitCandidate(conn, c)

	if conn.relay == nil {
		for _, server := range n.relays {
			conn.relay = newRelayAllocation(server, socket)
			if t := conn.relay.start(); t != nil {
				n.transmits = append(n.transmits, *t)
			}
			break
		}
	}
	return nil
}

// AddRemoteCandidate adds a candidate signaled by the remote peer.
func (n *Node) AddRemoteCandidate(cid ConnectionId, sdp string, now time.Time) error {
	conn, ok := n.connections[cid]
	if !ok {
		return fmt.Errorf("snownet: unknown connection %s", cid)
	}
	c, err := ice.ParseCandidate(sdp)
	if err != nil {
		return err
	}
	conn.agent.AddRemoteCandidate(c)

	if conn.relay != nil && conn.relay.phase == relayAllocated {
		if addr, err := netip.ParseAddrPort(c.Addr); err == nil {
			if t := conn.relay.permit(addr.Addr(), now); t != nil {
				n.transmits = append(n.transmits, *t)
			}
		}
	}
	return nil
}

// RemoveRemoteCandidate drops a previously signaled remote candidate.
func (n *Node) RemoveRemoteCandidate(cid ConnectionId, sdp string, now time.Time) error {
	conn, ok := n.connections[cid]
	if !ok {
		return fmt.Errorf("snownet: unknown connection %s", cid)
	}
	c, err := ice.ParseCandidate(sdp)
	if err != nil {
		return err
	}
	conn.agent.RemoveRemoteCandidate(c.Addr)
	return nil
}

// UpdateRelays sets the pool of TURN servers this Node may gather relay
// candidates from.
func (n *Node) UpdateRelays(toAdd []RelayServer, toRemove []ids.RelayId, now time.Time) {
	for _, r := range toAdd {
		n.relays[r.ID] = r
	}
	for _, id := range toRemove {
		delete(n.relays, id)
	}
}

// Encapsulate encrypts cleartext on cid's nominated pair, returning the
// Transmit the driver should send. Returns (nil, nil) if the connection
// has not completed its WireGuard handshake yet.
func (n *Node) Encapsulate(cid ConnectionId, cleartext []byte, now time.Time) (*Transmit, error) {
	conn, ok := n.connections[cid]
	if !ok {
		return nil, fmt.Errorf("snownet: unknown connection %s", cid)
	}
	if conn.session == nil {
		return nil, nil
	}
	msg, err := conn.session.Encrypt(cleartext)
	if err != nil {
		return nil, err
	}
	conn.lastActivity = now
	t := n.wrapWG(conn, msg.Encode(nil))
	return &t, nil
}

// Decapsulate demultiplexes an inbound datagram per spec.md §4.1: the
// first byte distinguishes STUN, TURN ChannelData, or WireGuard. It
// returns the connection and cleartext payload only for a successfully
// decrypted WireGuard transport message; control-plane traffic is handled
// internally and queues its own Transmits/Events.
func (n *Node) Decapsulate(local, from netip.AddrPort, data []byte, now time.Time) (ConnectionId, []byte, bool) {
	if len(data) == 0 {
		return ConnectionId{}, nil, false
	}
	switch {
	case wirestun.IsMessage(data):
		n.handleStun(local, from, data, now)
		return ConnectionId{}, nil, false
	case wireturn.IsChannelData(data[0]):
		return n.handleChannelData(local, from, data, now)
	case wg.IsWireGuard(data[0]):
		if cid, ok := n.bySocket[from]; ok {
			return n.handleWireGuard(n.connections[cid], local, from, data, now)
		}
		return ConnectionId{}, nil, false
	default:
		return ConnectionId{}, nil, false
	}
}

func (n *Node) handleStun(local, from netip.AddrPort, data []byte, now time.Time) {
	msg := wirestun.New()
	if err := wirestun.Decode(data, msg); err != nil {
		return
	}
	for _, conn := range n.connections {
		if conn.relay != nil && from == conn.relay.server.Addr {
			retry, allocated := conn.relay.handleMessage(msg)
			if retry != nil {
				n.transmits = append(n.transmits, *retry)
			}
			if allocated {
				c := ice.NewRelayCandidate(conn.relay.relayedAddr.String(), conn.relay.local.String(), 1, 0)
				conn.agent.AddLocalCandidate(c)
				n.emitCandidate(conn, c)
			}
			return
		}
	}
	for _, conn := range n.connections {
		conn.agent.RecvStun(local.String(), from.String(), msg, now)
		n.pollAgent(conn, now)
	}
}

func (n *Node) handleChannelData(local, from netip.AddrPort, data []byte, now time.Time) (ConnectionId, []byte, bool) {
	number, payload, err := wireturn.DecodeChannelData(data)
	if err != nil {
		return ConnectionId{}, nil, false
	}
	for _, conn := range n.connections {
		if conn.relay != nil && conn.relay.channel == number && from == conn.relay.server.Addr {
			return n.handleWireGuard(conn, local, from, payload, now)
		}
	}
	return ConnectionId{}, nil, false
}

func (n *Node) handleWireGuard(conn *connection, local, from netip.AddrPort, data []byte, now time.Time) (ConnectionId, []byte, bool) {
	if conn == nil || len(data) == 0 || conn.handshake == nil {
		return ConnectionId{}, nil, false
	}
	switch wg.MessageType(data[0]) {
	case wg.TypeHandshakeInitiation:
		if conn.role != RoleGateway {
			return ConnectionId{}, nil, false
		}
		msg, err := wg.DecodeMessageInitiation(data)
		if err != nil {
			return ConnectionId{}, nil, false
		}
		remoteStatic, err := conn.handshake.ConsumeInitiation(msg)
		if err != nil {
			return ConnectionId{}, nil, false
		}
		conn.remoteStatic = remoteStatic
		resp, err := conn.handshake.CreateResponse()
		if err != nil {
			return ConnectionId{}, nil, false
		}
		conn.session = wg.NewSession(conn.handshake)
		conn.state = stateConnected
		conn.establishedAt = now
		conn.lastActivity = now
		n.events = append(n.events, ConnectionConnected{ConnectionId: conn.id})
		n.transmits = append(n.transmits, n.wrapWG(conn, resp.Encode()))
		return ConnectionId{}, nil, false
	case wg.TypeHandshakeResponse:
		if conn.role != RoleClient {
			return ConnectionId{}, nil, false
		}
		msg, err := wg.DecodeMessageResponse(data)
		if err != nil {
			return ConnectionId{}, nil, false
		}
		if err := conn.handshake.ConsumeResponse(msg); err != nil {
			return ConnectionId{}, nil, false
		}
		conn.session = wg.NewSession(conn.handshake)
		conn.state = stateConnected
		conn.establishedAt = now
		conn.lastActivity = now
		n.events = append(n.events, ConnectionConnected{ConnectionId: conn.id})
		return ConnectionId{}, nil, false
	case wg.TypeTransportData:
		msg, err := wg.DecodeMessageTransportData(data)
		if err != nil {
			return ConnectionId{}, nil, false
		}
		if conn.session == nil {
			return ConnectionId{}, nil, false
		}
		pt, err := conn.session.Decrypt(msg)
		if err != nil {
			return ConnectionId{}, nil, false
		}
		conn.lastActivity = now
		return conn.id, pt, true
	default:
		return ConnectionId{}, nil, false
	}
}

// pollAgent drains one connection's ICE agent of transmits and events.
func (n *Node) pollAgent(conn *connection, now time.Time) {
	for {
		t, ok := conn.agent.PollTransmit()
		if !ok {
			break
		}
		localAddr, err1 := netip.ParseAddrPort(t.Local)
		remoteAddr, err2 := netip.ParseAddrPort(t.Remote)
		if err1 != nil || err2 != nil {
			continue
		}
		n.transmits = append(n.transmits, Transmit{Local: localAddr, To: remoteAddr, Data: t.Data})
	}
	for {
		ev, ok := conn.agent.PollEvent()
		if !ok {
			break
		}
		switch e := ev.(type) {
		case ice.NominatedEvent:
			n.onNominated(conn, e.Pair, now)
		case ice.FailedEvent:
			conn.state = stateFailed
			n.events = append(n.events, ConnectionFailed{ConnectionId: conn.id})
		}
	}
}

func (n *Node) onNominated(conn *connection, pair *ice.Pair, now time.Time) {
	localAddr, err1 := netip.ParseAddrPort(pair.Local.Addr)
	remoteAddr, err2 := netip.ParseAddrPort(pair.Remote.Addr)
	if err1 != nil || err2 != nil {
		return
	}
	conn.nominatedLocal = localAddr
	conn.nominatedRemote = remoteAddr
	conn.viaRelay = pair.Local.Kind == ice.KindRelay || pair.Remote.Kind == ice.KindRelay
	if conn.state == stateGathering {
		conn.state = stateChecking
	}
	n.bySocket[remoteAddr] = conn.id

	if conn.viaRelay && conn.relay != nil {
		if t := conn.relay.bind(remoteAddr, now); t != nil {
			n.transmits = append(n.transmits, *t)
		}
	}

	if conn.isControlling() && conn.handshake != nil {
		msg, err := conn.handshake.CreateInitiation()
		if err == nil {
			n.transmits = append(n.transmits, n.wrapWG(conn, msg.Encode()))
		}
	}
}

func (n *Node) wrapWG(conn *connection, raw []byte) Transmit {
	if conn.viaRelay && conn.relay != nil {
		return Transmit{Local: conn.nominatedLocal, To: conn.relay.server.Addr, Data: conn.relay.wrap(raw)}
	}
	return Transmit{Local: conn.nominatedLocal, To: conn.nominatedRemote, Data: raw}
}

func (n *Node) emitCandidate(conn *connection, c ice.Candidate) {
	if !conn.answered {
		conn.buffered = append(conn.buffered, c)
		return
	}
	n.events = append(n.events, CandidateGathered{ConnectionId: conn.id, Candidate: c.String()})
}

func (n *Node) flushBuffered(conn *connection) {
	for _, c := range conn.buffered {
		n.events = append(n.events, CandidateGathered{ConnectionId: conn.id, Candidate: c.String()})
	}
	conn.buffered = nil
}

// HandleTimeout drives every connection's ICE agent and enforces the
// 10s/20s connection-establishment deadlines from spec.md §3.
func (n *Node) HandleTimeout(now time.Time) {
	for _, conn := range n.connections {
		conn.agent.HandleTimeout(now)
		n.pollAgent(conn, now)

		if conn.state == stateFailed || conn.state == stateClosed || conn.state == stateConnected {
			continue
		}
		if conn.nominatedRemote == (netip.AddrPort{}) && now.Sub(conn.createdAt) > nominationTimeout {
			conn.state = stateFailed
			n.events = append(n.events, ConnectionFailed{ConnectionId: conn.id})
			continue
		}
		if now.Sub(conn.createdAt) > connectionTimeout {
			conn.state = stateFailed
			n.events = append(n.events, ConnectionFailed{ConnectionId: conn.id})
		}
	}
}

// PollTimeout returns the earliest instant HandleTimeout should next run.
func (n *Node) PollTimeout() (time.Time, bool) {
	var earliest time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(earliest) {
			earliest = t
			found = true
		}
	}
	for _, conn := range n.connections {
		if t, ok := conn.agent.PollTimeout(); ok {
			consider(t)
		}
		if conn.state != stateConnected && conn.state != stateFailed && conn.state != stateClosed {
			consider(conn.createdAt.Add(nominationTimeout))
			consider(conn.createdAt.Add(connectionTimeout))
		}
	}
	return earliest, found
}

// PollTransmit pops the next queued outbound datagram.
func (n *Node) PollTransmit() (Transmit, bool) {
	if len(n.transmits) == 0 {
		return Transmit{}, false
	}
	t := n.transmits[0]
	n.transmits = n.transmits[1:]
	return t, true
}

// PollEvent pops the next queued event.
func (n *Node) PollEvent() (Event, bool) {
	if len(n.events) == 0 {
		return nil, false
	}
	e := n.events[0]
	n.events = n.events[1:]
	return e, true
}

// IsConnectedTo reports whether cid has completed its WireGuard handshake.
func (n *Node) IsConnectedTo(cid ConnectionId) bool {
	conn, ok := n.connections[cid]
	return ok && conn.state == stateConnected
}
