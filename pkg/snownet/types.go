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

// Package snownet is the SANS-IO connectivity layer spec.md §1 describes:
// ICE (pkg/ice) combined with WireGuard (pkg/wire/wg) encryption, relayed
// where necessary over TURN (pkg/wire/turn). Node produces and consumes
// UDP datagrams and cleartext IP packets; it never opens a socket itself.
package snownet

import (
	"net/netip"

	"github.com/netshade/connlib/pkg/ids"
)

// ConnectionId identifies one snownet connection. A Client always dials a
// specific Gateway, so the Gateway's own id doubles as the connection id.
type ConnectionId = ids.GatewayId

// Role distinguishes which side of the Noise_IKpsk2 handshake a Node plays
// for a given connection. The controlling ICE side is always the Client
// and always initiates the handshake (spec.md §4.1).
type Role int

const (
	RoleClient Role = iota
	RoleGateway
)

// Credentials are the ICE short-term credentials exchanged out of band by
// the driver's signaling channel.
type Credentials struct {
	Ufrag string
	Pwd   string
}

// Offer is produced by NewConnection and carried to the remote side over
// signaling.
type Offer struct {
	Credentials Credentials
	SessionKey  [32]byte
}

// Answer is produced by AcceptConnection (Gateway role) and carried back
// to the Client, which consumes it via AcceptAnswer.
type Answer struct {
	Credentials Credentials
	SessionKey  [32]byte
}

// RelayServer is one TURN server a Node may use to gather a relay
// candidate, configured via UpdateRelays. Each connection that gathers a
// relay candidate against it holds its own allocation; allocations are
// not shared between connections.
type RelayServer struct {
	ID       ids.RelayId
	Addr     netip.AddrPort
	Username string
	Password string
}

// connState mirrors spec.md §3's Connection lifecycle:
// Gathering -> Checking -> Connected -> Failed|Closed.
type connState int

const (
	stateGathering connState = iota
	stateChecking
	stateConnected
	stateFailed
	stateClosed
)

// Event is something the driver should react to.
type Event interface{ isSnownetEvent() }

// CandidateGathered asks the driver to signal one local candidate for
// ConnectionId to the remote peer. Per spec.md §3, these are buffered and
// never emitted before the connection has been "answered"
// (AcceptAnswer on the Client side, AcceptConnection on the Gateway side).
type CandidateGathered struct {
	ConnectionId ConnectionId
	Candidate    string
}

// ConnectionConnected fires once the nominated pair's WireGuard handshake
// completes.
type ConnectionConnected struct{ ConnectionId ConnectionId }

// ConnectionFailed fires on the 10s/20s timeouts from spec.md §3.
type ConnectionFailed struct{ ConnectionId ConnectionId }

func (CandidateGathered) isSnownetEvent()   {}
func (ConnectionConnected) isSnownetEvent() {}
func (ConnectionFailed) isSnownetEvent()    {}

// Transmit is a UDP datagram the driver must send From Local to To.
type Transmit struct {
	Local netip.AddrPort
	To    netip.AddrPort
	Data  []byte
}
