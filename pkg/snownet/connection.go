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
	"crypto/rand"
	"net/netip"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netshade/connlib/pkg/ice"
	"github.com/netshade/connlib/pkg/wire/wg"
)

// nominationTimeout is spec.md §3's soft deadline: a connection without a
// nominated pair at created_at+10s fails.
const nominationTimeout = 10 * time.Second

// connectionTimeout is spec.md §3's hard deadline: a connection without a
// completed WireGuard handshake at created_at+20s fails outright.
const connectionTimeout = 20 * time.Second

// connection is snownet's per-peer state: one ICE agent, the WireGuard
// handshake/session pair it eventually couples to the nominated candidate
// pair, and the bookkeeping spec.md §3 describes.
type connection struct {
	id   ConnectionId
	role Role

	agent *ice.Agent

	remoteStatic wgtypes.Key
	sessionKey   [32]byte
	psk          [32]byte

	handshake *wg.Handshake
	session   *wg.Session

	nominatedLocal  netip.AddrPort
	nominatedRemote netip.AddrPort
	viaRelay        bool

	state connState

	// answered is set once AcceptAnswer (Client) / AcceptConnection
	// (Gateway) has run; candidate events are buffered until then.
	answered bool
	buffered []ice.Candidate

	relay *relayAllocation

	createdAt     time.Time
	establishedAt time.Time
	lastActivity  time.Time
}

func (c *connection) isControlling() bool { return c.role == RoleClient }

// derivePSK turns the Offer/Answer's exchanged session_key into the
// WireGuard preshared key (spec.md §4.1: "the Node derives the WireGuard
// pre-shared key from the exchanged session_key").
func derivePSK(sessionKey [32]byte) [32]byte {
	mac, err := blake2s.New256(sessionKey[:])
	if err != nil {
		panic(err) // blake2s.New256 only errors for bad key length
	}
	mac.Write([]byte("connlib-wg-psk"))
	var out [32]byte
	mac.Sum(out[:0])
	return out
}

func randomSessionKey() [32]byte {
	var k [32]byte
	_, _ = rand.Read(k[:])
	return k
}
