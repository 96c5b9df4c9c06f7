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
	"net/netip"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/netshade/connlib/pkg/ids"
)

// pump relays every queued Transmit between two Nodes until neither has
// anything left to send, driving both sides' sans-io state machines the
// way a real UDP socket loop would.
func pump(t *testing.T, client, gateway *Node, now time.Time, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		now = now.Add(600 * time.Millisecond)
		client.HandleTimeout(now)
		gateway.HandleTimeout(now)

		progressed := false
		for {
			tx, ok := client.PollTransmit()
			if !ok {
				break
			}
			progressed = true
			gateway.Decapsulate(tx.To, tx.Local, tx.Data, now)
		}
		for {
			tx, ok := gateway.PollTransmit()
			if !ok {
				break
			}
			progressed = true
			client.Decapsulate(tx.To, tx.Local, tx.Data, now)
		}
		if !progressed && i > 2 {
			return
		}
	}
}

func TestDirectConnectSmoke(t *testing.T) {
	now := time.Now()

	clientKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	gatewayKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("gateway key: %v", err)
	}

	client := NewNode(clientKey)
	gateway := NewNode(gatewayKey)

	cid := ids.NewGatewayId()

	offer, err := client.NewConnection(cid, now)
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	clientSocket := netip.MustParseAddrPort("127.0.0.1:4000")
	gatewaySocket := netip.MustParseAddrPort("127.0.0.1:5000")

	if err := client.AddLocalHostCandidate(cid, clientSocket); err != nil {
		t.Fatalf("client AddLocalHostCandidate: %v", err)
	}

	answer, err := gateway.AcceptConnection(cid, offer, clientKey.PublicKey(), now)
	if err != nil {
		t.Fatalf("AcceptConnection: %v", err)
	}
	if err := gateway.AddLocalHostCandidate(cid, gatewaySocket); err != nil {
		t.Fatalf("gateway AddLocalHostCandidate: %v", err)
	}

	if err := client.AcceptAnswer(cid, gatewayKey.PublicKey(), answer, now); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}

	// Drain the buffered CandidateGathered events and hand them to the peer,
	// mirroring what a signaling channel would do.
	drainCandidates := func(from, to *Node) {
		for {
			ev, ok := from.PollEvent()
			if !ok {
				return
			}
			if cg, ok := ev.(CandidateGathered); ok {
				_ = to.AddRemoteCandidate(cg.ConnectionId, cg.Candidate, now)
			}
		}
	}
	drainCandidates(client, gateway)
	drainCandidates(gateway, client)

	pump(t, client, gateway, now, 100)

	if !client.IsConnectedTo(cid) {
		t.Fatalf("client never reached Connected")
	}
	if !gateway.IsConnectedTo(cid) {
		t.Fatalf("gateway never reached Connected")
	}

	var sawConnected int
	for {
		ev, ok := client.PollEvent()
		if !ok {
			break
		}
		if _, ok := ev.(ConnectionConnected); ok {
			sawConnected++
		}
	}
	if sawConnected == 0 {
		t.Fatalf("client never emitted ConnectionConnected")
	}

	payload := []byte("hello gateway")
	tx, err := client.Encapsulate(cid, payload, now)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	if tx == nil {
		t.Fatalf("Encapsulate returned nil transmit after handshake completed")
	}

	gotCid, got, ok := gateway.Decapsulate(tx.To, tx.Local, tx.Data, now)
	if !ok {
		t.Fatalf("gateway failed to decapsulate client's data")
	}
	if gotCid != cid {
		t.Fatalf("decapsulated for wrong connection: got %s want %s", gotCid, cid)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}
}

func TestAcceptAnswerUnknownConnection(t *testing.T) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	n := NewNode(key)
	err = n.AcceptAnswer(ids.NewGatewayId(), key.PublicKey(), Answer{}, time.Now())
	if err == nil {
		t.Fatalf("expected error for unknown connection")
	}
}

func TestConnectionFailsAfterNominationTimeout(t *testing.T) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	n := NewNode(key)
	now := time.Now()
	cid := ids.NewGatewayId()
	if _, err := n.NewConnection(cid, now); err != nil {
		t.Fatalf("NewConnection: %v", err)
	}

	n.HandleTimeout(now.Add(11 * time.Second))

	var sawFailed bool
	for {
		ev, ok := n.PollEvent()
		if !ok {
			break
		}
		if f, ok := ev.(ConnectionFailed); ok && f.ConnectionId == cid {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Fatalf("expected ConnectionFailed after the 10s nomination timeout")
	}
}
