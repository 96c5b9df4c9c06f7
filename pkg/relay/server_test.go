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

package relay

import (
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun"

	wirestun "github.com/netshade/connlib/pkg/wire/stun"
	wireturn "github.com/netshade/connlib/pkg/wire/turn"
)

func mustDecode(t *testing.T, raw []byte) *wirestun.Message {
	t.Helper()
	m := wirestun.New()
	if err := wirestun.Decode(raw, m); err != nil {
		t.Fatalf("decode stun message: %v", err)
	}
	return m
}

func lastSend(t *testing.T, s *Server) SendMessage {
	t.Helper()
	var last SendMessage
	found := false
	for {
		cmd, ok := s.NextCommand()
		if !ok {
			break
		}
		if sm, ok := cmd.(SendMessage); ok {
			last = sm
			found = true
		}
	}
	if !found {
		t.Fatalf("no SendMessage command queued")
	}
	return last
}

func buildAllocateRequest() (*wirestun.Message, error) {
	return wirestun.Build(
		wirestun.NewType(wirestun.MethodAllocate, wirestun.ClassRequest),
		wirestun.TransactionID,
	)
}

// authedAllocate drives the 401-challenge/retry dance spec.md §4.2
// mandates and returns the credentials the caller authenticated with, for
// use by later requests in the same test.
func authedAllocate(t *testing.T, s *Server, client netip.AddrPort, now time.Time) (username, password string) {
	t.Helper()
	req, err := buildAllocateRequest()
	if err != nil {
		t.Fatalf("build allocate request: %v", err)
	}
	wireturn.AddRequestedTransport(req)
	s.HandleClientInput(client, req.Raw, now)

	resp := mustDecode(t, lastSend(t, s).Data)
	if resp.Type.Class != wirestun.ClassErrorResponse {
		t.Fatalf("expected first Allocate to be challenged, got class %v", resp.Type.Class)
	}
	var realm stun.Realm
	var nonce stun.Nonce
	if err := realm.GetFrom(resp); err != nil {
		t.Fatalf("missing REALM in challenge: %v", err)
	}
	if err := nonce.GetFrom(resp); err != nil {
		t.Fatalf("missing NONCE in challenge: %v", err)
	}

	username, password, err = GenerateEphemeralCredentials(s.secret, time.Hour, now)
	if err != nil {
		t.Fatalf("generate credentials: %v", err)
	}

	req2, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodAllocate, wirestun.ClassRequest),
		wirestun.TransactionID,
		stun.NewUsername(username),
		nonce,
		realm,
	)
	if err != nil {
		t.Fatalf("build authed allocate: %v", err)
	}
	wireturn.AddRequestedTransport(req2)
	integrity := wirestun.LongTermIntegrity(username, string(realm), password)
	if err := integrity.AddTo(req2); err != nil {
		t.Fatalf("sign request: %v", err)
	}
	s.HandleClientInput(client, req2.Raw, now)
	return username, password
}

func TestBindingReturnsReflexiveAddress(t *testing.T) {
	s := NewServer([]byte("relay-secret"), "firezone", 49152, 65535)
	client := netip.MustParseAddrPort("203.0.113.5:4000")
	now := time.Now()

	req, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodBinding, wirestun.ClassRequest),
		wirestun.TransactionID,
	)
	if err != nil {
		t.Fatalf("build binding request: %v", err)
	}
	s.HandleClientInput(client, req.Raw, now)

	resp := mustDecode(t, lastSend(t, s).Data)
	if resp.Type.Class != wirestun.ClassSuccessResponse {
		t.Fatalf("expected success response, got %v", resp.Type.Class)
	}
	var xma stun.XORMappedAddress
	if err := xma.GetFrom(resp); err != nil {
		t.Fatalf("missing XOR-MAPPED-ADDRESS: %v", err)
	}
	if xma.Port != 4000 {
		t.Fatalf("got port %d, want 4000", xma.Port)
	}
}

func TestAllocateRequiresAuthentication(t *testing.T) {
	s := NewServer([]byte("relay-secret"), "firezone", 49152, 65535)
	client := netip.MustParseAddrPort("203.0.113.5:4000")
	now := time.Now()

	username, _ := authedAllocate(t, s, client, now)
	if username == "" {
		t.Fatal("expected a username to have been used")
	}

	resp := mustDecode(t, lastSend(t, s).Data)
	if resp.Type.Class != wirestun.ClassSuccessResponse {
		t.Fatalf("expected Allocate to succeed after authentication, got %v", resp.Type.Class)
	}
	if _, _, err := wireturn.GetXORRelayedAddress(resp); err != nil {
		t.Fatalf("missing XOR-RELAYED-ADDRESS: %v", err)
	}
	if len(s.allocations) != 1 {
		t.Fatalf("expected one allocation tracked, got %d", len(s.allocations))
	}
}

func TestAllocateRejectsDuplicateFromSameClient(t *testing.T) {
	s := NewServer([]byte("relay-secret"), "firezone", 49152, 65535)
	client := netip.MustParseAddrPort("203.0.113.5:4000")
	now := time.Now()
	authedAllocate(t, s, client, now)
	_ = lastSend(t, s) // drain the success response

	authedAllocate(t, s, client, now)
	resp := mustDecode(t, lastSend(t, s).Data)
	if resp.Type.Class != wirestun.ClassErrorResponse {
		t.Fatalf("expected second Allocate to be rejected, got %v", resp.Type.Class)
	}
}

func TestChannelBindRelaysDataBothWays(t *testing.T) {
	s := NewServer([]byte("relay-secret"), "firezone", 49152, 65535)
	client := netip.MustParseAddrPort("203.0.113.5:4000")
	peer := netip.MustParseAddrPort("198.51.100.9:9000")
	now := time.Now()

	username, password := authedAllocate(t, s, client, now)
	_ = lastSend(t, s) // drain the Allocate success response

	nonce := s.nonces.issue()
	bindReq, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodChannelBind, wirestun.ClassRequest),
		wirestun.TransactionID,
		stun.NewUsername(username),
		stun.Nonce(nonce),
		stun.Realm("firezone"),
	)
	if err != nil {
		t.Fatalf("build channel bind: %v", err)
	}
	wireturn.AddChannelNumber(bindReq, 0x4001)
	peerIP := peer.Addr().As4()
	if err := wireturn.AddXORPeerAddress(bindReq, peerIP[:], int(peer.Port())); err != nil {
		t.Fatalf("add peer address: %v", err)
	}
	integrity := wirestun.LongTermIntegrity(username, "firezone", password)
	if err := integrity.AddTo(bindReq); err != nil {
		t.Fatalf("sign channel bind: %v", err)
	}
	s.HandleClientInput(client, bindReq.Raw, now)

	bindResp := mustDecode(t, lastSend(t, s).Data)
	if bindResp.Type.Class != wirestun.ClassSuccessResponse {
		t.Fatalf("expected ChannelBind success, got %v", bindResp.Type.Class)
	}

	framed := wireturn.EncodeChannelData(nil, 0x4001, []byte("hello gateway"))
	s.HandleClientInput(client, framed, now)
	toPeer := lastSend(t, s)
	if toPeer.To != peer {
		t.Fatalf("expected relay to peer %v, got %v", peer, toPeer.To)
	}
	if string(toPeer.Data) != "hello gateway" {
		t.Fatalf("payload mangled: %q", toPeer.Data)
	}

	port := s.allocations[client].Port
	s.HandlePeerTraffic(port, peer, []byte("hello client"), now)
	toClient := lastSend(t, s)
	if toClient.To != client {
		t.Fatalf("expected relay to client %v, got %v", client, toClient.To)
	}
	num, payload, err := wireturn.DecodeChannelData(toClient.Data)
	if err != nil {
		t.Fatalf("decode channeldata to client: %v", err)
	}
	if num != 0x4001 || string(payload) != "hello client" {
		t.Fatalf("got channel %#x payload %q", num, payload)
	}
}

func TestAllocationExpiresOnTimeout(t *testing.T) {
	s := NewServer([]byte("relay-secret"), "firezone", 49152, 65535)
	client := netip.MustParseAddrPort("203.0.113.5:4000")
	now := time.Now()
	authedAllocate(t, s, client, now)
	_ = lastSend(t, s)

	if len(s.allocations) != 1 {
		t.Fatalf("expected allocation present before expiry")
	}
	s.HandleTimeout(now.Add(defaultAllocationLifetime + time.Minute))
	if len(s.allocations) != 0 {
		t.Fatalf("expected allocation reaped after expiry, got %d remaining", len(s.allocations))
	}
}
