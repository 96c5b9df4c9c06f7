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

package ice

import (
	"testing"
	"time"

	wirestun "github.com/netshade/connlib/pkg/wire/stun"
)

func decode(t *testing.T, raw []byte) *wirestun.Message {
	t.Helper()
	m := wirestun.New()
	if err := wirestun.Decode(raw, m); err != nil {
		t.Fatalf("decode stun message: %v", err)
	}
	return m
}

// TestAgentNominatesDirectPair drives two agents (controlling Client,
// controlled Gateway) through candidate exchange and a single round of
// connectivity checks, mirroring spec.md §8 scenario 1 "Direct connect
// smoke" at the ICE layer.
func TestAgentNominatesDirectPair(t *testing.T) {
	now := time.Now()
	client := New(true, now)
	gateway := New(false, now)

	cUfrag, cPwd := client.LocalCredentials()
	gUfrag, gPwd := gateway.LocalCredentials()
	client.SetRemoteCredentials(gUfrag, gPwd)
	gateway.SetRemoteCredentials(cUfrag, cPwd)

	clientCand := NewHostCandidate("10.0.0.1:51000", 1, 65535)
	gatewayCand := NewHostCandidate("10.0.0.2:51000", 1, 65535)

	client.AddLocalCandidate(clientCand)
	gateway.AddLocalCandidate(gatewayCand)
	client.AddRemoteCandidate(gatewayCand)
	gateway.AddRemoteCandidate(clientCand)

	client.HandleTimeout(now)
	tx, ok := client.PollTransmit()
	if !ok {
		t.Fatalf("client did not emit a connectivity check")
	}
	req := decode(t, tx.Data)
	if !hasUseCandidate(req) {
		t.Fatalf("controlling side's first check should carry USE-CANDIDATE")
	}

	gateway.RecvStun(tx.Remote, tx.Local, req, now)
	if _, ok := gateway.NominatedPair(); !ok {
		t.Fatalf("gateway should nominate on receiving USE-CANDIDATE")
	}
	gwTx, ok := gateway.PollTransmit()
	if !ok {
		t.Fatalf("gateway did not respond to the connectivity check")
	}

	resp := decode(t, gwTx.Data)
	client.RecvStun(tx.Local, tx.Remote, resp, now)
	pair, ok := client.NominatedPair()
	if !ok {
		t.Fatalf("client should nominate on receiving a successful response")
	}
	if pair.Local.Addr != clientCand.Addr || pair.Remote.Addr != gatewayCand.Addr {
		t.Fatalf("nominated pair = %s<->%s, want %s<->%s", pair.Local.Addr, pair.Remote.Addr, clientCand.Addr, gatewayCand.Addr)
	}

	if client.State() != StateConnected || gateway.State() != StateConnected {
		t.Fatalf("both agents should be Connected after nomination")
	}
}

func TestCandidateKindPriorityOrdering(t *testing.T) {
	host := NewHostCandidate("1.1.1.1:1", 1, 100)
	srflx := NewServerReflexiveCandidate("2.2.2.2:2", "1.1.1.1:1", 1, 100)
	relay := NewRelayCandidate("3.3.3.3:3", "1.1.1.1:1", 1, 100)

	if host.Priority <= srflx.Priority {
		t.Fatalf("host priority %d should exceed srflx priority %d", host.Priority, srflx.Priority)
	}
	if srflx.Priority <= relay.Priority {
		t.Fatalf("srflx priority %d should exceed relay priority %d", srflx.Priority, relay.Priority)
	}
}

func TestPairBetterThanPrefersHostOverRelay(t *testing.T) {
	hostPair := newPair(NewHostCandidate("1.1.1.1:1", 1, 100), NewHostCandidate("2.2.2.2:2", 1, 100), true)
	relayPair := newPair(NewRelayCandidate("3.3.3.3:3", "", 1, 100), NewHostCandidate("2.2.2.2:2", 1, 100), true)

	if !hostPair.betterThan(relayPair) {
		t.Fatalf("host pair should be preferred over relay pair")
	}
	if relayPair.betterThan(hostPair) {
		t.Fatalf("relay pair should never be preferred over a host pair")
	}
}

func TestAgentGivesUpAfterMaxBindingRequests(t *testing.T) {
	now := time.Now()
	client := New(true, now)
	client.SetRemoteCredentials("ufrag", "pwd12345678901234567890")
	cand := NewHostCandidate("10.0.0.1:1", 1, 100)
	remote := NewHostCandidate("10.0.0.2:1", 1, 100)
	client.AddLocalCandidate(cand)
	client.AddRemoteCandidate(remote)

	t0 := now
	for i := 0; i <= maxBindingRequests; i++ {
		client.HandleTimeout(t0)
		client.PollTransmit()
		t0 = t0.Add(pacingInterval)
	}
	// One more tick past 20s with every pair failed should fail the agent.
	client.HandleTimeout(t0.Add(21 * time.Second))
	if client.State() != StateFailed {
		t.Fatalf("agent state = %v, want StateFailed after exhausting retries", client.State())
	}
}
