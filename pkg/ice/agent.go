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
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun"

	wirestun "github.com/netshade/connlib/pkg/wire/stun"
)

// pacingInterval is RFC 8445 §14.1's default Ta: the minimum spacing
// between transactions on a single checklist, so a busy checklist never
// floods the link. The original Rust implementation exposes this as a
// tunable on its ICE agent; here it is a package constant since connlib
// never needs to change it at runtime.
const pacingInterval = 500 * time.Millisecond

// maxBindingRequests is the retransmission budget RFC 8445 §14.3
// recommends for a connectivity check before giving up on a pair (the
// original implementation names this constant MaxBindingRequests).
const maxBindingRequests = 7

// State is the agent's coarse lifecycle, mirrored into snownet's richer
// per-Connection state (spec.md §3 "Connection state").
type State uint8

const (
	StateGathering State = iota
	StateChecking
	StateConnected
	StateFailed
	StateClosed
)

// Event is emitted by PollEvent.
type Event interface{ isIceEvent() }

// NominatedEvent fires when a new pair is selected for use, either the
// first nomination or a better pair taking over mid-connection.
type NominatedEvent struct{ Pair *Pair }

func (NominatedEvent) isIceEvent() {}

// FailedEvent fires when the checklist exhausts itself with no succeeded
// pair.
type FailedEvent struct{}

func (FailedEvent) isIceEvent() {}

// Transmit is one outbound STUN datagram the caller (snownet.Node) must
// send on the socket named by Local.
type Transmit struct {
	Local  string
	Remote string
	Data   []byte
}

// Agent is one Client<->Gateway ICE-lite session: candidate pairing,
// connectivity checks, nomination, and role-conflict resolution. It never
// touches a socket; snownet.Node drives it with HandleTimeout and
// RecvStun, and drains PollTransmit/PollEvent.
type Agent struct {
	isControlling bool
	tieBreaker    uint64

	localUfrag, localPwd   string
	remoteUfrag, remotePwd string

	localCandidates  []Candidate
	remoteCandidates []Candidate
	pairs            []*Pair
	nominated        *Pair

	state State

	outbox []Transmit
	events []Event

	createdAt time.Time
	nextCheck time.Time
}

// New creates an agent. isControlling matches spec.md §4.1: the Client is
// always the offering/controlling side, the Gateway always controlled.
func New(isControlling bool, now time.Time) *Agent {
	return &Agent{
		isControlling: isControlling,
		tieBreaker:    randUint64(),
		localUfrag:    randCred(4),
		localPwd:      randCred(22),
		state:         StateGathering,
		createdAt:     now,
		nextCheck:     now,
	}
}

func randUint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func randCred(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)[:n]
}

// LocalCredentials returns the ufrag/pwd carried in the Offer/Answer.
func (a *Agent) LocalCredentials() (ufrag, pwd string) { return a.localUfrag, a.localPwd }

// SetRemoteCredentials records the peer's ufrag/pwd from the Offer/Answer.
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) {
	a.remoteUfrag, a.remotePwd = ufrag, pwd
}

// AddLocalCandidate informs the agent of a newly gathered local candidate
// and pairs it against every known remote candidate.
func (a *Agent) AddLocalCandidate(c Candidate) {
	a.localCandidates = append(a.localCandidates, c)
	for _, rc := range a.remoteCandidates {
		a.addPair(c, rc)
	}
	if a.state == StateGathering {
		a.state = StateChecking
	}
}

// AddRemoteCandidate adds a candidate signaled by the peer and pairs it
// against every known local candidate.
func (a *Agent) AddRemoteCandidate(c Candidate) {
	for _, existing := range a.remoteCandidates {
		if existing.Addr == c.Addr {
			return
		}
	}
	a.remoteCandidates = append(a.remoteCandidates, c)
	for _, lc := range a.localCandidates {
		a.addPair(lc, c)
	}
	if a.state == StateGathering {
		a.state = StateChecking
	}
}

// RemoveRemoteCandidate drops a candidate the peer invalidated (e.g. a
// relay allocation it tore down) and any pairs built from it.
func (a *Agent) RemoveRemoteCandidate(addr string) {
	kept := a.remoteCandidates[:0]
	for _, c := range a.remoteCandidates {
		if c.Addr != addr {
			kept = append(kept, c)
		}
	}
	a.remoteCandidates = kept

	keptPairs := a.pairs[:0]
	for _, p := range a.pairs {
		if p.Remote.Addr != addr {
			keptPairs = append(keptPairs, p)
		}
	}
	a.pairs = keptPairs
	if a.nominated != nil && a.nominated.Remote.Addr == addr {
		a.nominated = nil
	}
}

func (a *Agent) addPair(local, remote Candidate) {
	for _, p := range a.pairs {
		if p.Local.Addr == local.Addr && p.Remote.Addr == remote.Addr {
			return
		}
	}
	a.pairs = append(a.pairs, newPair(local, remote, a.isControlling))
}

// State reports the agent's current lifecycle state.
func (a *Agent) State() State { return a.state }

// NominatedPair returns the pair currently in use, if any.
func (a *Agent) NominatedPair() (*Pair, bool) {
	if a.nominated == nil {
		return nil, false
	}
	return a.nominated, true
}

// HandleTimeout drives retransmission and pacing. Call whenever
// PollTimeout's deadline elapses.
func (a *Agent) HandleTimeout(now time.Time) {
	if a.state == StateFailed || a.state == StateClosed {
		return
	}
	if now.Before(a.nextCheck) {
		return
	}
	if a.nominated == nil && now.Sub(a.createdAt) > 20*time.Second && len(a.pairs) > 0 {
		allFailed := true
		for _, p := range a.pairs {
			if p.State != PairFailed {
				allFailed = false
				break
			}
		}
		if allFailed {
			a.state = StateFailed
			a.events = append(a.events, FailedEvent{})
			return
		}
	}

	next := a.pickPairToCheck(now)
	if next == nil {
		return
	}
	nominate := a.isControlling && a.nominated == nil && next.State == PairWaiting
	a.sendCheck(next, now, nominate)
	a.nextCheck = now.Add(pacingInterval)
}

func (a *Agent) pickPairToCheck(now time.Time) *Pair {
	for _, p := range a.pairs {
		if p.State == PairWaiting {
			return p
		}
	}
	for _, p := range a.pairs {
		if p.State == PairInProgress && p.checksSent >= maxBindingRequests {
			p.State = PairFailed
			continue
		}
		if p.State == PairInProgress && now.Sub(p.lastCheckSent) >= pacingInterval {
			return p
		}
	}
	return nil
}

func (a *Agent) sendCheck(p *Pair, now time.Time, nominate bool) {
	var tid [12]byte
	_, _ = rand.Read(tid[:])
	p.transactionID = tid
	p.checksSent++
	p.lastCheckSent = now
	p.State = PairInProgress

	msg, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodBinding, wirestun.ClassRequest),
		stun.NewTransactionIDSetter(tid),
		stun.NewUsername(a.remoteUfrag+":"+a.localUfrag),
	)
	if err != nil {
		return
	}
	addPriority(msg, p.Local.Priority)
	if a.isControlling {
		addControlling(msg, a.tieBreaker)
		if nominate {
			addUseCandidate(msg)
		}
	} else {
		addControlled(msg, a.tieBreaker)
	}
	_ = wirestun.ShortTermIntegrity(a.remotePwd).AddTo(msg)
	_ = wirestun.Fingerprint.AddTo(msg)

	a.outbox = append(a.outbox, Transmit{Local: p.Local.Addr, Remote: p.Remote.Addr, Data: append([]byte(nil), msg.Raw...)})
}

// RecvStun processes an inbound STUN message addressed to local from
// remote: a peer's connectivity check (we answer it) or a response to our
// own check (we may nominate the pair).
func (a *Agent) RecvStun(local, remote string, msg *stun.Message, now time.Time) {
	switch {
	case msg.Type.Class == stun.ClassRequest && msg.Type.Method == stun.MethodBinding:
		a.handleCheckRequest(local, remote, msg, now)
	case msg.Type.Class == stun.ClassSuccessResponse && msg.Type.Method == stun.MethodBinding:
		a.handleCheckResponse(local, remote, now)
	}
}

func (a *Agent) handleCheckRequest(local, remote string, msg *stun.Message, now time.Time) {
	if err := wirestun.ShortTermIntegrity(a.localPwd).Check(msg); err != nil {
		return // unauthenticated check, drop silently per spec.md §7 "never panic on malformed input"
	}
	if theirTieBreaker, ok := getControlling(msg); ok && a.isControlling && theirTieBreaker >= a.tieBreaker {
		a.isControlling = false
	}
	if theirTieBreaker, ok := getControlled(msg); ok && !a.isControlling && theirTieBreaker < a.tieBreaker {
		a.isControlling = true
	}

	remoteIP, remotePort, err := splitHostPort(remote)
	if err != nil {
		return
	}
	resp, err := wirestun.Build(
		wirestun.NewType(wirestun.MethodBinding, wirestun.ClassSuccessResponse),
		stun.NewTransactionIDSetter(msg.TransactionID),
	)
	if err != nil {
		return
	}
	xma := wirestun.NewXORMappedAddress(remoteIP, remotePort)
	if err := xma.AddTo(resp); err != nil {
		return
	}
	_ = wirestun.ShortTermIntegrity(a.localPwd).AddTo(resp)
	_ = wirestun.Fingerprint.AddTo(resp)
	a.outbox = append(a.outbox, Transmit{Local: local, Remote: remote, Data: append([]byte(nil), resp.Raw...)})

	if hasUseCandidate(msg) && !a.isControlling {
		a.nominateByAddrs(local, remote, now)
	}
}

func (a *Agent) handleCheckResponse(local, remote string, now time.Time) {
	for _, p := range a.pairs {
		if p.Local.Addr != local || p.Remote.Addr != remote || p.State != PairInProgress {
			continue
		}
		p.State = PairSucceeded
		p.rtt = now.Sub(p.lastCheckSent)
		p.rttMeasured = true
		if a.isControlling {
			a.maybeNominate(p, now)
		}
		return
	}
}

func (a *Agent) maybeNominate(p *Pair, now time.Time) {
	if a.nominated == nil || p.betterThan(a.nominated) {
		a.nominate(p, now)
	}
}

func (a *Agent) nominateByAddrs(local, remote string, now time.Time) {
	for _, p := range a.pairs {
		if p.Local.Addr == local && p.Remote.Addr == remote {
			p.State = PairSucceeded
			a.nominate(p, now)
			return
		}
	}
}

func (a *Agent) nominate(p *Pair, now time.Time) {
	_ = now
	p.Nominated = true
	a.nominated = p
	a.state = StateConnected
	a.events = append(a.events, NominatedEvent{Pair: p})
}

// PollTransmit drains one queued outbound STUN datagram, if any.
func (a *Agent) PollTransmit() (Transmit, bool) {
	if len(a.outbox) == 0 {
		return Transmit{}, false
	}
	t := a.outbox[0]
	a.outbox = a.outbox[1:]
	return t, true
}

// PollEvent drains one queued agent event, if any.
func (a *Agent) PollEvent() (Event, bool) {
	if len(a.events) == 0 {
		return nil, false
	}
	e := a.events[0]
	a.events = a.events[1:]
	return e, true
}

// PollTimeout reports when HandleTimeout should next be called.
func (a *Agent) PollTimeout() (time.Time, bool) {
	if a.state == StateFailed || a.state == StateClosed {
		return time.Time{}, false
	}
	return a.nextCheck, true
}

// Close tears the agent down; no further checks are sent.
func (a *Agent) Close() { a.state = StateClosed }

func splitHostPort(addr string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, &net.AddrError{Err: "invalid IP address", Addr: host}
	}
	return ip, port, nil
}
