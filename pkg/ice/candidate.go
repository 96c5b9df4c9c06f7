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

// Package ice implements a minimal ICE-lite agent (RFC 8445): candidate
// pairing, STUN connectivity checks, nomination, and role-conflict
// resolution. It is sans-io throughout -- the agent never opens a socket
// itself; snownet.Node feeds it inbound STUN bytes and drains outbound
// ones, and tells it when local candidates become known. This mirrors the
// wire/wg package's approach of hand-rolling the state machine from the
// RFC rather than importing a full networked agent (pion/ice), which
// assumes it owns its own sockets.
package ice

import (
	"fmt"
	"strconv"
	"strings"
)

// CandidateKind orders candidates by how directly they connect, used both
// for the default SDP priority formula and spec.md §4.1's pair-preference
// tie-break ("prefer host > server-reflexive > relay").
type CandidateKind uint8

const (
	KindHost CandidateKind = iota
	KindServerReflexive
	KindRelay
)

func (k CandidateKind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindServerReflexive:
		return "srflx"
	case KindRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference is the RFC 8445 §5.1.2.1 "type preference" component of
// the priority formula, highest for host candidates.
func (k CandidateKind) typePreference() uint32 {
	switch k {
	case KindHost:
		return 126
	case KindServerReflexive:
		return 100
	case KindRelay:
		return 0
	default:
		return 0
	}
}

// Candidate is one address a side offers for connectivity, in the shape
// carried over signaling as an SDP-like candidate string (spec.md's
// `add_remote_candidate(cid, sdp, now)`).
type Candidate struct {
	Kind       CandidateKind
	Addr       string // "ip:port", already resolved -- no DNS in this layer
	Foundation string
	ComponentID uint16
	Priority   uint32

	// RelatedAddr is the base/server-reflexive address this candidate was
	// derived from (host candidates leave this empty).
	RelatedAddr string
}

// NewHostCandidate builds a host candidate for a locally bound socket.
func NewHostCandidate(addr string, componentID uint16, localPreference uint16) Candidate {
	return newCandidate(KindHost, addr, "", componentID, localPreference)
}

// NewServerReflexiveCandidate builds a srflx candidate learned from a
// relay's Binding response.
func NewServerReflexiveCandidate(addr, relatedAddr string, componentID uint16, localPreference uint16) Candidate {
	return newCandidate(KindServerReflexive, addr, relatedAddr, componentID, localPreference)
}

// NewRelayCandidate builds a relay candidate from a TURN allocation.
func NewRelayCandidate(addr, relatedAddr string, componentID uint16, localPreference uint16) Candidate {
	return newCandidate(KindRelay, addr, relatedAddr, componentID, localPreference)
}

func newCandidate(kind CandidateKind, addr, relatedAddr string, componentID uint16, localPreference uint16) Candidate {
	return Candidate{
		Kind:        kind,
		Addr:        addr,
		Foundation:  fmt.Sprintf("%s-%s", kind, addr),
		ComponentID: componentID,
		RelatedAddr: relatedAddr,
		Priority:    priority(kind, localPreference, componentID),
	}
}

// priority implements the RFC 8445 §5.1.2.1 formula.
func priority(kind CandidateKind, localPreference uint16, componentID uint16) uint32 {
	return kind.typePreference()<<24 | uint32(localPreference)<<8 | uint32(256-componentID)
}

// String renders the candidate the way it travels over signaling.
func (c Candidate) String() string {
	return fmt.Sprintf("candidate:%s %d %s %d %s", c.Foundation, c.ComponentID, c.Kind, c.Priority, c.Addr)
}

// ParseCandidate parses the signaling-wire form String produces, used by
// snownet.Node.AddRemoteCandidate (spec.md's `add_remote_candidate(cid,
// sdp, now)`).
func ParseCandidate(s string) (Candidate, error) {
	fields := strings.Fields(s)
	if len(fields) != 5 {
		return Candidate{}, fmt.Errorf("ice: malformed candidate %q", s)
	}
	foundation, ok := strings.CutPrefix(fields[0], "candidate:")
	if !ok {
		return Candidate{}, fmt.Errorf("ice: malformed candidate %q", s)
	}
	componentID, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return Candidate{}, fmt.Errorf("ice: malformed component id in %q: %w", s, err)
	}
	var kind CandidateKind
	switch fields[2] {
	case "host":
		kind = KindHost
	case "srflx":
		kind = KindServerReflexive
	case "relay":
		kind = KindRelay
	default:
		return Candidate{}, fmt.Errorf("ice: unknown candidate kind %q", fields[2])
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("ice: malformed priority in %q: %w", s, err)
	}
	return Candidate{
		Kind:        kind,
		Addr:        fields[4],
		Foundation:  foundation,
		ComponentID: uint16(componentID),
		Priority:    uint32(priority),
	}, nil
}
