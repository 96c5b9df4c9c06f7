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

import "time"

// PairState tracks one candidate pair through the checklist per RFC 8445
// §6.1.2.
type PairState uint8

const (
	PairWaiting PairState = iota
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pair is one (local, remote) candidate combination under test.
type Pair struct {
	Local, Remote Candidate
	State         PairState
	Nominated     bool

	priority uint64

	transactionID    [12]byte
	checksSent       int
	lastCheckSent    time.Time
	rtt              time.Duration
	rttMeasured      bool
}

// newPair computes the RFC 8445 §6.1.2.3 pairing priority: the controlling
// side's priority is weighted into the high 32 bits.
func newPair(local, remote Candidate, isControlling bool) *Pair {
	var g, d uint64
	if isControlling {
		g, d = uint64(local.Priority), uint64(remote.Priority)
	} else {
		g, d = uint64(remote.Priority), uint64(local.Priority)
	}
	min, max := g, d
	if min > max {
		min, max = max, min
	}
	tieBit := uint64(0)
	if g > d {
		tieBit = 1
	}
	return &Pair{
		Local:    local,
		Remote:   remote,
		State:    PairWaiting,
		priority: min<<32 | max<<1 | tieBit,
	}
}

// betterThan implements spec.md §4.1's pair-preference rule: host >
// server-reflexive > relay; within the same kind, lower RTT wins; ties
// break by lexicographic comparison of (local socket, remote socket).
func (p *Pair) betterThan(other *Pair) bool {
	if p.Local.Kind != other.Local.Kind {
		return p.Local.Kind < other.Local.Kind
	}
	if p.rttMeasured && other.rttMeasured && p.rtt != other.rtt {
		return p.rtt < other.rtt
	}
	if p.Local.Addr != other.Local.Addr {
		return p.Local.Addr < other.Local.Addr
	}
	return p.Remote.Addr < other.Remote.Addr
}
