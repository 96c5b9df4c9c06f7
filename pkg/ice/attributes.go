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
	"encoding/binary"
	"fmt"

	"github.com/pion/stun"
)

// ICE connectivity-check attribute type numbers (RFC 8445 §16.1).
// pion/stun does not define these -- they belong to the ICE layer, which
// this package hand-rolls rather than depend on pion/ice (a full networked
// agent, incompatible with the sans-io requirement).
const (
	attrPriority      stun.AttrType = 0x0024
	attrUseCandidate  stun.AttrType = 0x0025
	attrIceControlled stun.AttrType = 0x8029
	attrIceControlling stun.AttrType = 0x802A
)

// addPriority appends PRIORITY to m.
func addPriority(m *stun.Message, priority uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, priority)
	m.Add(attrPriority, v)
}

// getPriority reads PRIORITY from m.
func getPriority(m *stun.Message) (uint32, error) {
	a, err := m.Get(attrPriority)
	if err != nil {
		return 0, err
	}
	if len(a) < 4 {
		return 0, fmt.Errorf("ice: short priority attribute")
	}
	return binary.BigEndian.Uint32(a), nil
}

// addUseCandidate appends the zero-length USE-CANDIDATE attribute,
// nominating the pair this check is sent on.
func addUseCandidate(m *stun.Message) {
	m.Add(attrUseCandidate, []byte{})
}

func hasUseCandidate(m *stun.Message) bool {
	_, err := m.Get(attrUseCandidate)
	return err == nil
}

// addControlling/addControlled append ICE-CONTROLLING / ICE-CONTROLLED
// carrying the agent's 64-bit tie-breaker, used to resolve a role conflict
// per RFC 8445 §7.3.1.1 if both sides believe they are controlling.
func addControlling(m *stun.Message, tieBreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tieBreaker)
	m.Add(attrIceControlling, v)
}

func addControlled(m *stun.Message, tieBreaker uint64) {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, tieBreaker)
	m.Add(attrIceControlled, v)
}

func getControlling(m *stun.Message) (uint64, bool) {
	a, err := m.Get(attrIceControlling)
	if err != nil || len(a) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(a), true
}

func getControlled(m *stun.Message) (uint64, bool) {
	a, err := m.Get(attrIceControlled)
	if err != nil || len(a) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(a), true
}
