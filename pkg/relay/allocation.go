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
	"crypto/rand"
	"math/big"
	"net/netip"
	"time"

	"github.com/netshade/connlib/pkg/ids"
)

const (
	defaultAllocationLifetime = 600 * time.Second
	maxAllocationLifetime     = 3600 * time.Second

	// maxPortAllocationAttempts bounds the number of random draws tried
	// before giving up and reporting 508 Insufficient Capacity (an
	// original_source/ detail the distilled spec omits -- see SPEC_FULL.md).
	maxPortAllocationAttempts = 10

	channelExpiry      = 10 * time.Minute
	channelUnbindGrace = 5 * time.Minute
)

// Allocation is one client's TURN relay transport address, keyed by the
// client address and port (Client) that requested it.
type Allocation struct {
	Port       ids.AllocationPort
	Client     netip.AddrPort
	ExpiresAt  time.Time
	FirstAddr  netip.Addr
	SecondAddr *netip.Addr // set only for a dual-stack allocation
}

// Channel is one client<->peer binding reachable via a short channel
// number instead of a full XOR-PEER-ADDRESS on every datagram.
type Channel struct {
	Client   netip.AddrPort
	Number   ids.ChannelNumber
	Peer     netip.AddrPort
	Port     ids.AllocationPort
	Bound    bool
	ExpireAt time.Time // while Bound: refresh deadline. While !Bound: reuse deadline.
}

// portPool draws relay ports uniformly at random from a configured range,
// excluding ports already allocated.
type portPool struct {
	lowest, highest uint16 // [lowest, highest)
	inUse           map[uint16]bool
}

func newPortPool(lowest, highest uint16) *portPool {
	return &portPool{lowest: lowest, highest: highest, inUse: make(map[uint16]bool)}
}

// errCapacity is returned when the pool cannot find a free port within
// maxPortAllocationAttempts draws.
var errCapacity = &capacityError{}

type capacityError struct{}

func (*capacityError) Error() string { return "relay: no free port in range" }

func (p *portPool) allocate() (uint16, error) {
	span := int64(p.highest) - int64(p.lowest)
	if span <= 0 {
		return 0, errCapacity
	}
	for attempt := 0; attempt < maxPortAllocationAttempts; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(span))
		if err != nil {
			return 0, err
		}
		port := p.lowest + uint16(n.Int64())
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, errCapacity
}

func (p *portPool) release(port uint16) {
	delete(p.inUse, port)
}
