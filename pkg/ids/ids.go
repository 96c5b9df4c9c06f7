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

// Package ids defines the identifier types shared across the connlib core:
// Client/Gateway/Resource/Relay UUIDs, TURN allocation ports and channel
// numbers, and the per-signaling-channel outbound request counter.
package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// ClientId uniquely identifies a Client across the lifetime of a session.
type ClientId uuid.UUID

// GatewayId uniquely identifies a Gateway. It also serves as the snownet
// connection ID when a Client dials a Gateway.
type GatewayId uuid.UUID

// ResourceId uniquely identifies a Resource in the catalog.
type ResourceId uuid.UUID

// RelayId uniquely identifies a TURN relay server known to a Node.
type RelayId uuid.UUID

// String implementations keep these printable for logging without
// requiring a type assertion back to uuid.UUID at every call site.
func (c ClientId) String() string   { return uuid.UUID(c).String() }
func (g GatewayId) String() string  { return uuid.UUID(g).String() }
func (r ResourceId) String() string { return uuid.UUID(r).String() }
func (r RelayId) String() string    { return uuid.UUID(r).String() }

// NewClientId generates a random ClientId.
func NewClientId() ClientId { return ClientId(uuid.New()) }

// NewGatewayId generates a random GatewayId.
func NewGatewayId() GatewayId { return GatewayId(uuid.New()) }

// NewResourceId generates a random ResourceId.
func NewResourceId() ResourceId { return ResourceId(uuid.New()) }

// NewRelayId generates a random RelayId.
func NewRelayId() RelayId { return RelayId(uuid.New()) }

// ParseClientId parses s as a ClientId.
func ParseClientId(s string) (ClientId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ClientId{}, fmt.Errorf("parse client id: %w", err)
	}
	return ClientId(u), nil
}

// ParseGatewayId parses s as a GatewayId.
func ParseGatewayId(s string) (GatewayId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GatewayId{}, fmt.Errorf("parse gateway id: %w", err)
	}
	return GatewayId(u), nil
}

// ParseResourceId parses s as a ResourceId.
func ParseResourceId(s string) (ResourceId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ResourceId{}, fmt.Errorf("parse resource id: %w", err)
	}
	return ResourceId(u), nil
}

// AllocationPort is a UDP port reserved on the relay for a TURN allocation.
type AllocationPort uint16

// ChannelNumber is the TURN-defined 16-bit channel number. Valid range per
// RFC 5766 is 0x4000-0x7FFF; this implementation additionally restricts it
// to 0x4000-0x4FFF, matching spec.md's boundary tests.
type ChannelNumber uint16

const (
	// MinChannelNumber is the lowest channel number a client may bind.
	MinChannelNumber ChannelNumber = 0x4000
	// MaxChannelNumber is the highest channel number a client may bind.
	MaxChannelNumber ChannelNumber = 0x4FFF
)

// Valid reports whether c falls within the accepted channel number range.
func (c ChannelNumber) Valid() bool {
	return c >= MinChannelNumber && c <= MaxChannelNumber
}

// OutboundRequestId is a monotonically increasing identifier scoped to a
// single signaling channel, used to correlate signaling requests/replies.
type OutboundRequestId uint64

// RequestIdCounter generates OutboundRequestIds for one signaling channel.
// It is safe for concurrent use, though the core itself is single-threaded;
// the driver may call it from its own goroutines.
type RequestIdCounter struct {
	next atomic.Uint64
}

// Next returns the next OutboundRequestId, starting at 1.
func (c *RequestIdCounter) Next() OutboundRequestId {
	return OutboundRequestId(c.next.Add(1))
}
