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

// Package turn implements the TURN (RFC 5766) / RFC 8656 wire pieces that
// pion/stun does not carry itself: the TURN-specific STUN attributes and
// the ChannelData framing. Everything here is sans-io: pure encode/decode
// functions operating on byte slices and github.com/pion/stun.Message
// values.
package turn

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pion/stun"

	"github.com/netshade/connlib/pkg/ids"
)

// Attribute type numbers not defined by pion/stun (RFC 5766 §14, RFC 8656 §6).
const (
	AttrChannelNumber         stun.AttrType = 0x000C
	AttrLifetime              stun.AttrType = 0x000D
	AttrXORPeerAddress        stun.AttrType = 0x0012
	AttrData                  stun.AttrType = 0x0013
	AttrXORRelayedAddress     stun.AttrType = 0x0016
	AttrRequestedAddrFamily   stun.AttrType = 0x0017
	AttrEvenPort              stun.AttrType = 0x0018
	AttrRequestedTransport    stun.AttrType = 0x0019
	AttrDontFragment          stun.AttrType = 0x001A
	AttrReservationToken      stun.AttrType = 0x0022
	AttrAdditionalAddrFamily  stun.AttrType = 0x8000
	AttrAddressErrorCode      stun.AttrType = 0x8001
)

// TransportUDP is the only value RFC 5766 allows for REQUESTED-TRANSPORT:
// the protocol number for UDP, left-shifted into the high byte per the
// attribute's wire format.
const TransportUDP = 17

// AddressFamily mirrors REQUESTED-ADDRESS-FAMILY / ADDITIONAL-ADDRESS-FAMILY
// values (RFC 8656 §6.2): 0x01 = IPv4, 0x02 = IPv6.
type AddressFamily uint8

const (
	FamilyIPv4 AddressFamily = 0x01
	FamilyIPv6 AddressFamily = 0x02
)

// AddRequestedTransport appends REQUESTED-TRANSPORT=UDP to m.
func AddRequestedTransport(m *stun.Message) {
	v := []byte{TransportUDP, 0, 0, 0}
	m.Add(AttrRequestedTransport, v)
}

// GetRequestedTransport returns the protocol number carried in
// REQUESTED-TRANSPORT.
func GetRequestedTransport(m *stun.Message) (uint8, error) {
	a, err := m.Get(AttrRequestedTransport)
	if err != nil {
		return 0, err
	}
	if len(a) < 1 {
		return 0, fmt.Errorf("requested-transport: short attribute")
	}
	return a[0], nil
}

// AddLifetime appends LIFETIME (seconds) to m.
func AddLifetime(m *stun.Message, seconds uint32) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, seconds)
	m.Add(AttrLifetime, v)
}

// GetLifetime reads the LIFETIME attribute in seconds.
func GetLifetime(m *stun.Message) (uint32, error) {
	a, err := m.Get(AttrLifetime)
	if err != nil {
		return 0, err
	}
	if len(a) < 4 {
		return 0, fmt.Errorf("lifetime: short attribute")
	}
	return binary.BigEndian.Uint32(a), nil
}

// AddChannelNumber appends CHANNEL-NUMBER to m. The first two bytes carry
// the number; the last two are reserved and zeroed per RFC 5766 §14.1.
func AddChannelNumber(m *stun.Message, ch ids.ChannelNumber) {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v, uint16(ch))
	m.Add(AttrChannelNumber, v)
}

// GetChannelNumber reads the CHANNEL-NUMBER attribute.
func GetChannelNumber(m *stun.Message) (ids.ChannelNumber, error) {
	a, err := m.Get(AttrChannelNumber)
	if err != nil {
		return 0, err
	}
	if len(a) < 2 {
		return 0, fmt.Errorf("channel-number: short attribute")
	}
	return ids.ChannelNumber(binary.BigEndian.Uint16(a)), nil
}

// AddRequestedAddressFamily appends REQUESTED-ADDRESS-FAMILY to m.
func AddRequestedAddressFamily(m *stun.Message, f AddressFamily) {
	m.Add(AttrRequestedAddrFamily, []byte{byte(f), 0, 0, 0})
}

// AddAdditionalAddressFamily appends ADDITIONAL-ADDRESS-FAMILY to m.
func AddAdditionalAddressFamily(m *stun.Message, f AddressFamily) {
	m.Add(AttrAdditionalAddrFamily, []byte{byte(f), 0, 0, 0})
}

// GetAddressFamily decodes either of the address-family attributes from
// its raw bytes.
func GetAddressFamily(m *stun.Message, attr stun.AttrType) (AddressFamily, bool) {
	a, err := m.Get(attr)
	if err != nil || len(a) < 1 {
		return 0, false
	}
	return AddressFamily(a[0]), true
}

// AddXORRelayedAddress appends XOR-RELAYED-ADDRESS using the same XOR
// transformation as XOR-MAPPED-ADDRESS (RFC 5766 §14.5 defers to RFC 5389
// §15.2), which is why we reuse pion/stun's XORMappedAddress codec and
// simply re-tag the attribute number.
func AddXORRelayedAddress(m *stun.Message, addr net.IP, port int) error {
	return addXORAddress(m, AttrXORRelayedAddress, addr, port)
}

// AddXORPeerAddress appends XOR-PEER-ADDRESS (used by ChannelBind and
// CreatePermission requests).
func AddXORPeerAddress(m *stun.Message, addr net.IP, port int) error {
	return addXORAddress(m, AttrXORPeerAddress, addr, port)
}

func addXORAddress(m *stun.Message, attr stun.AttrType, addr net.IP, port int) error {
	xma := stun.XORMappedAddress{IP: addr, Port: port}
	tmp := stun.New()
	tmp.TransactionID = m.TransactionID
	if err := xma.AddTo(tmp); err != nil {
		return err
	}
	raw, err := tmp.Get(stun.AttrXORMappedAddress)
	if err != nil {
		return err
	}
	m.Add(attr, raw)
	return nil
}

// GetXORRelayedAddress decodes XOR-RELAYED-ADDRESS.
func GetXORRelayedAddress(m *stun.Message) (net.IP, int, error) {
	return getXORAddress(m, AttrXORRelayedAddress)
}

// GetXORPeerAddress decodes XOR-PEER-ADDRESS.
func GetXORPeerAddress(m *stun.Message) (net.IP, int, error) {
	return getXORAddress(m, AttrXORPeerAddress)
}

func getXORAddress(m *stun.Message, attr stun.AttrType) (net.IP, int, error) {
	raw, err := m.Get(attr)
	if err != nil {
		return nil, 0, err
	}
	tmp := stun.New()
	tmp.TransactionID = m.TransactionID
	tmp.Add(stun.AttrXORMappedAddress, raw)
	var xma stun.XORMappedAddress
	if err := xma.GetFrom(tmp); err != nil {
		return nil, 0, err
	}
	return xma.IP, xma.Port, nil
}

// AddDontFragment appends the zero-length DONT-FRAGMENT attribute.
func AddDontFragment(m *stun.Message) {
	m.Add(AttrDontFragment, []byte{})
}

// AddEvenPort appends EVEN-PORT with the optional R (reserve-next) bit.
func AddEvenPort(m *stun.Message, reserveNext bool) {
	var b byte
	if reserveNext {
		b = 0x80
	}
	m.Add(AttrEvenPort, []byte{b})
}

// GetAddressErrorCode decodes ADDRESS-ERROR-CODE per RFC 8656 §18.6. This
// implementation never emits the attribute -- see DESIGN.md's Open Question
// entry on partial address-family requests -- so only decoding is
// provided, for completeness when talking to a compliant peer relay.
func GetAddressErrorCode(m *stun.Message) (code int, family AddressFamily, reason string, err error) {
	a, err := m.Get(AttrAddressErrorCode)
	if err != nil {
		return 0, 0, "", err
	}
	if len(a) < 4 {
		return 0, 0, "", fmt.Errorf("address-error-code: short attribute")
	}
	family = AddressFamily(a[0])
	class := int(a[2] & 0x7)
	number := int(a[3])
	code = class*100 + number
	reason = string(a[4:])
	return code, family, reason, nil
}
