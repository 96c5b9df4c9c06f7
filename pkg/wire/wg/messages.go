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

package wg

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the first byte of every WireGuard message, matching
// spec.md §4.1's demultiplexing rule (types 1-4 fall in the 0x04-0x3F
// "WireGuard" range alongside reserved future types).
type MessageType uint8

const (
	TypeHandshakeInitiation MessageType = 1
	TypeHandshakeResponse   MessageType = 2
	TypeCookieReply         MessageType = 3
	TypeTransportData       MessageType = 4
)

// IsWireGuard reports whether the first demux byte of a datagram belongs
// to the WireGuard range carved out by snownet's demultiplexer (spec.md
// §4.1: 0x04-0x3F, alongside the four live message types 1-4 themselves,
// which is everything below the ChannelData range that isn't a STUN
// message).
func IsWireGuard(firstByte byte) bool {
	return firstByte >= 1 && firstByte <= 0x3F
}

const (
	keySize      = 32
	aeadOverhead = 16
	macSize      = 16
	timestampSz  = 12

	initiationSize = 4 + 4 + keySize + (keySize + aeadOverhead) + (timestampSz + aeadOverhead) + macSize + macSize
	responseSize   = 4 + 4 + 4 + keySize + aeadOverhead + macSize + macSize
	cookieReplySize = 4 + 4 + 24 + (16 + aeadOverhead)
	transportHeaderSize = 4 + 4 + 8
)

// MessageInitiation is the first handshake message, sent by the
// controlling (initiator) side once ICE nominates a pair.
type MessageInitiation struct {
	Sender    uint32
	Ephemeral [keySize]byte
	Static    [keySize + aeadOverhead]byte
	Timestamp [timestampSz + aeadOverhead]byte
	MAC1      [macSize]byte
	MAC2      [macSize]byte
}

// Encode serializes the initiation message.
func (m *MessageInitiation) Encode() []byte {
	b := make([]byte, initiationSize)
	b[0] = byte(TypeHandshakeInitiation)
	binary.LittleEndian.PutUint32(b[4:8], m.Sender)
	off := 8
	off += copy(b[off:], m.Ephemeral[:])
	off += copy(b[off:], m.Static[:])
	off += copy(b[off:], m.Timestamp[:])
	off += copy(b[off:], m.MAC1[:])
	copy(b[off:], m.MAC2[:])
	return b
}

// DecodeMessageInitiation parses b into a MessageInitiation.
func DecodeMessageInitiation(b []byte) (*MessageInitiation, error) {
	if len(b) != initiationSize || MessageType(b[0]) != TypeHandshakeInitiation {
		return nil, fmt.Errorf("wg: malformed handshake initiation (%d bytes)", len(b))
	}
	m := &MessageInitiation{Sender: binary.LittleEndian.Uint32(b[4:8])}
	off := 8
	off += copy(m.Ephemeral[:], b[off:off+keySize])
	off += copy(m.Static[:], b[off:off+keySize+aeadOverhead])
	off += copy(m.Timestamp[:], b[off:off+timestampSz+aeadOverhead])
	off += copy(m.MAC1[:], b[off:off+macSize])
	copy(m.MAC2[:], b[off:off+macSize])
	return m, nil
}

// MacInput returns the bytes MAC1/MAC2 are computed over: everything
// before the MAC fields.
func (m *MessageInitiation) macInput() []byte {
	full := m.Encode()
	return full[:len(full)-2*macSize]
}

// MessageResponse is the controlled (responder) side's reply.
type MessageResponse struct {
	Sender   uint32
	Receiver uint32
	Ephemeral [keySize]byte
	Empty     [aeadOverhead]byte
	MAC1      [macSize]byte
	MAC2      [macSize]byte
}

func (m *MessageResponse) Encode() []byte {
	b := make([]byte, responseSize)
	b[0] = byte(TypeHandshakeResponse)
	binary.LittleEndian.PutUint32(b[4:8], m.Sender)
	binary.LittleEndian.PutUint32(b[8:12], m.Receiver)
	off := 12
	off += copy(b[off:], m.Ephemeral[:])
	off += copy(b[off:], m.Empty[:])
	off += copy(b[off:], m.MAC1[:])
	copy(b[off:], m.MAC2[:])
	return b
}

func DecodeMessageResponse(b []byte) (*MessageResponse, error) {
	if len(b) != responseSize || MessageType(b[0]) != TypeHandshakeResponse {
		return nil, fmt.Errorf("wg: malformed handshake response (%d bytes)", len(b))
	}
	m := &MessageResponse{
		Sender:   binary.LittleEndian.Uint32(b[4:8]),
		Receiver: binary.LittleEndian.Uint32(b[8:12]),
	}
	off := 12
	off += copy(m.Ephemeral[:], b[off:off+keySize])
	off += copy(m.Empty[:], b[off:off+aeadOverhead])
	off += copy(m.MAC1[:], b[off:off+macSize])
	copy(m.MAC2[:], b[off:off+macSize])
	return m, nil
}

func (m *MessageResponse) macInput() []byte {
	full := m.Encode()
	return full[:len(full)-2*macSize]
}

// MessageTransportData carries an encrypted cleartext IP packet.
type MessageTransportData struct {
	Receiver uint32
	Counter  uint64
	Packet   []byte // ciphertext, including the AEAD tag
}

// Encode serializes the transport message into dst, reusing its backing
// array when large enough.
func (m *MessageTransportData) Encode(dst []byte) []byte {
	total := transportHeaderSize + len(m.Packet)
	if cap(dst) < total {
		dst = make([]byte, total)
	} else {
		dst = dst[:total]
	}
	dst[0] = byte(TypeTransportData)
	dst[1], dst[2], dst[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(dst[4:8], m.Receiver)
	binary.LittleEndian.PutUint64(dst[8:16], m.Counter)
	copy(dst[transportHeaderSize:], m.Packet)
	return dst
}

// DecodeMessageTransportData parses a transport data message. Packet
// aliases b.
func DecodeMessageTransportData(b []byte) (*MessageTransportData, error) {
	if len(b) < transportHeaderSize || MessageType(b[0]) != TypeTransportData {
		return nil, fmt.Errorf("wg: malformed transport message (%d bytes)", len(b))
	}
	return &MessageTransportData{
		Receiver: binary.LittleEndian.Uint32(b[4:8]),
		Counter:  binary.LittleEndian.Uint64(b[8:16]),
		Packet:   b[transportHeaderSize:],
	}, nil
}
