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

// Package stun is a thin, sans-io wrapper around github.com/pion/stun's
// message codec. pion/stun performs no network I/O of its own -- it only
// encodes/decodes RFC 5389 messages -- which is exactly the shape the
// snownet and relay state machines need: bytes in, a typed Message out,
// bytes out.
package stun

import (
	"net"

	"github.com/pion/stun"
)

// Realm is fixed for the whole deployment per spec.md §6.
const Realm = "firezone"

// Class and Method re-exports so callers never need to import pion/stun
// directly just to build a message type.
const (
	ClassRequest         = stun.ClassRequest
	ClassIndication       = stun.ClassIndication
	ClassSuccessResponse = stun.ClassSuccessResponse
	ClassErrorResponse   = stun.ClassErrorResponse
)

// TURN method numbers from RFC 5766 / RFC 8656. pion/stun only defines
// MethodBinding itself; the TURN methods are reconstructed here from their
// raw RFC values since pion/turn's equivalents live in an unexported
// internal package.
const (
	MethodBinding          = stun.MethodBinding
	MethodAllocate         = stun.Method(0x003)
	MethodRefresh          = stun.Method(0x004)
	MethodSend             = stun.Method(0x006)
	MethodData             = stun.Method(0x007)
	MethodCreatePermission = stun.Method(0x008)
	MethodChannelBind      = stun.Method(0x009)
)

// Message is re-exported so callers type-alias against this package instead
// of reaching into pion/stun for the struct definition.
type Message = stun.Message

// New allocates an empty message, mirroring stun.New().
func New() *Message { return stun.New() }

// Build constructs a message from the given setters (type, transaction ID,
// attributes, integrity, fingerprint, ...).
func Build(setters ...stun.Setter) (*Message, error) {
	return stun.Build(setters...)
}

// Decode parses raw bytes into m. Returns an error for malformed messages;
// callers in the core must never panic on this path (spec.md §7).
func Decode(raw []byte, m *Message) error {
	m.Raw = append(m.Raw[:0], raw...)
	return m.Decode()
}

// IsMessage reports whether the first bytes of data look like a STUN
// message (magic cookie present), used by snownet's demultiplexer.
func IsMessage(data []byte) bool {
	return stun.IsMessage(data)
}

// NewType builds a MessageType from a method and class.
func NewType(method stun.Method, class stun.MessageClass) stun.MessageType {
	return stun.NewType(method, class)
}

// Username, Realm, Nonce, and ErrorCode attribute helpers, re-exported for
// convenience so relay/ice code imports one fewer package.
type (
	Username  = stun.Username
	NonceAttr = stun.Nonce
	RealmAttr = stun.Realm
)

// NewSoftwareFreeMessage signals the convention from spec.md §6: "the
// software attribute is not set". It exists purely as documentation --
// callers simply never add a Software setter -- but is kept as a named
// no-op so the omission reads as deliberate in call sites.
func NewSoftwareFreeMessage() {}

// LongTermIntegrity builds the MESSAGE-INTEGRITY value for a username,
// realm, and password per RFC 5389 §15.4 (long-term credential mechanism),
// which is how every authenticated TURN request in spec.md §4.2 is signed.
func LongTermIntegrity(username, realm, password string) stun.MessageIntegrity {
	return stun.NewLongTermIntegrity(username, realm, password)
}

// ShortTermIntegrity builds the MESSAGE-INTEGRITY value for ICE
// connectivity checks, which use the short-term credential mechanism (the
// peer's ICE password is the HMAC key directly, no realm/username hash).
func ShortTermIntegrity(password string) stun.MessageIntegrity {
	return stun.NewShortTermIntegrity(password)
}

// MessageIntegrity re-exports the attribute/setter type so callers building
// or validating a MESSAGE-INTEGRITY attribute don't need to import
// pion/stun directly.
type MessageIntegrity = stun.MessageIntegrity

// XORMappedAddress re-exports the attribute type used for the Binding
// response's reflexive address.
type XORMappedAddress = stun.XORMappedAddress

// NewXORMappedAddress builds an XORMappedAddress attribute for addr.
func NewXORMappedAddress(addr net.IP, port int) XORMappedAddress {
	return XORMappedAddress{IP: addr, Port: port}
}

// ErrorCodeAttribute re-exports pion/stun's ERROR-CODE attribute type.
type ErrorCodeAttribute = stun.ErrorCodeAttribute

// Fingerprint is the fingerprint setter, re-exported for Build() call
// sites that want to append it.
var Fingerprint = stun.Fingerprint

// TransactionID is the random-transaction-id setter.
var TransactionID = stun.TransactionID
