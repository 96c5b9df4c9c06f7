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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Handshake drives one Noise_IKpsk2 exchange. The controlling ICE side is
// always the initiator (spec.md §4.1, "The WireGuard initiator is always
// the controlling side").
type Handshake struct {
	isInitiator bool

	chainKey [blake2s.Size]byte
	hash     [blake2s.Size]byte

	localStaticPriv [keySize]byte
	localStaticPub  [keySize]byte
	remoteStaticPub [keySize]byte

	localEphemeralPriv [keySize]byte
	localEphemeralPub  [keySize]byte
	remoteEphemeralPub [keySize]byte

	presharedKey [keySize]byte

	senderIndex   uint32
	receiverIndex uint32
}

func randomIndex() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// NewInitiatorHandshake begins a handshake as the controlling side, who
// already knows the Gateway's static public key from the signaling answer.
func NewInitiatorHandshake(local wgtypes.Key, remoteStatic wgtypes.Key, presharedKey [32]byte) *Handshake {
	h := &Handshake{isInitiator: true, presharedKey: presharedKey, senderIndex: randomIndex()}
	h.localStaticPriv = local
	pub, _ := curve25519.X25519(h.localStaticPriv[:], curve25519.Basepoint)
	copy(h.localStaticPub[:], pub)
	h.remoteStaticPub = remoteStatic
	return h
}

// NewResponderHandshake begins a handshake as the controlled side. The
// remote static key is learned from the incoming initiation message.
func NewResponderHandshake(local wgtypes.Key, presharedKey [32]byte) *Handshake {
	h := &Handshake{isInitiator: false, presharedKey: presharedKey, senderIndex: randomIndex()}
	h.localStaticPriv = local
	pub, _ := curve25519.X25519(h.localStaticPriv[:], curve25519.Basepoint)
	copy(h.localStaticPub[:], pub)
	return h
}

func dh(priv, pub [keySize]byte) ([keySize]byte, error) {
	var out [keySize]byte
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, fmt.Errorf("wg: dh: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

func aeadNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

func aeadSeal(key [keySize]byte, plaintext, ad []byte) ([]byte, error) {
	return aeadSealWithNonce(key, aeadNonce(0), plaintext, ad)
}

func aeadOpen(key [keySize]byte, ciphertext, ad []byte) ([]byte, error) {
	return aeadOpenWithNonce(key, aeadNonce(0), ciphertext, ad)
}

func aeadSealWithNonce(key [keySize]byte, nonce, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

func aeadOpenWithNonce(key [keySize]byte, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, ad)
}

// CreateInitiation produces the first handshake message (initiator only).
func (h *Handshake) CreateInitiation() (*MessageInitiation, error) {
	if !h.isInitiator {
		return nil, fmt.Errorf("wg: CreateInitiation called on a responder handshake")
	}
	h.chainKey, h.hash = initialChainKeyAndHash()
	mixHash(&h.hash, h.remoteStaticPub[:])

	ephPriv := generateEphemeral()
	pub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("wg: ephemeral: %w", err)
	}
	copy(h.localEphemeralPriv[:], ephPriv[:])
	copy(h.localEphemeralPub[:], pub)

	h.chainKey = kdf1(h.chainKey[:], h.localEphemeralPub[:])
	mixHash(&h.hash, h.localEphemeralPub[:])

	ss, err := dh(h.localEphemeralPriv, h.remoteStaticPub)
	if err != nil {
		return nil, err
	}
	var key [keySize]byte
	h.chainKey, key = kdf2(h.chainKey[:], ss[:])
	staticCT, err := aeadSeal(key, h.localStaticPub[:], h.hash[:])
	if err != nil {
		return nil, err
	}
	mixHash(&h.hash, staticCT)

	ss, err = dh(h.localStaticPriv, h.remoteStaticPub)
	if err != nil {
		return nil, err
	}
	h.chainKey, key = kdf2(h.chainKey[:], ss[:])
	var ts [timestampSz]byte
	binary.BigEndian.PutUint64(ts[:8], uint64(time.Now().Unix()))
	tsCT, err := aeadSeal(key, ts[:], h.hash[:])
	if err != nil {
		return nil, err
	}
	mixHash(&h.hash, tsCT)

	msg := &MessageInitiation{Sender: h.senderIndex}
	copy(msg.Ephemeral[:], h.localEphemeralPub[:])
	copy(msg.Static[:], staticCT)
	copy(msg.Timestamp[:], tsCT)
	msg.MAC1 = computeMAC1(h.remoteStaticPub, msg.macInput())
	return msg, nil
}

// ConsumeInitiation processes an incoming initiation (responder only) and
// returns the initiator's static public key so the caller can verify it
// matches the expected gateway/client public key from signaling.
func (h *Handshake) ConsumeInitiation(msg *MessageInitiation) (wgtypes.Key, error) {
	if h.isInitiator {
		return wgtypes.Key{}, fmt.Errorf("wg: ConsumeInitiation called on an initiator handshake")
	}
	h.chainKey, h.hash = initialChainKeyAndHash()
	mixHash(&h.hash, h.localStaticPub[:])

	h.receiverIndex = msg.Sender
	copy(h.remoteEphemeralPub[:], msg.Ephemeral[:])

	h.chainKey = kdf1(h.chainKey[:], h.remoteEphemeralPub[:])
	mixHash(&h.hash, h.remoteEphemeralPub[:])

	ss, err := dh(h.localStaticPriv, h.remoteEphemeralPub)
	if err != nil {
		return wgtypes.Key{}, err
	}
	var key [keySize]byte
	h.chainKey, key = kdf2(h.chainKey[:], ss[:])
	staticPlain, err := aeadOpen(key, msg.Static[:], h.hash[:])
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("wg: decrypt static key: %w", err)
	}
	copy(h.remoteStaticPub[:], staticPlain)
	mixHash(&h.hash, msg.Static[:])

	ss, err = dh(h.localStaticPriv, h.remoteStaticPub)
	if err != nil {
		return wgtypes.Key{}, err
	}
	h.chainKey, key = kdf2(h.chainKey[:], ss[:])
	_, err = aeadOpen(key, msg.Timestamp[:], h.hash[:])
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("wg: decrypt timestamp: %w", err)
	}
	mixHash(&h.hash, msg.Timestamp[:])

	return wgtypes.Key(h.remoteStaticPub), nil
}

// CreateResponse produces the responder's reply.
func (h *Handshake) CreateResponse() (*MessageResponse, error) {
	if h.isInitiator {
		return nil, fmt.Errorf("wg: CreateResponse called on an initiator handshake")
	}
	ephPriv := generateEphemeral()
	pub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(h.localEphemeralPriv[:], ephPriv[:])
	copy(h.localEphemeralPub[:], pub)

	h.chainKey = kdf1(h.chainKey[:], h.localEphemeralPub[:])
	mixHash(&h.hash, h.localEphemeralPub[:])

	ss, err := dh(h.localEphemeralPriv, h.remoteEphemeralPub)
	if err != nil {
		return nil, err
	}
	h.chainKey = kdf1(h.chainKey[:], ss[:])

	ss, err = dh(h.localEphemeralPriv, h.remoteStaticPub)
	if err != nil {
		return nil, err
	}
	h.chainKey = kdf1(h.chainKey[:], ss[:])

	var tau, key [keySize]byte
	h.chainKey, tau, key = kdf3(h.chainKey[:], h.presharedKey[:])
	mixHash(&h.hash, tau[:])
	emptyCT, err := aeadSeal(key, nil, h.hash[:])
	if err != nil {
		return nil, err
	}
	mixHash(&h.hash, emptyCT)

	msg := &MessageResponse{Sender: h.senderIndex, Receiver: h.receiverIndex}
	copy(msg.Ephemeral[:], h.localEphemeralPub[:])
	copy(msg.Empty[:], emptyCT)
	msg.MAC1 = computeMAC1(h.remoteStaticPub, msg.macInput())
	return msg, nil
}

// ConsumeResponse processes the responder's reply (initiator only).
func (h *Handshake) ConsumeResponse(msg *MessageResponse) error {
	if !h.isInitiator {
		return fmt.Errorf("wg: ConsumeResponse called on a responder handshake")
	}
	h.receiverIndex = msg.Sender
	copy(h.remoteEphemeralPub[:], msg.Ephemeral[:])

	h.chainKey = kdf1(h.chainKey[:], h.remoteEphemeralPub[:])
	mixHash(&h.hash, h.remoteEphemeralPub[:])

	ss, err := dh(h.localEphemeralPriv, h.remoteEphemeralPub)
	if err != nil {
		return err
	}
	h.chainKey = kdf1(h.chainKey[:], ss[:])

	ss, err = dh(h.localStaticPriv, h.remoteEphemeralPub)
	if err != nil {
		return err
	}
	h.chainKey = kdf1(h.chainKey[:], ss[:])

	var tau, key [keySize]byte
	h.chainKey, tau, key = kdf3(h.chainKey[:], h.presharedKey[:])
	mixHash(&h.hash, tau[:])
	_, err = aeadOpen(key, msg.Empty[:], h.hash[:])
	if err != nil {
		return fmt.Errorf("wg: decrypt response: %w", err)
	}
	mixHash(&h.hash, msg.Empty[:])
	return nil
}

// DeriveTransportKeys finalizes the handshake into a pair of symmetric
// transport keys. Call only after the handshake has completed on both
// sides (initiator: after ConsumeResponse; responder: after CreateResponse).
func (h *Handshake) DeriveTransportKeys() (send, recv [keySize]byte) {
	t0, t1 := kdf2(h.chainKey[:], nil)
	if h.isInitiator {
		return t0, t1
	}
	return t1, t0
}

// SenderIndex / ReceiverIndex expose the handshake's negotiated session
// indices, used to key transport messages.
func (h *Handshake) SenderIndex() uint32   { return h.senderIndex }
func (h *Handshake) ReceiverIndex() uint32 { return h.receiverIndex }

func generateEphemeral() [keySize]byte {
	var priv [keySize]byte
	_, _ = rand.Read(priv[:])
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	return priv
}

// computeMAC1 is the keyed-BLAKE2s MAC covering everything before the MAC
// fields, keyed on HASH(labelMAC1 || responder static public key) per
// RFC-adjacent WireGuard whitepaper §5.4.4. It authenticates that the
// sender has seen the responder's real static key, a lightweight
// anti-spoofing check independent of the handshake's own AEAD tags.
//
// TODO: MAC2/cookie-reply under load is not implemented; this relay never
// issues cookie challenges, so MAC2 is always zero.
func computeMAC1(responderStatic [keySize]byte, input []byte) [macSize]byte {
	keyHash := newBlake2s()
	keyHash.Write([]byte(labelMAC1))
	keyHash.Write(responderStatic[:])
	var key [blake2s.Size]byte
	keyHash.Sum(key[:0])

	mac, _ := blake2s.New128(key[:16])
	mac.Write(input)
	var out [macSize]byte
	mac.Sum(out[:0])
	return out
}
