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

// Package wg implements the WireGuard wire format and Noise_IKpsk2
// handshake (the "standard WireGuard primitive" spec.md §1 assumes) as a
// sans-io session: no socket, no timers beyond what the caller drives
// through explicit method calls. snownet.Node owns one Session per
// nominated connection and feeds it cleartext/ciphertext on demand.
package wg

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
)

// Protocol identifiers, verbatim from the WireGuard whitepaper, used to
// seed the handshake's chaining key and hash the same way the reference
// implementation does.
const (
	constructionIdentifier = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	identifierName         = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	labelMAC1              = "mac1----"
	labelCookie            = "cookie--"
)

func newBlake2s() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		// blake2s.New256 only errors for bad key length; nil is always valid.
		panic(err)
	}
	return h
}

func hmac1(key, in0 []byte) (sum [blake2s.Size]byte) {
	mac := hmac.New(newBlake2s, key)
	mac.Write(in0)
	mac.Sum(sum[:0])
	return
}

func hmac2(key, in0, in1 []byte) (sum [blake2s.Size]byte) {
	mac := hmac.New(newBlake2s, key)
	mac.Write(in0)
	mac.Write(in1)
	mac.Sum(sum[:0])
	return
}

// kdf1 derives a single 32-byte output from key and input, per the
// Noise/WireGuard two-step HMAC construction.
func kdf1(key, input []byte) (t0 [blake2s.Size]byte) {
	prk := hmac1(key, input)
	t0 = hmac1(prk[:], []byte{0x1})
	return
}

// kdf2 derives two chained 32-byte outputs.
func kdf2(key, input []byte) (t0, t1 [blake2s.Size]byte) {
	prk := hmac1(key, input)
	t0 = hmac1(prk[:], []byte{0x1})
	t1 = hmac2(prk[:], t0[:], []byte{0x2})
	return
}

// kdf3 derives three chained 32-byte outputs.
func kdf3(key, input []byte) (t0, t1, t2 [blake2s.Size]byte) {
	prk := hmac1(key, input)
	t0 = hmac1(prk[:], []byte{0x1})
	t1 = hmac2(prk[:], t0[:], []byte{0x2})
	t2 = hmac2(prk[:], t1[:], []byte{0x3})
	return
}

func mixHash(hash *[blake2s.Size]byte, data []byte) {
	h := newBlake2s()
	h.Write(hash[:])
	h.Write(data)
	h.Sum((*hash)[:0])
}

func initialChainKeyAndHash() (chainKey, hash [blake2s.Size]byte) {
	h := newBlake2s()
	h.Write([]byte(constructionIdentifier))
	h.Sum(chainKey[:0])
	mh := newBlake2s()
	mh.Write(chainKey[:])
	mh.Write([]byte(identifierName))
	mh.Sum(hash[:0])
	return
}
