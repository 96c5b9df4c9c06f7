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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GenerateEphemeralCredentials produces a `<unix-expiry>:<salt>` username
// and its expected password, `HMAC-SHA256(secret, username)` truncated to
// 20 bytes and base64-encoded, per spec.md §4.2 "Authentication". The
// portal calls this (out of this package's scope) to hand a Client a
// credential it can present to the relay without a prior round trip.
func GenerateEphemeralCredentials(secret []byte, lifetime time.Duration, now time.Time) (username, password string, err error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("relay: generate salt: %w", err)
	}
	expiry := now.Add(lifetime).Unix()
	username = fmt.Sprintf("%d:%s", expiry, hex.EncodeToString(salt))
	password, err = expectedPassword(secret, username)
	if err != nil {
		return "", "", err
	}
	return username, password, nil
}

// expectedPassword recomputes the password a valid username must have been
// issued with.
func expectedPassword(secret []byte, username string) (string, error) {
	mac := hmac.New(sha256.New, secret)
	if _, err := mac.Write([]byte(username)); err != nil {
		return "", fmt.Errorf("relay: hmac: %w", err)
	}
	sum := mac.Sum(nil)[:20]
	return base64.StdEncoding.EncodeToString(sum), nil
}

// usernameExpiry parses the `<unix-expiry>:<salt>` username format and
// returns the expiry instant.
func usernameExpiry(username string) (time.Time, error) {
	prefix, _, ok := strings.Cut(username, ":")
	if !ok {
		return time.Time{}, fmt.Errorf("relay: malformed username %q", username)
	}
	sec, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("relay: malformed username expiry: %w", err)
	}
	return time.Unix(sec, 0), nil
}

// verifyUsername checks that username has not expired and that password
// is the one this relay would have issued for it. It does not check the
// MESSAGE-INTEGRITY attribute itself -- that is the caller's job, using
// password with the long-term credential mechanism (RFC 5389 §15.4: the
// HMAC key is derived from username:realm:password).
func (s *Server) verifyUsername(username string, now time.Time) (password string, err error) {
	expiry, err := usernameExpiry(username)
	if err != nil {
		return "", err
	}
	if now.After(expiry) {
		return "", fmt.Errorf("relay: credential for %q expired at %s", username, expiry)
	}
	return expectedPassword(s.secret, username)
}
