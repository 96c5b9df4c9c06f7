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

import "github.com/google/uuid"

// maxNonceUses bounds how many authenticated requests may reuse one
// NONCE before the relay demands a fresh one (spec.md §4.2:
// "default 10 uses per nonce, then 438 Stale Nonce").
const maxNonceUses = 10

// nonceTracker hands out one-shot UUID nonces and tracks how many times
// each has been presented. It is not safe for concurrent use -- the
// Server that owns it is itself single-threaded sans-io.
type nonceTracker struct {
	uses map[string]int
}

func newNonceTracker() *nonceTracker {
	return &nonceTracker{uses: make(map[string]int)}
}

// issue mints a fresh nonce and starts tracking its use count.
func (t *nonceTracker) issue() string {
	n := uuid.New().String()
	t.uses[n] = 0
	return n
}

// consume reports whether nonce is still valid, and counts this use
// against its budget. A nonce this tracker never issued, or one that has
// exhausted its budget, is stale.
func (t *nonceTracker) consume(nonce string) bool {
	used, known := t.uses[nonce]
	if !known || used >= maxNonceUses {
		return false
	}
	t.uses[nonce] = used + 1
	return true
}

// forget drops a nonce, e.g. once it has gone stale, to keep the tracked
// set bounded.
func (t *nonceTracker) forget(nonce string) {
	delete(t.uses, nonce)
}
