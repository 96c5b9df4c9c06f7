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

package ids

import "testing"

func TestChannelNumberValid(t *testing.T) {
	tt := []struct {
		name string
		c    ChannelNumber
		want bool
	}{
		{"just below range", 0x3FFF, false},
		{"range floor", 0x4000, true},
		{"range ceiling", 0x4FFF, true},
		{"just above range", 0x5000, false},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.c.Valid(); got != tc.want {
				t.Errorf("ChannelNumber(%#x).Valid() = %v, want %v", uint16(tc.c), got, tc.want)
			}
		})
	}
}

func TestRequestIdCounterMonotonic(t *testing.T) {
	var c RequestIdCounter
	prev := OutboundRequestId(0)
	for i := 0; i < 100; i++ {
		next := c.Next()
		if next <= prev {
			t.Fatalf("request id did not increase: prev=%d next=%d", prev, next)
		}
		prev = next
	}
}

func TestNewIdsAreUnique(t *testing.T) {
	seen := make(map[ClientId]bool)
	for i := 0; i < 1000; i++ {
		id := NewClientId()
		if seen[id] {
			t.Fatalf("duplicate client id generated: %s", id)
		}
		seen[id] = true
	}
}
