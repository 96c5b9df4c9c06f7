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

package callback

import "github.com/netshade/connlib/pkg/client"

// DispatchClientEvent translates one polled client.Event into the
// matching Callbacks call, returning false for event kinds a platform
// driver has no callback for (those still need forwarding over
// signaling, which is the driver's job, not Callbacks').
func DispatchClientEvent(cb Callbacks, ev client.Event) bool {
	switch e := ev.(type) {
	case client.TunInterfaceUpdated:
		cb.OnSetInterfaceConfig(InterfaceConfig{IPv4: e.IPv4, IPv6: e.IPv6, UpstreamDNS: e.UpstreamDNS})
		return true
	case client.ResourcesChanged:
		cb.OnUpdateResources(e.Resources)
		return true
	default:
		return false
	}
}

// DrainToCallbacks pops every event currently queued on poll, dispatching
// the ones Callbacks understands and returning the rest unconsumed so the
// caller's own signaling loop can still see SignalIceCandidate,
// ConnectionIntent, RefreshResources, and RequestAccess.
func DrainToCallbacks(cb Callbacks, poll func() (client.Event, bool)) []client.Event {
	var unhandled []client.Event
	for {
		ev, ok := poll()
		if !ok {
			return unhandled
		}
		if !DispatchClientEvent(cb, ev) {
			unhandled = append(unhandled, ev)
		}
	}
}
