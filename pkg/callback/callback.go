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

// Package callback narrows the platform-specific surface a driver must
// implement (spec.md §9: Android/Apple/Windows each expose their own
// callback interface around the same three events) to a single Go
// interface the core calls into and never calls out of in response to.
package callback

import (
	"net/netip"

	"github.com/netshade/connlib/pkg/resource"
)

// InterfaceConfig is the TUN device configuration ClientState computes
// once it has processed an Init or TunInterfaceUpdated signaling message.
type InterfaceConfig struct {
	IPv4        netip.Addr
	IPv6        netip.Addr
	UpstreamDNS []netip.AddrPort
}

// Callbacks is implemented by the platform driver. Every method must
// return quickly. The core packages never call these methods themselves:
// they queue events, and the driver hands those to its Callbacks through
// DispatchClientEvent or DrainToCallbacks.
type Callbacks interface {
	// OnSetInterfaceConfig is called once the TUN device's address and
	// upstream resolvers are known or change.
	OnSetInterfaceConfig(cfg InterfaceConfig)

	// OnUpdateResources is called whenever the Resource catalog visible
	// to the driver's UI changes (add, remove, or update).
	OnUpdateResources(resources []resource.Resource)

	// OnDisconnect is called once, with the reason the session ended.
	// After this call the ClientState/GatewayState must not be driven
	// further.
	OnDisconnect(reason error)
}
