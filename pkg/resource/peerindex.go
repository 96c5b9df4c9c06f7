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

package resource

import "net/netip"

// PeerIndex tracks which connection (a GatewayId on the Client, a ClientId
// on the Gateway) a given tunnel/allowed IP belongs to. Both ClientState
// and GatewayState need exactly this lookup -- "which peer owns this
// address" -- so it lives once here rather than being duplicated per side,
// matching spec.md §9's note that the peer store and the Node locate each
// other by connection ID through maps in the outer state, never
// back-pointers.
type PeerIndex[ID comparable] struct {
	byAddr map[netip.Addr]ID
	byConn map[ID]map[netip.Addr]struct{}
}

// NewPeerIndex builds an empty index.
func NewPeerIndex[ID comparable]() *PeerIndex[ID] {
	return &PeerIndex[ID]{
		byAddr: make(map[netip.Addr]ID),
		byConn: make(map[ID]map[netip.Addr]struct{}),
	}
}

// Add associates addr with conn, overwriting any previous owner of addr.
func (idx *PeerIndex[ID]) Add(conn ID, addr netip.Addr) {
	if prev, ok := idx.byAddr[addr]; ok && prev != conn {
		idx.removeAddr(prev, addr)
	}
	idx.byAddr[addr] = conn
	set, ok := idx.byConn[conn]
	if !ok {
		set = make(map[netip.Addr]struct{})
		idx.byConn[conn] = set
	}
	set[addr] = struct{}{}
}

// Lookup returns the connection owning addr, if any.
func (idx *PeerIndex[ID]) Lookup(addr netip.Addr) (ID, bool) {
	conn, ok := idx.byAddr[addr]
	return conn, ok
}

// RemoveConn drops every address conn owns, e.g. on ConnectionFailed or
// ConnectionClosed.
func (idx *PeerIndex[ID]) RemoveConn(conn ID) {
	for addr := range idx.byConn[conn] {
		delete(idx.byAddr, addr)
	}
	delete(idx.byConn, conn)
}

func (idx *PeerIndex[ID]) removeAddr(conn ID, addr netip.Addr) {
	delete(idx.byAddr, addr)
	if set, ok := idx.byConn[conn]; ok {
		delete(set, addr)
	}
}
