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
	"net/netip"

	"github.com/netshade/connlib/pkg/ids"
)

// Command is an effect the driver must carry out on the Server's behalf --
// this package never touches a socket itself. The driver polls for these
// with (*Server).NextCommand and performs the I/O.
type Command interface {
	isCommand()
}

// SendMessage asks the driver to write Data to To from the relay's local
// transport address From.
type SendMessage struct {
	From netip.AddrPort
	To   netip.AddrPort
	Data []byte
}

// CreateAllocation asks the driver to reserve Port on every interface the
// relay listens on, so the relay can receive peer traffic there.
type CreateAllocation struct {
	Port ids.AllocationPort
}

// FreeAllocation asks the driver to release a previously created port
// reservation.
type FreeAllocation struct {
	Port ids.AllocationPort
}

func (SendMessage) isCommand()      {}
func (CreateAllocation) isCommand() {}
func (FreeAllocation) isCommand()   {}
