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

package turn

// STUN/TURN error codes used on the wire, per spec.md §6 "Error codes on
// the wire" and RFC 5766/8656. Codes outside this set are treated as
// fatal by the relay and close the allocation.
const (
	CodeBadRequest             = 400
	CodeUnauthorized           = 401
	CodeAllocationMismatch     = 437
	CodeStaleNonce             = 438
	CodeAddressFamilyNotSupported = 440
	CodeWrongCredentials       = 441
	CodeInsufficientCapacity   = 508
)

// Reason returns the canonical reason phrase for a code used by this
// relay. Unknown codes return "Error".
func Reason(code int) string {
	switch code {
	case CodeBadRequest:
		return "Bad Request"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodeAllocationMismatch:
		return "Allocation Mismatch"
	case CodeStaleNonce:
		return "Stale Nonce"
	case CodeAddressFamilyNotSupported:
		return "Address Family not Supported"
	case CodeWrongCredentials:
		return "Wrong Credentials"
	case CodeInsufficientCapacity:
		return "Insufficient Capacity"
	default:
		return "Error"
	}
}
