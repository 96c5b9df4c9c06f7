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

import (
	"encoding/binary"
	"fmt"

	"github.com/netshade/connlib/pkg/ids"
)

// ChannelDataHeaderSize is the fixed 4-byte header RFC 5766 §11.4 prepends
// to every ChannelData message: a 16-bit channel number and a 16-bit
// length.
const ChannelDataHeaderSize = 4

// IsChannelData reports whether the first byte of data falls in the
// ChannelData range used by snownet's demultiplexer (0x40-0x4F per
// spec.md §4.1; RFC 5766 restricts channel numbers further to
// 0x4000-0x7FFF, so only the top nibble is checked here).
func IsChannelData(firstByte byte) bool {
	return firstByte >= 0x40 && firstByte <= 0x4F
}

// EncodeChannelData writes a ChannelData message (4-byte header + payload,
// padded to a 4-byte boundary per RFC 5766 §11.5) into dst, returning the
// full framed slice. dst's capacity is reused when large enough.
func EncodeChannelData(dst []byte, ch ids.ChannelNumber, payload []byte) []byte {
	padded := pad4(len(payload))
	total := ChannelDataHeaderSize + padded
	if cap(dst) < total {
		dst = make([]byte, total)
	} else {
		dst = dst[:total]
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(ch))
	binary.BigEndian.PutUint16(dst[2:4], uint16(len(payload)))
	n := copy(dst[ChannelDataHeaderSize:], payload)
	for i := ChannelDataHeaderSize + n; i < total; i++ {
		dst[i] = 0
	}
	return dst
}

// DecodeChannelData parses a ChannelData frame, returning the channel
// number and the (unpadded) payload, which aliases data.
func DecodeChannelData(data []byte) (ids.ChannelNumber, []byte, error) {
	if len(data) < ChannelDataHeaderSize {
		return 0, nil, fmt.Errorf("channeldata: frame too short (%d bytes)", len(data))
	}
	ch := ids.ChannelNumber(binary.BigEndian.Uint16(data[0:2]))
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if ChannelDataHeaderSize+length > len(data) {
		return 0, nil, fmt.Errorf("channeldata: declared length %d exceeds frame", length)
	}
	return ch, data[ChannelDataHeaderSize : ChannelDataHeaderSize+length], nil
}

func pad4(n int) int {
	if r := n % 4; r != 0 {
		return n + (4 - r)
	}
	return n
}
