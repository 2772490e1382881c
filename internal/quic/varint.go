// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// Variable-length integer encoding, RFC 9000 Section 16.
//
// The two most significant bits of the first byte select the length:
//
//	00 -> 1 byte,  6 usable bits, max 63
//	01 -> 2 bytes, 14 usable bits, max 16383
//	10 -> 4 bytes, 30 usable bits, max 1073741823
//	11 -> 8 bytes, 62 usable bits, max 4611686018427387903

const (
	maxVarint1 = 1<<6 - 1
	maxVarint2 = 1<<14 - 1
	maxVarint4 = 1<<30 - 1
	maxVarint8 = 1<<62 - 1
)

// varintLen reports the number of bytes needed to encode v canonically.
func varintLen(v uint64) int {
	switch {
	case v <= maxVarint1:
		return 1
	case v <= maxVarint2:
		return 2
	case v <= maxVarint4:
		return 4
	case v <= maxVarint8:
		return 8
	default:
		panic("quic: varint value out of range")
	}
}

// appendVarint appends the canonical (minimal-length) encoding of v to b.
func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v <= maxVarint1:
		return append(b, byte(v))
	case v <= maxVarint2:
		return append(b, byte(v>>8)|0x40, byte(v))
	case v <= maxVarint4:
		return append(b, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	case v <= maxVarint8:
		return append(b,
			byte(v>>56)|0xc0, byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		panic("quic: varint value out of range")
	}
}

// appendVarintWithLen appends v encoded to exactly n bytes (1, 2, 4, or 8),
// used for length-prefixed fields that must be patched after the fact.
// n must be large enough to hold v or the encoding is non-minimal and
// decoders are permitted to reject it only where the spec mandates minimal
// forms (ACK ranges); elsewhere non-minimal encodings used for placeholder
// patching are accepted.
func appendVarintWithLen(b []byte, v uint64, n int) []byte {
	switch n {
	case 1:
		return append(b, byte(v))
	case 2:
		return append(b, byte(v>>8)|0x40, byte(v))
	case 4:
		return append(b, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	case 8:
		return append(b,
			byte(v>>56)|0xc0, byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		panic("quic: invalid varint length")
	}
}

// consumeVarint decodes a varint from the front of b, returning the value
// and the number of bytes consumed, or (0, -1) on truncation.
func consumeVarint(b []byte) (v uint64, n int) {
	if len(b) < 1 {
		return 0, -1
	}
	n = 1 << (b[0] >> 6)
	if len(b) < n {
		return 0, -1
	}
	v = uint64(b[0] & 0x3f)
	for i := 1; i < n; i++ {
		v = (v << 8) | uint64(b[i])
	}
	return v, n
}

// consumeVarintInt64 is consumeVarint with an int64 result, used for fields
// that are conceptually signed-range bounded (offsets, lengths) even though
// the wire encoding is always unsigned.
func consumeVarintInt64(b []byte) (v int64, n int) {
	u, n := consumeVarint(b)
	return int64(u), n
}
