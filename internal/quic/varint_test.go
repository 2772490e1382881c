// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	// Boundary behaviors: varint at 63/16383/1073741823 class edges.
	cases := []uint64{
		0, 1, 63, 64,
		16383, 16384,
		1073741823, 1073741824,
		maxVarint8,
	}
	for _, v := range cases {
		b := appendVarint(nil, v)
		if len(b) != varintLen(v) {
			t.Errorf("varintLen(%d) = %d, encoded length = %d", v, varintLen(v), len(b))
		}
		got, n := consumeVarint(b)
		if n != len(b) || got != v {
			t.Errorf("roundtrip %d: got (%d, %d), want (%d, %d)", v, got, n, v, len(b))
		}
	}
}

func TestVarintTruncated(t *testing.T) {
	b := appendVarint(nil, 16384)
	for i := 0; i < len(b); i++ {
		if _, n := consumeVarint(b[:i]); n != -1 {
			t.Errorf("consumeVarint(%x) = %d, want -1 (truncated)", b[:i], n)
		}
	}
}

func TestVarintMinimalEncoding(t *testing.T) {
	// encode(decode(x)) = x for all varints.
	for _, v := range []uint64{0, 37, 5000, 999999, maxVarint8} {
		b := appendVarint(nil, v)
		got, n := consumeVarint(b)
		if n < 0 || got != v {
			t.Fatalf("decode(encode(%d)) failed", v)
		}
		b2 := appendVarint(nil, got)
		if string(b) != string(b2) {
			t.Errorf("encode(%d) not stable: %x != %x", v, b, b2)
		}
	}
}
