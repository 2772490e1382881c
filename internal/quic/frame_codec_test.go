// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"bytes"
	"testing"
)

func TestFrameRoundTripStream(t *testing.T) {
	want := appendStreamFrame(nil, 4, 100, []byte("hello world"), true)
	f, n := parseFrame(want)
	if n != len(want) {
		t.Fatalf("parseFrame consumed %d, want %d", n, len(want))
	}
	if f.Kind != kindStream || f.StreamID != 4 || f.Offset != 100 || !f.Fin || !bytes.Equal(f.Data, []byte("hello world")) {
		t.Fatalf("got %+v", f)
	}
}

func TestFrameRoundTripCrypto(t *testing.T) {
	want := appendCryptoFrame(nil, 0, []byte("clienthello"))
	f, n := parseFrame(want)
	if n != len(want) || f.Kind != kindCrypto || f.Offset != 0 || !bytes.Equal(f.Data, []byte("clienthello")) {
		t.Fatalf("got %+v, n=%d", f, n)
	}
}

func TestFrameRoundTripAck(t *testing.T) {
	ranges := []ackRange{
		{smallest: 8, largest: 10},
		{smallest: 1, largest: 4},
	}
	want := appendAckFrame(nil, ranges, 25, nil)
	f, n := parseFrame(want)
	if n != len(want) {
		t.Fatalf("consumed %d, want %d", n, len(want))
	}
	if f.Kind != kindAck || f.LargestAcked != 10 || len(f.AckRanges) != 2 {
		t.Fatalf("got %+v", f)
	}
	if f.AckRanges[0] != ranges[0] || f.AckRanges[1] != ranges[1] {
		t.Fatalf("ranges mismatch: got %v want %v", f.AckRanges, ranges)
	}
}

func TestFrameRoundTripPathChallengeResponse(t *testing.T) {
	var data [8]byte
	copy(data[:], []byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0xfe, 0xed})

	chal := appendPathChallengeFrame(nil, data)
	f, n := parseFrame(chal)
	if n != len(chal) || f.Kind != kindPathChallenge || f.PathData != data {
		t.Fatalf("challenge round trip failed: %+v", f)
	}

	resp := appendPathResponseFrame(nil, data)
	f, n = parseFrame(resp)
	if n != len(resp) || f.Kind != kindPathResponse || f.PathData != data {
		t.Fatalf("response round trip failed: %+v", f)
	}
}

func TestFrameRoundTripConnectionClose(t *testing.T) {
	want := appendConnectionCloseTransportFrame(nil, errFlowControl, 0x11, "window exceeded")
	f, n := parseFrame(want)
	if n != len(want) || f.Kind != kindConnectionClose || f.ErrCode != errFlowControl || f.Reason != "window exceeded" {
		t.Fatalf("got %+v", f)
	}

	want = appendConnectionCloseAppFrame(nil, AppErrorCode(42), "bye")
	f, n = parseFrame(want)
	if n != len(want) || !f.IsApplication || f.AppErrCode != 42 || f.Reason != "bye" {
		t.Fatalf("got %+v", f)
	}
}

func TestFrameRoundTripDatagram(t *testing.T) {
	want := appendDatagramFrame(nil, []byte("unreliable"))
	f, n := parseFrame(want)
	if n != len(want) || f.Kind != kindDatagram || !bytes.Equal(f.Data, []byte("unreliable")) {
		t.Fatalf("got %+v", f)
	}
}

func TestFrameTruncated(t *testing.T) {
	want := appendStreamFrame(nil, 4, 100, []byte("hello world"), true)
	for i := 0; i < len(want)-1; i++ {
		if _, n := parseFrame(want[:i]); n >= 0 {
			t.Errorf("parseFrame(%d bytes) succeeded on truncated input", i)
		}
	}
}

func TestFrameGreaseIgnored(t *testing.T) {
	// Grease types are of the form 27 + 31*n.
	b := appendVarint(nil, 27+31*2)
	f, n := parseFrame(b)
	if n != len(b) {
		t.Fatalf("grease frame not recognized: n=%d", n)
	}
	if f.Kind != -1 {
		t.Fatalf("grease frame Kind = %v, want sentinel -1", f.Kind)
	}
}

func TestFrameUnknownTypeRejected(t *testing.T) {
	b := appendVarint(nil, 0x3f) // not assigned, not grease
	if _, n := parseFrame(b); n >= 0 {
		t.Fatalf("unknown frame type accepted")
	}
}
