// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"bytes"
	"testing"
)

func TestInitialKeysV1V2Differ(t *testing.T) {
	dcid := []byte{0xc8, 0xf0, 0x3e, 0x51, 0x57, 0x00, 0x08, 0xff}
	c1, s1, err := deriveInitialKeys(versionQUIC1, dcid)
	if err != nil {
		t.Fatal(err)
	}
	c2, s2, err := deriveInitialKeys(versionQUIC2, dcid)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(c1.iv, c2.iv) || bytes.Equal(s1.iv, s2.iv) {
		t.Fatalf("v1 and v2 Initial keys must differ for the same DCID")
	}
}

func TestLongHeaderPacketRoundTrip(t *testing.T) {
	dcid := []byte{0xc8, 0xf0, 0x3e, 0x51, 0x57, 0x00, 0x08, 0xff}
	client, server, err := deriveInitialKeys(versionQUIC1, dcid)
	if err != nil {
		t.Fatal(err)
	}

	var w packetWriter
	w.reset(1200)
	p := longPacket{
		ptype:     packetTypeInitial,
		version:   versionQUIC1,
		num:       2,
		dstConnID: dcid,
		srcConnID: []byte{0x01, 0x02, 0x03, 0x04},
	}
	w.startProtectedLongHeaderPacket(0, p)
	w.buf = appendCryptoFrame(w.buf, 0, bytes.Repeat([]byte{0x42}, 200))
	w.sent.ackEliciting = true
	sent := w.finishProtectedLongHeaderPacket(0, client, p)
	if sent == nil {
		t.Fatal("finishProtectedLongHeaderPacket returned nil")
	}
	w.appendPaddingTo(1200)
	buf := w.datagram()

	got, n := parseLongHeaderPacket(buf, client, 0)
	if n < 0 {
		t.Fatalf("parseLongHeaderPacket failed")
	}
	if got.num != 2 || got.ptype != packetTypeInitial {
		t.Fatalf("got %+v", got)
	}
	f, fn := parseFrame(got.payload)
	if fn < 0 || f.Kind != kindCrypto {
		t.Fatalf("payload did not round trip: %+v", f)
	}
	_ = server // server keys used only for the opposite direction in a full handshake
}

func TestShortHeaderPacketRoundTrip(t *testing.T) {
	secret := bytes.Repeat([]byte{0x9}, 32)
	k, err := deriveKeys(aeadAES128GCM, secret)
	if err != nil {
		t.Fatal(err)
	}
	dcid := []byte{0xaa, 0xbb, 0xcc, 0xdd}

	var w packetWriter
	w.reset(1200)
	w.start1RTTPacket(5, 4, dcid, 0)
	w.buf = appendStreamFrame(w.buf, 0, 0, []byte("ping"), false)
	sent := w.finish1RTTPacket(5, 4, dcid, k)
	if sent == nil {
		t.Fatal("finish1RTTPacket returned nil")
	}
	buf := w.datagram()

	got, n := parse1RTTPacket(buf, k, len(dcid), 4)
	if n < 0 {
		t.Fatalf("parse1RTTPacket failed")
	}
	if got.num != 5 {
		t.Fatalf("got num=%d, want 5", got.num)
	}
	f, fn := parseFrame(got.payload)
	if fn < 0 || f.Kind != kindStream || string(f.Data) != "ping" {
		t.Fatalf("payload mismatch: %+v", f)
	}
}

func TestOpenFailureOnTamperedCiphertext(t *testing.T) {
	secret := bytes.Repeat([]byte{0x3}, 32)
	k, err := deriveKeys(aeadChaCha20Poly1305, secret)
	if err != nil {
		t.Fatal(err)
	}
	dcid := []byte{0x01, 0x02, 0x03, 0x04}

	var w packetWriter
	w.reset(1200)
	w.start1RTTPacket(1, 0, dcid, 0)
	w.buf = appendPingFrame(w.buf)
	w.finish1RTTPacket(1, 0, dcid, k)
	buf := w.datagram()
	buf[len(buf)-1] ^= 0xff // corrupt the AEAD tag

	if _, n := parse1RTTPacket(buf, k, len(dcid), 0); n >= 0 {
		t.Fatalf("parse1RTTPacket succeeded on tampered ciphertext")
	}
}
