// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// parseLongHeaderPacket removes header protection, reconstructs the packet
// number, and opens the AEAD-protected payload of a long-header packet at
// the front of buf. It returns n=-1 on any decode or authentication
// failure.
func parseLongHeaderPacket(buf []byte, k keys, largestAcked packetNumber) (longPacket, int) {
	if len(buf) < 6 || !isLongHeader(buf[0]) {
		return longPacket{}, -1
	}
	version := uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4])
	off := 5
	dcidLen := int(buf[off])
	off++
	if len(buf) < off+dcidLen {
		return longPacket{}, -1
	}
	dstConnID := append([]byte(nil), buf[off:off+dcidLen]...)
	off += dcidLen
	if len(buf) < off+1 {
		return longPacket{}, -1
	}
	scidLen := int(buf[off])
	off++
	if len(buf) < off+scidLen {
		return longPacket{}, -1
	}
	srcConnID := append([]byte(nil), buf[off:off+scidLen]...)
	off += scidLen

	ptype := longHeaderTypeFromBits(version, (buf[0]>>4)&0x3)

	var token []byte
	if ptype == packetTypeInitial {
		tlen, n := consumeVarint(buf[off:])
		if n < 0 {
			return longPacket{}, -1
		}
		off += n
		if len(buf) < off+int(tlen) {
			return longPacket{}, -1
		}
		token = append([]byte(nil), buf[off:off+int(tlen)]...)
		off += int(tlen)
	}

	length, n := consumeVarint(buf[off:])
	if n < 0 {
		return longPacket{}, -1
	}
	off += n
	if len(buf) < off+int(length) {
		return longPacket{}, -1
	}
	packetEnd := off + int(length)

	hdrOff := 0
	pnumOff := off
	sampleOff := pnumOff + 4
	if sampleOff+16 > len(buf) {
		return longPacket{}, -1
	}
	mask, err := headerProtectionMask(k.algo, k.hpKey, buf[sampleOff:sampleOff+16])
	if err != nil {
		return longPacket{}, -1
	}

	hdr := append([]byte(nil), buf[hdrOff:packetEnd]...)
	hdr[0] ^= mask[0] & 0x0f
	pnumLen := int(hdr[0]&0x3) + 1
	relPnumOff := pnumOff - hdrOff
	for i := 0; i < pnumLen; i++ {
		hdr[relPnumOff+i] ^= mask[1+i]
	}
	var truncated uint64
	for i := 0; i < pnumLen; i++ {
		truncated = (truncated << 8) | uint64(hdr[relPnumOff+i])
	}
	pnum := decodePacketNumber(largestAcked, truncated, pnumLen)

	aad := append([]byte(nil), hdr[:relPnumOff+pnumLen]...)
	ciphertext := hdr[relPnumOff+pnumLen:]
	payload, err := k.aead.Open(nil, nonce(k.iv, pnum), ciphertext, aad)
	if err != nil {
		return longPacket{}, -1
	}

	return longPacket{
		ptype:     ptype,
		version:   version,
		num:       pnum,
		dstConnID: dstConnID,
		srcConnID: srcConnID,
		token:     token,
		payload:   payload,
	}, packetEnd
}

// parse1RTTPacket removes header protection and opens a short-header
// packet, given the known connection ID length (the endpoint knows this
// because it minted the CID the peer is using).
func parse1RTTPacket(buf []byte, k keys, connIDLen int, largestAcked packetNumber) (shortPacket, int) {
	if len(buf) < 1+connIDLen+4 || isLongHeader(buf[0]) {
		return shortPacket{}, -1
	}
	dstConnID := append([]byte(nil), buf[1:1+connIDLen]...)
	pnumOff := 1 + connIDLen
	sampleOff := pnumOff + 4
	if sampleOff+16 > len(buf) {
		return shortPacket{}, -1
	}
	mask, err := headerProtectionMask(k.algo, k.hpKey, buf[sampleOff:sampleOff+16])
	if err != nil {
		return shortPacket{}, -1
	}

	hdr := append([]byte(nil), buf...)
	hdr[0] ^= mask[0] & 0x1f
	pnumLen := int(hdr[0]&0x3) + 1
	keyPhase := int((hdr[0] >> 2) & 0x1)
	for i := 0; i < pnumLen; i++ {
		hdr[pnumOff+i] ^= mask[1+i]
	}
	var truncated uint64
	for i := 0; i < pnumLen; i++ {
		truncated = (truncated << 8) | uint64(hdr[pnumOff+i])
	}
	pnum := decodePacketNumber(largestAcked, truncated, pnumLen)

	aad := hdr[:pnumOff+pnumLen]
	ciphertext := hdr[pnumOff+pnumLen:]
	payload, err := k.aead.Open(nil, nonce(k.iv, pnum), ciphertext, aad)
	if err != nil {
		return shortPacket{}, -1
	}

	return shortPacket{num: pnum, keyPhase: keyPhase, dstConnID: dstConnID, payload: payload}, len(buf)
}

func mustParseVersion(buf []byte) (uint32, error) {
	if len(buf) < 5 {
		return 0, fmt.Errorf("quic: datagram too short for version field")
	}
	return uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4]), nil
}
