// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"encoding/binary"
	"errors"
)

var errShortSample = errors.New("quic: datagram too short to sample for header protection")

// packetWriter speculatively builds a single datagram out of one or more
// packets. Construction of a packet is tentative: if nothing ends up
// written to it, the caller abandons it with abandonPacket and the header
// bytes are rolled back. This mirrors the teacher's
// startProtectedLongHeaderPacket/finishProtectedLongHeaderPacket idiom in
// conn_send.go, generalized to return frame-level sentPacket records
// instead of a raw replay buffer.
type packetWriter struct {
	buf     []byte
	maxSize int

	hdrOff     int
	lenOff     int // offset of the 4-byte length-field placeholder, long headers only
	pnumOff    int
	pnumLen    int
	payloadOff int
	isLong     bool

	sent sentPacket
}

func (w *packetWriter) reset(maxSize int) {
	w.buf = w.buf[:0]
	w.maxSize = maxSize
}

// remaining reports how many more payload bytes can be written to the
// packet under construction before exceeding maxSize, accounting for the
// AEAD expansion that will be added on seal.
func (w *packetWriter) remaining() int {
	const aeadOverhead = 16
	n := w.maxSize - len(w.buf) - aeadOverhead
	if n < 0 {
		return 0
	}
	return n
}

func (w *packetWriter) payload() []byte {
	if w.payloadOff > len(w.buf) {
		return nil
	}
	return w.buf[w.payloadOff:]
}

func (w *packetWriter) datagram() []byte { return w.buf }

func appendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func (w *packetWriter) startProtectedLongHeaderPacket(pnumMaxAcked packetNumber, p longPacket) {
	w.isLong = true
	w.hdrOff = len(w.buf)
	w.pnumLen = packetNumberLength(p.num, pnumMaxAcked)

	first := byte(0xc0) | (longHeaderTypeBits(p.version, p.ptype) << 4) | byte(w.pnumLen-1)
	w.buf = append(w.buf, first)
	w.buf = appendUint32(w.buf, p.version)
	w.buf = append(w.buf, byte(len(p.dstConnID)))
	w.buf = append(w.buf, p.dstConnID...)
	w.buf = append(w.buf, byte(len(p.srcConnID)))
	w.buf = append(w.buf, p.srcConnID...)
	if p.ptype == packetTypeInitial {
		w.buf = appendVarint(w.buf, uint64(len(p.token)))
		w.buf = append(w.buf, p.token...)
	}
	w.lenOff = len(w.buf)
	w.buf = append(w.buf, 0, 0, 0, 0) // length placeholder, patched in finish
	w.pnumOff = len(w.buf)
	w.buf = appendPacketNumber(w.buf, p.num, w.pnumLen)
	w.payloadOff = len(w.buf)

	w.sent = sentPacket{number: p.num, space: spaceForPacketType(p.ptype)}
}

// finishProtectedLongHeaderPacket seals and header-protects the packet
// built since startProtectedLongHeaderPacket. It returns nil (and rolls
// back the header bytes) if no frames were added.
func (w *packetWriter) finishProtectedLongHeaderPacket(pnumMaxAcked packetNumber, k keys, p longPacket) *sentPacket {
	if len(w.buf) == w.payloadOff {
		w.buf = w.buf[:w.hdrOff]
		return nil
	}
	payload := append([]byte(nil), w.buf[w.payloadOff:]...)

	totalLen := uint64(w.pnumLen) + uint64(len(payload)) + 16 // + AEAD tag
	lenField := appendVarintWithLen(nil, totalLen, 4)
	copy(w.buf[w.lenOff:w.lenOff+4], lenField)

	aad := w.buf[w.hdrOff:w.payloadOff]
	sealed := k.aead.Seal(nil, nonce(k.iv, p.num), payload, aad)
	w.buf = append(w.buf[:w.payloadOff], sealed...)

	if err := w.applyHeaderProtection(k, true); err != nil {
		w.buf = w.buf[:w.hdrOff]
		return nil
	}

	w.sent.size = len(w.buf) - w.hdrOff
	sent := w.sent
	return &sent
}

// start1RTTPacket begins a short-header packet. keyPhase stamps bit 0x04
// with the sender's current key phase, RFC 9001 Section 5.7 (the spin bit
// is left at 0).
func (w *packetWriter) start1RTTPacket(pnum, pnumMaxAcked packetNumber, dstConnID []byte, keyPhase int) {
	w.isLong = false
	w.hdrOff = len(w.buf)
	w.pnumLen = packetNumberLength(pnum, pnumMaxAcked)

	first := byte(0x40) | byte(w.pnumLen-1)
	if keyPhase&1 != 0 {
		first |= 0x04
	}
	w.buf = append(w.buf, first)
	w.buf = append(w.buf, dstConnID...)
	w.pnumOff = len(w.buf)
	w.buf = appendPacketNumber(w.buf, pnum, w.pnumLen)
	w.payloadOff = len(w.buf)

	w.sent = sentPacket{number: pnum, space: appDataSpace}
}

func (w *packetWriter) finish1RTTPacket(pnum, pnumMaxAcked packetNumber, dstConnID []byte, k keys) *sentPacket {
	if len(w.buf) == w.payloadOff {
		w.buf = w.buf[:w.hdrOff]
		return nil
	}
	// Pad short payloads so the header-protection sample, taken 4 bytes past
	// the start of the packet number, lies within the ciphertext.
	for w.pnumLen+len(w.buf)-w.payloadOff < 4 {
		w.buf = append(w.buf, frameTypePadding)
	}
	payload := append([]byte(nil), w.buf[w.payloadOff:]...)
	aad := w.buf[w.hdrOff:w.payloadOff]
	sealed := k.aead.Seal(nil, nonce(k.iv, pnum), payload, aad)
	w.buf = append(w.buf[:w.payloadOff], sealed...)

	if err := w.applyHeaderProtection(k, false); err != nil {
		w.buf = w.buf[:w.hdrOff]
		return nil
	}

	w.sent.size = len(w.buf) - w.hdrOff
	sent := w.sent
	return &sent
}

// applyHeaderProtection computes the HP mask from the sample taken at
// pn_offset+4 and XORs it into the first byte's protected bits and the
// packet number bytes, RFC 9001 Section 5.4.
func (w *packetWriter) applyHeaderProtection(k keys, long bool) error {
	sampleOff := w.pnumOff + 4
	if sampleOff+16 > len(w.buf) {
		// Not enough ciphertext to sample; pad is the caller's job for
		// Initial packets (minimumClientInitialDatagramSize). Here we
		// simply refuse: this indicates a genuinely undersized datagram.
		return errShortSample
	}
	mask, err := headerProtectionMask(k.algo, k.hpKey, w.buf[sampleOff:sampleOff+16])
	if err != nil {
		return err
	}
	if long {
		w.buf[w.hdrOff] ^= mask[0] & 0x0f
	} else {
		w.buf[w.hdrOff] ^= mask[0] & 0x1f
	}
	for i := 0; i < w.pnumLen; i++ {
		w.buf[w.pnumOff+i] ^= mask[1+i]
	}
	return nil
}

func (w *packetWriter) abandonPacket() {
	w.buf = w.buf[:w.hdrOff]
}

func (w *packetWriter) appendPaddingTo(size int) {
	for len(w.buf) < size {
		w.buf = append(w.buf, frameTypePadding)
	}
}

func (w *packetWriter) appendPingFrame() bool {
	if w.remaining() < 1 {
		return false
	}
	w.buf = appendPingFrame(w.buf)
	w.sent.ackEliciting = true
	w.sent.inFlight = true
	w.sent.frames = append(w.sent.frames, Frame{Kind: kindPing})
	return true
}

func (w *packetWriter) appendAckFrame(ranges []ackRange, delay uint64) bool {
	b := appendAckFrame(w.buf, ranges, delay, nil)
	if len(b)-len(w.buf) > w.remaining()+ /* account for tag already reserved */ 0 {
		return false
	}
	w.buf = b
	if len(ranges) > 0 {
		w.sent.frames = append(w.sent.frames, Frame{Kind: kindAck, LargestAcked: ranges[0].largest})
	}
	return true
}

func (w *packetWriter) appendFrame(f Frame, wire []byte) bool {
	if len(wire)-len(w.buf) > w.remaining() {
		return false
	}
	w.buf = wire
	switch f.Kind {
	case kindAck, kindPadding:
		// not ack-eliciting, no retransmission bookkeeping
	default:
		w.sent.ackEliciting = true
		w.sent.inFlight = true
	}
	w.sent.frames = append(w.sent.frames, f)
	return true
}
