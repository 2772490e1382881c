// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// packetType identifies the long-header packet type, RFC 9000 Section 17.2,
// remapped for QUIC v2 per RFC 9369 Section 3.2 (long-header type field bits
// are XORed with a fixed pattern; we keep one canonical enum and translate
// at the header byte layer in longHeaderTypeBits/longHeaderTypeFromBits).
type packetType int

const (
	packetTypeInvalid packetType = iota
	packetTypeInitial
	packetType0RTT
	packetTypeHandshake
	packetTypeRetry
	packetType1RTT
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "Initial"
	case packetType0RTT:
		return "0-RTT"
	case packetTypeHandshake:
		return "Handshake"
	case packetTypeRetry:
		return "Retry"
	case packetType1RTT:
		return "1-RTT"
	default:
		return "invalid"
	}
}

func spaceForPacketType(t packetType) numberSpace {
	switch t {
	case packetTypeInitial:
		return initialSpace
	case packetTypeHandshake:
		return handshakeSpace
	default:
		return appDataSpace
	}
}

// longHeaderTypeBitsV1 maps packetType to the 2-bit type field for QUIC v1.
var longHeaderTypeBitsV1 = map[packetType]byte{
	packetTypeInitial:   0x0,
	packetType0RTT:      0x1,
	packetTypeHandshake: 0x2,
	packetTypeRetry:     0x3,
}

// longHeaderTypeBitsV2 is the QUIC v2 remapping, RFC 9369 Section 3.2:
// Initial=0x1, 0-RTT=0x2, Handshake=0x3, Retry=0x0.
var longHeaderTypeBitsV2 = map[packetType]byte{
	packetTypeInitial:   0x1,
	packetType0RTT:      0x2,
	packetTypeHandshake: 0x3,
	packetTypeRetry:     0x0,
}

func longHeaderTypeBits(version uint32, t packetType) byte {
	if version == versionQUIC2 {
		return longHeaderTypeBitsV2[t]
	}
	return longHeaderTypeBitsV1[t]
}

func longHeaderTypeFromBits(version uint32, bits byte) packetType {
	table := longHeaderTypeBitsV1
	if version == versionQUIC2 {
		table = longHeaderTypeBitsV2
	}
	for t, b := range table {
		if b == bits {
			return t
		}
	}
	return packetTypeInvalid
}

func isLongHeader(b byte) bool { return b&0x80 != 0 }

// getPacketType inspects the first bytes of a datagram to classify the
// leading packet, used by the demultiplexing dispatcher before key lookup.
func getPacketType(buf []byte) packetType {
	if len(buf) == 0 {
		return packetTypeInvalid
	}
	if !isLongHeader(buf[0]) {
		return packetType1RTT
	}
	if len(buf) < 5 {
		return packetTypeInvalid
	}
	version := uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4])
	if version == 0 {
		return packetTypeInvalid // Version Negotiation
	}
	bits := (buf[0] >> 4) & 0x3
	return longHeaderTypeFromBits(version, bits)
}

// longPacket is the parsed/constructed form of a long-header packet.
type longPacket struct {
	ptype     packetType
	version   uint32
	num       packetNumber
	dstConnID []byte
	srcConnID []byte
	token     []byte // Initial only
	payload   []byte
}

// shortPacket is the parsed form of a 1-RTT (short-header) packet.
type shortPacket struct {
	num       packetNumber
	keyPhase  int
	dstConnID []byte
	payload   []byte
}

func dstConnIDForDatagram(buf []byte) ([]byte, int) {
	if len(buf) == 0 {
		return nil, -1
	}
	if isLongHeader(buf[0]) {
		if len(buf) < 6 {
			return nil, -1
		}
		l := int(buf[5])
		if len(buf) < 6+l {
			return nil, -1
		}
		return buf[6 : 6+l], 6 + l
	}
	// Short header: connection ID length is out-of-band (known by the
	// endpoint from the CID it minted); callers pass it explicitly.
	return nil, -1
}
