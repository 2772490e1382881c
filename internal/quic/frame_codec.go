// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// Frame encoders. Each returns the extended buffer; encoders never fail,
// since callers are expected to size-check before calling (packetWriter
// tracks remaining space and abandons the frame if it doesn't fit).

func appendPaddingFrame(b []byte, n int) []byte {
	for i := 0; i < n; i++ {
		b = append(b, frameTypePadding)
	}
	return b
}

func appendPingFrame(b []byte) []byte {
	return append(b, frameTypePing)
}

// appendAckFrame encodes an ACK frame from a descending-sorted list of
// ackRanges (as produced by ackTracker.acksToSend). ackDelay is the
// unscaled delay value.
func appendAckFrame(b []byte, ranges []ackRange, ackDelay uint64, ecn *[3]uint64) []byte {
	if len(ranges) == 0 {
		return b
	}
	typ := uint64(frameTypeAck)
	if ecn != nil {
		typ = frameTypeAckECN
	}
	b = appendVarint(b, typ)
	largest := ranges[0].largest
	b = appendVarint(b, uint64(largest))
	b = appendVarint(b, ackDelay)
	b = appendVarint(b, uint64(len(ranges)-1))
	b = appendVarint(b, uint64(ranges[0].largest-ranges[0].smallest))
	prevSmallest := ranges[0].smallest
	for i := 1; i < len(ranges); i++ {
		gap := uint64(prevSmallest - ranges[i].largest - 2)
		b = appendVarint(b, gap)
		b = appendVarint(b, uint64(ranges[i].largest-ranges[i].smallest))
		prevSmallest = ranges[i].smallest
	}
	if ecn != nil {
		b = appendVarint(b, ecn[0])
		b = appendVarint(b, ecn[1])
		b = appendVarint(b, ecn[2])
	}
	return b
}

func appendResetStreamFrame(b []byte, id uint64, code AppErrorCode, finalSize uint64) []byte {
	b = appendVarint(b, frameTypeResetStream)
	b = appendVarint(b, id)
	b = appendVarint(b, uint64(code))
	b = appendVarint(b, finalSize)
	return b
}

func appendStopSendingFrame(b []byte, id uint64, code AppErrorCode) []byte {
	b = appendVarint(b, frameTypeStopSending)
	b = appendVarint(b, id)
	b = appendVarint(b, uint64(code))
	return b
}

func appendCryptoFrame(b []byte, offset uint64, data []byte) []byte {
	b = appendVarint(b, frameTypeCrypto)
	b = appendVarint(b, offset)
	b = appendVarint(b, uint64(len(data)))
	return append(b, data...)
}

func appendNewTokenFrame(b []byte, token []byte) []byte {
	b = appendVarint(b, frameTypeNewToken)
	b = appendVarint(b, uint64(len(token)))
	return append(b, token...)
}

// appendStreamFrame always encodes explicit offset and length fields (bits
// OFF=1, LEN=1) for a canonical, unambiguous wire form; only the FIN bit
// varies.
func appendStreamFrame(b []byte, id, offset uint64, data []byte, fin bool) []byte {
	typ := uint64(frameTypeStreamBase) | 0x4 /*OFF*/ | 0x2 /*LEN*/
	if fin {
		typ |= 0x1
	}
	b = appendVarint(b, typ)
	b = appendVarint(b, id)
	b = appendVarint(b, offset)
	b = appendVarint(b, uint64(len(data)))
	return append(b, data...)
}

func appendMaxDataFrame(b []byte, max uint64) []byte {
	b = appendVarint(b, frameTypeMaxData)
	return appendVarint(b, max)
}

func appendMaxStreamDataFrame(b []byte, id, max uint64) []byte {
	b = appendVarint(b, frameTypeMaxStreamData)
	b = appendVarint(b, id)
	return appendVarint(b, max)
}

func appendMaxStreamsFrame(b []byte, uni bool, max uint64) []byte {
	if uni {
		b = appendVarint(b, frameTypeMaxStreamsUni)
	} else {
		b = appendVarint(b, frameTypeMaxStreamsBidi)
	}
	return appendVarint(b, max)
}

func appendDataBlockedFrame(b []byte, at uint64) []byte {
	b = appendVarint(b, frameTypeDataBlocked)
	return appendVarint(b, at)
}

func appendStreamDataBlockedFrame(b []byte, id, at uint64) []byte {
	b = appendVarint(b, frameTypeStreamDataBlocked)
	b = appendVarint(b, id)
	return appendVarint(b, at)
}

func appendStreamsBlockedFrame(b []byte, uni bool, at uint64) []byte {
	if uni {
		b = appendVarint(b, frameTypeStreamsBlockedUni)
	} else {
		b = appendVarint(b, frameTypeStreamsBlockedBidi)
	}
	return appendVarint(b, at)
}

func appendNewConnectionIDFrame(b []byte, seq, retirePriorTo uint64, connID []byte, resetToken [16]byte) []byte {
	b = appendVarint(b, frameTypeNewConnectionID)
	b = appendVarint(b, seq)
	b = appendVarint(b, retirePriorTo)
	b = append(b, byte(len(connID)))
	b = append(b, connID...)
	return append(b, resetToken[:]...)
}

func appendRetireConnectionIDFrame(b []byte, seq uint64) []byte {
	b = appendVarint(b, frameTypeRetireConnectionID)
	return appendVarint(b, seq)
}

func appendPathChallengeFrame(b []byte, data [8]byte) []byte {
	b = appendVarint(b, frameTypePathChallenge)
	return append(b, data[:]...)
}

func appendPathResponseFrame(b []byte, data [8]byte) []byte {
	b = appendVarint(b, frameTypePathResponse)
	return append(b, data[:]...)
}

func appendConnectionCloseTransportFrame(b []byte, code TransportErrorCode, frameType uint64, reason string) []byte {
	b = appendVarint(b, frameTypeConnectionCloseTransport)
	b = appendVarint(b, uint64(code))
	b = appendVarint(b, frameType)
	b = appendVarint(b, uint64(len(reason)))
	return append(b, reason...)
}

func appendConnectionCloseAppFrame(b []byte, code AppErrorCode, reason string) []byte {
	b = appendVarint(b, frameTypeConnectionCloseApp)
	b = appendVarint(b, uint64(code))
	b = appendVarint(b, uint64(len(reason)))
	return append(b, reason...)
}

func appendHandshakeDoneFrame(b []byte) []byte {
	return appendVarint(b, frameTypeHandshakeDone)
}

func appendDatagramFrame(b []byte, data []byte) []byte {
	b = appendVarint(b, uint64(frameTypeDatagramBase)|0x1 /*LEN*/)
	b = appendVarint(b, uint64(len(data)))
	return append(b, data...)
}

// parseFrame decodes one frame from the front of b, returning the decoded
// Frame and the number of bytes consumed, or n=-1 on a malformed frame
// (FRAME_ENCODING_ERROR) and n=0 for a recognized-but-ignored grease frame
// whose length could not be determined (never actually returned, since
// grease frames carry no defined payload and are treated as unknown-length
// zero-payload frames here).
func parseFrame(b []byte) (f Frame, n int) {
	typ, tn := consumeVarint(b)
	if tn < 0 {
		return Frame{}, -1
	}
	rest := b[tn:]
	switch {
	case typ == frameTypePadding:
		return Frame{Kind: kindPadding}, 1
	case typ == frameTypePing:
		return Frame{Kind: kindPing}, tn
	case typ == frameTypeAck || typ == frameTypeAckECN:
		return parseAckFrame(rest, tn, typ == frameTypeAckECN)
	case typ == frameTypeResetStream:
		return parseResetStreamFrame(rest, tn)
	case typ == frameTypeStopSending:
		return parseStopSendingFrame(rest, tn)
	case typ == frameTypeCrypto:
		return parseCryptoFrame(rest, tn)
	case typ == frameTypeNewToken:
		return parseNewTokenFrame(rest, tn)
	case typ >= frameTypeStreamBase && typ <= frameTypeStreamBase+0x7:
		return parseStreamFrame(rest, tn, typ)
	case typ == frameTypeMaxData:
		return parseMaxDataFrame(rest, tn)
	case typ == frameTypeMaxStreamData:
		return parseMaxStreamDataFrame(rest, tn)
	case typ == frameTypeMaxStreamsBidi || typ == frameTypeMaxStreamsUni:
		return parseMaxStreamsFrame(rest, tn, typ == frameTypeMaxStreamsUni)
	case typ == frameTypeDataBlocked:
		return parseDataBlockedFrame(rest, tn)
	case typ == frameTypeStreamDataBlocked:
		return parseStreamDataBlockedFrame(rest, tn)
	case typ == frameTypeStreamsBlockedBidi || typ == frameTypeStreamsBlockedUni:
		return parseStreamsBlockedFrame(rest, tn, typ == frameTypeStreamsBlockedUni)
	case typ == frameTypeNewConnectionID:
		return parseNewConnectionIDFrame(rest, tn)
	case typ == frameTypeRetireConnectionID:
		return parseRetireConnectionIDFrame(rest, tn)
	case typ == frameTypePathChallenge:
		return parsePathChallengeFrame(rest, tn)
	case typ == frameTypePathResponse:
		return parsePathResponseFrame(rest, tn)
	case typ == frameTypeConnectionCloseTransport:
		return parseConnectionCloseTransportFrame(rest, tn)
	case typ == frameTypeConnectionCloseApp:
		return parseConnectionCloseAppFrame(rest, tn)
	case typ == frameTypeHandshakeDone:
		return Frame{Kind: kindHandshakeDone}, tn
	case typ == frameTypeDatagramBase || typ == frameTypeDatagramBase+1:
		return parseDatagramFrame(rest, tn, typ == frameTypeDatagramBase+1)
	case isGreaseFrameType(typ):
		return Frame{Kind: -1}, tn // caller must recognize Kind==-1 as "ignore"
	default:
		return Frame{}, -1
	}
}

func parseAckFrame(b []byte, consumed int, ecn bool) (Frame, int) {
	largest, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	b = b[n1:]
	delay, n2 := consumeVarint(b)
	if n2 < 0 {
		return Frame{}, -1
	}
	b = b[n2:]
	count, n3 := consumeVarint(b)
	if n3 < 0 {
		return Frame{}, -1
	}
	b = b[n3:]
	firstRange, n4 := consumeVarint(b)
	if n4 < 0 {
		return Frame{}, -1
	}
	b = b[n4:]
	total := consumed + n1 + n2 + n3 + n4

	if firstRange > largest {
		return Frame{}, -1
	}
	ranges := []ackRange{{smallest: packetNumber(largest - firstRange), largest: packetNumber(largest)}}
	smallest := ranges[0].smallest
	for i := uint64(0); i < count; i++ {
		gap, ng := consumeVarint(b)
		if ng < 0 {
			return Frame{}, -1
		}
		b = b[ng:]
		total += ng
		rlen, nr := consumeVarint(b)
		if nr < 0 {
			return Frame{}, -1
		}
		b = b[nr:]
		total += nr
		if uint64(smallest)-gap-2 > uint64(smallest) || rlen > uint64(smallest)-gap-2 {
			return Frame{}, -1
		}
		newLargest := smallest - packetNumber(gap) - 2
		newSmallest := newLargest - packetNumber(rlen)
		ranges = append(ranges, ackRange{smallest: newSmallest, largest: newLargest})
		smallest = newSmallest
	}
	f := Frame{Kind: kindAck, LargestAcked: packetNumber(largest), AckDelay: delay, AckRanges: ranges}
	if ecn {
		ect0, n5 := consumeVarint(b)
		if n5 < 0 {
			return Frame{}, -1
		}
		b = b[n5:]
		total += n5
		ect1, n6 := consumeVarint(b)
		if n6 < 0 {
			return Frame{}, -1
		}
		b = b[n6:]
		total += n6
		ce, n7 := consumeVarint(b)
		if n7 < 0 {
			return Frame{}, -1
		}
		total += n7
		f.HasECN = true
		f.ECT0, f.ECT1, f.ECNCE = ect0, ect1, ce
	}
	return f, total
}

func parseResetStreamFrame(b []byte, consumed int) (Frame, int) {
	id, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	code, n2 := consumeVarint(b[n1:])
	if n2 < 0 {
		return Frame{}, -1
	}
	finalSize, n3 := consumeVarint(b[n1+n2:])
	if n3 < 0 {
		return Frame{}, -1
	}
	return Frame{Kind: kindResetStream, StreamID: id, AppCode: AppErrorCode(code), FinalSize: finalSize},
		consumed + n1 + n2 + n3
}

func parseStopSendingFrame(b []byte, consumed int) (Frame, int) {
	id, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	code, n2 := consumeVarint(b[n1:])
	if n2 < 0 {
		return Frame{}, -1
	}
	return Frame{Kind: kindStopSending, StreamID: id, AppCode: AppErrorCode(code)}, consumed + n1 + n2
}

func parseCryptoFrame(b []byte, consumed int) (Frame, int) {
	offset, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	b = b[n1:]
	length, n2 := consumeVarint(b)
	if n2 < 0 {
		return Frame{}, -1
	}
	b = b[n2:]
	if uint64(len(b)) < length {
		return Frame{}, -1
	}
	return Frame{Kind: kindCrypto, Offset: offset, Data: b[:length]}, consumed + n1 + n2 + int(length)
}

func parseNewTokenFrame(b []byte, consumed int) (Frame, int) {
	length, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	b = b[n1:]
	if uint64(len(b)) < length {
		return Frame{}, -1
	}
	return Frame{Kind: kindNewToken, Token: b[:length]}, consumed + n1 + int(length)
}

func parseStreamFrame(b []byte, consumed int, typ uint64) (Frame, int) {
	hasOff := typ&0x4 != 0
	hasLen := typ&0x2 != 0
	fin := typ&0x1 != 0

	id, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	b = b[n1:]
	total := consumed + n1

	var offset uint64
	if hasOff {
		var no int
		offset, no = consumeVarint(b)
		if no < 0 {
			return Frame{}, -1
		}
		b = b[no:]
		total += no
	}

	var length uint64
	if hasLen {
		var nl int
		length, nl = consumeVarint(b)
		if nl < 0 {
			return Frame{}, -1
		}
		b = b[nl:]
		total += nl
	} else {
		length = uint64(len(b))
	}
	if uint64(len(b)) < length {
		return Frame{}, -1
	}
	return Frame{Kind: kindStream, StreamID: id, Offset: offset, Data: b[:length], Fin: fin},
		total + int(length)
}

func parseMaxDataFrame(b []byte, consumed int) (Frame, int) {
	max, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	return Frame{Kind: kindMaxData, Max: max}, consumed + n1
}

func parseMaxStreamDataFrame(b []byte, consumed int) (Frame, int) {
	id, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	max, n2 := consumeVarint(b[n1:])
	if n2 < 0 {
		return Frame{}, -1
	}
	return Frame{Kind: kindMaxStreamData, StreamID: id, Max: max}, consumed + n1 + n2
}

func parseMaxStreamsFrame(b []byte, consumed int, uni bool) (Frame, int) {
	max, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	return Frame{Kind: kindMaxStreams, Uni: uni, MaxStreams: max}, consumed + n1
}

func parseDataBlockedFrame(b []byte, consumed int) (Frame, int) {
	at, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	return Frame{Kind: kindDataBlocked, Max: at}, consumed + n1
}

func parseStreamDataBlockedFrame(b []byte, consumed int) (Frame, int) {
	id, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	at, n2 := consumeVarint(b[n1:])
	if n2 < 0 {
		return Frame{}, -1
	}
	return Frame{Kind: kindStreamDataBlocked, StreamID: id, Max: at}, consumed + n1 + n2
}

func parseStreamsBlockedFrame(b []byte, consumed int, uni bool) (Frame, int) {
	at, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	return Frame{Kind: kindStreamsBlocked, Uni: uni, MaxStreams: at}, consumed + n1
}

func parseNewConnectionIDFrame(b []byte, consumed int) (Frame, int) {
	seq, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	b = b[n1:]
	retire, n2 := consumeVarint(b)
	if n2 < 0 {
		return Frame{}, -1
	}
	b = b[n2:]
	if len(b) < 1 {
		return Frame{}, -1
	}
	length := int(b[0])
	b = b[1:]
	if len(b) < length+16 {
		return Frame{}, -1
	}
	id := append([]byte(nil), b[:length]...)
	var token [16]byte
	copy(token[:], b[length:length+16])
	return Frame{Kind: kindNewConnectionID, Seq: seq, RetirePriorTo: retire, ConnID: id, ResetToken: token},
		consumed + n1 + n2 + 1 + length + 16
}

func parseRetireConnectionIDFrame(b []byte, consumed int) (Frame, int) {
	seq, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	return Frame{Kind: kindRetireConnectionID, RetireSeq: seq}, consumed + n1
}

func parsePathChallengeFrame(b []byte, consumed int) (Frame, int) {
	if len(b) < 8 {
		return Frame{}, -1
	}
	var d [8]byte
	copy(d[:], b[:8])
	return Frame{Kind: kindPathChallenge, PathData: d}, consumed + 8
}

func parsePathResponseFrame(b []byte, consumed int) (Frame, int) {
	if len(b) < 8 {
		return Frame{}, -1
	}
	var d [8]byte
	copy(d[:], b[:8])
	return Frame{Kind: kindPathResponse, PathData: d}, consumed + 8
}

func parseConnectionCloseTransportFrame(b []byte, consumed int) (Frame, int) {
	code, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	b = b[n1:]
	ftype, n2 := consumeVarint(b)
	if n2 < 0 {
		return Frame{}, -1
	}
	b = b[n2:]
	rlen, n3 := consumeVarint(b)
	if n3 < 0 {
		return Frame{}, -1
	}
	b = b[n3:]
	if uint64(len(b)) < rlen {
		return Frame{}, -1
	}
	return Frame{Kind: kindConnectionClose, ErrCode: TransportErrorCode(code), FrameType: ftype, Reason: string(b[:rlen])},
		consumed + n1 + n2 + n3 + int(rlen)
}

func parseConnectionCloseAppFrame(b []byte, consumed int) (Frame, int) {
	code, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	b = b[n1:]
	rlen, n2 := consumeVarint(b)
	if n2 < 0 {
		return Frame{}, -1
	}
	b = b[n2:]
	if uint64(len(b)) < rlen {
		return Frame{}, -1
	}
	return Frame{Kind: kindConnectionClose, IsApplication: true, AppErrCode: AppErrorCode(code), Reason: string(b[:rlen])},
		consumed + n1 + n2 + int(rlen)
}

func parseDatagramFrame(b []byte, consumed int, hasLen bool) (Frame, int) {
	if !hasLen {
		return Frame{Kind: kindDatagram, Data: append([]byte(nil), b...)}, consumed + len(b)
	}
	length, n1 := consumeVarint(b)
	if n1 < 0 {
		return Frame{}, -1
	}
	b = b[n1:]
	if uint64(len(b)) < length {
		return Frame{}, -1
	}
	return Frame{Kind: kindDatagram, Data: append([]byte(nil), b[:length]...)}, consumed + n1 + int(length)
}
