// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// Frame types, RFC 9000 Section 19 and RFC 9221 Section 4.
const (
	frameTypePadding             = 0x00
	frameTypePing                = 0x01
	frameTypeAck                 = 0x02
	frameTypeAckECN              = 0x03
	frameTypeResetStream         = 0x04
	frameTypeStopSending         = 0x05
	frameTypeCrypto              = 0x06
	frameTypeNewToken            = 0x07
	frameTypeStreamBase          = 0x08 // 0x08-0x0f, low 3 bits are OFF/LEN/FIN
	frameTypeMaxData             = 0x10
	frameTypeMaxStreamData       = 0x11
	frameTypeMaxStreamsBidi      = 0x12
	frameTypeMaxStreamsUni       = 0x13
	frameTypeDataBlocked         = 0x14
	frameTypeStreamDataBlocked   = 0x15
	frameTypeStreamsBlockedBidi  = 0x16
	frameTypeStreamsBlockedUni   = 0x17
	frameTypeNewConnectionID     = 0x18
	frameTypeRetireConnectionID  = 0x19
	frameTypePathChallenge       = 0x1a
	frameTypePathResponse        = 0x1b
	frameTypeConnectionCloseTransport = 0x1c
	frameTypeConnectionCloseApp  = 0x1d
	frameTypeHandshakeDone       = 0x1e
	frameTypeDatagramBase        = 0x30 // 0x30-0x31, low bit is LEN
)

// isGreaseFrameType reports whether t is a reserved grease frame type of the form
// 27 + 31*n, RFC 9000 Section 19.21, which decoders must ignore.
func isGreaseFrameType(t uint64) bool {
	if t < 27 {
		return false
	}
	return (t-27)%31 == 0
}

// frameKind names a decoded frame's logical type, independent of the exact
// wire byte (STREAM and DATAGRAM each cover a range of type bytes).
type frameKind int

const (
	kindPadding frameKind = iota
	kindPing
	kindAck
	kindResetStream
	kindStopSending
	kindCrypto
	kindNewToken
	kindStream
	kindMaxData
	kindMaxStreamData
	kindMaxStreams
	kindDataBlocked
	kindStreamDataBlocked
	kindStreamsBlocked
	kindNewConnectionID
	kindRetireConnectionID
	kindPathChallenge
	kindPathResponse
	kindConnectionClose
	kindHandshakeDone
	kindDatagram
)

// ackRange is one descending range within an ACK frame, gap-encoded on the
// wire but stored here as absolute packet numbers.
type ackRange struct {
	// [smallest, largest] inclusive, per RFC 9000 Section 19.3.
	smallest, largest packetNumber
}

// Frame is a decoded RFC 9000 frame. Only the fields relevant to Kind are
// populated; this is the representation both the live connection dispatcher
// and sentPacket's ack/loss replay switch over, generalizing the teacher's
// per-sent-packet byte-buffer replay in conn_loss.go into a typed slice.
type Frame struct {
	Kind frameKind

	// ACK
	LargestAcked packetNumber
	AckDelay     uint64 // unscaled
	AckRanges    []ackRange
	ECT0, ECT1, ECNCE uint64
	HasECN       bool

	// RESET_STREAM / STOP_SENDING
	StreamID  uint64
	AppCode   AppErrorCode
	FinalSize uint64

	// CRYPTO / STREAM / DATAGRAM
	Offset uint64
	Data   []byte
	Fin    bool

	// NEW_TOKEN
	Token []byte

	// MAX_DATA / MAX_STREAM_DATA / DATA_BLOCKED / STREAM_DATA_BLOCKED
	Max uint64

	// MAX_STREAMS / STREAMS_BLOCKED
	MaxStreams uint64
	Uni        bool

	// NEW_CONNECTION_ID
	Seq             uint64
	RetirePriorTo   uint64
	ConnID          []byte
	ResetToken      [16]byte

	// RETIRE_CONNECTION_ID
	RetireSeq uint64

	// PATH_CHALLENGE / PATH_RESPONSE
	PathData [8]byte

	// CONNECTION_CLOSE
	ErrCode       TransportErrorCode
	AppErrCode    AppErrorCode
	IsApplication bool
	FrameType     uint64
	Reason        string
}

func (f Frame) String() string {
	switch f.Kind {
	case kindPadding:
		return "PADDING"
	case kindPing:
		return "PING"
	case kindAck:
		return fmt.Sprintf("ACK largest=%d ranges=%d", f.LargestAcked, len(f.AckRanges))
	case kindResetStream:
		return fmt.Sprintf("RESET_STREAM id=%d code=%d final=%d", f.StreamID, f.AppCode, f.FinalSize)
	case kindStopSending:
		return fmt.Sprintf("STOP_SENDING id=%d code=%d", f.StreamID, f.AppCode)
	case kindCrypto:
		return fmt.Sprintf("CRYPTO off=%d len=%d", f.Offset, len(f.Data))
	case kindNewToken:
		return fmt.Sprintf("NEW_TOKEN len=%d", len(f.Token))
	case kindStream:
		return fmt.Sprintf("STREAM id=%d off=%d len=%d fin=%v", f.StreamID, f.Offset, len(f.Data), f.Fin)
	case kindMaxData:
		return fmt.Sprintf("MAX_DATA max=%d", f.Max)
	case kindMaxStreamData:
		return fmt.Sprintf("MAX_STREAM_DATA id=%d max=%d", f.StreamID, f.Max)
	case kindMaxStreams:
		return fmt.Sprintf("MAX_STREAMS uni=%v max=%d", f.Uni, f.MaxStreams)
	case kindDataBlocked:
		return fmt.Sprintf("DATA_BLOCKED at=%d", f.Max)
	case kindStreamDataBlocked:
		return fmt.Sprintf("STREAM_DATA_BLOCKED id=%d at=%d", f.StreamID, f.Max)
	case kindStreamsBlocked:
		return fmt.Sprintf("STREAMS_BLOCKED uni=%v at=%d", f.Uni, f.MaxStreams)
	case kindNewConnectionID:
		return fmt.Sprintf("NEW_CONNECTION_ID seq=%d retire_prior_to=%d id=%x", f.Seq, f.RetirePriorTo, f.ConnID)
	case kindRetireConnectionID:
		return fmt.Sprintf("RETIRE_CONNECTION_ID seq=%d", f.RetireSeq)
	case kindPathChallenge:
		return fmt.Sprintf("PATH_CHALLENGE data=%x", f.PathData)
	case kindPathResponse:
		return fmt.Sprintf("PATH_RESPONSE data=%x", f.PathData)
	case kindConnectionClose:
		if f.IsApplication {
			return fmt.Sprintf("CONNECTION_CLOSE app code=%d reason=%q", f.AppErrCode, f.Reason)
		}
		return fmt.Sprintf("CONNECTION_CLOSE code=%v frame=%d reason=%q", f.ErrCode, f.FrameType, f.Reason)
	case kindHandshakeDone:
		return "HANDSHAKE_DONE"
	case kindDatagram:
		return fmt.Sprintf("DATAGRAM len=%d", len(f.Data))
	default:
		return "UNKNOWN"
	}
}
