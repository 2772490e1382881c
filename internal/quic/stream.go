// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"sync"
)

// StreamDir selects whether a stream carries data in one direction or both,
// spec.md Section 4.8.
type StreamDir int

const (
	StreamBidi StreamDir = iota
	StreamUni
)

// streamSendState is the send-side state machine, RFC 9000 Section 3.1.
type streamSendState int

const (
	sendReady streamSendState = iota
	sendSend
	sendDataSent
	sendDataRecvd
	sendResetSent
	sendResetRecvd
)

// streamRecvState is the receive-side state machine, RFC 9000 Section 3.2.
type streamRecvState int

const (
	recvRecv streamRecvState = iota
	recvSizeKnown
	recvDataRecvd
	recvDataRead
	recvResetRecvd
	recvResetRead
)

// streamID low two bits, RFC 9000 Section 2.1.
const (
	streamInitiatorClient = 0
	streamInitiatorServer = 1
	streamDirBidi         = 0
	streamDirUni          = 2
)

func isClientInitiated(id uint64) bool { return id&0x1 == streamInitiatorClient }
func isUniStream(id uint64) bool       { return id&0x2 == streamDirUni }

// streamIndex returns the zero-based sequential index of id within its
// (initiator, directionality) class, RFC 9000 Section 2.1.
func streamIndex(id uint64) uint64 { return id >> 2 }

func makeStreamID(clientInitiated, uni bool, index uint64) uint64 {
	id := index << 2
	if !clientInitiated {
		id |= streamInitiatorServer
	}
	if uni {
		id |= streamDirUni
	}
	return id
}

// Stream is one QUIC stream, spec.md Section 3's Stream entity: an ordered
// byte buffer indexed by offset on each direction, independently-tracked
// flow control, and a priority hint used only to order scheduling.
type Stream struct {
	id       uint64
	uni      bool
	readOnly bool // true for a uni stream we did not open (receive-only)
	writeOnly bool // true for a uni stream we opened (send-only)

	conn *Conn

	mu sync.Mutex

	send sendBuffer
	recv recvBuffer

	sendFlow *streamFlowControl
	recvFlow *streamFlowControl

	priority int

	readCond  chan struct{}
	writeCond chan struct{}
}

// ID returns the stream's 62-bit identifier.
func (s *Stream) ID() uint64 { return s.id }

// IsUnidirectional reports whether the stream carries data in one
// direction only.
func (s *Stream) IsUnidirectional() bool { return s.uni }

// SetPriority sets a scheduling hint, spec.md Section 4.8: priorities
// influence send ordering only, never flow control.
func (s *Stream) SetPriority(p int) {
	s.mu.Lock()
	s.priority = p
	s.mu.Unlock()
}

// sendBuffer holds outgoing stream bytes not yet fully acknowledged,
// spec.md Section 3's Stream entity.
type sendBuffer struct {
	state     streamSendState
	data      []byte // unsent + unacked tail, offset-addressed from sentOffset
	sentOffset uint64 // bytes already handed to the packet writer
	ackedOffset uint64
	fin       bool
	finalSize uint64
	haveFinal bool
	resetCode AppErrorCode
}

// recvBuffer reassembles incoming STREAM frames, spec.md Section 4.8:
// out-of-order frames by (offset, length, fin) into a gap-tracked buffer;
// duplicate bytes in overlapping frames must be identical.
type recvBuffer struct {
	state     streamRecvState
	data      map[uint64][]byte // offset -> bytes, coalesced lazily on read
	received  rangeset
	readOffset uint64
	finalSize  uint64
	haveFinal  bool
	resetCode  AppErrorCode
}

// newStream constructs a Stream in the Ready/Recv state, spec.md Section 4.8.
func newStream(conn *Conn, id uint64, uni, readOnly, writeOnly bool, sendFlow, recvFlow *streamFlowControl) *Stream {
	return &Stream{
		id:        id,
		uni:       uni,
		readOnly:  readOnly,
		writeOnly: writeOnly,
		conn:      conn,
		sendFlow:  sendFlow,
		recvFlow:  recvFlow,
		recv:      recvBuffer{data: make(map[uint64][]byte)},
		readCond:  make(chan struct{}, 1),
		writeCond: make(chan struct{}, 1),
	}
}

// streamManager owns every Stream for a connection, spec.md Section 4.8.
type streamManager struct {
	mu sync.Mutex

	conn *Conn

	streams map[uint64]*Stream

	nextBidiLocal uint64
	nextUniLocal  uint64

	limits *streamLimits

	initialMaxStreamDataBidiLocal  uint64
	initialMaxStreamDataBidiRemote uint64
	initialMaxStreamDataUni        uint64

	streamWindow uint64

	clientInitiated bool // true if this endpoint is the client (always true for this module)
}

func newStreamManager(conn *Conn, maxBidi, maxUni, initBidiLocal, initBidiRemote, initUni, window uint64) *streamManager {
	return &streamManager{
		conn:                           conn,
		streams:                        make(map[uint64]*Stream),
		limits:                         newStreamLimits(maxBidi, maxUni),
		initialMaxStreamDataBidiLocal:  initBidiLocal,
		initialMaxStreamDataBidiRemote: initBidiRemote,
		initialMaxStreamDataUni:        initUni,
		streamWindow:                   window,
		clientInitiated:                true,
	}
}

// Open allocates the next stream ID in dir's class and returns it in the
// Ready/Recv state, spec.md Section 4.8's `open(dir)`.
func (m *streamManager) Open(dir StreamDir) (*Stream, error) {
	uni := dir == StreamUni
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.limits.canOpenLocal(uni) {
		return nil, newTransportError(errStreamLimit, "no streams available under peer MAX_STREAMS")
	}
	var index uint64
	if uni {
		index = m.nextUniLocal
	} else {
		index = m.nextBidiLocal
	}
	id := makeStreamID(m.clientInitiated, uni, index)

	var sendMax, recvMax uint64
	if uni {
		sendMax = m.initialMaxStreamDataUni
	} else {
		sendMax = m.initialMaxStreamDataBidiRemote
		recvMax = m.initialMaxStreamDataBidiLocal
	}
	sendFlow := newStreamFlowControl(sendMax, m.streamWindow)
	var recvFlow *streamFlowControl
	if !uni {
		recvFlow = newStreamFlowControl(recvMax, m.streamWindow)
	}

	s := newStream(m.conn, id, uni, false, uni, sendFlow, recvFlow)
	m.streams[id] = s
	m.limits.openedLocal(uni)
	if uni {
		m.nextUniLocal++
	} else {
		m.nextBidiLocal++
	}
	return s, nil
}

// remote looks up or lazily creates the Stream for a peer-initiated id,
// enforcing the MAX_STREAMS limit we have advertised.
func (m *streamManager) remote(id uint64) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[id]; ok {
		return s, nil
	}
	uni := isUniStream(id)
	if isClientInitiated(id) == m.clientInitiated {
		return nil, newTransportError(errStreamState, "peer used a locally-owned stream ID")
	}
	index := streamIndex(id)
	if err := m.limits.acceptRemote(uni, index); err != nil {
		return nil, err
	}

	var sendMax, recvMax uint64
	if uni {
		recvMax = m.initialMaxStreamDataUni
	} else {
		sendMax = m.initialMaxStreamDataBidiLocal
		recvMax = m.initialMaxStreamDataBidiRemote
	}
	var sendFlow *streamFlowControl
	if !uni {
		sendFlow = newStreamFlowControl(sendMax, m.streamWindow)
	}
	recvFlow := newStreamFlowControl(recvMax, m.streamWindow)

	s := newStream(m.conn, id, uni, uni, false, sendFlow, recvFlow)
	m.streams[id] = s
	return s, nil
}

// byID returns the stream for id if it already exists.
func (m *streamManager) byID(id uint64) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

func (m *streamManager) remove(id uint64) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}
