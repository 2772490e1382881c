// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "sync"

// maxDatagramQueueLen bounds the per-connection DATAGRAM queues, spec.md
// Section 4.12: "bounded per-connection queue; on overflow, drop oldest
// (head-drop) and report."
const maxDatagramQueueLen = 256

// datagramQueue implements RFC 9221's unreliable datagram surface,
// spec.md Section 4.12 (component C12): DATAGRAM frames are subject to
// congestion control and share the path send budget, but never consume
// connection-level flow control (MAX_DATA).
type datagramQueue struct {
	mu sync.Mutex

	maxFrameSize int // 0 if the peer did not negotiate max_datagram_frame_size

	sendQ [][]byte
	recvQ [][]byte

	sendDropped uint64
	recvDropped uint64

	sendReady chan struct{}
	recvReady chan struct{}
}

func newDatagramQueue(maxFrameSize int) *datagramQueue {
	return &datagramQueue{
		maxFrameSize: maxFrameSize,
		sendReady:    make(chan struct{}, 1),
		recvReady:    make(chan struct{}, 1),
	}
}

// Send enqueues p for transmission, spec.md Section 6's `send_datagram`.
// It fails if the peer has not negotiated datagram support or p exceeds
// the negotiated max_datagram_frame_size.
func (q *datagramQueue) Send(p []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxFrameSize == 0 {
		return newTransportError(errProtocolViolation, "peer did not negotiate DATAGRAM support")
	}
	if len(p) > q.maxFrameSize {
		return newTransportError(errProtocolViolation, "datagram exceeds negotiated max_datagram_frame_size")
	}
	if len(q.sendQ) >= maxDatagramQueueLen {
		q.sendQ = q.sendQ[1:]
		q.sendDropped++
	}
	q.sendQ = append(q.sendQ, append([]byte(nil), p...))
	q.signal(q.sendReady)
	return nil
}

// nextToSend pops the oldest queued outgoing datagram, or reports false if
// the queue is empty.
func (q *datagramQueue) nextToSend() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.sendQ) == 0 {
		return nil, false
	}
	p := q.sendQ[0]
	q.sendQ = q.sendQ[1:]
	return p, true
}

// deliver enqueues a received DATAGRAM frame's payload, head-dropping on
// overflow, spec.md Section 4.12.
func (q *datagramQueue) deliver(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.recvQ) >= maxDatagramQueueLen {
		q.recvQ = q.recvQ[1:]
		q.recvDropped++
	}
	q.recvQ = append(q.recvQ, p)
	q.signal(q.recvReady)
}

// Recv pops the oldest received datagram, or reports false if none is
// queued, spec.md Section 6's `recv_datagram`.
func (q *datagramQueue) Recv() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.recvQ) == 0 {
		return nil, false
	}
	p := q.recvQ[0]
	q.recvQ = q.recvQ[1:]
	return p, true
}

// droppedCounts reports cumulative head-drops on both directions, exposed
// via ConnectionStats.
func (q *datagramQueue) droppedCounts() (sendDropped, recvDropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sendDropped, q.recvDropped
}

func (q *datagramQueue) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
