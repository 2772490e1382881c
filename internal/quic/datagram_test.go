// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "testing"

func TestDatagramQueueSendRequiresNegotiatedSupport(t *testing.T) {
	q := newDatagramQueue(0)
	if err := q.Send([]byte("hi")); err == nil {
		t.Fatalf("Send should fail when the peer never negotiated DATAGRAM support")
	}
}

func TestDatagramQueueSendRejectsOversizedFrame(t *testing.T) {
	q := newDatagramQueue(4)
	if err := q.Send([]byte("hello")); err == nil {
		t.Fatalf("Send should reject a payload larger than the negotiated max_datagram_frame_size")
	}
	if err := q.Send([]byte("hi")); err != nil {
		t.Fatalf("Send within the limit should succeed: %v", err)
	}
}

func TestDatagramQueueSendRecvRoundTrip(t *testing.T) {
	q := newDatagramQueue(1200)
	if err := q.Send([]byte("a")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := q.Send([]byte("b")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p, ok := q.nextToSend()
	if !ok || string(p) != "a" {
		t.Fatalf("nextToSend() = %q, %v, want \"a\", true (FIFO order)", p, ok)
	}
	p, ok = q.nextToSend()
	if !ok || string(p) != "b" {
		t.Fatalf("nextToSend() = %q, %v, want \"b\", true", p, ok)
	}
	if _, ok := q.nextToSend(); ok {
		t.Fatalf("nextToSend() on an empty queue should report false")
	}
}

func TestDatagramQueueDeliverAndRecv(t *testing.T) {
	q := newDatagramQueue(1200)
	q.deliver([]byte("x"))
	q.deliver([]byte("y"))
	p, ok := q.Recv()
	if !ok || string(p) != "x" {
		t.Fatalf("Recv() = %q, %v, want \"x\", true (FIFO order)", p, ok)
	}
}

func TestDatagramQueueHeadDropsOnOverflow(t *testing.T) {
	q := newDatagramQueue(1200)
	for i := 0; i < maxDatagramQueueLen+5; i++ {
		if err := q.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	if len(q.sendQ) != maxDatagramQueueLen {
		t.Fatalf("sendQ length = %d, want bounded to %d", len(q.sendQ), maxDatagramQueueLen)
	}
	sendDropped, _ := q.droppedCounts()
	if sendDropped != 5 {
		t.Fatalf("sendDropped = %d, want 5", sendDropped)
	}
	// The oldest 5 entries (0..4) should have been dropped; the queue must
	// now start at byte(5).
	p, _ := q.nextToSend()
	if p[0] != 5 {
		t.Fatalf("oldest surviving datagram = %d, want 5 (head-drop semantics)", p[0])
	}
}

func TestDatagramQueueRecvHeadDropsOnOverflow(t *testing.T) {
	q := newDatagramQueue(1200)
	for i := 0; i < maxDatagramQueueLen+3; i++ {
		q.deliver([]byte{byte(i)})
	}
	_, recvDropped := q.droppedCounts()
	if recvDropped != 3 {
		t.Fatalf("recvDropped = %d, want 3", recvDropped)
	}
	p, _ := q.Recv()
	if p[0] != 3 {
		t.Fatalf("oldest surviving received datagram = %d, want 3", p[0])
	}
}
