// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

const (
	defaultAckDelayExponent = 3
	defaultMaxAckDelay      = 25 * time.Millisecond
	maxAckRangesPerFrame    = 32
)

// ackTracker records received packet numbers for one numberSpace and decides
// when to send an ACK frame, RFC 9000 Section 13.2 and spec.md Section 4.4.
type ackTracker struct {
	received    rangeset
	ect0, ect1, ce uint64
	sawECN      bool

	ackElicitingSinceLastAck int
	maxAckDelay              time.Duration
	ackDelayExponent         uint8

	firstUnackedTime time.Time // time the oldest unacked ack-eliciting packet arrived
	deadline         time.Time // time by which an ACK must be sent
}

func newAckTracker(space numberSpace) *ackTracker {
	t := &ackTracker{
		maxAckDelay:      defaultMaxAckDelay,
		ackDelayExponent: defaultAckDelayExponent,
	}
	if space != appDataSpace {
		t.maxAckDelay = 0 // Initial/Handshake ACKs are sent immediately
	}
	return t
}

// largestSeen returns the largest packet number observed in this space, or
// -1 if none.
func (t *ackTracker) largestSeen() packetNumber {
	if n, ok := t.received.max(); ok {
		return n
	}
	return -1
}

// receive records that packet n (ack-eliciting or not) arrived at time now,
// with the given ECN marking (0 = not-ECT, 1 = ECT(1), 2 = ECT(0), 3 = CE).
// It reports whether n is a duplicate (already-processed replay), which
// spec.md Section 3's packet-number-space invariant requires rejecting.
func (t *ackTracker) receive(now time.Time, n packetNumber, ackEliciting bool, ecn byte) (duplicate bool) {
	if t.received.contains(n) {
		return true
	}
	t.received.add(n, n+1)
	switch ecn {
	case 1:
		t.ect1++
		t.sawECN = true
	case 2:
		t.ect0++
		t.sawECN = true
	case 3:
		t.ce++
		t.sawECN = true
	}
	if ackEliciting {
		t.ackElicitingSinceLastAck++
		if t.firstUnackedTime.IsZero() {
			t.firstUnackedTime = now
		}
		if t.maxAckDelay == 0 {
			t.deadline = now
		} else if t.deadline.IsZero() {
			t.deadline = now.Add(t.maxAckDelay)
		}
		// RFC 9000 13.2.1: send immediately if this is the 2nd ack-eliciting
		// packet queued, to avoid ACK-only trains building up.
		if t.ackElicitingSinceLastAck >= 2 {
			t.deadline = now
		}
	}
	return false
}

// shouldSendAck reports whether an ACK is due at time now.
func (t *ackTracker) shouldSendAck(now time.Time) bool {
	if t.deadline.IsZero() {
		return false
	}
	return !now.Before(t.deadline)
}

// nextDeadline returns the time the next ACK must be sent, or the zero
// Time if none is pending.
func (t *ackTracker) nextDeadline() time.Time { return t.deadline }

// acksToSend returns the descending ACK ranges to encode and the delay
// since the oldest unacked packet arrived, or (nil, 0) if there is nothing
// to acknowledge.
func (t *ackTracker) acksToSend(now time.Time) ([]ackRange, time.Duration) {
	if t.received.isEmpty() {
		return nil, 0
	}
	ranges := make([]ackRange, 0, t.received.numRanges())
	for i := len(t.received.rs) - 1; i >= 0 && len(ranges) < maxAckRangesPerFrame; i-- {
		r := t.received.rs[i]
		ranges = append(ranges, ackRange{smallest: r.start, largest: r.end - 1})
	}
	var delay time.Duration
	if !t.firstUnackedTime.IsZero() {
		delay = now.Sub(t.firstUnackedTime)
	}
	return ranges, delay
}

// sentAck resets the pending-ACK bookkeeping after an ACK frame has been
// queued for transmission.
func (t *ackTracker) sentAck() {
	t.ackElicitingSinceLastAck = 0
	t.firstUnackedTime = time.Time{}
	t.deadline = time.Time{}
}

// ecnCounts returns the ECN counters to encode in an ACK frame, and whether
// any ECN-marked packet has been received in this space (spec.md 4.4).
func (t *ackTracker) ecnCounts() (ect0, ect1, ce uint64, ok bool) {
	return t.ect0, t.ect1, t.ce, t.sawECN
}

// unscaledAckDelayFromDuration converts a wall-clock delay into the scaled
// integer carried on the wire, RFC 9000 Section 19.3.
func unscaledAckDelayFromDuration(d time.Duration, exponent uint8) uint64 {
	if d < 0 {
		d = 0
	}
	return uint64(d.Microseconds()) >> exponent
}

// durationFromUnscaledAckDelay is the inverse conversion, used when
// processing a received ACK frame.
func durationFromUnscaledAckDelay(v uint64, exponent uint8) time.Duration {
	return time.Duration(v<<exponent) * time.Microsecond
}
