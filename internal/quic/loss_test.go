// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
	"time"
)

func TestLossRecoveryOnPacketSentTracksBytesInFlight(t *testing.T) {
	l := newLossRecovery(CongestionNewReno)
	now := time.Now()
	l.onPacketSent(now, &sentPacket{space: appDataSpace, number: 0, size: 1200, inFlight: true, ackEliciting: true, sentTime: now})
	if l.bytesInFlight != 1200 {
		t.Fatalf("bytesInFlight = %d, want 1200", l.bytesInFlight)
	}
	l.onPacketSent(now, &sentPacket{space: appDataSpace, number: 1, size: 100, inFlight: false, sentTime: now})
	if l.bytesInFlight != 1200 {
		t.Fatalf("bytesInFlight after non-in-flight send = %d, want unchanged 1200", l.bytesInFlight)
	}
}

func TestLossRecoveryAckClearsBytesInFlightAndUpdatesRTT(t *testing.T) {
	l := newLossRecovery(CongestionNewReno)
	now := time.Now()
	sent := &sentPacket{space: appDataSpace, number: 0, size: 1200, inFlight: true, ackEliciting: true, sentTime: now}
	l.onPacketSent(now, sent)

	now = now.Add(20 * time.Millisecond)
	acked, lost := l.onAckReceived(now, appDataSpace, []ackRange{{smallest: 0, largest: 0}}, 0)
	if len(lost) != 0 {
		t.Fatalf("unexpected loss on first ack: %v", lost)
	}
	if len(acked) != 1 || acked[0] != sent {
		t.Fatalf("onAckReceived did not return the acknowledged packet")
	}
	if l.bytesInFlight != 0 {
		t.Fatalf("bytesInFlight after ack = %d, want 0", l.bytesInFlight)
	}
	if l.rtt.latestRTT != 20*time.Millisecond {
		t.Fatalf("rtt.latestRTT = %v, want 20ms", l.rtt.latestRTT)
	}
}

func TestLossRecoveryPacketThresholdLoss(t *testing.T) {
	l := newLossRecovery(CongestionNewReno)
	now := time.Now()
	for n := packetNumber(0); n <= 4; n++ {
		l.onPacketSent(now, &sentPacket{space: appDataSpace, number: n, size: 100, inFlight: true, ackEliciting: true, sentTime: now})
	}
	// Ack only packet 4: packets 0 and 1 are at least packetThreshold (3)
	// below the largest acked and are declared lost immediately, even though
	// no time has passed; packets 2 and 3 are not.
	_, lost := l.onAckReceived(now, appDataSpace, []ackRange{{smallest: 4, largest: 4}}, 0)
	if len(lost) != 2 {
		t.Fatalf("packet-threshold loss: got %d lost packets, want 2 (packets 0 and 1)", len(lost))
	}
	if lost[0].number > 1 || lost[1].number > 1 {
		t.Fatalf("packet-threshold loss declared wrong packets lost: %d and %d, want 0 and 1", lost[0].number, lost[1].number)
	}
}

func TestLossRecoveryTimeThresholdLoss(t *testing.T) {
	l := newLossRecovery(CongestionNewReno)
	now := time.Now()
	l.rtt.smoothedRTT = 10 * time.Millisecond
	l.rtt.rttvar = 2 * time.Millisecond
	l.rtt.minRTT = 10 * time.Millisecond

	l.onPacketSent(now, &sentPacket{space: appDataSpace, number: 0, size: 100, inFlight: true, ackEliciting: true, sentTime: now})
	later := now.Add(l.rtt.lossDelay() + time.Millisecond)
	l.onPacketSent(later, &sentPacket{space: appDataSpace, number: 1, size: 100, inFlight: true, ackEliciting: true, sentTime: later})

	_, lost := l.onAckReceived(later, appDataSpace, []ackRange{{smallest: 1, largest: 1}}, 0)
	if len(lost) != 1 || lost[0].number != 0 {
		t.Fatalf("time-threshold loss: got %v, want packet 0 lost", lost)
	}
}

func TestLossRecoveryPersistentCongestion(t *testing.T) {
	l := newLossRecovery(CongestionNewReno)
	now := time.Now()
	l.rtt.smoothedRTT = 10 * time.Millisecond
	l.rtt.rttvar = 0
	l.rtt.minRTT = 10 * time.Millisecond

	pto := l.rtt.ptoDuration(defaultMaxAckDelay)
	window := pto * persistentCongestionDurationFactor

	first := now
	second := now.Add(window + time.Millisecond)
	l.onPacketSent(first, &sentPacket{space: appDataSpace, number: 0, size: 100, inFlight: true, ackEliciting: true, sentTime: first})
	l.onPacketSent(second, &sentPacket{space: appDataSpace, number: 1, size: 100, inFlight: true, ackEliciting: true, sentTime: second})

	// Ack a third packet sent after both, far enough past both senders'
	// loss delay that packet-threshold declares them both lost together.
	third := second.Add(time.Millisecond)
	l.onPacketSent(third, &sentPacket{space: appDataSpace, number: 2, size: 100, inFlight: true, ackEliciting: true, sentTime: third})
	for n := packetNumber(3); n <= 5; n++ {
		l.onPacketSent(third, &sentPacket{space: appDataSpace, number: n, size: 100, inFlight: true, ackEliciting: true, sentTime: third})
	}

	before := l.cc.cwnd()
	_, lost := l.onAckReceived(third, appDataSpace, []ackRange{{smallest: 5, largest: 5}}, 0)
	if len(lost) < 2 {
		t.Fatalf("expected at least 2 packets lost spanning the persistent congestion window, got %d", len(lost))
	}
	if got := l.cc.cwnd(); got > before && got != minCwnd {
		t.Fatalf("cwnd after persistent congestion = %d, want collapse to roughly minCwnd (was %d)", got, before)
	}
}

func TestLossRecoveryPTODeadlineBacksOffExponentially(t *testing.T) {
	l := newLossRecovery(CongestionNewReno)
	l.handshakeConfirmed = true
	now := time.Now()
	l.rtt.smoothedRTT = 10 * time.Millisecond
	l.rtt.rttvar = 0
	l.rtt.minRTT = 10 * time.Millisecond
	l.onPacketSent(now, &sentPacket{space: appDataSpace, number: 0, size: 100, inFlight: true, ackEliciting: true, sentTime: now})

	d0, ok := l.ptoDeadline(now)
	if !ok {
		t.Fatalf("ptoDeadline should be set while bytes are in flight")
	}
	base := d0.Sub(now)

	l.ptoExpired()
	d1, ok := l.ptoDeadline(now)
	if !ok {
		t.Fatalf("ptoDeadline should remain set after one PTO expiry")
	}
	if got := d1.Sub(now); got < base*2-time.Microsecond {
		t.Fatalf("PTO deadline did not double after one backoff: base=%v got=%v", base, got)
	}
}

func TestLossRecoveryPTODeadlineUnsetWithNothingInFlight(t *testing.T) {
	l := newLossRecovery(CongestionNewReno)
	if _, ok := l.ptoDeadline(time.Now()); ok {
		t.Fatalf("ptoDeadline should be unset with no bytes in flight")
	}
}

func TestLossRecoveryDiscardSpaceClearsInFlightBytes(t *testing.T) {
	l := newLossRecovery(CongestionNewReno)
	now := time.Now()
	l.onPacketSent(now, &sentPacket{space: initialSpace, number: 0, size: 200, inFlight: true, ackEliciting: true, sentTime: now})
	l.onPacketSent(now, &sentPacket{space: appDataSpace, number: 0, size: 300, inFlight: true, ackEliciting: true, sentTime: now})
	l.discardSpace(initialSpace)
	if l.bytesInFlight != 300 {
		t.Fatalf("bytesInFlight after discardSpace(initial) = %d, want 300", l.bytesInFlight)
	}
	if len(l.spaces[initialSpace].sent) != 0 {
		t.Fatalf("discardSpace should clear the space's sent map")
	}
}

func TestLossRecoveryLossTimerSetWhileInFlight(t *testing.T) {
	l := newLossRecovery(CongestionNewReno)
	l.handshakeConfirmed = true
	now := time.Now()
	l.rtt.smoothedRTT = 10 * time.Millisecond
	l.rtt.rttvar = 0
	l.rtt.minRTT = 10 * time.Millisecond

	l.onPacketSent(now, &sentPacket{space: appDataSpace, number: 0, size: 100, inFlight: true, ackEliciting: true, sentTime: now})
	l.onPacketSent(now, &sentPacket{space: appDataSpace, number: 1, size: 100, inFlight: true, ackEliciting: true, sentTime: now})
	// Run detectLoss with nothing acked yet: no loss time is set, so
	// lossTimer falls back to the PTO deadline of the packets in flight.
	l.detectLoss(now, l.spaces[appDataSpace])

	deadline, kind := l.lossTimer(now)
	if deadline.IsZero() {
		t.Fatalf("lossTimer should report a deadline while packets are outstanding")
	}
	if kind != timerAckDelay && kind != timerPTO {
		t.Fatalf("unexpected lossDetectionTimerKind %v", kind)
	}
}
