// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"
	"time"
)

func allAlgorithms() []CongestionAlgorithm {
	return []CongestionAlgorithm{CongestionNewReno, CongestionCubic, CongestionBBRv2}
}

func TestCongestionControllerInitialWindow(t *testing.T) {
	for _, algo := range allAlgorithms() {
		cc := newCongestionController(algo)
		if got := cc.cwnd(); got < minCwnd {
			t.Errorf("%v: initial cwnd = %d, below minCwnd %d", algo, got, minCwnd)
		}
	}
}

func TestCongestionControllerNeverBelowMinCwnd(t *testing.T) {
	now := time.Now()
	for _, algo := range allAlgorithms() {
		cc := newCongestionController(algo)
		rtt := &rttStats{smoothedRTT: 50 * time.Millisecond, minRTT: 50 * time.Millisecond, latestRTT: 50 * time.Millisecond}

		// Drive repeated loss episodes; cwnd must never fall under minCwnd.
		for i := 0; i < 20; i++ {
			sent := &sentPacket{size: maxDatagramSize, inFlight: true, sentTime: now}
			cc.onPacketSent(now, sent.size)
			cc.onLoss(now, []*sentPacket{sent})
			cc.onPersistentCongestion()
			now = now.Add(rtt.smoothedRTT)
			if got := cc.cwnd(); got < minCwnd {
				t.Fatalf("%v: cwnd = %d fell below minCwnd %d after loss/persistent congestion", algo, got, minCwnd)
			}
		}
	}
}

func TestCongestionControllerSlowStartGrowsOnAck(t *testing.T) {
	now := time.Now()
	for _, algo := range allAlgorithms() {
		cc := newCongestionController(algo)
		initial := cc.cwnd()
		rtt := &rttStats{smoothedRTT: 20 * time.Millisecond, minRTT: 20 * time.Millisecond, latestRTT: 20 * time.Millisecond}

		var acked []*sentPacket
		for i := 0; i < 4; i++ {
			sent := &sentPacket{size: maxDatagramSize, inFlight: true, sentTime: now}
			cc.onPacketSent(now, sent.size)
			acked = append(acked, sent)
		}
		now = now.Add(rtt.smoothedRTT)
		cc.onAck(now, acked, rtt)

		if got := cc.cwnd(); got <= initial && algo != CongestionBBRv2 {
			t.Errorf("%v: cwnd did not grow on ack in slow start: got %d, started at %d", algo, got, initial)
		}
	}
}

func TestCongestionControllerLossShrinksWindow(t *testing.T) {
	now := time.Now()
	for _, algo := range []CongestionAlgorithm{CongestionNewReno, CongestionCubic} {
		cc := newCongestionController(algo)
		before := cc.cwnd()
		sent := &sentPacket{size: maxDatagramSize, inFlight: true, sentTime: now}
		cc.onPacketSent(now, sent.size)
		cc.onLoss(now, []*sentPacket{sent})
		after := cc.cwnd()
		if after >= before {
			t.Errorf("%v: cwnd did not shrink on loss: before=%d after=%d", algo, before, after)
		}
	}
}

func TestBBRStartsInStartupState(t *testing.T) {
	bbr := newBBRv2Sender()
	if bbr.state != bbrStartup {
		t.Fatalf("new BBRv2 sender should start in Startup, got %v", bbr.state)
	}
}

func TestBBRIgnoresIsolatedLossUntilPersistentCongestion(t *testing.T) {
	now := time.Now()
	bbr := newBBRv2Sender()
	before := bbr.cwnd()
	sent := &sentPacket{size: maxDatagramSize, inFlight: true, sentTime: now}
	bbr.onPacketSent(now, sent.size)
	bbr.onLoss(now, []*sentPacket{sent})
	if got := bbr.cwnd(); got != before {
		t.Fatalf("BBR cwnd should be unaffected by isolated loss: before=%d after=%d", before, got)
	}
}

func TestHyStartExitsSlowStartOnIncipientQueueing(t *testing.T) {
	h := newHyStartState()
	minRTT := 20 * time.Millisecond
	exited := false
	for round := 0; round < 6; round++ {
		h.onRoundStart(packetNumber(round * 10))
		for sample := 0; sample < hystartMinSamples; sample++ {
			delay := minRTT
			if round > 0 {
				delay = minRTT + 20*time.Millisecond // well past the hystart threshold
			}
			if h.onRTTSample(delay, minRTT) {
				exited = true
			}
		}
	}
	if !exited {
		t.Fatalf("HyStart++ never signaled slow-start exit despite sustained incipient queueing")
	}
}
