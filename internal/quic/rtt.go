// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// kGranularity is the system timer granularity, RFC 9002 Section 6.1.2.
const kGranularity = time.Millisecond

// rttStats tracks round-trip time samples for one path, RFC 9002 Section 5.
type rttStats struct {
	latestRTT   time.Duration
	minRTT      time.Duration
	smoothedRTT time.Duration
	rttvar      time.Duration
	firstSample bool
}

// updateRTT folds in a new sample, RFC 9002 Section 5.3. ackDelay is the
// peer-reported, unscaled-then-converted ACK delay; it is not subtracted
// from minRTT (min_rtt is a monotonic floor over raw samples) but is
// subtracted from the adjusted sample used for srtt/rttvar when it would
// not push the adjusted sample below min_rtt.
func (r *rttStats) updateRTT(sample time.Duration, ackDelay time.Duration) {
	if sample <= 0 {
		return
	}
	r.latestRTT = sample
	if !r.firstSample {
		r.firstSample = true
		r.minRTT = sample
		r.smoothedRTT = sample
		r.rttvar = sample / 2
		return
	}
	if sample < r.minRTT {
		r.minRTT = sample
	}
	adjusted := sample
	if adjusted-r.minRTT >= ackDelay {
		adjusted -= ackDelay
	}
	// rttvar = 3/4*rttvar + 1/4*|srtt - adjusted|
	diff := r.smoothedRTT - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.rttvar = (r.rttvar*3 + diff) / 4
	// srtt = 7/8*srtt + 1/8*adjusted
	r.smoothedRTT = (r.smoothedRTT*7 + adjusted) / 8
}

// ptoDuration computes the Probe Timeout duration, RFC 9002 Section 6.2.1.
// maxAckDelay is 0 for Initial/Handshake spaces, per spec.md Section 4.5.
func (r *rttStats) ptoDuration(maxAckDelay time.Duration) time.Duration {
	rttvar4 := 4 * r.rttvar
	if rttvar4 < kGranularity {
		rttvar4 = kGranularity
	}
	return r.smoothedRTT + rttvar4 + maxAckDelay
}

// lossDelay computes the time-threshold loss window, RFC 9002 Section 6.1.2:
// max(9/8 * max(srtt, latestRTT), kGranularity).
func (r *rttStats) lossDelay() time.Duration {
	base := r.smoothedRTT
	if r.latestRTT > base {
		base = r.latestRTT
	}
	d := base * 9 / 8
	if d < kGranularity {
		d = kGranularity
	}
	return d
}

// hyStartState implements HyStart++ incipient-queueing detection during
// slow start, spec.md Section 4.6. It is shared by NewReno and CUBIC, both
// of which delegate their slow-start exit decision to it.
type hyStartState struct {
	enabled        bool
	roundStart     packetNumber // largest sent at the start of the current round
	roundMinRTT    time.Duration
	lastRoundMinRTT time.Duration
	sampleCount    int
	conservative   bool // in the CSS (conservative slow start) phase

	minRTTDivisor int // kMinDelay/kMaxDelay bounds
}

const (
	hystartMinSamples  = 8
	hystartMinDelay    = 4 * time.Millisecond
	hystartMaxDelay    = 16 * time.Millisecond
	hystartCSSRounds   = 5
)

func newHyStartState() *hyStartState {
	return &hyStartState{enabled: true}
}

// onRoundStart is called when a new RTT round begins (largest sent packet
// at round start has just been acknowledged).
func (h *hyStartState) onRoundStart(largestSent packetNumber) {
	h.lastRoundMinRTT = h.roundMinRTT
	h.roundMinRTT = 0
	h.sampleCount = 0
	h.roundStart = largestSent
}

// onRTTSample folds an RTT sample into the current round and reports
// whether slow start should exit due to incipient queueing.
func (h *hyStartState) onRTTSample(sample, minRTT time.Duration) (shouldExit bool) {
	if !h.enabled {
		return false
	}
	if h.roundMinRTT == 0 || sample < h.roundMinRTT {
		h.roundMinRTT = sample
	}
	h.sampleCount++
	if h.sampleCount < hystartMinSamples || h.lastRoundMinRTT == 0 {
		return false
	}
	threshold := minRTT / 16
	if threshold < hystartMinDelay {
		threshold = hystartMinDelay
	}
	if threshold > hystartMaxDelay {
		threshold = hystartMaxDelay
	}
	return h.roundMinRTT >= h.lastRoundMinRTT+threshold
}
