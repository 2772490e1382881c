// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// bbrState is the BBRv2 state machine phase, spec.md Section 4.6.
type bbrState int

const (
	bbrStartup bbrState = iota
	bbrDrain
	bbrProbeBW
	bbrProbeRTT
)

const (
	bbrStartupGain   = 2.885 // 2/ln(2), standard BBR startup pacing/cwnd gain
	bbrDrainGain     = 1 / 2.885
	bbrProbeRTTDuration = 200 * time.Millisecond
	bbrProbeRTTInterval = 10 * time.Second
	bbrProbeRTTCwndPackets = 4
)

// bbrProbeBWCycle is the standard 8-phase pacing gain cycle.
var bbrProbeBWCycle = [8]float64{1.25, 0.75, 1, 1, 1, 1, 1, 1}

// bbrv2Sender implements a structurally faithful (if simplified) BBRv2:
// windowed max bandwidth, windowed min RTT, a Startup/Drain/ProbeBW/ProbeRTT
// state machine, spec.md Section 4.6.
type bbrv2Sender struct {
	state bbrState

	bwSamples      [10]float64 // windowed max delivery rate, bytes/sec
	bwSampleIdx    int
	maxBW          float64

	rtPropSamples  [10]time.Duration
	rtPropIdx      int
	rtProp         time.Duration
	rtPropStamp    time.Time
	probeRTTDoneAt time.Time
	inProbeRTT     bool

	cycleIdx      int
	cycleStart    time.Time

	bytesInFlight int
	underutilized bool

	lastSendTime  time.Time
	deliveredBytes int64
}

func newBBRv2Sender() *bbrv2Sender {
	return &bbrv2Sender{state: bbrStartup, rtProp: -1}
}

func (s *bbrv2Sender) bdp() float64 {
	if s.rtProp <= 0 || s.maxBW <= 0 {
		return float64(initialWindowPackets * maxDatagramSize)
	}
	return s.maxBW * s.rtProp.Seconds()
}

func (s *bbrv2Sender) gain() (cwndGain, pacingGain float64) {
	switch s.state {
	case bbrStartup:
		return bbrStartupGain, bbrStartupGain
	case bbrDrain:
		return bbrStartupGain, bbrDrainGain
	case bbrProbeRTT:
		return 1, 1
	default:
		return 2, bbrProbeBWCycle[s.cycleIdx%len(bbrProbeBWCycle)]
	}
}

func (s *bbrv2Sender) onPacketSent(now time.Time, size int) {
	if !s.underutilized {
		s.bytesInFlight += size
	}
	s.lastSendTime = now
}

func (s *bbrv2Sender) onAck(now time.Time, acked []*sentPacket, rtt *rttStats) {
	if len(acked) == 0 {
		return
	}
	var ackedBytes int
	var elapsed time.Duration
	for _, p := range acked {
		if p.inFlight {
			s.bytesInFlight -= p.size
		}
		ackedBytes += p.size
		if !p.sentTime.IsZero() {
			d := now.Sub(p.sentTime)
			if d > elapsed {
				elapsed = d
			}
		}
	}
	if s.bytesInFlight < 0 {
		s.bytesInFlight = 0
	}
	if elapsed > 0 {
		rate := float64(ackedBytes) / elapsed.Seconds()
		s.bwSamples[s.bwSampleIdx%len(s.bwSamples)] = rate
		s.bwSampleIdx++
		s.maxBW = 0
		for _, v := range s.bwSamples {
			if v > s.maxBW {
				s.maxBW = v
			}
		}
	}

	if rtt.latestRTT > 0 {
		s.rtPropSamples[s.rtPropIdx%len(s.rtPropSamples)] = rtt.latestRTT
		s.rtPropIdx++
		min := time.Duration(-1)
		for _, v := range s.rtPropSamples {
			if v > 0 && (min < 0 || v < min) {
				min = v
			}
		}
		if min > 0 {
			s.rtProp = min
			s.rtPropStamp = now
		}
	}

	s.advanceStateMachine(now)
}

func (s *bbrv2Sender) advanceStateMachine(now time.Time) {
	switch s.state {
	case bbrStartup:
		// Exit Startup once bandwidth growth has plateaued (approximated:
		// once we have enough samples that the window is full and stable).
		if s.bwSampleIdx >= len(s.bwSamples) {
			s.state = bbrDrain
		}
	case bbrDrain:
		if float64(s.bytesInFlight) <= s.bdp() {
			s.state = bbrProbeBW
			s.cycleStart = now
		}
	case bbrProbeBW:
		if s.rtPropStamp.IsZero() || now.Sub(s.rtPropStamp) > bbrProbeRTTInterval {
			s.state = bbrProbeRTT
			s.inProbeRTT = true
			s.probeRTTDoneAt = now.Add(bbrProbeRTTDuration)
			return
		}
		if now.Sub(s.cycleStart) > s.rtProp {
			s.cycleIdx++
			s.cycleStart = now
		}
	case bbrProbeRTT:
		if now.After(s.probeRTTDoneAt) {
			s.state = bbrProbeBW
			s.inProbeRTT = false
			s.cycleStart = now
			s.rtPropStamp = now
		}
	}
}

func (s *bbrv2Sender) onLoss(now time.Time, lost []*sentPacket) {
	for _, p := range lost {
		if p.inFlight {
			s.bytesInFlight -= p.size
		}
	}
	if s.bytesInFlight < 0 {
		s.bytesInFlight = 0
	}
	// BBR does not react to isolated loss the way loss-based controllers
	// do; persistent loss is reflected through reduced maxBW samples over
	// subsequent rounds instead of an immediate cwnd cut.
}

func (s *bbrv2Sender) onPersistentCongestion() {
	s.maxBW = 0
	for i := range s.bwSamples {
		s.bwSamples[i] = 0
	}
	s.state = bbrStartup
}

func (s *bbrv2Sender) onECNCE(count uint64) {
	if count == 0 {
		return
	}
	s.maxBW *= 0.9
}

func (s *bbrv2Sender) pacingRate() float64 {
	_, pacingGain := s.gain()
	if s.maxBW <= 0 {
		return 0
	}
	return s.maxBW * pacingGain
}

func (s *bbrv2Sender) canSend(now time.Time, bytesInFlight int) int {
	cwndGain, _ := s.gain()
	cwnd := int(cwndGain*s.bdp()) + 3*maxDatagramSize // headroom
	if s.state == bbrProbeRTT {
		cwnd = bbrProbeRTTCwndPackets * maxDatagramSize
	}
	if cwnd < minCwnd {
		cwnd = minCwnd
	}
	if bytesInFlight >= cwnd {
		return 0
	}
	return cwnd - bytesInFlight
}

func (s *bbrv2Sender) setUnderutilized(v bool) { s.underutilized = v }

func (s *bbrv2Sender) cwnd() int {
	cwndGain, _ := s.gain()
	cwnd := int(cwndGain*s.bdp()) + 3*maxDatagramSize
	if cwnd < minCwnd {
		cwnd = minCwnd
	}
	return cwnd
}

func (s *bbrv2Sender) ssthresh() int          { return s.cwnd() }
func (s *bbrv2Sender) hystart() *hyStartState { return nil }
