// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"math"
	"time"
)

// CUBIC constants, RFC 8312 Section 4.
const (
	cubicBeta = 0.7
	cubicC    = 0.4
)

// cubicSender implements RFC 8312 CUBIC with a TCP-friendly reservation
// floor, spec.md Section 4.6.
type cubicSender struct {
	cwndBytes     float64
	ssthreshBytes int
	bytesInFlight int
	wMax          float64
	k             float64
	epochStart    time.Time
	originPoint   float64
	underutilized bool
	inRecovery    bool
	recoveryStart time.Time
	hy            *hyStartState
}

func newCubicSender() *cubicSender {
	return &cubicSender{
		cwndBytes:     float64(initialWindowPackets * maxDatagramSize),
		ssthreshBytes: 1 << 62,
		hy:            newHyStartState(),
	}
}

func (s *cubicSender) onPacketSent(now time.Time, size int) {
	if !s.underutilized {
		s.bytesInFlight += size
	}
}

func (s *cubicSender) onAck(now time.Time, acked []*sentPacket, rtt *rttStats) {
	for _, p := range acked {
		if p.inFlight {
			s.bytesInFlight -= p.size
		}
		if s.bytesInFlight < 0 {
			s.bytesInFlight = 0
		}
		if int(s.cwndBytes) < s.ssthreshBytes {
			if s.hy.onRTTSample(rtt.latestRTT, rtt.minRTT) {
				s.ssthreshBytes = int(s.cwndBytes)
				s.enterCongestionAvoidance(now)
			} else {
				s.cwndBytes += float64(p.size)
			}
			continue
		}
		s.congestionAvoidanceAck(now, rtt)
	}
}

// enterCongestionAvoidance starts a new CUBIC epoch from the current
// window, used both on loss and on a HyStart++ slow-start exit.
func (s *cubicSender) enterCongestionAvoidance(now time.Time) {
	s.epochStart = now
	s.wMax = s.cwndBytes
	s.originPoint = s.wMax
	s.k = math.Cbrt(s.wMax * (1 - cubicBeta) / cubicC / float64(maxDatagramSize))
}

func (s *cubicSender) congestionAvoidanceAck(now time.Time, rtt *rttStats) {
	if s.epochStart.IsZero() {
		s.enterCongestionAvoidance(now)
	}
	t := now.Sub(s.epochStart).Seconds()
	rttSecs := rtt.smoothedRTT.Seconds()
	if rttSecs <= 0 {
		rttSecs = 0.1
	}
	// W(t) = C*(t-K)^3 + W_max (RFC 8312 Eq. 1), in packets, scaled to bytes.
	target := cubicC*math.Pow(t-s.k, 3)*float64(maxDatagramSize) + s.wMax

	// TCP-friendly region: W_tcp(t) = W_max*beta + 3*(1-beta)/(1+beta) * t/RTT.
	wTCP := s.wMax*cubicBeta + 3*(1-cubicBeta)/(1+cubicBeta)*(t/rttSecs)*float64(maxDatagramSize)
	if wTCP > target {
		target = wTCP
	}

	if target > s.cwndBytes {
		// Grow toward target by at most one segment's worth of credit per
		// RTT-fraction, approximated here as a per-ACK fractional step.
		step := (target - s.cwndBytes) / (s.cwndBytes / float64(maxDatagramSize))
		if step < 1 {
			step = 1
		}
		s.cwndBytes += step
	}
}

func (s *cubicSender) onLoss(now time.Time, lost []*sentPacket) {
	if len(lost) == 0 {
		return
	}
	for _, p := range lost {
		if p.inFlight {
			s.bytesInFlight -= p.size
		}
	}
	if s.bytesInFlight < 0 {
		s.bytesInFlight = 0
	}
	if s.inRecovery {
		return
	}
	s.inRecovery = true
	s.recoveryStart = now
	s.wMax = s.cwndBytes
	s.cwndBytes = s.cwndBytes * cubicBeta
	if s.cwndBytes < minCwnd {
		s.cwndBytes = minCwnd
	}
	s.ssthreshBytes = int(s.cwndBytes)
	s.enterCongestionAvoidance(now)
}

func (s *cubicSender) onPersistentCongestion() {
	s.cwndBytes = minCwnd
	s.ssthreshBytes = minCwnd
	s.wMax = 0
	s.inRecovery = false
}

func (s *cubicSender) onECNCE(count uint64) {
	if count == 0 || s.inRecovery {
		return
	}
	// Treat ECN-CE as an equivalent signal to loss, RFC 9002 Section 7.3,
	// without needing a sent-packet list or a fresh clock reading.
	s.inRecovery = true
	s.wMax = s.cwndBytes
	s.cwndBytes *= cubicBeta
	if s.cwndBytes < minCwnd {
		s.cwndBytes = minCwnd
	}
	s.ssthreshBytes = int(s.cwndBytes)
}

func (s *cubicSender) pacingRate() float64 { return 0 }

func (s *cubicSender) canSend(now time.Time, bytesInFlight int) int {
	cwnd := int(s.cwndBytes)
	if bytesInFlight >= cwnd {
		return 0
	}
	return cwnd - bytesInFlight
}

func (s *cubicSender) setUnderutilized(v bool) { s.underutilized = v }
func (s *cubicSender) cwnd() int               { return int(s.cwndBytes) }
func (s *cubicSender) ssthresh() int           { return s.ssthreshBytes }
func (s *cubicSender) hystart() *hyStartState  { return s.hy }
