// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// newRenoSender implements the NewReno congestion controller, spec.md
// Section 4.6: slow start until loss or cwnd >= ssthresh, multiplicative
// decrease on loss, additive increase per ACK in congestion avoidance.
type newRenoSender struct {
	cwndBytes      int
	ssthreshBytes  int
	bytesInFlight  int
	inRecovery     bool
	recoveryStart  time.Time
	underutilized  bool
	hy             *hyStartState
}

func newNewRenoSender() *newRenoSender {
	return &newRenoSender{
		cwndBytes:     initialWindowPackets * maxDatagramSize,
		ssthreshBytes: 1 << 62,
		hy:            newHyStartState(),
	}
}

func (s *newRenoSender) onPacketSent(now time.Time, size int) {
	if !s.underutilized {
		s.bytesInFlight += size
	}
}

func (s *newRenoSender) onAck(now time.Time, acked []*sentPacket, rtt *rttStats) {
	for _, p := range acked {
		if p.inFlight {
			s.bytesInFlight -= p.size
		}
		if s.bytesInFlight < 0 {
			s.bytesInFlight = 0
		}
		if !p.sentTime.IsZero() && s.inRecovery && p.sentTime.Before(s.recoveryStart) {
			continue // packet sent before recovery started does not grow the window
		}
		if s.cwndBytes < s.ssthreshBytes {
			// Slow start: grow by the full segment size per ACK, unless
			// HyStart++ has detected incipient queueing.
			if s.hy.onRTTSample(rtt.latestRTT, rtt.minRTT) {
				s.ssthreshBytes = s.cwndBytes
			} else {
				s.cwndBytes += p.size
			}
		} else {
			// Congestion avoidance: cwnd += max_datagram_size*acked/cwnd.
			s.cwndBytes += maxDatagramSize * p.size / s.cwndBytes
		}
	}
	s.inRecovery = s.bytesInFlight > 0 && s.cwndBytes < s.ssthreshBytes && s.inRecovery
}

func (s *newRenoSender) onLoss(now time.Time, lost []*sentPacket) {
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
		return // already in a recovery period; one cwnd cut per episode
	}
	s.inRecovery = true
	s.recoveryStart = now
	s.ssthreshBytes = s.cwndBytes / 2
	if s.ssthreshBytes < minCwnd {
		s.ssthreshBytes = minCwnd
	}
	s.cwndBytes = s.ssthreshBytes
}

func (s *newRenoSender) onPersistentCongestion() {
	s.cwndBytes = minCwnd
	s.ssthreshBytes = minCwnd
	s.inRecovery = false
}

func (s *newRenoSender) onECNCE(count uint64) {
	if count == 0 {
		return
	}
	// Treat ECN-CE as an equivalent signal to loss, RFC 9002 Section 7.3.
	if s.inRecovery {
		return
	}
	s.inRecovery = true
	s.ssthreshBytes = s.cwndBytes / 2
	if s.ssthreshBytes < minCwnd {
		s.ssthreshBytes = minCwnd
	}
	s.cwndBytes = s.ssthreshBytes
}

func (s *newRenoSender) pacingRate() float64 { return 0 }

func (s *newRenoSender) canSend(now time.Time, bytesInFlight int) int {
	if bytesInFlight >= s.cwndBytes {
		return 0
	}
	return s.cwndBytes - bytesInFlight
}

func (s *newRenoSender) setUnderutilized(v bool) { s.underutilized = v }
func (s *newRenoSender) cwnd() int               { return s.cwndBytes }
func (s *newRenoSender) ssthresh() int           { return s.ssthreshBytes }
func (s *newRenoSender) hystart() *hyStartState  { return s.hy }
