// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "sync"

// connFlowControl is the connection-level send/receive flow controller,
// RFC 9000 Section 4 and spec.md Section 4.7 (component C7).
type connFlowControl struct {
	mu sync.Mutex

	// send side: how much we are permitted to send, per the peer's MAX_DATA.
	sendMax  uint64 // highest limit the peer has granted
	sendUsed uint64 // total bytes sent across all streams
	sendBlocked bool // whether a DATA_BLOCKED is pending for the current limit

	// receive side: how much the peer may send us.
	recvMax     uint64 // limit we have advertised via MAX_DATA
	recvUsed    uint64 // total bytes received across all streams
	recvWindow  uint64 // the window size we maintain (recvMax grows by this)
}

func newConnFlowControl(initialMax, window uint64) *connFlowControl {
	return &connFlowControl{
		sendMax:    initialMax,
		recvMax:    window,
		recvWindow: window,
	}
}

// canSend reports how many more bytes may be sent before hitting the peer's
// MAX_DATA limit.
func (f *connFlowControl) canSend() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendUsed >= f.sendMax {
		return 0
	}
	return f.sendMax - f.sendUsed
}

// addSent records n bytes sent against the connection-level send credit.
func (f *connFlowControl) addSent(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendUsed += n
}

// setSendMax processes a MAX_DATA frame from the peer. Decreases are
// ignored, RFC 9000 Section 4.1.
func (f *connFlowControl) setSendMax(max uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if max > f.sendMax {
		f.sendMax = max
		f.sendBlocked = false
	}
}

// blockedAt returns the limit to encode in a DATA_BLOCKED frame, and reports
// whether one is newly due (canSend()==0 and we have not already reported
// blocking at this limit).
func (f *connFlowControl) blockedAt() (limit uint64, shouldSend bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendUsed < f.sendMax || f.sendBlocked {
		return 0, false
	}
	f.sendBlocked = true
	return f.sendMax, true
}

// addRecv records that the peer has sent data up to offsetEnd and reports a
// transport error if that end offset exceeds our advertised MAX_DATA.
func (f *connFlowControl) addRecv(offsetEnd uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offsetEnd > f.recvMax {
		return newTransportError(errFlowControl, "peer exceeded connection MAX_DATA")
	}
	if offsetEnd > f.recvUsed {
		f.recvUsed = offsetEnd
	}
	return nil
}

// maybeExtend returns a new MAX_DATA value to send if the receive window
// should grow (spec.md 4.7: extend once half the window has been consumed),
// or (0, false) if no update is due.
func (f *connFlowControl) maybeExtend() (newMax uint64, shouldSend bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	threshold := f.recvMax - f.recvWindow/2
	if f.recvUsed < threshold {
		return 0, false
	}
	f.recvMax = f.recvUsed + f.recvWindow
	return f.recvMax, true
}

// streamFlowControl is the per-stream analog of connFlowControl, tracking
// MAX_STREAM_DATA / STREAM_DATA_BLOCKED, spec.md Section 4.7.
type streamFlowControl struct {
	mu sync.Mutex

	sendMax     uint64
	sendUsed    uint64
	sendBlocked bool

	recvMax    uint64
	recvUsed   uint64
	recvWindow uint64
}

func newStreamFlowControl(initialMax, window uint64) *streamFlowControl {
	return &streamFlowControl{
		sendMax:    initialMax,
		recvMax:    window,
		recvWindow: window,
	}
}

func (f *streamFlowControl) canSend() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendUsed >= f.sendMax {
		return 0
	}
	return f.sendMax - f.sendUsed
}

func (f *streamFlowControl) addSent(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendUsed += n
}

func (f *streamFlowControl) setSendMax(max uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if max > f.sendMax {
		f.sendMax = max
		f.sendBlocked = false
	}
}

func (f *streamFlowControl) blockedAt() (limit uint64, shouldSend bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendUsed < f.sendMax || f.sendBlocked {
		return 0, false
	}
	f.sendBlocked = true
	return f.sendMax, true
}

func (f *streamFlowControl) addRecv(offsetEnd uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offsetEnd > f.recvMax {
		return newTransportError(errFlowControl, "peer exceeded stream MAX_STREAM_DATA")
	}
	if offsetEnd > f.recvUsed {
		f.recvUsed = offsetEnd
	}
	return nil
}

func (f *streamFlowControl) maybeExtend() (newMax uint64, shouldSend bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	threshold := f.recvMax - f.recvWindow/2
	if f.recvUsed < threshold {
		return 0, false
	}
	f.recvMax = f.recvUsed + f.recvWindow
	return f.recvMax, true
}

// streamLimits tracks the number of streams the peer may open, by
// directionality, RFC 9000 Section 4.6 and spec.md Section 4.7.
type streamLimits struct {
	mu sync.Mutex

	// local limits we grant the peer (MAX_STREAMS we send).
	maxBidiRemote uint64
	openedBidiRemote uint64
	maxUniRemote  uint64
	openedUniRemote uint64

	// remote limits granted to us (MAX_STREAMS we have received).
	maxBidiLocal uint64
	openedBidiLocal uint64
	maxUniLocal  uint64
	openedUniLocal uint64
}

func newStreamLimits(initialBidi, initialUni uint64) *streamLimits {
	return &streamLimits{
		maxBidiRemote: initialBidi,
		maxUniRemote:  initialUni,
	}
}

// canOpenLocal reports whether we may open another stream of the given
// directionality under the peer-granted limit.
func (l *streamLimits) canOpenLocal(uni bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uni {
		return l.openedUniLocal < l.maxUniLocal
	}
	return l.openedBidiLocal < l.maxBidiLocal
}

func (l *streamLimits) openedLocal(uni bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uni {
		l.openedUniLocal++
	} else {
		l.openedBidiLocal++
	}
}

// acceptRemote reports whether the peer may open a stream with the given
// directionality and zero-based index, returning a transport error if the
// peer exceeded the limit we advertised.
func (l *streamLimits) acceptRemote(uni bool, index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uni {
		if index >= l.maxUniRemote {
			return newTransportError(errStreamLimit, "peer exceeded uni MAX_STREAMS")
		}
		if index+1 > l.openedUniRemote {
			l.openedUniRemote = index + 1
		}
	} else {
		if index >= l.maxBidiRemote {
			return newTransportError(errStreamLimit, "peer exceeded bidi MAX_STREAMS")
		}
		if index+1 > l.openedBidiRemote {
			l.openedBidiRemote = index + 1
		}
	}
	return nil
}

func (l *streamLimits) setMaxLocal(uni bool, max uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uni {
		if max > l.maxUniLocal {
			l.maxUniLocal = max
		}
	} else if max > l.maxBidiLocal {
		l.maxBidiLocal = max
	}
}

// maybeExtendRemote returns a new MAX_STREAMS value to grant the peer once
// it has opened at least half of its current allowance, or (0, false) if
// none is due.
func (l *streamLimits) maybeExtendRemote(uni bool) (newMax uint64, shouldSend bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if uni {
		if l.openedUniRemote*2 < l.maxUniRemote {
			return 0, false
		}
		l.maxUniRemote += l.maxUniRemote
		return l.maxUniRemote, true
	}
	if l.openedBidiRemote*2 < l.maxBidiRemote {
		return 0, false
	}
	l.maxBidiRemote += l.maxBidiRemote
	return l.maxBidiRemote, true
}
