// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"fmt"
)

// Write appends p to the stream's send buffer, marking it final if fin is
// set, RFC 9000 Section 2.2 and spec.md Section 6's `stream.write`. A
// stream that already signaled fin rejects further writes.
func (s *Stream) Write(p []byte, fin bool) (int, error) {
	if s.readOnly {
		return 0, newTransportError(errStreamState, "write on receive-only stream")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.send.state {
	case sendDataSent, sendDataRecvd, sendResetSent, sendResetRecvd:
		return 0, fmt.Errorf("quic: write after stream send side closed")
	}
	if s.send.haveFinal {
		return 0, fmt.Errorf("quic: write after FIN")
	}
	if len(p) == 0 && !fin {
		return 0, nil
	}

	s.send.data = append(s.send.data, p...)
	if s.send.state == sendReady {
		s.send.state = sendSend
	}
	if fin {
		s.send.fin = true
		s.send.haveFinal = true
		s.send.finalSize = s.send.sentOffset + uint64(len(s.send.data))
	}
	s.signalWritable()
	return len(p), nil
}

// Reset abruptly closes the send side with an application error code,
// RFC 9000 Section 3.1's RESET_STREAM transition and spec.md Section 4.8.
func (s *Stream) Reset(code AppErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.send.state {
	case sendResetSent, sendResetRecvd, sendDataRecvd:
		return
	}
	s.send.resetCode = code
	s.send.state = sendResetSent
	if !s.send.haveFinal {
		s.send.finalSize = s.send.sentOffset + uint64(len(s.send.data))
		s.send.haveFinal = true
	}
	s.send.data = nil
	s.signalWritable()
}

// pendingFrame builds the next STREAM or RESET_STREAM frame to send within
// maxLen bytes, or reports nothing to send. Called by the connection's send
// path once per stream per scheduling turn, spec.md Section 4.11's frame
// dispatch.
func (s *Stream) pendingFrame(maxLen int) (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.send.state == sendResetSent {
		return Frame{
			Kind:      kindResetStream,
			StreamID:  s.id,
			AppCode:   s.send.resetCode,
			FinalSize: s.send.finalSize,
		}, true
	}

	if len(s.send.data) == 0 && !(s.send.fin && s.send.state == sendSend) {
		return Frame{}, false
	}

	credit := uint64(maxLen)
	if s.sendFlow != nil {
		if c := s.sendFlow.canSend(); c < credit {
			credit = c
		}
	}
	n := uint64(len(s.send.data))
	if n > credit {
		n = credit
	}
	fin := s.send.fin && n == uint64(len(s.send.data))
	if n == 0 && !fin {
		return Frame{}, false
	}

	data := append([]byte(nil), s.send.data[:n]...)
	f := Frame{
		Kind:     kindStream,
		StreamID: s.id,
		Offset:   s.send.sentOffset,
		Data:     data,
		Fin:      fin,
	}

	s.send.data = s.send.data[n:]
	s.send.sentOffset += n
	if s.sendFlow != nil {
		s.sendFlow.addSent(n)
	}
	if fin {
		s.send.state = sendDataSent
	}
	return f, true
}

// ackStreamFrame marks [offset, offset+len(data)) as acknowledged, possibly
// completing the stream's send side, RFC 9000 Section 3.1.
func (s *Stream) ackStreamFrame(offset uint64, n int, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := offset + uint64(n)
	if end > s.send.ackedOffset {
		s.send.ackedOffset = end
	}
	if fin && s.send.state == sendDataSent && s.send.ackedOffset >= s.send.finalSize {
		s.send.state = sendDataRecvd
	}
}

// ackResetStream transitions ResetSent to ResetRecvd once the peer has
// acknowledged the RESET_STREAM frame.
func (s *Stream) ackResetStream() {
	s.mu.Lock()
	if s.send.state == sendResetSent {
		s.send.state = sendResetRecvd
	}
	s.mu.Unlock()
}

// handleStopSending processes a peer STOP_SENDING frame by resetting our
// send side, RFC 9000 Section 3.5.
func (s *Stream) handleStopSending(code AppErrorCode) {
	s.Reset(code)
}

func (s *Stream) signalWritable() {
	select {
	case s.writeCond <- struct{}{}:
	default:
	}
}

// pendingSendBytes reports how many unsent bytes sit in the send buffer,
// used by the connection's multipath scheduler to size a turn's chunk
// split across paths.
func (s *Stream) pendingSendBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.send.data)
}

// sendDone reports whether the send side has reached a terminal state.
func (s *Stream) sendDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.send.state {
	case sendDataRecvd, sendResetRecvd:
		return true
	}
	return s.readOnly
}
