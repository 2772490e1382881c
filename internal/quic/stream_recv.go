// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"bytes"
	"io"
)

// handleStreamFrame reassembles a received STREAM frame into the stream's
// gap-tracked buffer, spec.md Section 4.8: duplicate bytes in overlapping
// frames must be identical or the connection fails with
// PROTOCOL_VIOLATION.
func (s *Stream) handleStreamFrame(offset uint64, data []byte, fin bool) error {
	if s.writeOnly {
		return newTransportError(errStreamState, "STREAM frame on send-only stream")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	end := offset + uint64(len(data))
	if s.recv.haveFinal {
		if end > s.recv.finalSize || (fin && end != s.recv.finalSize) {
			return newTransportError(errFinalSize, "STREAM frame exceeds previously signaled final size")
		}
	}
	if s.recvFlow != nil {
		if err := s.recvFlow.addRecv(end); err != nil {
			return err
		}
	}

	if err := s.mergeOverlap(offset, data); err != nil {
		return err
	}
	s.recv.received.add(packetNumber(offset), packetNumber(end))

	if fin {
		if s.recv.haveFinal && s.recv.finalSize != end {
			return newTransportError(errFinalSize, "conflicting final size")
		}
		s.recv.haveFinal = true
		s.recv.finalSize = end
		if s.recv.state == recvRecv {
			s.recv.state = recvSizeKnown
		}
	}
	if s.recv.haveFinal {
		if max, ok := s.recv.received.max(); ok && uint64(max)+1 >= s.recv.finalSize && s.contiguousFrom(0, s.recv.finalSize) {
			s.recv.state = recvDataRecvd
		}
	}
	s.signalReadable()
	return nil
}

// mergeOverlap stores data at offset, checking that any byte range already
// held for this region matches exactly, per RFC 9000 Section 2.2.
func (s *Stream) mergeOverlap(offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if existing, ok := s.recv.data[offset]; ok && bytes.Equal(existing, data) {
		return nil
	}
	// Check for byte-for-byte consistency against any already-stored chunk
	// whose range overlaps [offset, offset+len(data)).
	for chunkOff, chunk := range s.recv.data {
		chunkEnd := chunkOff + uint64(len(chunk))
		dataEnd := offset + uint64(len(data))
		lo := maxU64(chunkOff, offset)
		hi := minU64(chunkEnd, dataEnd)
		if lo >= hi {
			continue
		}
		if !bytes.Equal(chunk[lo-chunkOff:hi-chunkOff], data[lo-offset:hi-offset]) {
			return newTransportError(errProtocolViolation, "overlapping STREAM bytes disagree")
		}
	}
	s.recv.data[offset] = append([]byte(nil), data...)
	return nil
}

// contiguousFrom reports whether [start, end) is covered by a single
// unbroken received range, i.e. there are no gaps left to fill.
func (s *Stream) contiguousFrom(start, end uint64) bool {
	if end == start {
		return true
	}
	return s.recv.received.numRanges() == 1 &&
		s.recv.received.contains(packetNumber(start)) &&
		s.recv.received.contains(packetNumber(end-1))
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// handleResetStream processes a peer RESET_STREAM frame, RFC 9000
// Section 3.2.
func (s *Stream) handleResetStream(code AppErrorCode, finalSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recv.haveFinal && s.recv.finalSize != finalSize {
		return newTransportError(errFinalSize, "RESET_STREAM final size conflicts with prior data")
	}
	s.recv.haveFinal = true
	s.recv.finalSize = finalSize
	s.recv.resetCode = code
	s.recv.state = recvResetRecvd
	s.recv.data = nil
	s.signalReadable()
	return nil
}

// Read returns the next contiguous bytes from the current read offset,
// spec.md Section 6's `stream.read`. It returns (0, io.EOF) once the final
// offset has been read, and a *ApplicationError if the peer reset the
// stream.
func (s *Stream) Read(p []byte) (int, error) {
	if s.writeOnly {
		return 0, newTransportError(errStreamState, "read on send-only stream")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recv.state == recvResetRecvd {
		s.recv.state = recvResetRead
		return 0, &ApplicationError{Code: s.recv.resetCode, Reason: "stream reset by peer"}
	}
	if s.recv.state == recvResetRead {
		return 0, &ApplicationError{Code: s.recv.resetCode, Reason: "stream reset by peer"}
	}

	chunk, ok := s.recv.data[s.recv.readOffset]
	if !ok {
		// A chunk stored at a lower offset may still cover readOffset when
		// frames arrived with overlapping boundaries.
		for off, c := range s.recv.data {
			if off < s.recv.readOffset && off+uint64(len(c)) > s.recv.readOffset {
				chunk, ok = c[s.recv.readOffset-off:], true
				delete(s.recv.data, off)
				s.recv.data[s.recv.readOffset] = chunk
				break
			}
		}
	}
	if !ok {
		if s.recv.haveFinal && s.recv.readOffset >= s.recv.finalSize {
			s.recv.state = recvDataRead
			return 0, io.EOF
		}
		return 0, nil // no contiguous data yet; caller should wait on a readiness signal
	}
	n := copy(p, chunk)
	if n == len(chunk) {
		delete(s.recv.data, s.recv.readOffset)
	} else {
		s.recv.data[s.recv.readOffset+uint64(n)] = chunk[n:]
		delete(s.recv.data, s.recv.readOffset)
	}
	s.recv.readOffset += uint64(n)

	if s.recvFlow != nil {
		if newMax, send := s.recvFlow.maybeExtend(); send {
			s.conn.queueControlFrame(Frame{Kind: kindMaxStreamData, StreamID: s.id, Max: newMax})
		}
	}
	if s.recv.haveFinal && s.recv.readOffset >= s.recv.finalSize && len(s.recv.data) == 0 {
		s.recv.state = recvDataRead
	}
	return n, nil
}

// StopSending requests the peer abort its send side with code, RFC 9000
// Section 3.5.
func (s *Stream) StopSending(code AppErrorCode) {
	s.conn.queueControlFrame(Frame{Kind: kindStopSending, StreamID: s.id, AppCode: code})
}

func (s *Stream) signalReadable() {
	select {
	case s.readCond <- struct{}{}:
	default:
	}
}

// recvDone reports whether the receive side has reached a terminal state.
func (s *Stream) recvDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.recv.state {
	case recvDataRead, recvResetRead:
		return true
	}
	return s.writeOnly
}
