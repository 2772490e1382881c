// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// EventKind names the category of an Event, spec.md Section 6.
type EventKind int

const (
	EventConnectionEstablished EventKind = iota
	EventHandshakeConfirmed
	EventStreamOpened
	EventStreamClosed
	EventPathValidated
	EventPathChallenge
	EventDatagramReceived
	EventKeyUpdated
	EventConnectionClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionEstablished:
		return "ConnectionEstablished"
	case EventHandshakeConfirmed:
		return "HandshakeConfirmed"
	case EventStreamOpened:
		return "StreamOpened"
	case EventStreamClosed:
		return "StreamClosed"
	case EventPathValidated:
		return "PathValidated"
	case EventPathChallenge:
		return "PathChallenge"
	case EventDatagramReceived:
		return "DatagramReceived"
	case EventKeyUpdated:
		return "KeyUpdated"
	case EventConnectionClosed:
		return "ConnectionClosed"
	case EventError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is one application-facing notification delivered on Conn.Events(),
// spec.md Section 6.
type Event struct {
	Kind EventKind

	StreamID uint64
	PathID   int

	Code   AppErrorCode
	TCode  TransportErrorCode
	Reason string

	Err error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

// eventSink fans one internal emit(Event) call out to the application
// channel and the structured logger, spec.md Section 4.14: "the logger and
// the event channel are two independent consumers of one internal
// emit(Event) call."
type eventSink struct {
	ch     chan Event
	logger *connLogger
}

const eventChannelCapacity = 64

func newEventSink(logger *connLogger) *eventSink {
	return &eventSink{
		ch:     make(chan Event, eventChannelCapacity),
		logger: logger,
	}
}

func (s *eventSink) emit(e Event) {
	if s.logger != nil {
		s.logger.logEvent(e)
	}
	select {
	case s.ch <- e:
	default:
		// Application is not draining events fast enough; drop rather than
		// block the connection's single event loop.
	}
}
