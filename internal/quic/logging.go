// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"github.com/sirupsen/logrus"
)

// connLogger wraps a logrus.FieldLogger pre-tagged with conn_id, spec.md
// Section 4.14: "every state transition, frame dispatch decision,
// loss/PTO event, and path validation step emits a structured logrus entry
// ... tagged with conn_id, path_id, and space fields."
type connLogger struct {
	base logrus.FieldLogger
}

func newConnLogger(base logrus.FieldLogger, connID string) *connLogger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &connLogger{base: base.WithField("conn_id", connID)}
}

func (l *connLogger) withPath(pathID int) logrus.FieldLogger {
	return l.base.WithField("path_id", pathID)
}

func (l *connLogger) withSpace(space numberSpace) logrus.FieldLogger {
	return l.base.WithField("space", space.String())
}

// logEvent routes an Event to the appropriate level, spec.md Section 4.14's
// level mapping: Debug for frame-level detail, Info for lifecycle
// transitions, Warn for recoverable anomalies, Error for transport-error
// closes.
func (l *connLogger) logEvent(e Event) {
	fields := logrus.Fields{"kind": e.Kind.String(), "path_id": e.PathID}
	if e.StreamID != 0 {
		fields["stream_id"] = e.StreamID
	}
	entry := l.base.WithFields(fields)

	switch e.Kind {
	case EventConnectionEstablished, EventHandshakeConfirmed, EventStreamOpened,
		EventStreamClosed, EventPathValidated, EventKeyUpdated:
		entry.Info(e.Kind.String())
	case EventPathChallenge, EventDatagramReceived:
		entry.Debug(e.Kind.String())
	case EventConnectionClosed:
		if e.TCode != errNo && e.TCode != 0 {
			entry.WithField("code", e.TCode.String()).Error("connection closed")
		} else {
			entry.WithField("code", e.Code).Info("connection closed")
		}
	case EventError:
		entry.WithError(e.Err).Warn("recoverable anomaly")
	default:
		entry.Debug(e.Kind.String())
	}
}

// frameLog emits a Debug entry describing one dispatched frame, used by
// the connection's receive path for per-frame tracing.
func (l *connLogger) frameLog(space numberSpace, f Frame) {
	l.withSpace(space).WithField("frame", f.String()).Debug("frame dispatched")
}
