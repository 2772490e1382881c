// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// packetFate is the final disposition of a sent packet.
type packetFate int

const (
	packetAcked packetFate = iota
	packetLost
	packetDiscarded
)

// sentPacket is the logical record of a packet we sent, tracked until it is
// acknowledged, declared lost, or discarded when its key space is dropped.
// Unlike the teacher's packetWriter, which serializes sent frames into a
// byte buffer for later replay (conn_loss.go's sent.next()/sent.done()),
// this keeps a typed []Frame slice: handleAckOrLoss switches over Frame.Kind
// directly instead of re-parsing a private wire encoding.
type sentPacket struct {
	space        numberSpace
	number       packetNumber
	pathID       int
	frames       []Frame
	sentTime     time.Time
	size         int
	ackEliciting bool
	inFlight     bool
}
