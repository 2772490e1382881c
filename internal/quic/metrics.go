// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics registers a fixed set of prometheus collectors, spec.md
// Section 4.15. The connection's send and receive paths (conn_send.go,
// conn_recv.go) update it in the same turn as the state they report — no
// separate polling loop. The congestion controller and loss detector do not
// call it, and observeRTT, onLoss, onBytesRetransmitted and
// onDatagramDropped have no caller, so those collectors stay at zero.
type Metrics struct {
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	bytesRetransmitted prometheus.Counter
	framesSent        *prometheus.CounterVec
	lossEvents        prometheus.Counter
	ptoEvents         prometheus.Counter
	pathValidations   prometheus.Counter
	datagramsDropped  *prometheus.CounterVec

	cwnd          *prometheus.GaugeVec
	bytesInFlight *prometheus.GaugeVec
	smoothedRTT   *prometheus.GaugeVec

	rttSample prometheus.Histogram
}

// NewMetrics registers every collector against reg, spec.md Section 4.15.
// Passing a nil registry is valid: the collectors are created and count as
// usual but are registered nowhere (useful for tests and callers that do not
// want a global default registry touched).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_bytes_sent_total", Help: "Total bytes sent on the wire.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_bytes_received_total", Help: "Total bytes received from the wire.",
		}),
		bytesRetransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_bytes_retransmitted_total", Help: "Total bytes sent in retransmitted frames.",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quic_frames_sent_total", Help: "Frames sent, by kind.",
		}, []string{"kind"}),
		lossEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_loss_events_total", Help: "Packets declared lost.",
		}),
		ptoEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_pto_events_total", Help: "Probe Timeout expirations.",
		}),
		pathValidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quic_path_validations_total", Help: "Successful path validations.",
		}),
		datagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quic_datagrams_dropped_total", Help: "DATAGRAM frames dropped, by direction.",
		}, []string{"direction"}),
		cwnd: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quic_cwnd_bytes", Help: "Current congestion window, per path.",
		}, []string{"path_id"}),
		bytesInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quic_bytes_in_flight", Help: "Bytes currently in flight, per path.",
		}, []string{"path_id"}),
		smoothedRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quic_smoothed_rtt_seconds", Help: "Smoothed RTT, per path.",
		}, []string{"path_id"}),
		rttSample: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "quic_rtt_sample_seconds", Help: "Individual RTT samples.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.bytesSent, m.bytesReceived, m.bytesRetransmitted,
			m.framesSent, m.lossEvents, m.ptoEvents, m.pathValidations,
			m.datagramsDropped, m.cwnd, m.bytesInFlight, m.smoothedRTT, m.rttSample)
	}
	return m
}

func (m *Metrics) onBytesSent(n int)          { m.bytesSent.Add(float64(n)) }
func (m *Metrics) onBytesReceived(n int)      { m.bytesReceived.Add(float64(n)) }
func (m *Metrics) onBytesRetransmitted(n int) { m.bytesRetransmitted.Add(float64(n)) }

func (m *Metrics) onFrameSent(kind frameKind) {
	m.framesSent.WithLabelValues(frameKindLabel(kind)).Inc()
}

func (m *Metrics) onLoss(n int)          { m.lossEvents.Add(float64(n)) }
func (m *Metrics) onPTO()                { m.ptoEvents.Inc() }
func (m *Metrics) onPathValidated()      { m.pathValidations.Inc() }

func (m *Metrics) onDatagramDropped(send bool) {
	dir := "recv"
	if send {
		dir = "send"
	}
	m.datagramsDropped.WithLabelValues(dir).Inc()
}

func (m *Metrics) setPathGauges(pathID int, cwnd, bytesInFlight int, smoothedRTTSeconds float64) {
	label := pathIDLabel(pathID)
	m.cwnd.WithLabelValues(label).Set(float64(cwnd))
	m.bytesInFlight.WithLabelValues(label).Set(float64(bytesInFlight))
	m.smoothedRTT.WithLabelValues(label).Set(smoothedRTTSeconds)
}

func (m *Metrics) observeRTT(seconds float64) { m.rttSample.Observe(seconds) }

func pathIDLabel(id int) string {
	const digits = "0123456789"
	if id < 10 {
		return digits[id : id+1]
	}
	// Multipath path counts are small in practice; fall back to a simple
	// decimal conversion for the rare double-digit case.
	var buf []byte
	for id > 0 {
		buf = append([]byte{digits[id%10]}, buf...)
		id /= 10
	}
	return string(buf)
}

func frameKindLabel(k frameKind) string {
	switch k {
	case kindPadding:
		return "padding"
	case kindPing:
		return "ping"
	case kindAck:
		return "ack"
	case kindResetStream:
		return "reset_stream"
	case kindStopSending:
		return "stop_sending"
	case kindCrypto:
		return "crypto"
	case kindNewToken:
		return "new_token"
	case kindStream:
		return "stream"
	case kindMaxData:
		return "max_data"
	case kindMaxStreamData:
		return "max_stream_data"
	case kindMaxStreams:
		return "max_streams"
	case kindDataBlocked:
		return "data_blocked"
	case kindStreamDataBlocked:
		return "stream_data_blocked"
	case kindStreamsBlocked:
		return "streams_blocked"
	case kindNewConnectionID:
		return "new_connection_id"
	case kindRetireConnectionID:
		return "retire_connection_id"
	case kindPathChallenge:
		return "path_challenge"
	case kindPathResponse:
		return "path_response"
	case kindConnectionClose:
		return "connection_close"
	case kindHandshakeDone:
		return "handshake_done"
	case kindDatagram:
		return "datagram"
	default:
		return "unknown"
	}
}
