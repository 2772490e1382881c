// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilRegistryIsUsable(t *testing.T) {
	m := NewMetrics(nil)
	require.NotNil(t, m)
	m.onBytesSent(100)
	m.onLoss(1)
	m.onPTO()
	m.onPathValidated()
	m.onDatagramDropped(true)
	m.onFrameSent(kindPing)
}

func TestMetricsOnBytesSentIncrementsCounter(t *testing.T) {
	m := NewMetrics(nil)
	m.onBytesSent(100)
	m.onBytesSent(50)
	require.Equal(t, float64(150), testutil.ToFloat64(m.bytesSent))
}

func TestMetricsOnFrameSentLabelsByKind(t *testing.T) {
	m := NewMetrics(nil)
	m.onFrameSent(kindStream)
	m.onFrameSent(kindStream)
	m.onFrameSent(kindAck)
	require.Equal(t, float64(2), testutil.ToFloat64(m.framesSent.WithLabelValues("stream")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.framesSent.WithLabelValues("ack")))
}

func TestMetricsOnDatagramDroppedDirectionLabel(t *testing.T) {
	m := NewMetrics(nil)
	m.onDatagramDropped(true)
	m.onDatagramDropped(false)
	m.onDatagramDropped(false)
	require.Equal(t, float64(1), testutil.ToFloat64(m.datagramsDropped.WithLabelValues("send")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.datagramsDropped.WithLabelValues("recv")))
}

func TestMetricsSetPathGauges(t *testing.T) {
	m := NewMetrics(nil)
	m.setPathGauges(0, 12000, 4000, 0.025)
	require.Equal(t, float64(12000), testutil.ToFloat64(m.cwnd.WithLabelValues("0")))
	require.Equal(t, float64(4000), testutil.ToFloat64(m.bytesInFlight.WithLabelValues("0")))
	require.Equal(t, 0.025, testutil.ToFloat64(m.smoothedRTT.WithLabelValues("0")))
}

func TestPathIDLabel(t *testing.T) {
	require.Equal(t, "0", pathIDLabel(0))
	require.Equal(t, "7", pathIDLabel(7))
	require.Equal(t, "12", pathIDLabel(12))
	require.Equal(t, "123", pathIDLabel(123))
}

func TestFrameKindLabelKnownAndUnknown(t *testing.T) {
	require.Equal(t, "stream", frameKindLabel(kindStream))
	require.Equal(t, "path_challenge", frameKindLabel(kindPathChallenge))
	require.Equal(t, "unknown", frameKindLabel(frameKind(255)))
}
