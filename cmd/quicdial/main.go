// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command quicdial opens a QUIC connection to a server, writes one line on
// a bidirectional stream, reads back the echo, and prints connection
// statistics on exit. It calls Dial, OpenStream, Stream.Write, Stream.Read,
// SendDatagram, RecvDatagram, Events, Stats and Close; Conn.Migrate and
// Stream.Reset have no caller here.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quanta-transport/quic/internal/quic"
)

var (
	addr          string
	alpn          []string
	message       string
	insecure      bool
	idleTimeout   time.Duration
	congestion    string
	multipathFlag bool
	datagramEcho  bool
	verbose       bool
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// RootCmd is the main command for the quicdial binary.
var RootCmd = &cobra.Command{
	Use:   "quicdial",
	Short: "dial a QUIC endpoint and exchange one line over a stream",
	RunE:  runDial,
}

func init() {
	flags := RootCmd.Flags()
	flags.StringVarP(&addr, "addr", "a", "127.0.0.1:4433", "host:port to dial")
	flags.StringSliceVar(&alpn, "alpn", []string{"quicdial"}, "ALPN protocols to offer")
	flags.StringVarP(&message, "message", "m", "hello", "line to write on the stream")
	flags.BoolVar(&insecure, "insecure", false, "skip server certificate verification")
	flags.DurationVar(&idleTimeout, "idle-timeout", 30*time.Second, "max idle timeout")
	flags.StringVar(&congestion, "congestion", "cubic", "congestion controller: newreno, cubic, bbr")
	flags.BoolVar(&multipathFlag, "multipath", false, "offer multipath support")
	flags.BoolVar(&datagramEcho, "datagram", false, "also send and await one unreliable datagram")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

func runDial(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	algo, err := parseCongestionAlgorithm(congestion)
	if err != nil {
		return err
	}

	cfg := quic.DefaultConfig()
	cfg.TLSConfig = &tls.Config{InsecureSkipVerify: insecure}
	cfg.MaxIdleTimeout = idleTimeout
	cfg.CongestionAlgorithm = algo
	cfg.EnableMultipath = multipathFlag
	cfg.MaxDatagramFrameSize = 1200
	cfg.Logger = logger
	cfg.Metrics = quic.NewMetrics(nil)
	cfg.Tickets = quic.NewTicketCache(0)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	conn, err := quic.Dial(ctx, addr, alpn, cfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close(0, "done")

	go logEvents(conn)

	stream, err := conn.OpenStream(quic.StreamBidi)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if _, err := stream.Write([]byte(strings.TrimRight(message, "\n")+"\n"), true); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}

	reply, err := readLine(stream)
	if err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	fmt.Fprintf(os.Stdout, "stream echo: %s\n", reply)

	if datagramEcho {
		if err := conn.SendDatagram([]byte(message)); err != nil {
			logger.WithError(err).Warn("send datagram")
		} else {
			dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
			data, err := conn.RecvDatagram(dctx)
			dcancel()
			if err != nil {
				logger.WithError(err).Warn("recv datagram")
			} else {
				fmt.Fprintf(os.Stdout, "datagram echo: %s\n", data)
			}
		}
	}

	stats := conn.Stats()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func readLine(s *quic.Stream) (string, error) {
	r := bufio.NewReader(streamReader{s})
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\n"), nil
}

// streamReader adapts *quic.Stream.Read to io.Reader for bufio.
type streamReader struct{ s *quic.Stream }

func (r streamReader) Read(p []byte) (int, error) { return r.s.Read(p) }

func logEvents(conn *quic.Conn) {
	for ev := range conn.Events() {
		logrus.WithFields(logrus.Fields{
			"stream_id": ev.StreamID,
			"path_id":   ev.PathID,
		}).Debug(ev.String())
	}
}

func parseCongestionAlgorithm(s string) (quic.CongestionAlgorithm, error) {
	switch strings.ToLower(s) {
	case "newreno":
		return quic.CongestionNewReno, nil
	case "cubic":
		return quic.CongestionCubic, nil
	case "bbr", "bbrv2":
		return quic.CongestionBBRv2, nil
	default:
		return 0, fmt.Errorf("unknown congestion controller %q", s)
	}
}
