// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// TransportErrorCode is a QUIC transport error code, RFC 9000 Section 20.1.
type TransportErrorCode uint64

const (
	errNo                     TransportErrorCode = 0x0
	errInternal               TransportErrorCode = 0x1
	errConnectionRefused      TransportErrorCode = 0x2
	errFlowControl            TransportErrorCode = 0x3
	errStreamLimit            TransportErrorCode = 0x4
	errStreamState            TransportErrorCode = 0x5
	errFinalSize              TransportErrorCode = 0x6
	errFrameEncoding          TransportErrorCode = 0x7
	errTransportParameter     TransportErrorCode = 0x8
	errConnectionIDLimit      TransportErrorCode = 0x9
	errProtocolViolation      TransportErrorCode = 0xa
	errInvalidToken           TransportErrorCode = 0xb
	errApplication            TransportErrorCode = 0xc
	errCryptoBufferExceeded   TransportErrorCode = 0xd
	errKeyUpdate              TransportErrorCode = 0xe
	errAEADLimitReached       TransportErrorCode = 0xf
	errNoViablePath           TransportErrorCode = 0x10
	errCryptoAlertBase        TransportErrorCode = 0x100 // + TLS alert
)

func (c TransportErrorCode) String() string {
	switch c {
	case errNo:
		return "NO_ERROR"
	case errInternal:
		return "INTERNAL_ERROR"
	case errConnectionRefused:
		return "CONNECTION_REFUSED"
	case errFlowControl:
		return "FLOW_CONTROL_ERROR"
	case errStreamLimit:
		return "STREAM_LIMIT_ERROR"
	case errStreamState:
		return "STREAM_STATE_ERROR"
	case errFinalSize:
		return "FINAL_SIZE_ERROR"
	case errFrameEncoding:
		return "FRAME_ENCODING_ERROR"
	case errTransportParameter:
		return "TRANSPORT_PARAMETER_ERROR"
	case errConnectionIDLimit:
		return "CONNECTION_ID_LIMIT_ERROR"
	case errProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case errInvalidToken:
		return "INVALID_TOKEN"
	case errApplication:
		return "APPLICATION_ERROR"
	case errCryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED"
	case errKeyUpdate:
		return "KEY_UPDATE_ERROR"
	case errAEADLimitReached:
		return "AEAD_LIMIT_REACHED"
	case errNoViablePath:
		return "NO_VIABLE_PATH"
	}
	if c >= errCryptoAlertBase {
		return fmt.Sprintf("CRYPTO_ERROR(0x%x)", uint64(c-errCryptoAlertBase))
	}
	return fmt.Sprintf("UNKNOWN_ERROR(0x%x)", uint64(c))
}

// AppErrorCode is an opaque 62-bit application error code,
// carried in CONNECTION_CLOSE (type 0x1d) or RESET_STREAM frames.
type AppErrorCode uint64

// TransportError is a connection-level error that causes the connection
// to close with a CONNECTION_CLOSE frame at the appropriate encryption level.
type TransportError struct {
	Code   TransportErrorCode
	Frame  uint64 // frame type that triggered the error, 0 if none
	Reason string
}

func (e *TransportError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("quic: %v", e.Code)
	}
	return fmt.Sprintf("quic: %v: %s", e.Code, e.Reason)
}

func newTransportError(code TransportErrorCode, reason string) *TransportError {
	return &TransportError{Code: code, Reason: reason}
}

// ApplicationError is an application-signaled close, carried in a
// CONNECTION_CLOSE frame of type 0x1d or a RESET_STREAM frame.
type ApplicationError struct {
	Code   AppErrorCode
	Reason string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("quic: application error 0x%x: %s", uint64(e.Code), e.Reason)
}

// ConfigError reports an invalid Config value, rejected before any I/O.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("quic: invalid config field %s: %s", e.Field, e.Reason)
}

// errStatelessReset is a sentinel used internally when a stateless reset
// token is recognized; per spec.md Section 7 this causes immediate close
// with no CONNECTION_CLOSE emission.
var errStatelessReset = fmt.Errorf("quic: stateless reset observed")

// ErrConnectionClosed is returned by pending reads/writes when the
// connection closes, wrapping the terminal reason.
type ErrConnectionClosed struct {
	Transport   *TransportError
	Application *ApplicationError
}

func (e *ErrConnectionClosed) Error() string {
	switch {
	case e.Application != nil:
		return e.Application.Error()
	case e.Transport != nil:
		return e.Transport.Error()
	default:
		return "quic: connection closed"
	}
}

func (e *ErrConnectionClosed) Unwrap() error {
	if e.Application != nil {
		return e.Application
	}
	if e.Transport != nil {
		return e.Transport
	}
	return nil
}
