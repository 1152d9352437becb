// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

const (
	// applicationShutdown is sent when a session is closed in an orderly fashion.
	applicationShutdown quic.ApplicationErrorCode = 1

	// abortGeneric is the stream error code for an abort without a specific reason.
	abortGeneric quic.StreamErrorCode = 1
	// abortCancelled is sent when an operator or context cancels a transfer.
	abortCancelled quic.StreamErrorCode = 2
	// abortProtocolViolation is sent when the peer's framing cannot be trusted anymore.
	abortProtocolViolation quic.StreamErrorCode = 3
	// abortSessionClosed is sent for channels torn down by their session's shutdown.
	abortSessionClosed quic.StreamErrorCode = 4
)

// ErrCancelled is the abort reason for transfers stopped by an operator.
var ErrCancelled = errors.New("transfer was cancelled")

// Canned abort reasons reconstructed from the peer's stream error code.
var (
	errPeerAborted          = errors.New("aborted by peer")
	errPeerCancelled        = errors.New("aborted by peer: cancelled")
	errPeerProtocolOffence  = errors.New("aborted by peer: protocol violation")
	errPeerSessionShutdown  = errors.New("aborted by peer: session closed")
	errLocalSessionShutdown = errors.New("session closed locally")
)

// HandshakeCause classifies why connection establishment failed.
type HandshakeCause uint8

const (
	// CauseUnknown covers everything the other causes do not. The quic package
	// is not terribly concerned with documenting its error states.
	CauseUnknown HandshakeCause = iota
	// CauseTimeout means the peer did not answer in time.
	CauseTimeout
	// CauseCertRejected means one side turned the other's certificate away.
	CauseCertRejected
	// CauseVersionMismatch means the peers do not share a protocol version.
	CauseVersionMismatch
	// CauseCancelled means the caller gave up while the handshake was running.
	CauseCancelled
)

func (cause HandshakeCause) String() string {
	switch cause {
	case CauseTimeout:
		return "timeout"
	case CauseCertRejected:
		return "certificate rejected"
	case CauseVersionMismatch:
		return "version mismatch"
	case CauseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// HandshakeError is returned by Dial and Accept when no session came to be.
type HandshakeError struct {
	Cause HandshakeCause
	Err   error
}

func NewHandshakeError(cause HandshakeCause, err error) *HandshakeError {
	return &HandshakeError{
		Cause: cause,
		Err:   err,
	}
}

func (err *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed (%v): %v", err.Cause, err.Err)
}

func (err *HandshakeError) Unwrap() error {
	return err.Err
}

// SessionClosedError is returned for operations on a session that is not
// Established anymore. Reason carries what brought the session down.
type SessionClosedError struct {
	Reason error
}

func NewSessionClosedError(reason error) *SessionClosedError {
	return &SessionClosedError{Reason: reason}
}

func (err *SessionClosedError) Error() string {
	if err.Reason == nil {
		return "session is closed"
	}
	return fmt.Sprintf("session is closed: %v", err.Reason)
}

func (err *SessionClosedError) Unwrap() error {
	return err.Reason
}

// ChannelAlreadyClosedError is returned when finishing a channel twice.
type ChannelAlreadyClosedError struct{}

func (err *ChannelAlreadyClosedError) Error() string {
	return "channel is already closed"
}

// ChannelAbortedError is returned for operations on an aborted channel and for
// operations unblocked by an abort, no matter which side pulled the plug.
type ChannelAbortedError struct {
	Reason error
}

func NewChannelAbortedError(reason error) *ChannelAbortedError {
	return &ChannelAbortedError{Reason: reason}
}

func (err *ChannelAbortedError) Error() string {
	if err.Reason == nil {
		return "channel was aborted"
	}
	return fmt.Sprintf("channel was aborted: %v", err.Reason)
}

func (err *ChannelAbortedError) Unwrap() error {
	return err.Reason
}

// FrameCorruptionError is returned when a frame header announces more bytes
// than the configured maximum. Receiving one aborts the channel; garbled
// framing cannot be resynchronized.
type FrameCorruptionError struct {
	Length uint32
	Limit  uint32
}

func NewFrameCorruptionError(length, limit uint32) *FrameCorruptionError {
	return &FrameCorruptionError{
		Length: length,
		Limit:  limit,
	}
}

func (err *FrameCorruptionError) Error() string {
	return fmt.Sprintf("frame header announces %d bytes, limit is %d", err.Length, err.Limit)
}

// StreamReadError wraps a transport failure encountered while reading.
type StreamReadError struct {
	Err error
}

func (err *StreamReadError) Error() string {
	return fmt.Sprintf("stream read failed: %v", err.Err)
}

func (err *StreamReadError) Unwrap() error {
	return err.Err
}

// StreamWriteError wraps a transport failure encountered while writing.
type StreamWriteError struct {
	Err error
}

func (err *StreamWriteError) Error() string {
	return fmt.Sprintf("stream write failed: %v", err.Err)
}

func (err *StreamWriteError) Unwrap() error {
	return err.Err
}

// PeerClosedError is the session close reason when the remote side went away
// in an orderly fashion, carrying its application error code and message.
type PeerClosedError struct {
	Code    uint64
	Message string
}

func (err *PeerClosedError) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("peer closed the session (code %d)", err.Code)
	}
	return fmt.Sprintf("peer closed the session (code %d): %s", err.Code, err.Message)
}

// abortCode picks the stream error code carrying an abort reason to the peer.
func abortCode(reason error) quic.StreamErrorCode {
	var sessionClosed *SessionClosedError
	var frameErr *FrameCorruptionError

	switch {
	case errors.Is(reason, ErrCancelled), errors.Is(reason, context.Canceled), errors.Is(reason, context.DeadlineExceeded):
		return abortCancelled
	case errors.As(reason, &frameErr):
		return abortProtocolViolation
	case errors.As(reason, &sessionClosed):
		return abortSessionClosed
	default:
		return abortGeneric
	}
}

// reasonFromCode reverses abortCode on the receiving side.
func reasonFromCode(code quic.StreamErrorCode) error {
	switch code {
	case abortCancelled:
		return errPeerCancelled
	case abortProtocolViolation:
		return errPeerProtocolOffence
	case abortSessionClosed:
		return errPeerSessionShutdown
	case abortGeneric:
		return errPeerAborted
	default:
		return fmt.Errorf("aborted by peer (code %d)", code)
	}
}
