// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"errors"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quist/pkg/identity"
)

// Dial establishes a session with the peer listening on address, a host:port
// pair with a UDP port. It blocks until the handshake went through, ctx ends,
// or the transport gives up; every failure surfaces as a HandshakeError.
func Dial(ctx context.Context, address string, conf *identity.Config, opts *Options) (*Session, error) {
	if conf == nil || conf.Role() != identity.RoleClient {
		return nil, errors.New("dialing requires a client configuration")
	}

	options := normalizeOptions(opts)

	connection, err := quic.DialAddr(ctx, address, conf.TLS(), options.quicConfig())
	if err != nil {
		handshakeErr := classifyHandshakeError(err)
		log.WithFields(log.Fields{
			"address": address,
			"cause":   handshakeErr.Cause,
			"error":   err,
		}).Debug("Dialing failed")
		return nil, handshakeErr
	}

	sess := newSession(connection, options)
	log.WithField("session", sess).Debug("Session established")

	return sess, nil
}

// classifyHandshakeError distills a HandshakeCause out of whatever the quic
// package returned for a failed connection attempt.
func classifyHandshakeError(err error) *HandshakeError {
	var (
		handshakeTimeout *quic.HandshakeTimeoutError
		idleTimeout      *quic.IdleTimeoutError
		versionErr       *quic.VersionNegotiationError
		transportErr     *quic.TransportError
	)

	switch {
	case errors.Is(err, context.Canceled):
		return NewHandshakeError(CauseCancelled, err)
	case errors.As(err, &handshakeTimeout), errors.As(err, &idleTimeout), errors.Is(err, context.DeadlineExceeded):
		return NewHandshakeError(CauseTimeout, err)
	case errors.As(err, &versionErr):
		return NewHandshakeError(CauseVersionMismatch, err)
	case errors.As(err, &transportErr) && transportErr.ErrorCode.IsCryptoError():
		return NewHandshakeError(cryptoCause(transportErr), err)
	default:
		return NewHandshakeError(CauseUnknown, err)
	}
}

// cryptoCause digs the TLS alert out of a crypto-class transport error code,
// whose low byte it is. Version and protocol negotiation alerts count as
// version mismatches, everything else as a rejected certificate.
func cryptoCause(err *quic.TransportError) HandshakeCause {
	const (
		alertProtocolVersion       = 70
		alertNoApplicationProtocol = 120
	)

	switch uint8(err.ErrorCode) {
	case alertProtocolVersion, alertNoApplicationProtocol:
		return CauseVersionMismatch
	default:
		return CauseCertRejected
	}
}
