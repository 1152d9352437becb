// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"time"

	"github.com/quic-go/quic-go"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultIdleTimeout      = time.Minute
	defaultKeepAlivePeriod  = 15 * time.Second
	defaultIncomingQueue    = 32
)

// Options tunes the transport behaviour of sessions created through Dial or
// Listen. The zero value and a nil pointer both mean defaults.
type Options struct {
	// MaxFrameLength is the largest frame payload accepted from a peer.
	// Defaults to DefaultMaxFrameLength.
	MaxFrameLength uint32

	// HandshakeTimeout bounds connection establishment.
	HandshakeTimeout time.Duration

	// IdleTimeout closes sessions without any traffic. Keep-alives postpone it.
	IdleTimeout time.Duration

	// KeepAlivePeriod sets the interval of keep-alive packets postponing the
	// idle timeout.
	KeepAlivePeriod time.Duration

	// IncomingQueue is the number of inbound channels buffered per session
	// until someone picks them up via OpenChannel.
	IncomingQueue int
}

func normalizeOptions(opts *Options) Options {
	var options Options
	if opts != nil {
		options = *opts
	}

	if options.MaxFrameLength == 0 {
		options.MaxFrameLength = DefaultMaxFrameLength
	}
	if options.HandshakeTimeout == 0 {
		options.HandshakeTimeout = defaultHandshakeTimeout
	}
	if options.IdleTimeout == 0 {
		options.IdleTimeout = defaultIdleTimeout
	}
	if options.KeepAlivePeriod == 0 {
		options.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	if options.IncomingQueue == 0 {
		options.IncomingQueue = defaultIncomingQueue
	}

	return options
}

func (options Options) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout:  options.HandshakeTimeout,
		MaxIdleTimeout:        options.IdleTimeout,
		KeepAlivePeriod:       options.KeepAlivePeriod,
		EnableDatagrams:       false,
		MaxIncomingStreams:    256,
		MaxIncomingUniStreams: 2048,
	}
}
