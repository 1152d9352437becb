// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"net"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quist/pkg/identity"
)

// Listener waits for peers to dial in.
type Listener struct {
	quicListener *quic.Listener
	options      Options
}

// Listen binds a UDP socket on address and accepts QUIC connections on it.
func Listen(address string, conf *identity.Config, opts *Options) (*Listener, error) {
	if conf == nil || conf.Role() != identity.RoleServer {
		return nil, errors.New("listening requires a server configuration")
	}

	options := normalizeOptions(opts)

	quicListener, err := quic.ListenAddr(address, conf.TLS(), options.quicConfig())
	if err != nil {
		log.WithFields(log.Fields{
			"address": address,
			"error":   err,
		}).Error("Error creating listener")
		return nil, err
	}

	log.WithField("address", quicListener.Addr()).Info("Listening for sessions")

	return &Listener{
		quicListener: quicListener,
		options:      options,
	}, nil
}

// Accept blocks until the next peer completed its handshake and returns the
// established session. Peers failing their handshake never show up here; the
// transport turns them away on its own. After Close, Accept fails with the
// quic package's server-closed error, see IsClosed.
func (listener *Listener) Accept(ctx context.Context) (*Session, error) {
	connection, err := listener.quicListener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	sess := newSession(connection, listener.options)

	log.WithFields(log.Fields{
		"address": listener.Addr(),
		"session": sess,
	}).Info("Accepted session")

	return sess, nil
}

// Close shuts the listener down. Sessions accepted earlier live on.
func (listener *Listener) Close() error {
	log.WithField("address", listener.Addr()).Info("Shutting listener down")
	return listener.quicListener.Close()
}

// Addr returns the bound address, handy with a ":0" wildcard port.
func (listener *Listener) Addr() net.Addr {
	return listener.quicListener.Addr()
}

// IsClosed reports whether an Accept error just means the listener was shut
// down. The quic package signals this case only through the error's text.
func IsClosed(err error) bool {
	return err != nil && err.Error() == "quic: server closed"
}
