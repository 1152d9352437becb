// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

// State describes where in its life cycle a Session is.
type State uint8

const (
	// StateConnecting sessions are still in the handshake. Dial and Accept only
	// hand out sessions past this point.
	StateConnecting State = iota + 1
	// StateEstablished sessions carry channels.
	StateEstablished
	// StateClosing sessions are half-way through a local Close.
	StateClosing
	// StateClosed sessions are gone; Err tells why.
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Session wraps one QUIC connection and hands out transfer channels on top of
// it. Sessions come out of Dial or Listener.Accept, always Established. The
// channel registry is only ever touched by the session's own methods.
type Session struct {
	connection quic.Connection
	options    Options

	registry *channelRegistry

	// incoming buffers the peer's streams until OpenChannel picks them up.
	incoming chan quic.ReceiveStream

	stateMutex sync.Mutex
	state      State
	reason     error

	// closedChan is closed exactly once, when state becomes StateClosed.
	closedChan chan struct{}
}

func newSession(connection quic.Connection, options Options) *Session {
	sess := &Session{
		connection: connection,
		options:    options,
		registry:   newChannelRegistry(),
		incoming:   make(chan quic.ReceiveStream, options.IncomingQueue),
		state:      StateEstablished,
		closedChan: make(chan struct{}),
	}

	go sess.drain()

	return sess
}

func (sess *Session) String() string {
	return fmt.Sprintf("Session{peer: %v}", sess.connection.RemoteAddr())
}

// State returns the session's current life cycle state.
func (sess *Session) State() State {
	sess.stateMutex.Lock()
	defer sess.stateMutex.Unlock()

	return sess.state
}

// Err returns what brought the session down, nil while it is alive. A peer's
// orderly shutdown surfaces as PeerClosedError, transport failures verbatim.
func (sess *Session) Err() error {
	sess.stateMutex.Lock()
	defer sess.stateMutex.Unlock()

	return sess.reason
}

// Done returns a channel that is closed once the session reached StateClosed.
func (sess *Session) Done() <-chan struct{} {
	return sess.closedChan
}

// RemoteAddr returns the peer's transport address.
func (sess *Session) RemoteAddr() net.Addr {
	return sess.connection.RemoteAddr()
}

// LocalAddr returns the local transport address.
func (sess *Session) LocalAddr() net.Addr {
	return sess.connection.LocalAddr()
}

// ChannelCount returns the number of currently open channels.
func (sess *Session) ChannelCount() int {
	return sess.registry.count()
}

// OpenChannel starts a new transfer channel. DirectionSend opens a fresh
// unidirectional stream towards the peer. DirectionReceive picks up the next
// stream the peer opened, blocking until one arrives, ctx ends, or the
// session dies. The chunk size only matters for sending channels; zero means
// DefaultChunkSize.
func (sess *Session) OpenChannel(ctx context.Context, direction Direction, chunkSize int) (*Channel, error) {
	if err := sess.ensureEstablished(); err != nil {
		return nil, err
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxFrame := int(sess.options.MaxFrameLength); chunkSize > maxFrame {
		chunkSize = maxFrame
	}

	switch direction {
	case DirectionSend:
		stream, err := sess.connection.OpenUniStreamSync(ctx)
		if err != nil {
			return nil, sess.openFailed(ctx, err)
		}

		channel := newSendChannel(sess, stream, chunkSize)
		channel.id = sess.registry.insert(channel)

		log.WithFields(log.Fields{
			"session": sess,
			"channel": channel.id,
		}).Debug("Opened sending channel")

		return channel, nil

	case DirectionReceive:
		select {
		case stream := <-sess.incoming:
			channel := newReceiveChannel(sess, stream, sess.options.MaxFrameLength)
			channel.id = sess.registry.insert(channel)

			log.WithFields(log.Fields{
				"session": sess,
				"channel": channel.id,
			}).Debug("Opened receiving channel")

			return channel, nil

		case <-sess.closedChan:
			return nil, NewSessionClosedError(sess.Err())

		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		return nil, fmt.Errorf("unknown channel direction %d", direction)
	}
}

// Close shuts the session down: all open channels are aborted, then the
// connection is closed with reason attached for the peer. Repeated calls are
// no-ops.
func (sess *Session) Close(reason string) error {
	sess.stateMutex.Lock()
	if sess.state != StateEstablished {
		sess.stateMutex.Unlock()
		return nil
	}
	sess.state = StateClosing
	sess.stateMutex.Unlock()

	log.WithFields(log.Fields{
		"session": sess,
		"reason":  reason,
	}).Debug("Closing session")

	for _, channel := range sess.registry.snapshot() {
		channel.abort(NewSessionClosedError(errLocalSessionShutdown), abortSessionClosed)
	}

	err := sess.connection.CloseWithError(applicationShutdown, reason)
	sess.transitionClosed(errLocalSessionShutdown)

	return err
}

/*
Non-exported machinery
*/

// drain accepts the peer's unidirectional streams and watches the connection.
// Each session runs exactly one drain goroutine; it is the single place where
// transport-level connection failures become session state.
func (sess *Session) drain() {
	for {
		stream, err := sess.connection.AcceptUniStream(context.Background())
		if err != nil {
			sess.connectionLost(err)
			return
		}

		select {
		case sess.incoming <- stream:
		case <-sess.closedChan:
			stream.CancelRead(abortSessionClosed)
			return
		}
	}
}

func (sess *Session) connectionLost(err error) {
	reason := translateConnectionError(err)

	if sess.transitionClosed(reason) {
		log.WithFields(log.Fields{
			"session": sess,
			"reason":  reason,
		}).Debug("Session closed")
	}
}

// transitionClosed moves the session to StateClosed exactly once and aborts
// all channels still registered. Reports whether this call did the transition.
func (sess *Session) transitionClosed(reason error) bool {
	sess.stateMutex.Lock()
	if sess.state == StateClosed {
		sess.stateMutex.Unlock()
		return false
	}
	sess.state = StateClosed
	sess.reason = reason
	sess.stateMutex.Unlock()

	close(sess.closedChan)

	for _, channel := range sess.registry.snapshot() {
		channel.abort(NewSessionClosedError(reason), abortSessionClosed)
	}

	return true
}

func (sess *Session) ensureEstablished() error {
	sess.stateMutex.Lock()
	defer sess.stateMutex.Unlock()

	if sess.state != StateEstablished {
		return NewSessionClosedError(sess.reason)
	}
	return nil
}

func (sess *Session) openFailed(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return NewSessionClosedError(translateConnectionError(err))
}

func (sess *Session) dropChannel(id uint64) {
	sess.registry.remove(id)
}

// translateConnectionError maps quic's connection-level failures onto the
// session's close reasons. Anything unanticipated passes through verbatim.
func translateConnectionError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		if appErr.Remote {
			return &PeerClosedError{
				Code:    uint64(appErr.ErrorCode),
				Message: appErr.ErrorMessage,
			}
		}
		return errLocalSessionShutdown
	}

	return err
}
