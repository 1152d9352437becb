// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

// Direction tells which way a channel moves data.
type Direction uint8

const (
	// DirectionSend channels write local data to the peer.
	DirectionSend Direction = iota + 1
	// DirectionReceive channels read data the peer sends.
	DirectionReceive
)

func (direction Direction) String() string {
	switch direction {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	default:
		return "invalid"
	}
}

// ChannelState describes a channel's completion state.
type ChannelState uint8

const (
	// ChannelOpen channels still move data.
	ChannelOpen ChannelState = iota + 1
	// ChannelCompleted channels saw their transfer through to the end.
	ChannelCompleted
	// ChannelAborted channels were torn down early; AbortReason tells why.
	ChannelAborted
)

func (state ChannelState) String() string {
	switch state {
	case ChannelOpen:
		return "open"
	case ChannelCompleted:
		return "completed"
	case ChannelAborted:
		return "aborted"
	default:
		return "invalid"
	}
}

// Channel is one logical data transfer riding on a dedicated unidirectional
// QUIC stream. Data travels in frames of a four byte big-endian length header
// followed by that many payload bytes; an empty frame concludes the transfer.
//
// A Channel belongs to whoever opened it and must not outlive its Session.
// Once Completed or Aborted it is immutable and gone from the session's
// registry.
type Channel struct {
	id        uint64
	session   *Session
	direction Direction
	chunkSize int
	maxFrame  uint32

	send quic.SendStream
	recv quic.ReceiveStream

	stateMutex  sync.Mutex
	state       ChannelState
	abortReason error

	transferred uint64
	total       uint64
}

func newSendChannel(sess *Session, stream quic.SendStream, chunkSize int) *Channel {
	return &Channel{
		session:   sess,
		direction: DirectionSend,
		chunkSize: chunkSize,
		send:      stream,
		state:     ChannelOpen,
	}
}

func newReceiveChannel(sess *Session, stream quic.ReceiveStream, maxFrame uint32) *Channel {
	return &Channel{
		session:   sess,
		direction: DirectionReceive,
		maxFrame:  maxFrame,
		recv:      stream,
		state:     ChannelOpen,
	}
}

// ID returns the channel's id within its session.
func (channel *Channel) ID() uint64 {
	return channel.id
}

// Direction returns which way this channel moves data.
func (channel *Channel) Direction() Direction {
	return channel.direction
}

// Session returns the session this channel rides on. Channels only ever read
// their session's status through this reference, they never change it.
func (channel *Channel) Session() *Session {
	return channel.session
}

// State returns the channel's completion state.
func (channel *Channel) State() ChannelState {
	channel.stateMutex.Lock()
	defer channel.stateMutex.Unlock()

	return channel.state
}

// AbortReason returns why the channel was aborted, nil otherwise.
func (channel *Channel) AbortReason() error {
	channel.stateMutex.Lock()
	defer channel.stateMutex.Unlock()

	return channel.abortReason
}

// BytesTransferred returns the payload bytes moved so far. The count grows
// monotonically while the channel is open and freezes on completion or abort.
func (channel *Channel) BytesTransferred() uint64 {
	return atomic.LoadUint64(&channel.transferred)
}

// DeclareTotal announces how many bytes this transfer is expected to move.
// Purely advisory; it feeds Progress and nothing else.
func (channel *Channel) DeclareTotal(total uint64) {
	atomic.StoreUint64(&channel.total, total)
}

// Total returns the declared transfer size, zero if none was declared.
func (channel *Channel) Total() uint64 {
	return atomic.LoadUint64(&channel.total)
}

// Progress returns the completed fraction. The second return value is false
// if no total was declared, in which case no fraction can be given.
func (channel *Channel) Progress() (float64, bool) {
	total := atomic.LoadUint64(&channel.total)
	if total == 0 {
		return 0, false
	}
	return float64(atomic.LoadUint64(&channel.transferred)) / float64(total), true
}

// Write moves p to the peer, sliced into frames of the channel's chunk size.
// It blocks while the stream's flow-control window is exhausted and returns
// the number of bytes handed to the transport, which on error may be fewer
// than len(p). Ending ctx aborts the channel and unblocks the write.
func (channel *Channel) Write(ctx context.Context, p []byte) (n int, err error) {
	if channel.direction != DirectionSend {
		return 0, fmt.Errorf("channel %d is receive-only", channel.id)
	}
	if err = channel.writable(); err != nil {
		return 0, err
	}

	stop := channel.watchContext(ctx)
	defer stop()

	for n < len(p) {
		end := n + channel.chunkSize
		if end > len(p) {
			end = len(p)
		}

		if writeErr := writeFrame(channel.send, p[n:end]); writeErr != nil {
			return n, channel.writeFailed(writeErr)
		}

		atomic.AddUint64(&channel.transferred, uint64(end-n))
		n = end
	}

	return n, nil
}

// Finish concludes a sending channel: the terminal frame goes out, the stream
// is shut down cleanly, and the channel becomes Completed. A second Finish
// fails with ChannelAlreadyClosedError, finishing an aborted channel with
// ChannelAbortedError.
func (channel *Channel) Finish() error {
	if channel.direction != DirectionSend {
		return fmt.Errorf("channel %d is receive-only", channel.id)
	}

	channel.stateMutex.Lock()
	switch channel.state {
	case ChannelCompleted:
		channel.stateMutex.Unlock()
		return &ChannelAlreadyClosedError{}
	case ChannelAborted:
		reason := channel.abortReason
		channel.stateMutex.Unlock()
		return NewChannelAbortedError(reason)
	}
	channel.state = ChannelCompleted
	channel.stateMutex.Unlock()

	if err := writeFrame(channel.send, nil); err != nil {
		channel.completionFailed(err)
		return &StreamWriteError{Err: err}
	}
	if err := channel.send.Close(); err != nil {
		channel.completionFailed(err)
		return &StreamWriteError{Err: err}
	}

	channel.session.dropChannel(channel.id)

	log.WithFields(log.Fields{
		"session": channel.session,
		"channel": channel.id,
		"bytes":   channel.BytesTransferred(),
	}).Debug("Channel finished")

	return nil
}

// Read returns the next chunk the peer sent, blocking until data arrives.
// The transfer's end, either through the peer's terminal frame or a clean
// stream end at a frame boundary, is reported as io.EOF. Ending ctx aborts
// the channel and unblocks the read.
func (channel *Channel) Read(ctx context.Context) ([]byte, error) {
	if channel.direction != DirectionReceive {
		return nil, fmt.Errorf("channel %d is send-only", channel.id)
	}

	channel.stateMutex.Lock()
	state, reason := channel.state, channel.abortReason
	channel.stateMutex.Unlock()
	switch state {
	case ChannelCompleted:
		return nil, io.EOF
	case ChannelAborted:
		return nil, NewChannelAbortedError(reason)
	}

	stop := channel.watchContext(ctx)
	defer stop()

	payload, err := readFrame(channel.recv, channel.maxFrame)
	switch {
	case err == nil:
		atomic.AddUint64(&channel.transferred, uint64(len(payload)))
		return payload, nil

	case errors.Is(err, errTerminalFrame), errors.Is(err, io.EOF):
		channel.complete()
		return nil, io.EOF

	default:
		return nil, channel.readFailed(err)
	}
}

// Abort tears the channel down from this side. The reason's class travels to
// the peer inside the stream error code and unblocks its pending operations
// with a ChannelAbortedError. Aborting a finished channel is a no-op.
func (channel *Channel) Abort(reason error) {
	if reason == nil {
		reason = errors.New("aborted")
	}
	channel.abort(reason, abortCode(reason))
}

/*
Non-exported machinery
*/

// abort moves an Open channel to Aborted, cancels its stream with the given
// code, and deregisters it. Reports whether this call did the transition.
func (channel *Channel) abort(reason error, code quic.StreamErrorCode) bool {
	channel.stateMutex.Lock()
	if channel.state != ChannelOpen {
		channel.stateMutex.Unlock()
		return false
	}
	channel.state = ChannelAborted
	channel.abortReason = reason
	channel.stateMutex.Unlock()

	if channel.send != nil {
		channel.send.CancelWrite(code)
	}
	if channel.recv != nil {
		channel.recv.CancelRead(code)
	}

	channel.session.dropChannel(channel.id)

	log.WithFields(log.Fields{
		"session": channel.session,
		"channel": channel.id,
		"reason":  reason,
	}).Debug("Channel aborted")

	return true
}

func (channel *Channel) complete() {
	channel.stateMutex.Lock()
	if channel.state == ChannelOpen {
		channel.state = ChannelCompleted
	}
	channel.stateMutex.Unlock()

	channel.session.dropChannel(channel.id)

	log.WithFields(log.Fields{
		"session": channel.session,
		"channel": channel.id,
		"bytes":   channel.BytesTransferred(),
	}).Debug("Channel completed")
}

// completionFailed downgrades a channel whose terminal frame never made it to
// the transport. It did not complete, whatever Finish's optimism said.
func (channel *Channel) completionFailed(err error) {
	channel.stateMutex.Lock()
	channel.state = ChannelAborted
	channel.abortReason = err
	channel.stateMutex.Unlock()

	channel.session.dropChannel(channel.id)
}

func (channel *Channel) writable() error {
	channel.stateMutex.Lock()
	defer channel.stateMutex.Unlock()

	switch channel.state {
	case ChannelCompleted:
		return &ChannelAlreadyClosedError{}
	case ChannelAborted:
		return NewChannelAbortedError(channel.abortReason)
	default:
		return nil
	}
}

func (channel *Channel) abortedReason() (error, bool) {
	channel.stateMutex.Lock()
	defer channel.stateMutex.Unlock()

	return channel.abortReason, channel.state == ChannelAborted
}

// watchContext aborts the channel when ctx ends while an operation is in
// flight. The returned stop function ends the watch.
func (channel *Channel) watchContext(ctx context.Context) func() {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}

	stopChan := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			channel.abort(ctx.Err(), abortCancelled)
		case <-stopChan:
		}
	}()

	return func() { close(stopChan) }
}

// writeFailed classifies a failed frame write. A racing abort, local or via
// context, wins over the transport error.
func (channel *Channel) writeFailed(err error) error {
	if reason, aborted := channel.abortedReason(); aborted {
		return NewChannelAbortedError(reason)
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		reason := reasonFromCode(streamErr.ErrorCode)
		channel.abort(reason, streamErr.ErrorCode)
		return NewChannelAbortedError(reason)
	}

	channel.abort(err, abortGeneric)
	return &StreamWriteError{Err: err}
}

// readFailed classifies a failed frame read. Framing violations abort the
// channel right away; there is no way to resynchronize garbled framing.
func (channel *Channel) readFailed(err error) error {
	if reason, aborted := channel.abortedReason(); aborted {
		return NewChannelAbortedError(reason)
	}

	var frameErr *FrameCorruptionError
	if errors.As(err, &frameErr) {
		channel.abort(frameErr, abortProtocolViolation)
		return frameErr
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		reason := reasonFromCode(streamErr.ErrorCode)
		channel.abort(reason, streamErr.ErrorCode)
		return NewChannelAbortedError(reason)
	}

	channel.abort(err, abortGeneric)
	return &StreamReadError{Err: err}
}
