// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transfer moves byte streams and files over a session's channels.
//
// Send and Receive are the stream primitives, SendFile and ReceiveFile wrap
// them with file handling, and Offer/Fetch add a token gate for transfers
// where the receiving side has to prove it was invited. Compression via xz
// is an application-level agreement between both endpoints; the channel
// framing below stays untouched by it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/dtn7/quist/pkg/session"
)

// Options tune a single Send or Receive call.
type Options struct {
	// ChunkSize is the frame payload size, DefaultChunkSize if zero.
	ChunkSize int

	// Compress pipes the payload through xz. Both endpoints must agree on
	// this; there is no in-band negotiation.
	Compress bool

	// Progress, if set, is called after every chunk with the payload bytes
	// moved so far and the expected total, negative if unknown.
	Progress func(bytes uint64, total int64)
}

func (opts Options) progress(bytes uint64, total int64) {
	if opts.Progress != nil {
		opts.Progress(bytes, total)
	}
}

// Result sums up a finished or failed transfer.
type Result struct {
	// Bytes counts the payload handled on this side, before compression on
	// the sender and after decompression on the receiver.
	Bytes uint64

	Duration time.Duration
}

// Throughput renders the transfer rate for humans.
func (result Result) Throughput() string {
	secs := result.Duration.Seconds()
	if secs <= 0 {
		return "n/a"
	}

	rate := float64(result.Bytes) / secs
	switch {
	case rate >= 1<<30:
		return fmt.Sprintf("%.1f GiB/s", rate/(1<<30))
	case rate >= 1<<20:
		return fmt.Sprintf("%.1f MiB/s", rate/(1<<20))
	case rate >= 1<<10:
		return fmt.Sprintf("%.1f KiB/s", rate/(1<<10))
	default:
		return fmt.Sprintf("%.0f B/s", rate)
	}
}

// Send opens a sending channel on sess and moves everything r yields to the
// peer, finishing the channel on r's end. A negative total means unknown.
// Cancelling ctx between chunks aborts the channel with ErrCancelled.
func Send(ctx context.Context, sess *session.Session, r io.Reader, total int64, opts Options) (Result, error) {
	start := time.Now()

	channel, err := sess.OpenChannel(ctx, session.DirectionSend, opts.ChunkSize)
	if err != nil {
		return Result{}, err
	}
	if total > 0 && !opts.Compress {
		channel.DeclareTotal(uint64(total))
	}

	var sink io.Writer = &channelWriter{ctx: ctx, channel: channel}
	var xzWriter *xz.Writer
	if opts.Compress {
		if xzWriter, err = xz.NewWriter(sink); err != nil {
			channel.Abort(err)
			return Result{}, err
		}
		sink = xzWriter
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = session.DefaultChunkSize
	}

	var sent uint64
	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			channel.Abort(session.ErrCancelled)
			return Result{Bytes: sent, Duration: time.Since(start)}, ctx.Err()
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if _, writeErr := sink.Write(buf[:n]); writeErr != nil {
				// Aborting is a no-op if the channel itself caused the error
				// and already went down with it.
				channel.Abort(writeErr)
				return Result{Bytes: sent, Duration: time.Since(start)}, writeErr
			}
			sent += uint64(n)
			opts.progress(sent, total)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			channel.Abort(readErr)
			return Result{Bytes: sent, Duration: time.Since(start)}, readErr
		}
	}

	if xzWriter != nil {
		if err := xzWriter.Close(); err != nil {
			channel.Abort(err)
			return Result{Bytes: sent, Duration: time.Since(start)}, err
		}
	}
	if err := channel.Finish(); err != nil {
		return Result{Bytes: sent, Duration: time.Since(start)}, err
	}

	result := Result{Bytes: sent, Duration: time.Since(start)}

	log.WithFields(log.Fields{
		"session": sess,
		"bytes":   result.Bytes,
		"rate":    result.Throughput(),
	}).Debug("Transfer sent")

	return result, nil
}

// Receive takes the peer's next channel on sess and copies its payload into
// w until the transfer concludes. Cancelling ctx between chunks aborts the
// channel with ErrCancelled; whatever was written to w before stays there.
func Receive(ctx context.Context, sess *session.Session, w io.Writer, opts Options) (Result, error) {
	start := time.Now()

	channel, err := sess.OpenChannel(ctx, session.DirectionReceive, 0)
	if err != nil {
		return Result{}, err
	}

	var src io.Reader = &channelReader{ctx: ctx, channel: channel}
	if opts.Compress {
		if src, err = xz.NewReader(src); err != nil {
			channel.Abort(err)
			return Result{}, err
		}
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = session.DefaultChunkSize
	}

	var written uint64
	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			channel.Abort(session.ErrCancelled)
			return Result{Bytes: written, Duration: time.Since(start)}, ctx.Err()
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				channel.Abort(writeErr)
				return Result{Bytes: written, Duration: time.Since(start)}, writeErr
			}
			written += uint64(n)
			opts.progress(written, -1)
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			// An error born in the xz layer leaves the channel open; aborting
			// is a no-op for errors the channel itself already tore down on.
			channel.Abort(readErr)
			return Result{Bytes: written, Duration: time.Since(start)}, readErr
		}
	}

	if opts.Compress {
		// The xz stream ends before the channel's terminal frame; drain the
		// remainder so the channel completes instead of lingering open.
		for {
			if _, err := channel.Read(ctx); err != nil {
				break
			}
		}
	}

	result := Result{Bytes: written, Duration: time.Since(start)}

	log.WithFields(log.Fields{
		"session": sess,
		"bytes":   result.Bytes,
		"rate":    result.Throughput(),
	}).Debug("Transfer received")

	return result, nil
}

/*
Adapters between the io interfaces and a channel's chunk operations
*/

type channelWriter struct {
	ctx     context.Context
	channel *session.Channel
}

func (cw *channelWriter) Write(p []byte) (int, error) {
	return cw.channel.Write(cw.ctx, p)
}

type channelReader struct {
	ctx     context.Context
	channel *session.Channel
	rest    []byte
}

func (cr *channelReader) Read(p []byte) (int, error) {
	for len(cr.rest) == 0 {
		chunk, err := cr.channel.Read(cr.ctx)
		if err != nil {
			return 0, err
		}
		cr.rest = chunk
	}

	n := copy(p, cr.rest)
	cr.rest = cr.rest[n:]
	return n, nil
}
