// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/dtn7/quist/pkg/session"
)

// ErrTokenMismatch is returned by Offer when the peer presented a wrong
// token. Nothing is sent in that case.
var ErrTokenMismatch = errors.New("token does not match the offer")

// maxTokenLength caps the token presentation; anything longer is not a
// token, whatever the peer thinks it is doing.
const maxTokenLength = 256

// NewToken generates a random transfer token in a UUID-like notation.
func NewToken() (token string, err error) {
	raw := make([]byte, 16)
	if _, err = rand.Read(raw); err == nil {
		token = fmt.Sprintf("%x-%x-%x-%x-%x",
			raw[0:4], raw[4:6], raw[6:8], raw[8:10], raw[10:16])
	}
	return
}

// Offer waits for the peer to present the expected token and only then sends
// r, like Send would. A wrong presentation fails with ErrTokenMismatch and
// leaves the peer hanging; closing the session afterwards is the caller's
// call to make.
func Offer(ctx context.Context, sess *session.Session, token string, r io.Reader, total int64, opts Options) (Result, error) {
	channel, err := sess.OpenChannel(ctx, session.DirectionReceive, 0)
	if err != nil {
		return Result{}, err
	}

	var presented bytes.Buffer
	for {
		chunk, err := channel.Read(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, err
		}

		presented.Write(chunk)
		if presented.Len() > maxTokenLength {
			channel.Abort(ErrTokenMismatch)
			return Result{}, ErrTokenMismatch
		}
	}

	if presented.String() != token {
		return Result{}, ErrTokenMismatch
	}

	return Send(ctx, sess, r, total, opts)
}

// Fetch presents the token to the peer and receives its transfer into w,
// like Receive would. The peer's verdict on a wrong token only shows
// indirectly, through the session going away without a transfer.
func Fetch(ctx context.Context, sess *session.Session, token string, w io.Writer, opts Options) (Result, error) {
	channel, err := sess.OpenChannel(ctx, session.DirectionSend, 0)
	if err != nil {
		return Result{}, err
	}

	if _, err := channel.Write(ctx, []byte(token)); err != nil {
		return Result{}, err
	}
	if err := channel.Finish(); err != nil {
		return Result{}, err
	}

	return Receive(ctx, sess, w, opts)
}
