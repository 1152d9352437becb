// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"context"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/quist/pkg/session"
)

// SendFile streams the file at path to the peer.
func SendFile(ctx context.Context, sess *session.Session, path string, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return Result{}, err
	}

	result, errs := Send(ctx, sess, f, info.Size(), opts)
	if closeErr := f.Close(); closeErr != nil {
		errs = multierror.Append(errs, closeErr)
	}

	return result, errs
}

// ReceiveFile writes the peer's next transfer into the file at destPath,
// which is created or truncated. On error or cancellation the partial file
// stays in place; callers wanting atomic publication receive into a
// temporary name and rename afterwards.
func ReceiveFile(ctx context.Context, sess *session.Session, destPath string, opts Options) (Result, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return Result{}, err
	}

	result, errs := Receive(ctx, sess, f, opts)
	if closeErr := f.Close(); closeErr != nil {
		errs = multierror.Append(errs, closeErr)
	}

	return result, errs
}
