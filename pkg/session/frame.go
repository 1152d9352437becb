// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// DefaultChunkSize is the payload size Write slices its input into unless
	// the channel was opened with a different one.
	DefaultChunkSize = 32 * 1024

	// DefaultMaxFrameLength is the largest frame payload a receiving channel
	// accepts unless configured otherwise via Options.
	DefaultMaxFrameLength = 16 * 1024 * 1024
)

// errTerminalFrame marks the zero-length frame concluding a transfer.
var errTerminalFrame = errors.New("terminal frame")

// writeFrame puts one frame on the wire: a big-endian uint32 payload length,
// followed by the payload itself. An empty payload is the terminal marker.
func writeFrame(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame and returns its payload. The terminal marker is
// reported as errTerminalFrame, a clean stream end at a frame boundary as
// io.EOF. A length header above maxLength fails with FrameCorruptionError
// before any buffer for it is allocated.
func readFrame(r io.Reader, maxLength uint32) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	if length == 0 {
		return nil, errTerminalFrame
	}
	if length > maxLength {
		return nil, NewFrameCorruptionError(length, maxLength)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
