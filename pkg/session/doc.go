// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package session provides encrypted point-to-point transfer sessions on top of QUIC,
hiding the transport's connection and stream machinery behind a small synchronous-feeling API.


Why QUIC?
QUIC multiplexes independently flow-controlled streams over a single handshake
and encrypts everything with TLS 1.3 from the first packet.
The hard parts of moving large amounts of data (congestion control, loss recovery)
have already been done if one uses an existing QUIC library.
What remains, and what this package does, is trust establishment and connection life cycle,
plus a framing convention for transfers of unknown length.


Sessions
A Session wraps one QUIC connection.
Dialing and listening sides are built from the identity package's role-tagged configurations,
so certificate and trust decisions happen before any packet leaves the machine.
Failed establishment surfaces as a HandshakeError carrying a cause,
like a timeout or a rejected certificate.

Every session runs a single drain goroutine.
It accepts the peer's incoming unidirectional streams into a bounded queue and,
when the connection dies,
it is the one place translating transport-level failure into the session's Closed state
and into errors for all pending channel operations.
There are no callbacks; consumers pick up inbound transfers explicitly via OpenChannel.


Channels
A Channel is one logical transfer riding its own unidirectional stream,
which keeps QUIC's native multiplexing as the only multiplexing there is.
Payload travels in frames: a four byte big-endian length, then that many bytes.
An empty frame concludes the transfer.
A length above the configured maximum aborts it,
since framing that cannot be trusted cannot be resynchronized either.
Peers running an older or newer framing convention are not detected beyond this;
the frame layer carries no version field.

Writes slice their input into chunks and inherit the stream's flow control,
blocking while the peer's window is exhausted.
Reads produce the sent chunks in order.
Either side may abort at any time,
carrying a coarse reason to the peer via the stream's error code
and unblocking whatever the other side had pending.
*/

package session
