// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package identity takes care of the TLS side of a transfer session: who we are
and whom we talk to.

An Identity is a key pair plus certificate chain, either generated self-signed
or loaded from caller-supplied bytes. A TrustPolicy states which peer
certificates are acceptable, from "anything goes" for testing over pinned
fingerprints up to proper CA verification. Both are combined by the Build
functions into a role-tagged Config which the session package feeds into the
QUIC transport.

Protocol version and cipher constraints are fixed constants. TLS 1.3 is the
minimum and not negotiable; insecure downgrades are a configuration class we
simply do not offer.
*/

package identity
