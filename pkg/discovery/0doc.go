// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery finds other quist nodes on the local network through UDP
// multicast announcements. An announcement names a node, the port its
// listener is bound to, and its certificate's fingerprint. Announcements are
// unauthenticated hints: they tell where dialing might succeed, never whom
// to trust. Trust decisions stay with the identity package's TrustPolicy.
package discovery

const (
	// address4 is the default multicast IPv4 address used for discovery.
	address4 = "224.23.23.42"

	// address6 is the default multicast IPv6 address used for discovery.
	address6 = "ff02::2342"

	// port is the default multicast UDP port used for discovery.
	port = 35043
)
