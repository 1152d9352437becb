// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/dtn7/quist/pkg/transfer"
)

// send for the "send" CLI option.
func send(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	insecure := fs.Bool("insecure", false, "trust any peer certificate")
	fingerprint := fs.String("fingerprint", "", "pin the peer's certificate fingerprint")
	caFile := fs.String("ca", "", "PEM file with accepted CAs")
	compress := fs.Bool("compress", false, "xz the payload; the receiver must expect this")
	chunk := fs.Int("chunk", 0, "chunk size in bytes")

	if err := fs.Parse(args); err != nil || fs.NArg() != 2 {
		printUsage()
	}

	address := fs.Arg(0)
	filename := fs.Arg(1)

	trust, err := parseTrustFlags(*insecure, *fingerprint, *caFile)
	if err != nil {
		printFatal(err, "Building trust policy errored")
	}

	sess, err := dialSession(address, trust)
	if err != nil {
		printFatal(err, "Dialing errored")
	}

	result, err := transfer.SendFile(context.Background(), sess, filename, transfer.Options{
		ChunkSize: *chunk,
		Compress:  *compress,
	})
	if err != nil {
		printFatal(err, "Sending errored")
	}

	if err := sess.Close("done"); err != nil {
		printFatal(err, "Closing session errored")
	}

	fmt.Printf("sent %d bytes in %v (%s)\n",
		result.Bytes, result.Duration.Round(time.Millisecond), result.Throughput())
}
