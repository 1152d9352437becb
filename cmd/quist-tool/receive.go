// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/dtn7/quist/pkg/identity"
	"github.com/dtn7/quist/pkg/transfer"
)

// receive for the "receive" CLI option.
func receive(args []string) {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	identitySpec := fs.String("identity", "", "cert,key PEM files; a throwaway identity if absent")
	listenAddr := fs.String("listen", defaultListen, "listen address")
	compress := fs.Bool("compress", false, "expect an xz-compressed payload")

	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		printUsage()
	}

	dest := fs.Arg(0)

	id, err := loadIdentity(*identitySpec)
	if err != nil {
		printFatal(err, "Loading identity errored")
	}

	fmt.Printf("fingerprint: %s\n", id.Fingerprint())

	sess, listener, err := listenOne(*listenAddr, id, identity.TrustAny())
	if err != nil {
		printFatal(err, "Accepting a session errored")
	}
	defer func() { _ = listener.Close() }()

	result, err := transfer.ReceiveFile(context.Background(), sess, dest, transfer.Options{
		Compress: *compress,
	})
	if err != nil {
		printFatal(err, "Receiving errored")
	}

	if err := sess.Close("done"); err != nil {
		printFatal(err, "Closing session errored")
	}

	fmt.Printf("received %d bytes in %v (%s)\n",
		result.Bytes, result.Duration.Round(time.Millisecond), result.Throughput())
}
