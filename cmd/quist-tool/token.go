// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dtn7/quist/pkg/identity"
	"github.com/dtn7/quist/pkg/transfer"
)

// offer for the "offer" CLI option.
func offer(args []string) {
	fs := flag.NewFlagSet("offer", flag.ExitOnError)
	identitySpec := fs.String("identity", "", "cert,key PEM files; a throwaway identity if absent")
	listenAddr := fs.String("listen", defaultListen, "listen address")

	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		printUsage()
	}

	filename := fs.Arg(0)

	id, err := loadIdentity(*identitySpec)
	if err != nil {
		printFatal(err, "Loading identity errored")
	}

	token, err := transfer.NewToken()
	if err != nil {
		printFatal(err, "Creating token errored")
	}

	f, err := os.Open(filename)
	if err != nil {
		printFatal(err, "Opening file errored")
	}
	stat, err := f.Stat()
	if err != nil {
		printFatal(err, "Inspecting file errored")
	}

	fmt.Printf("token:       %s\n", token)
	fmt.Printf("fingerprint: %s\n", id.Fingerprint())

	sess, listener, err := listenOne(*listenAddr, id, identity.TrustAny())
	if err != nil {
		printFatal(err, "Accepting a session errored")
	}
	defer func() { _ = listener.Close() }()

	result, err := transfer.Offer(context.Background(), sess, token, f, stat.Size(), transfer.Options{})
	if err != nil {
		printFatal(err, "Offering errored")
	}

	if err := f.Close(); err != nil {
		printFatal(err, "Closing file errored")
	}
	if err := sess.Close("done"); err != nil {
		printFatal(err, "Closing session errored")
	}

	fmt.Printf("sent %d bytes in %v (%s)\n",
		result.Bytes, result.Duration.Round(time.Millisecond), result.Throughput())
}

// fetch for the "fetch" CLI option.
func fetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	insecure := fs.Bool("insecure", false, "trust any peer certificate")
	fingerprint := fs.String("fingerprint", "", "pin the peer's certificate fingerprint")
	caFile := fs.String("ca", "", "PEM file with accepted CAs")

	if err := fs.Parse(args); err != nil || fs.NArg() != 3 {
		printUsage()
	}

	var (
		address = fs.Arg(0)
		token   = fs.Arg(1)
		dest    = fs.Arg(2)
	)

	trust, err := parseTrustFlags(*insecure, *fingerprint, *caFile)
	if err != nil {
		printFatal(err, "Building trust policy errored")
	}

	sess, err := dialSession(address, trust)
	if err != nil {
		printFatal(err, "Dialing errored")
	}

	f, err := os.Create(dest)
	if err != nil {
		printFatal(err, "Creating file errored")
	}

	result, err := transfer.Fetch(context.Background(), sess, token, f, transfer.Options{})
	if err != nil {
		printFatal(err, "Fetching errored")
	}

	if err := f.Close(); err != nil {
		printFatal(err, "Closing file errored")
	}
	if err := sess.Close("done"); err != nil {
		printFatal(err, "Closing session errored")
	}

	fmt.Printf("received %d bytes in %v (%s)\n",
		result.Bytes, result.Duration.Round(time.Millisecond), result.Throughput())
}
