// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quist/pkg/identity"
	"github.com/dtn7/quist/pkg/session"
)

// defaultListen is bound by listening subcommands when -listen is absent.
const defaultListen = ":23230"

// printUsage of quist-tool and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s gen-identity|fingerprint|send|receive|offer|fetch|exchange:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s gen-identity subject validity cert.pem key.pem\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Generates a self-signed identity for the given subject, valid for the given\n")
	_, _ = fmt.Fprintf(os.Stderr, "  duration (e.g. 8760h), and writes both PEM files. Prints the fingerprint.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s fingerprint cert.pem\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Prints the certificate's fingerprint for pinning.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s send [-insecure|-fingerprint fp|-ca file] [-compress] [-chunk n] address file\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Dials address and sends the file over a single channel.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s receive [-identity cert,key] [-listen address] [-compress] destination\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Waits for one session and writes its first transfer to destination.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s offer [-identity cert,key] [-listen address] file\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Prints a one-time token, waits for a session and sends the file to the\n")
	_, _ = fmt.Fprintf(os.Stderr, "  first peer presenting that token.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s fetch [-insecure|-fingerprint fp|-ca file] address token destination\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Dials address, presents the token and receives the offered file.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s exchange [-insecure|-fingerprint fp] [-listen address|-peer address] directory\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Watches the directory: new files are sent to the peer, incoming transfers\n")
	_, _ = fmt.Fprintf(os.Stderr, "  are stored there under their content digest.\n\n")

	os.Exit(1)
}

// printFatal the error with a message and exit.
func printFatal(err error, msg string) {
	log.WithError(err).Fatal(msg)
}

// parseTrustFlags merges the mutually exclusive trust options of dialing
// subcommands. Without any option the system root CAs apply.
func parseTrustFlags(insecure bool, fingerprint, caFile string) (identity.TrustPolicy, error) {
	switch {
	case fingerprint != "":
		return identity.TrustFingerprints(fingerprint)

	case caFile != "":
		pemCerts, err := os.ReadFile(caFile)
		if err != nil {
			return identity.TrustPolicy{}, err
		}
		return identity.TrustCAs(pemCerts)

	case insecure:
		return identity.TrustAny(), nil

	default:
		return identity.TrustSystem(), nil
	}
}

// loadIdentity reads a "cert,key" pair of PEM files; an empty spec yields a
// throwaway identity living for a day.
func loadIdentity(spec string) (*identity.Identity, error) {
	if spec == "" {
		return identity.Generate("quist-tool", 24*time.Hour)
	}

	parts := strings.SplitN(spec, ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("identity must be given as cert,key")
	}

	certBytes, err := os.ReadFile(parts[0])
	if err != nil {
		return nil, err
	}
	keyBytes, err := os.ReadFile(parts[1])
	if err != nil {
		return nil, err
	}

	return identity.Load(certBytes, keyBytes)
}

// dialSession connects to address as an anonymous client.
func dialSession(address string, trust identity.TrustPolicy) (*session.Session, error) {
	conf, err := identity.BuildClientConfig(nil, trust)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return session.Dial(ctx, address, conf, nil)
}

// listenOne accepts a single session on address.
func listenOne(address string, id *identity.Identity, trust identity.TrustPolicy) (*session.Session, *session.Listener, error) {
	conf, err := identity.BuildServerConfig(id, trust)
	if err != nil {
		return nil, nil, err
	}

	listener, err := session.Listen(address, conf, nil)
	if err != nil {
		return nil, nil, err
	}

	sess, err := listener.Accept(context.Background())
	if err != nil {
		_ = listener.Close()
		return nil, nil, err
	}

	return sess, listener, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
	}

	switch os.Args[1] {
	case "gen-identity":
		genIdentity(os.Args[2:])

	case "fingerprint":
		printFingerprint(os.Args[2:])

	case "send":
		send(os.Args[2:])

	case "receive":
		receive(os.Args[2:])

	case "offer":
		offer(os.Args[2:])

	case "fetch":
		fetch(os.Args[2:])

	case "exchange":
		startExchange(os.Args[2:])

	default:
		printUsage()
	}
}
