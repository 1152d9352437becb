// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/dtn7/quist/pkg/identity"
)

// genIdentity for the "gen-identity" CLI option.
func genIdentity(args []string) {
	if len(args) != 4 {
		printUsage()
	}

	var (
		subject  = args[0]
		validity = args[1]
		certName = args[2]
		keyName  = args[3]
	)

	dur, err := time.ParseDuration(validity)
	if err != nil {
		printFatal(err, "Parsing validity errored")
	}

	id, err := identity.Generate(subject, dur)
	if err != nil {
		printFatal(err, "Generating identity errored")
	}

	keyPem, err := id.PrivateKeyPEM()
	if err != nil {
		printFatal(err, "Encoding private key errored")
	}

	if err := os.WriteFile(certName, id.CertificatePEM(), 0644); err != nil {
		printFatal(err, "Writing certificate errored")
	}
	if err := os.WriteFile(keyName, keyPem, 0600); err != nil {
		printFatal(err, "Writing key errored")
	}

	fmt.Println(id.Fingerprint())
}

// printFingerprint for the "fingerprint" CLI option.
func printFingerprint(args []string) {
	if len(args) != 1 {
		printUsage()
	}

	certBytes, err := os.ReadFile(args[0])
	if err != nil {
		printFatal(err, "Reading certificate errored")
	}

	block, _ := pem.Decode(certBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		printFatal(fmt.Errorf("no CERTIFICATE block in %s", args[0]), "Parsing certificate errored")
	}

	fmt.Println(identity.Fingerprint(block.Bytes))
}
