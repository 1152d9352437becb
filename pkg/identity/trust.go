// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package identity

import (
	"crypto/x509"
	"errors"
	"fmt"
)

// TrustScheme enumerates the ways a peer certificate may be judged.
type TrustScheme uint8

const (
	schemeInvalid TrustScheme = iota

	// SchemeAny accepts every peer certificate, including self-signed ones.
	// Only meant for testing and closed networks.
	SchemeAny

	// SchemeFingerprints accepts peers whose leaf certificate matches one of a
	// set of pinned SHA-256 fingerprints.
	SchemeFingerprints

	// SchemeCAs accepts peers whose certificate chains to one of a set of
	// caller-supplied certificate authorities.
	SchemeCAs

	// SchemeSystem accepts peers whose certificate chains to the operating
	// system's root store. Client-side only.
	SchemeSystem
)

func (scheme TrustScheme) String() string {
	switch scheme {
	case SchemeAny:
		return "any"
	case SchemeFingerprints:
		return "fingerprints"
	case SchemeCAs:
		return "ca"
	case SchemeSystem:
		return "system"
	default:
		return "invalid"
	}
}

// TrustPolicy decides which peer certificates are acceptable. The zero value is
// invalid; use one of the Trust constructors. Immutable after construction.
type TrustPolicy struct {
	scheme       TrustScheme
	fingerprints map[string]struct{}
	pool         *x509.CertPool
}

// TrustAny accepts every peer certificate without verification.
func TrustAny() TrustPolicy {
	return TrustPolicy{scheme: SchemeAny}
}

// TrustFingerprints pins the given set of SHA-256 certificate fingerprints.
// Each fingerprint is normalized first, see NormalizeFingerprint.
func TrustFingerprints(fingerprints ...string) (TrustPolicy, error) {
	if len(fingerprints) == 0 {
		return TrustPolicy{}, NewTrustPolicyError("fingerprint set must not be empty")
	}

	pinned := make(map[string]struct{}, len(fingerprints))
	for _, fingerprint := range fingerprints {
		normalized, err := NormalizeFingerprint(fingerprint)
		if err != nil {
			return TrustPolicy{}, err
		}
		pinned[normalized] = struct{}{}
	}

	return TrustPolicy{scheme: SchemeFingerprints, fingerprints: pinned}, nil
}

// TrustCAs trusts certificates chaining to the given PEM encoded authorities.
func TrustCAs(pemCerts []byte) (TrustPolicy, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemCerts) {
		return TrustPolicy{}, NewTrustPolicyError("CA set contains no usable certificate")
	}
	return TrustPolicy{scheme: SchemeCAs, pool: pool}, nil
}

// TrustSystem trusts certificates chaining to the system's root store.
func TrustSystem() TrustPolicy {
	return TrustPolicy{scheme: SchemeSystem}
}

// Scheme returns the policy's TrustScheme.
func (trust TrustPolicy) Scheme() TrustScheme {
	return trust.scheme
}

func (trust TrustPolicy) String() string {
	return trust.scheme.String()
}

func (trust TrustPolicy) check() error {
	switch trust.scheme {
	case SchemeAny, SchemeSystem:
		return nil
	case SchemeFingerprints:
		if len(trust.fingerprints) == 0 {
			return NewTrustPolicyError("fingerprint set must not be empty")
		}
		return nil
	case SchemeCAs:
		if trust.pool == nil {
			return NewTrustPolicyError("CA set must not be empty")
		}
		return nil
	default:
		return NewTrustPolicyError("zero value policy, use a Trust constructor")
	}
}

// verifyFingerprint is installed as tls.Config.VerifyPeerCertificate for pinned
// peers. No chain verification happens; the pin is the whole trust.
func (trust TrustPolicy) verifyFingerprint(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("peer presented no certificate")
	}

	fingerprint := Fingerprint(rawCerts[0])
	if _, ok := trust.fingerprints[fingerprint]; !ok {
		return fmt.Errorf("peer certificate fingerprint %s is not pinned", fingerprint)
	}
	return nil
}
