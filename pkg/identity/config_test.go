// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package identity

import (
	"crypto/tls"
	"errors"
	"testing"
	"time"
)

func TestBuildServerConfigRequiresIdentity(t *testing.T) {
	if _, err := BuildServerConfig(nil, TrustAny()); !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("Expected ErrMissingIdentity, got %v", err)
	}
}

func TestBuildClientConfigAnonymous(t *testing.T) {
	conf, err := BuildClientConfig(nil, TrustAny())
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}

	if conf.Role() != RoleClient {
		t.Fatalf("Role is %v, expected client", conf.Role())
	}
	if certs := conf.TLS().Certificates; len(certs) != 0 {
		t.Fatalf("Anonymous client carries %d certificates", len(certs))
	}
}

func TestBuildConfigsMinimumVersion(t *testing.T) {
	id, err := Generate("alice", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	client, err := BuildClientConfig(id, TrustAny())
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}
	server, err := BuildServerConfig(id, TrustAny())
	if err != nil {
		t.Fatalf("BuildServerConfig failed: %v", err)
	}

	for _, conf := range []*Config{client, server} {
		tlsConf := conf.TLS()
		if tlsConf.MinVersion != tls.VersionTLS13 {
			t.Fatalf("MinVersion is %x, expected TLS 1.3", tlsConf.MinVersion)
		}
		if len(tlsConf.NextProtos) != 1 || tlsConf.NextProtos[0] != alpnProtocol {
			t.Fatalf("NextProtos are %v", tlsConf.NextProtos)
		}
	}
}

func TestTrustPolicyValidation(t *testing.T) {
	id, err := Generate("bob", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var policyErr *TrustPolicyError

	if _, err := TrustFingerprints(); !errors.As(err, &policyErr) {
		t.Fatalf("Empty fingerprint set: expected TrustPolicyError, got %v", err)
	}
	if _, err := TrustCAs([]byte("not a pem block")); !errors.As(err, &policyErr) {
		t.Fatalf("Garbage CA set: expected TrustPolicyError, got %v", err)
	}
	if _, err := BuildClientConfig(nil, TrustPolicy{}); !errors.As(err, &policyErr) {
		t.Fatalf("Zero value policy: expected TrustPolicyError, got %v", err)
	}
	if _, err := BuildServerConfig(id, TrustSystem()); !errors.As(err, &policyErr) {
		t.Fatalf("System trust on server: expected TrustPolicyError, got %v", err)
	}
}

func TestTrustFingerprintsVerify(t *testing.T) {
	idA, err := Generate("alice", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	idB, err := Generate("bob", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	trust, err := TrustFingerprints(idA.Fingerprint())
	if err != nil {
		t.Fatalf("TrustFingerprints failed: %v", err)
	}

	if err := trust.verifyFingerprint([][]byte{idA.Leaf().Raw}, nil); err != nil {
		t.Fatalf("Pinned certificate was rejected: %v", err)
	}
	if err := trust.verifyFingerprint([][]byte{idB.Leaf().Raw}, nil); err == nil {
		t.Fatal("Unpinned certificate was accepted")
	}
	if err := trust.verifyFingerprint(nil, nil); err == nil {
		t.Fatal("Missing certificate was accepted")
	}
}

func TestTrustCAsRoundTrip(t *testing.T) {
	id, err := Generate("carol", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	trust, err := TrustCAs(id.CertificatePEM())
	if err != nil {
		t.Fatalf("TrustCAs failed: %v", err)
	}
	if trust.Scheme() != SchemeCAs {
		t.Fatalf("Scheme is %v, expected ca", trust.Scheme())
	}

	conf, err := BuildClientConfig(nil, trust, WithServerName("carol"))
	if err != nil {
		t.Fatalf("BuildClientConfig failed: %v", err)
	}
	if name := conf.TLS().ServerName; name != "carol" {
		t.Fatalf("ServerName is %s, expected carol", name)
	}
}
