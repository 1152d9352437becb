// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

// constantReader is a deterministic randomness source for key generation tests.
type constantReader byte

func (c constantReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(c)
	}
	return len(p), nil
}

func TestGenerate(t *testing.T) {
	id, err := Generate("alice", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if subject := id.Subject(); subject != "alice" {
		t.Fatalf("Subject is %s, expected alice", subject)
	}

	if dnsNames := id.Leaf().DNSNames; len(dnsNames) != 1 || dnsNames[0] != "alice" {
		t.Fatalf("DNS names are %v, expected [alice]", dnsNames)
	}

	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(id.Fingerprint()) {
		t.Fatalf("Fingerprint %s is no lowercase hex SHA-256", id.Fingerprint())
	}
}

func TestGenerateEmptySubject(t *testing.T) {
	var certErr *CertGenerationError
	if _, err := Generate("", time.Hour); !errors.As(err, &certErr) {
		t.Fatalf("Expected CertGenerationError, got %v", err)
	}
}

func TestGenerateDeterministicKey(t *testing.T) {
	id1, err := GenerateFrom(constantReader(0x42), "bob", time.Hour)
	if err != nil {
		t.Fatalf("First GenerateFrom failed: %v", err)
	}
	id2, err := GenerateFrom(constantReader(0x42), "bob", time.Hour)
	if err != nil {
		t.Fatalf("Second GenerateFrom failed: %v", err)
	}

	key1 := id1.TLSCertificate().PrivateKey.(ed25519.PrivateKey)
	key2 := id2.TLSCertificate().PrivateKey.(ed25519.PrivateKey)
	if !key1.Equal(key2) {
		t.Fatal("Same random source produced different keys")
	}
}

func TestGenerateValidityWindow(t *testing.T) {
	const validity = 42 * time.Minute

	id, err := Generate("carol", validity)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	leaf := id.Leaf()
	if window := leaf.NotAfter.Sub(leaf.NotBefore); window != validity {
		t.Fatalf("Validity window is %v, expected %v", window, validity)
	}

	roots := x509.NewCertPool()
	roots.AddCert(leaf)

	// Valid through the very last instant of the window, rejected afterwards.
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, CurrentTime: leaf.NotAfter}); err != nil {
		t.Fatalf("Certificate should be valid at NotAfter: %v", err)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: roots, CurrentTime: leaf.NotAfter.Add(time.Second)}); err == nil {
		t.Fatal("Certificate should be expired after NotAfter")
	}
}

func TestLoadPemRoundTrip(t *testing.T) {
	id, err := Generate("dave", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	keyPem, err := id.PrivateKeyPEM()
	if err != nil {
		t.Fatalf("PrivateKeyPEM failed: %v", err)
	}

	loaded, err := Load(id.CertificatePEM(), keyPem)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Fingerprint() != id.Fingerprint() {
		t.Fatalf("Fingerprint changed: %s became %s", id.Fingerprint(), loaded.Fingerprint())
	}
}

func TestLoadDer(t *testing.T) {
	id, err := Generate("erin", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	keyDer, err := x509.MarshalPKCS8PrivateKey(id.TLSCertificate().PrivateKey)
	if err != nil {
		t.Fatalf("Marshalling key failed: %v", err)
	}

	loaded, err := Load(id.Leaf().Raw, keyDer)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Fingerprint() != id.Fingerprint() {
		t.Fatalf("Fingerprint changed: %s became %s", id.Fingerprint(), loaded.Fingerprint())
	}
}

func TestLoadGarbage(t *testing.T) {
	id, err := Generate("frank", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	keyPem, err := id.PrivateKeyPEM()
	if err != nil {
		t.Fatalf("PrivateKeyPEM failed: %v", err)
	}

	var formatErr *CertFormatError
	if _, err := Load([]byte("clearly not a certificate"), keyPem); !errors.As(err, &formatErr) {
		t.Fatalf("Expected CertFormatError for garbage certificate, got %v", err)
	}
	if _, err := Load(id.CertificatePEM(), []byte("clearly not a key")); !errors.As(err, &formatErr) {
		t.Fatalf("Expected CertFormatError for garbage key, got %v", err)
	}
}

func TestLoadKeyMismatch(t *testing.T) {
	idA, err := Generate("alice", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	idB, err := Generate("bob", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	keyB, err := idB.PrivateKeyPEM()
	if err != nil {
		t.Fatalf("PrivateKeyPEM failed: %v", err)
	}

	if _, err := Load(idA.CertificatePEM(), keyB); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("Expected ErrKeyMismatch, got %v", err)
	}
}

func TestNormalizeFingerprint(t *testing.T) {
	id, err := Generate("grace", time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	canonical := id.Fingerprint()

	colonized := ""
	for i := 0; i < len(canonical); i += 2 {
		if i > 0 {
			colonized += ":"
		}
		colonized += string(canonical[i]) + string(canonical[i+1])
	}

	var tests = []string{
		canonical,
		colonized,
		strings.ToUpper(canonical),
		"  " + canonical + "  ",
	}
	for _, test := range tests {
		normalized, err := NormalizeFingerprint(test)
		if err != nil {
			t.Fatalf("NormalizeFingerprint(%q) failed: %v", test, err)
		}
		if normalized != canonical {
			t.Fatalf("NormalizeFingerprint(%q) = %s, expected %s", test, normalized, canonical)
		}
	}

	var policyErr *TrustPolicyError
	if _, err := NormalizeFingerprint("deadbeef"); !errors.As(err, &policyErr) {
		t.Fatalf("Expected TrustPolicyError for short fingerprint, got %v", err)
	}
	if _, err := NormalizeFingerprint(canonical[:63] + "x"); !errors.As(err, &policyErr) {
		t.Fatalf("Expected TrustPolicyError for non-hex fingerprint, got %v", err)
	}
}
