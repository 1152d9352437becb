// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package identity

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"
)

// Identity is a private key together with its certificate chain. It is created once,
// either by Generate or Load, and never modified afterwards.
type Identity struct {
	tlsCert tls.Certificate
	leaf    *x509.Certificate
}

// Generate creates a new self-signed Identity for the given subject, valid from now
// until now plus validity. The subject ends up both as the certificate's common name
// and as a DNS subject alternative name, so clients verifying against a CA pool can
// address the peer by this name.
func Generate(subject string, validity time.Duration) (*Identity, error) {
	return GenerateFrom(rand.Reader, subject, validity)
}

// GenerateFrom works like Generate, but draws all randomness from the given source.
func GenerateFrom(random io.Reader, subject string, validity time.Duration) (*Identity, error) {
	if subject == "" {
		return nil, NewCertGenerationError("template", errors.New("subject must not be empty"))
	}

	pub, priv, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, NewCertGenerationError("key generation", err)
	}

	serial, err := rand.Int(random, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, NewCertGenerationError("serial number", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: subject},
		DNSNames:              []string{subject},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		// KeyUsageCertSign and IsCA let the self-signed certificate double as
		// its own root when a peer verifies it against a CA pool.
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(random, &template, &template, pub, priv)
	if err != nil {
		return nil, NewCertGenerationError("certificate creation", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, NewCertGenerationError("certificate parsing", err)
	}

	return &Identity{
		tlsCert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        leaf,
		},
		leaf: leaf,
	}, nil
}

// Load builds an Identity from caller-supplied certificate and key material.
// Both byte slices may be PEM or raw DER. A certificate chain is accepted as
// multiple PEM blocks, where the first one must be the leaf.
func Load(certBytes, keyBytes []byte) (*Identity, error) {
	chain, err := parseCertificateChain(certBytes)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, NewCertFormatError("leaf certificate", err)
	}

	key, err := parsePrivateKey(keyBytes)
	if err != nil {
		return nil, err
	}

	pub, ok := key.Public().(interface{ Equal(x crypto.PublicKey) bool })
	if !ok || !pub.Equal(leaf.PublicKey) {
		return nil, ErrKeyMismatch
	}

	return &Identity{
		tlsCert: tls.Certificate{
			Certificate: chain,
			PrivateKey:  key,
			Leaf:        leaf,
		},
		leaf: leaf,
	}, nil
}

func parseCertificateChain(certBytes []byte) (chain [][]byte, err error) {
	if bytes.Contains(certBytes, []byte("-----BEGIN")) {
		rest := certBytes
		var block *pem.Block
		for {
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				chain = append(chain, block.Bytes)
			}
		}
		if len(chain) == 0 {
			return nil, NewCertFormatError("certificate", errors.New("no CERTIFICATE block in PEM data"))
		}
		return chain, nil
	}

	// No PEM armour, treat the whole input as a single DER certificate.
	if _, err = x509.ParseCertificate(certBytes); err != nil {
		return nil, NewCertFormatError("certificate", err)
	}
	return [][]byte{certBytes}, nil
}

func parsePrivateKey(keyBytes []byte) (crypto.Signer, error) {
	der := keyBytes
	if block, _ := pem.Decode(keyBytes); block != nil {
		if !strings.Contains(block.Type, "PRIVATE KEY") {
			return nil, NewCertFormatError("private key", fmt.Errorf("unexpected PEM block type %q", block.Type))
		}
		der = block.Bytes
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, NewCertFormatError("private key", errors.New("key type cannot sign"))
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	return nil, NewCertFormatError("private key", errors.New("neither PKCS#8, SEC 1 nor PKCS#1 encoded"))
}

// Subject returns the common name the certificate was issued for.
func (id *Identity) Subject() string {
	return id.leaf.Subject.CommonName
}

// Leaf returns the parsed leaf certificate.
func (id *Identity) Leaf() *x509.Certificate {
	return id.leaf
}

// TLSCertificate returns the identity in the form the TLS stack expects.
func (id *Identity) TLSCertificate() tls.Certificate {
	return id.tlsCert
}

// Fingerprint returns the SHA-256 digest of the leaf certificate in DER form,
// encoded as lowercase hex.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.leaf.Raw)
}

// CertificatePEM encodes the certificate chain as a series of PEM blocks.
func (id *Identity) CertificatePEM() []byte {
	var buf bytes.Buffer
	for _, der := range id.tlsCert.Certificate {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	return buf.Bytes()
}

// PrivateKeyPEM encodes the private key as an unencrypted PKCS#8 PEM block.
func (id *Identity) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(id.tlsCert.PrivateKey)
	if err != nil {
		return nil, NewCertGenerationError("key encoding", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Fingerprint computes the SHA-256 digest of a DER encoded certificate, encoded as lowercase hex.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint brings a user-supplied fingerprint into the canonical form
// produced by Fingerprint. Colons, spaces and uppercase hex digits are accepted.
func NormalizeFingerprint(fingerprint string) (string, error) {
	normalized := strings.ToLower(strings.NewReplacer(":", "", " ", "").Replace(fingerprint))
	if len(normalized) != sha256.Size*2 {
		return "", NewTrustPolicyError(fmt.Sprintf("fingerprint %q is not a SHA-256 digest", fingerprint))
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return "", NewTrustPolicyError(fmt.Sprintf("fingerprint %q contains non-hex characters", fingerprint))
	}
	return normalized, nil
}
