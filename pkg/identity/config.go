// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package identity

import (
	"crypto/tls"
)

// Role tags a Config for its side of the connection.
type Role uint8

const (
	// RoleClient configurations are used for dialing out.
	RoleClient Role = iota + 1
	// RoleServer configurations are used for listening.
	RoleServer
)

func (role Role) String() string {
	switch role {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// alpnProtocol is the application protocol announced during the handshake.
// Peers speaking something else are turned away before any stream is opened.
const alpnProtocol = "quist/1"

// Config bundles an Identity and a TrustPolicy into TLS settings for one role.
// Built once by BuildClientConfig or BuildServerConfig, never mutated afterwards.
type Config struct {
	role     Role
	identity *Identity
	trust    TrustPolicy
	tlsConf  *tls.Config
}

// Option adjusts optional parts of a Config during construction.
type Option func(*tls.Config)

// WithServerName pins the name the peer's certificate is checked against when
// verifying with SchemeCAs or SchemeSystem. Without it, the host part of the
// dialed address is used.
func WithServerName(name string) Option {
	return func(tlsConf *tls.Config) {
		tlsConf.ServerName = name
	}
}

// BuildClientConfig creates the configuration for the dialing side. The identity
// may be nil, in which case the client stays anonymous and presents no
// certificate. Note that a server pinning fingerprints will reject anonymous
// clients during the handshake.
func BuildClientConfig(id *Identity, trust TrustPolicy, opts ...Option) (*Config, error) {
	if err := trust.check(); err != nil {
		return nil, err
	}

	tlsConf := baseTLSConfig(id)
	switch trust.scheme {
	case SchemeAny:
		tlsConf.InsecureSkipVerify = true

	case SchemeFingerprints:
		tlsConf.InsecureSkipVerify = true
		tlsConf.VerifyPeerCertificate = trust.verifyFingerprint

	case SchemeCAs:
		tlsConf.RootCAs = trust.pool

	case SchemeSystem:
		// RootCAs stays nil, the TLS stack falls back to the system store.
	}

	for _, opt := range opts {
		opt(tlsConf)
	}

	return &Config{
		role:     RoleClient,
		identity: id,
		trust:    trust,
		tlsConf:  tlsConf,
	}, nil
}

// BuildServerConfig creates the configuration for the listening side. An
// identity is mandatory. With SchemeAny no client certificate is requested at
// all; the other schemes demand one and verify it during the handshake.
func BuildServerConfig(id *Identity, trust TrustPolicy) (*Config, error) {
	if id == nil {
		return nil, ErrMissingIdentity
	}
	if err := trust.check(); err != nil {
		return nil, err
	}

	tlsConf := baseTLSConfig(id)
	switch trust.scheme {
	case SchemeAny:
		tlsConf.ClientAuth = tls.NoClientCert

	case SchemeFingerprints:
		tlsConf.ClientAuth = tls.RequireAnyClientCert
		tlsConf.VerifyPeerCertificate = trust.verifyFingerprint

	case SchemeCAs:
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConf.ClientCAs = trust.pool

	case SchemeSystem:
		return nil, NewTrustPolicyError("system trust is only valid for client configurations")
	}

	return &Config{
		role:     RoleServer,
		identity: id,
		trust:    trust,
		tlsConf:  tlsConf,
	}, nil
}

func baseTLSConfig(id *Identity) *tls.Config {
	tlsConf := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{alpnProtocol},
	}
	if id != nil {
		tlsConf.Certificates = []tls.Certificate{id.TLSCertificate()}
	}
	return tlsConf
}

// Role returns whether this Config dials or listens.
func (conf *Config) Role() Role {
	return conf.role
}

// Identity returns the Config's own identity, nil for anonymous clients.
func (conf *Config) Identity() *Identity {
	return conf.identity
}

// Trust returns the attached TrustPolicy.
func (conf *Config) Trust() TrustPolicy {
	return conf.trust
}

// TLS returns a fresh copy of the underlying TLS configuration. Callers may
// hand it to a transport without affecting this Config.
func (conf *Config) TLS() *tls.Config {
	return conf.tlsConf.Clone()
}
