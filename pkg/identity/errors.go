// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package identity

import (
	"errors"
	"fmt"
)

// ErrKeyMismatch is returned by Load if the private key does not belong to the certificate's public key.
var ErrKeyMismatch = errors.New("private key does not match the certificate's public key")

// ErrMissingIdentity is returned by BuildServerConfig when no Identity was supplied.
// Servers always present a certificate, there is no anonymous mode like for clients.
var ErrMissingIdentity = errors.New("server configuration requires an identity")

// CertGenerationError is returned when the cryptographic backend fails while creating a new Identity.
type CertGenerationError struct {
	Op    string
	Cause error
}

func NewCertGenerationError(op string, cause error) *CertGenerationError {
	return &CertGenerationError{
		Op:    op,
		Cause: cause,
	}
}

func (err *CertGenerationError) Error() string {
	return fmt.Sprintf("generating identity failed at %s: %v", err.Op, err.Cause)
}

func (err *CertGenerationError) Unwrap() error {
	return err.Cause
}

// CertFormatError is returned by Load for bytes which are neither valid PEM nor valid DER material.
type CertFormatError struct {
	What  string
	Cause error
}

func NewCertFormatError(what string, cause error) *CertFormatError {
	return &CertFormatError{
		What:  what,
		Cause: cause,
	}
}

func (err *CertFormatError) Error() string {
	return fmt.Sprintf("cannot parse %s: %v", err.What, err.Cause)
}

func (err *CertFormatError) Unwrap() error {
	return err.Cause
}

// TrustPolicyError is returned for malformed trust configuration, like an empty fingerprint set.
type TrustPolicyError struct {
	Reason string
}

func NewTrustPolicyError(reason string) *TrustPolicyError {
	return &TrustPolicyError{Reason: reason}
}

func (err *TrustPolicyError) Error() string {
	return fmt.Sprintf("invalid trust policy: %s", err.Reason)
}
