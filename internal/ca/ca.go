// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

// Package ca implements the issuing side of the protocol: PKI user
// lookup, template-to-certificate issuance, and revocation, backed by
// the database store.
package ca

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/open-pki/go-cmp-server/cmp"
	"github.com/open-pki/go-cmp-server/internal/db"
)

// CA drives certificate issuance for server sessions. It satisfies
// cmp.Authority.
type CA struct {
	Cert *x509.Certificate
	Key  crypto.Signer

	store    *db.State
	validity time.Duration
}

var _ cmp.Authority = (*CA)(nil)

// New creates an authority over the given issuing identity and store.
func New(cert *x509.Certificate, key crypto.Signer, store *db.State) *CA {
	return &CA{Cert: cert, Key: key, store: store, validity: 365 * 24 * time.Hour}
}

// LookupUser implements cmp.Authority.
func (ca *CA) LookupUser(reference []byte) (*cmp.PKIUser, error) {
	rec, err := ca.store.GetUserByReference(reference)
	if err != nil {
		return nil, err
	}
	user := &cmp.PKIUser{
		Reference:  rec.Reference,
		Secret:     rec.Secret,
		SubjectRaw: rec.SubjectDER,
	}
	if rec.SubjectDER != nil {
		var rdns pkix.RDNSequence
		if _, err := asn1.Unmarshal(rec.SubjectDER, &rdns); err != nil {
			return nil, fmt.Errorf("PKI user %q has an invalid stored subject: %w", rec.CommonName, err)
		}
		user.Subject.FillFromRDNSequence(&rdns)
	} else {
		user.Subject = pkix.Name{CommonName: rec.CommonName}
	}
	return user, nil
}

// VerifyClient implements cmp.Authority: signature-protected requests
// are accepted from certificates this CA issued. The presented
// certificate is matched byte for byte against the issue record, which
// authenticates it without re-verifying its (SHA-1) signature.
func (ca *CA) VerifyClient(cert *x509.Certificate) error {
	serial := cert.SerialNumber
	rec, err := ca.store.GetCertificateBySerial(serial)
	if err != nil {
		return fmt.Errorf("certificate %s not on record", serial.Text(16))
	}
	if !bytes.Equal(rec.Raw, cert.Raw) {
		return fmt.Errorf("certificate %s doesn't match the issue record", serial.Text(16))
	}
	if rec.Revoked {
		return fmt.Errorf("certificate %s is revoked", serial.Text(16))
	}
	return nil
}

// IssueCertificate implements cmp.Authority.
func (ca *CA) IssueCertificate(user *cmp.PKIUser, req *cmp.CertRequestInfo) ([]byte, [][]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial number: %w", err)
	}

	keyUsage := req.KeyUsage
	if keyUsage == 0 {
		keyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		RawSubject:   req.SubjectRaw,
		Subject:      req.Subject,
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(ca.validity),
		KeyUsage:     keyUsage,
		// Confirmation hashes are limited to the MD5/SHA-1 fingerprint
		// surface, so issue under a SHA-1 signature.
		SignatureAlgorithm: x509.SHA1WithRSA,
		ExtraExtensions:    req.Extensions,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, req.PublicKey, ca.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("signing certificate: %w", err)
	}
	if err := ca.store.StoreCertificate(serial, req.SubjectRaw, ca.Cert.RawSubject, certDER); err != nil {
		return nil, nil, err
	}
	slog.Info("Issued certificate", "serial", serial.Text(16), "op", req.Operation,
		"subject", req.Subject.String(), "encrypted_delivery", req.EncryptionOnly)
	return certDER, [][]byte{ca.Cert.Raw}, nil
}

// RevokeCertificate implements cmp.Authority.
func (ca *CA) RevokeCertificate(issuerRaw []byte, serial *big.Int, reason int) error {
	if !bytes.Equal(issuerRaw, ca.Cert.RawSubject) {
		return fmt.Errorf("revocation target names issuer %s, not this CA", hex.EncodeToString(issuerRaw))
	}
	if err := ca.store.RevokeCertificate(serial, reason); err != nil {
		return fmt.Errorf("revoking %s: %w", serial.Text(16), err)
	}
	slog.Info("Revoked certificate", "serial", serial.Text(16), "reason", reason)
	return nil
}

// TrustList implements cmp.Authority: the chain published via PKIBoot.
func (ca *CA) TrustList() ([][]byte, error) {
	return [][]byte{ca.Cert.Raw}, nil
}

// RecordExchange writes one audit log line for a finished exchange.
func (ca *CA) RecordExchange(transactionID []byte, operation, outcome, detail string) {
	ca.store.LogTransaction(hex.EncodeToString(transactionID), operation, outcome, detail)
}
