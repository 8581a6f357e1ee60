// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"crypto"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"hash"
)

// Algorithm identifiers used in CMP protection and certificate recovery.
var (
	oidEntrustMAC = asn1.ObjectIdentifier{1, 2, 840, 113533, 7, 66, 13}

	oidSHA1       = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA256     = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidMD5        = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}
	oidHMACSHA1   = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 7}
	oidHMACSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}

	oidSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}

	oid3DESCBC   = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
	oidAES128CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAES256CBC = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}

	// ESSCertID lives in the signingCertificate attribute; it fixes
	// CMP's otherwise ambiguous signer identification.
	oidSigningCertificate = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 12}

	// Private-arc attributes recognised in generalInfo: a presence-check
	// marker announcing a compatible peer implementation, and the
	// PKIBoot trust-list info type.
	oidPresenceCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3029, 3, 1, 2}
	oidPKIBoot       = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3029, 3, 1, 1}

	// id-it-caKeyUpdateInfo, announced by a CA in genp messages.
	oidCAKeyUpdateInfo = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 4, 1}
)

// hashByOID maps a digest AlgorithmIdentifier OID to the implementation.
// Only the algorithms CMP protection actually uses are listed.
func hashByOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(oidSHA1):
		return crypto.SHA1, true
	case oid.Equal(oidSHA256):
		return crypto.SHA256, true
	case oid.Equal(oidMD5):
		return crypto.MD5, true
	}
	return 0, false
}

func oidByHash(h crypto.Hash) (asn1.ObjectIdentifier, bool) {
	switch h {
	case crypto.SHA1:
		return oidSHA1, true
	case crypto.SHA256:
		return oidSHA256, true
	case crypto.MD5:
		return oidMD5, true
	}
	return nil, false
}

func macByOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(oidHMACSHA1):
		return crypto.SHA1, true
	case oid.Equal(oidHMACSHA256):
		return crypto.SHA256, true
	}
	return 0, false
}

func newHash(h crypto.Hash) hash.Hash {
	switch h {
	case crypto.SHA1:
		return sha1.New()
	case crypto.SHA256:
		return sha256.New()
	case crypto.MD5:
		return md5.New()
	}
	return nil
}

// signatureHashByOID maps a signature AlgorithmIdentifier OID to the
// digest used with it. Used when verifying raw protection signatures,
// where the hash is computed separately from the public-key operation.
func signatureHashByOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	switch {
	case oid.Equal(oidSHA1WithRSA):
		return crypto.SHA1, true
	case oid.Equal(oidSHA256WithRSA):
		return crypto.SHA256, true
	case oid.Equal(oidECDSAWithSHA256):
		return crypto.SHA256, true
	}
	return 0, false
}

// signatureOIDForKey picks the protection signature algorithm for a
// signer's certificate.
func signatureOIDForKey(cert *x509.Certificate) (asn1.ObjectIdentifier, crypto.Hash, error) {
	switch cert.PublicKeyAlgorithm {
	case x509.RSA:
		return oidSHA256WithRSA, crypto.SHA256, nil
	case x509.ECDSA:
		return oidECDSAWithSHA256, crypto.SHA256, nil
	}
	return nil, 0, errf(NotAvailable, "no protection algorithm for %v keys", cert.PublicKeyAlgorithm)
}

// confirmationHash returns the digest a certConf for the given issued
// certificate must use: the same hash the CA signed it with, restricted
// to the pair of fingerprints certificates can actually expose.
func confirmationHash(cert *x509.Certificate) (crypto.Hash, error) {
	switch cert.SignatureAlgorithm {
	case x509.MD5WithRSA:
		return crypto.MD5, nil
	case x509.SHA1WithRSA, x509.DSAWithSHA1, x509.ECDSAWithSHA1:
		return crypto.SHA1, nil
	}
	// Certificates only expose MD5 and SHA-1 fingerprints, so issues
	// signed with anything else can't be confirmed.
	return 0, errf(NotAvailable, "can't confirm certificate issue using algorithm %v", cert.SignatureAlgorithm)
}

// blockSizeByCEKOID returns the block length for the content-encryption
// algorithms accepted in legacy encrypted certificates.
func blockSizeByCEKOID(oid asn1.ObjectIdentifier) (keyLen, blockLen int, ok bool) {
	switch {
	case oid.Equal(oid3DESCBC):
		return 24, 8, true
	case oid.Equal(oidAES128CBC):
		return 16, 16, true
	case oid.Equal(oidAES256CBC):
		return 32, 16, true
	}
	return 0, 0, false
}
