// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

// issueTestCert builds a self-signed certificate for payload tests.
func issueTestCert(t *testing.T, cn string, key *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(0x1234),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		SignatureAlgorithm:    x509.SHA1WithRSA,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating test certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing test certificate: %v", err)
	}
	return cert
}

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	return key
}

func TestCertRepRoundTripPlain(t *testing.T) {
	key := testRSAKey(t)
	cert := issueTestCert(t, "Tester", key)
	caKey := testRSAKey(t)
	caCert := issueTestCert(t, "Test CA", caKey)

	content, err := encodeCertRepBody(certRepOut{
		status:  newStatusInfo(StatusAccepted, 0, ""),
		certDER: cert.Raw,
		encap:   certEncapPlain,
		caPubs:  [][]byte{caCert.Raw},
	})
	if err != nil {
		t.Fatalf("encodeCertRepBody: %v", err)
	}

	issued, err := parseCertRepBody(cryptobyte.String(content), recipientKeys{})
	if err != nil {
		t.Fatalf("parseCertRepBody: %v", err)
	}
	if !bytes.Equal(issued.Certificate.Raw, cert.Raw) {
		t.Error("returned certificate differs")
	}
	if len(issued.CACerts) != 1 || !bytes.Equal(issued.CACerts[0].Raw, caCert.Raw) {
		t.Error("caPubs not recovered")
	}
}

func TestCertRepRejection(t *testing.T) {
	content, err := encodeCertRepBody(certRepOut{
		status: newStatusInfo(StatusRejection, FailBadCertTemplate, "no such user"),
	})
	if err != nil {
		t.Fatalf("encodeCertRepBody: %v", err)
	}
	_, err = parseCertRepBody(cryptobyte.String(content), recipientKeys{})
	if err == nil {
		t.Fatal("rejection parsed as success")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("unexpected error type %T", err)
	}
	if e.Kind != Invalid {
		t.Errorf("kind = %v, want Invalid", e.Kind)
	}
	if e.PeerText != "no such user" {
		t.Errorf("peer text = %q", e.PeerText)
	}
	if e.PeerStatus != StatusRejection {
		t.Errorf("peer status = %d", e.PeerStatus)
	}
}

func TestCertRepLegacyEncrypted(t *testing.T) {
	subjectKey := testRSAKey(t)
	cert := issueTestCert(t, "Encrypted Delivery", subjectKey)

	content, err := encodeCertRepBody(certRepOut{
		status:   newStatusInfo(StatusAccepted, 0, ""),
		certDER:  cert.Raw,
		encap:    certEncapLegacyEnc,
		recipKey: &subjectKey.PublicKey,
	})
	if err != nil {
		t.Fatalf("encodeCertRepBody: %v", err)
	}

	t.Run("right key recovers", func(t *testing.T) {
		issued, err := parseCertRepBody(cryptobyte.String(content), recipientKeys{key: subjectKey})
		if err != nil {
			t.Fatalf("parseCertRepBody: %v", err)
		}
		if !bytes.Equal(issued.Certificate.Raw, cert.Raw) {
			t.Error("decrypted certificate differs")
		}
	})
	t.Run("wrong key fails", func(t *testing.T) {
		if _, err := parseCertRepBody(cryptobyte.String(content), recipientKeys{key: testRSAKey(t)}); err == nil {
			t.Error("wrong key recovered the certificate")
		}
	})
	t.Run("no key fails", func(t *testing.T) {
		if _, err := parseCertRepBody(cryptobyte.String(content), recipientKeys{}); err == nil {
			t.Error("recovery without a private key succeeded")
		}
	})
}

func TestCertConfEmptyBodyIsRejectionNotError(t *testing.T) {
	content, err := encodeCertConfBody(nil)
	if err != nil {
		t.Fatalf("encodeCertConfBody: %v", err)
	}
	hash, err := parseCertConfBody(cryptobyte.String(content))
	if err != nil {
		t.Fatalf("empty certConf must parse cleanly, got %v", err)
	}
	if hash != nil {
		t.Errorf("empty certConf produced hash %x", hash)
	}
}

func TestCertConfRoundTrip(t *testing.T) {
	digest := sha1.Sum([]byte("certificate bytes"))
	content, err := encodeCertConfBody(digest[:])
	if err != nil {
		t.Fatalf("encodeCertConfBody: %v", err)
	}
	hash, err := parseCertConfBody(cryptobyte.String(content))
	if err != nil {
		t.Fatalf("parseCertConfBody: %v", err)
	}
	if !bytes.Equal(hash, digest[:]) {
		t.Errorf("hash = %x, want %x", hash, digest)
	}
}

func TestRevRepRoundTrip(t *testing.T) {
	content, err := encodeRevRepBody(newStatusInfo(StatusAccepted, 0, ""))
	if err != nil {
		t.Fatalf("encodeRevRepBody: %v", err)
	}
	if err := parseRevRepBody(cryptobyte.String(content)); err != nil {
		t.Errorf("accepted rp parsed as %v", err)
	}

	content, err = encodeRevRepBody(newStatusInfo(StatusRejection, FailBadCertID, "no such certificate"))
	if err != nil {
		t.Fatalf("encodeRevRepBody: %v", err)
	}
	if err := parseRevRepBody(cryptobyte.String(content)); err == nil {
		t.Error("rejected rp parsed as success")
	}
}

func TestRevDetailsRoundTrip(t *testing.T) {
	target := RevocationTarget{
		Issuer:       pkix.Name{CommonName: "Test CA"},
		SerialNumber: big.NewInt(0x1234),
		Reason:       ReasonKeyCompromise,
	}
	content, err := encodeRevDetails(target)
	if err != nil {
		t.Fatalf("encodeRevDetails: %v", err)
	}
	rev, err := parseRevDetails(cryptobyte.String(content))
	if err != nil {
		t.Fatalf("parseRevDetails: %v", err)
	}
	if rev.serial.Int64() != 0x1234 {
		t.Errorf("serial = %s", rev.serial.Text(16))
	}
	if rev.reason != ReasonKeyCompromise {
		t.Errorf("reason = %d, want keyCompromise", rev.reason)
	}
	if rev.issuerRaw == nil {
		t.Error("issuer not recovered")
	}
}

func TestErrorBodyUnauthenticated(t *testing.T) {
	content, err := encodeErrorBody(&Error{
		Kind:       Permission,
		Desc:       "unknown PKI user",
		PeerStatus: StatusRejection,
		FailInfo:   FailSignerNotTrusted,
	})
	if err != nil {
		t.Fatalf("encodeErrorBody: %v", err)
	}
	perr := parseErrorBody(cryptobyte.String(content))
	if perr == nil {
		t.Fatal("error body parsed as nil")
	}
	if !perr.Unauthenticated {
		t.Error("error from an unverified message not flagged unauthenticated")
	}
	if perr.Kind != Permission {
		t.Errorf("kind = %v, want Permission", perr.Kind)
	}
	if perr.FailInfo&FailSignerNotTrusted == 0 {
		t.Error("failure bits lost")
	}
}

func TestCertReqMessagesRoundTrip(t *testing.T) {
	key := testRSAKey(t)
	tmpl := &CertTemplate{
		Subject:    pkix.Name{CommonName: "Tester"},
		SubjectKey: key,
		KeyUsage:   x509.KeyUsageDigitalSignature,
	}
	content, err := encodeCertReqMessages(tmpl, key)
	if err != nil {
		t.Fatalf("encodeCertReqMessages: %v", err)
	}

	req, err := parseCertReqMessages(cryptobyte.String(content))
	if err != nil {
		t.Fatalf("parseCertReqMessages: %v", err)
	}
	if req.template.subject.CommonName != "Tester" {
		t.Errorf("subject = %q", req.template.subject.CommonName)
	}
	if req.template.keyUsage&x509.KeyUsageDigitalSignature == 0 {
		t.Error("key usage lost")
	}
	if !req.selfSigned() {
		t.Fatal("POP signature missing")
	}
	if err := req.verifyPOP(); err != nil {
		t.Errorf("verifyPOP: %v", err)
	}

	pub, ok := req.template.publicKey.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("template public key differs")
	}
}

func TestCertReqMessagesDeferredPOP(t *testing.T) {
	key := testRSAKey(t)
	tmpl := &CertTemplate{
		Subject:   pkix.Name{CommonName: "Encrypt Only"},
		PublicKey: &key.PublicKey,
		KeyUsage:  x509.KeyUsageKeyEncipherment,
	}
	content, err := encodeCertReqMessages(tmpl, nil)
	if err != nil {
		t.Fatalf("encodeCertReqMessages: %v", err)
	}
	req, err := parseCertReqMessages(cryptobyte.String(content))
	if err != nil {
		t.Fatalf("parseCertReqMessages: %v", err)
	}
	if req.selfSigned() {
		t.Error("deferred-POP request claims a signature")
	}
	if err := req.verifyPOP(); err == nil {
		t.Error("verifyPOP succeeded without a POP")
	}
}

func TestTamperedPOPRejected(t *testing.T) {
	key := testRSAKey(t)
	tmpl := &CertTemplate{Subject: pkix.Name{CommonName: "Tester"}, SubjectKey: key}
	content, err := encodeCertReqMessages(tmpl, key)
	if err != nil {
		t.Fatalf("encodeCertReqMessages: %v", err)
	}
	req, err := parseCertReqMessages(cryptobyte.String(content))
	if err != nil {
		t.Fatalf("parseCertReqMessages: %v", err)
	}
	req.popSig[len(req.popSig)/2] ^= 0x01
	if err := req.verifyPOP(); err == nil {
		t.Error("tampered POP verified")
	}
}

func TestTrustListRoundTrip(t *testing.T) {
	caKey := testRSAKey(t)
	caCert := issueTestCert(t, "Trust Root", caKey)

	ctl, err := encodeTrustList([][]byte{caCert.Raw})
	if err != nil {
		t.Fatalf("encodeTrustList: %v", err)
	}
	certs, err := parseTrustList(ctl)
	if err != nil {
		t.Fatalf("parseTrustList: %v", err)
	}
	if len(certs) != 1 || !bytes.Equal(certs[0].Raw, caCert.Raw) {
		t.Error("trust list lost the certificate")
	}
}
