// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"
)

// testAuthority is an in-memory Authority for exchange tests.
type testAuthority struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	users   map[string]*PKIUser
	issued  map[string][]byte // serial hex -> raw
	revoked map[string]int    // serial hex -> reason
}

func newTestAuthority(t *testing.T) *testAuthority {
	t.Helper()
	caKey := testRSAKey(t)
	caCert := issueTestCert(t, "Test CA", caKey)

	subjectDER, err := asn1.Marshal(pkix.Name{CommonName: "Tester"}.ToRDNSequence())
	if err != nil {
		t.Fatalf("marshal user subject: %v", err)
	}
	return &testAuthority{
		caCert: caCert,
		caKey:  caKey,
		users: map[string]*PKIUser{
			"user1": {
				Reference:  []byte("user1"),
				Secret:     []byte("secret"),
				Subject:    pkix.Name{CommonName: "Tester"},
				SubjectRaw: subjectDER,
			},
		},
		issued:  make(map[string][]byte),
		revoked: make(map[string]int),
	}
}

func (a *testAuthority) LookupUser(reference []byte) (*PKIUser, error) {
	user, ok := a.users[string(reference)]
	if !ok {
		return nil, fmt.Errorf("no user %q", reference)
	}
	return user, nil
}

func (a *testAuthority) VerifyClient(cert *x509.Certificate) error {
	if _, ok := a.issued[cert.SerialNumber.Text(16)]; !ok {
		return fmt.Errorf("certificate %s not issued here", cert.SerialNumber.Text(16))
	}
	return nil
}

func (a *testAuthority) IssueCertificate(_ *PKIUser, req *CertRequestInfo) ([]byte, [][]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:       serial,
		RawSubject:         req.SubjectRaw,
		Subject:            req.Subject,
		NotBefore:          time.Now().Add(-time.Minute),
		NotAfter:           time.Now().Add(time.Hour),
		KeyUsage:           req.KeyUsage,
		SignatureAlgorithm: x509.SHA1WithRSA,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.caCert, req.PublicKey, a.caKey)
	if err != nil {
		return nil, nil, err
	}
	a.issued[serial.Text(16)] = der
	return der, [][]byte{a.caCert.Raw}, nil
}

func (a *testAuthority) RevokeCertificate(issuerRaw []byte, serial *big.Int, reason int) error {
	if !bytes.Equal(issuerRaw, a.caCert.RawSubject) {
		return fmt.Errorf("not our issuer")
	}
	a.revoked[serial.Text(16)] = reason
	return nil
}

func (a *testAuthority) TrustList() ([][]byte, error) {
	return [][]byte{a.caCert.Raw}, nil
}

// loopTransport feeds requests straight into a server session, with an
// optional tamper hook over the response.
type loopTransport struct {
	server *Session
	tamper func([]byte) []byte
}

func (lt *loopTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	resp, err := lt.server.HandleMessage(ctx, request)
	if err != nil {
		return nil, err
	}
	if lt.tamper != nil {
		resp = lt.tamper(resp)
	}
	return resp, nil
}

func newTestPair(t *testing.T, authority *testAuthority, clientIdent Identity, opts ...Option) (*Session, *Session) {
	t.Helper()
	server, err := NewServerSession(authority, Identity{Cert: authority.caCert, Key: authority.caKey})
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	client, err := NewSession(RoleClient, &loopTransport{server: server}, clientIdent, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return client, server
}

func macIdentity() Identity {
	return Identity{Password: []byte("secret"), Reference: []byte("user1")}
}

func TestInitialRequestWithMAC(t *testing.T) {
	authority := newTestAuthority(t)
	client, server := newTestPair(t, authority, macIdentity(),
		WithMACParams(testMACParams))

	key := testRSAKey(t)
	issued, err := client.RequestInitial(context.Background(), &CertTemplate{
		SubjectKey: key,
		KeyUsage:   x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	})
	if err != nil {
		t.Fatalf("RequestInitial: %v", err)
	}

	// The CA reconciled the empty subject from the PKI user record.
	if issued.Certificate.Subject.CommonName != "Tester" {
		t.Errorf("issued subject = %q, want %q", issued.Certificate.Subject.CommonName, "Tester")
	}
	if len(issued.CACerts) != 1 {
		t.Errorf("caPubs count = %d", len(issued.CACerts))
	}
	pub, ok := issued.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("issued certificate carries the wrong key")
	}

	if !server.Done() {
		t.Error("server session not finished after pkiConf")
	}
	if server.Declined() {
		t.Error("confirmed issue recorded as declined")
	}
	if server.Err() != nil {
		t.Errorf("server terminal error: %v", server.Err())
	}
	if !server.PeerCompat() {
		t.Error("presence marker not carried through")
	}
	if !bytes.Equal(client.TransactionID(), server.TransactionID()) {
		t.Error("transaction IDs diverged")
	}
}

func TestInitialRequestUnknownReference(t *testing.T) {
	authority := newTestAuthority(t)
	client, _ := newTestPair(t, authority,
		Identity{Password: []byte("secret"), Reference: []byte("unknown_user")})

	_, err := client.RequestInitial(context.Background(), &CertTemplate{SubjectKey: testRSAKey(t)})
	if err == nil {
		t.Fatal("unknown reference succeeded")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("unexpected error type %T", err)
	}
	if e.Kind != Permission {
		t.Errorf("kind = %v, want Permission", e.Kind)
	}
	if !e.Unauthenticated {
		t.Error("error body result not flagged unauthenticated")
	}
}

func TestInitialRequestUnreconcilableSubject(t *testing.T) {
	authority := newTestAuthority(t)
	client, _ := newTestPair(t, authority, macIdentity())

	// Known user, but a subject that contradicts the stored record.
	_, err := client.RequestInitial(context.Background(), &CertTemplate{
		Subject:    pkix.Name{CommonName: "Somebody Else"},
		SubjectKey: testRSAKey(t),
		KeyUsage:   x509.KeyUsageDigitalSignature,
	})
	if err == nil {
		t.Fatal("unreconcilable subject succeeded")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("unexpected error type %T", err)
	}
	if e.Kind != Invalid {
		t.Errorf("kind = %v, want Invalid", e.Kind)
	}
	if e.FailInfo&FailBadCertTemplate == 0 {
		t.Error("badCertTemplate failure bit not set")
	}
}

// enrolTestClient obtains a first certificate so signature-protected
// exchanges have an identity to work with.
func enrolTestClient(t *testing.T, authority *testAuthority) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	client, _ := newTestPair(t, authority, macIdentity())
	key := testRSAKey(t)
	issued, err := client.RequestInitial(context.Background(), &CertTemplate{
		SubjectKey: key,
		KeyUsage:   x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	})
	if err != nil {
		t.Fatalf("enrolment failed: %v", err)
	}
	return issued.Certificate, key
}

func TestKeyUpdateWithSignature(t *testing.T) {
	authority := newTestAuthority(t)
	cert, key := enrolTestClient(t, authority)

	client, server := newTestPair(t, authority,
		Identity{Cert: cert, Key: key},
		WithPeerCertificate(authority.caCert))

	newKey := testRSAKey(t)
	issued, err := client.RequestUpdate(context.Background(), cert, &CertTemplate{
		SubjectKey: newKey,
		KeyUsage:   x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	})
	if err != nil {
		t.Fatalf("RequestUpdate: %v", err)
	}
	if issued.Certificate.Subject.CommonName != cert.Subject.CommonName {
		t.Errorf("updated subject = %q", issued.Certificate.Subject.CommonName)
	}
	pub, ok := issued.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(newKey.PublicKey.N) != 0 {
		t.Error("update did not certify the new key")
	}
	if !server.Done() {
		t.Error("server session not finished")
	}
}

func TestKeyUpdateRejectsSameKey(t *testing.T) {
	authority := newTestAuthority(t)
	cert, key := enrolTestClient(t, authority)

	client, _ := newTestPair(t, authority,
		Identity{Cert: cert, Key: key},
		WithPeerCertificate(authority.caCert))

	_, err := client.RequestUpdate(context.Background(), cert, &CertTemplate{
		SubjectKey: key,
		KeyUsage:   x509.KeyUsageDigitalSignature,
	})
	if err == nil {
		t.Fatal("key update with the old key succeeded")
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != Invalid {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestRevocationRoundTrip(t *testing.T) {
	authority := newTestAuthority(t)
	cert, key := enrolTestClient(t, authority)

	client, server := newTestPair(t, authority,
		Identity{Cert: cert, Key: key},
		WithPeerCertificate(authority.caCert))

	err := client.RequestRevocation(context.Background(), RevocationTarget{
		IssuerRaw:    authority.caCert.RawSubject,
		SerialNumber: big.NewInt(0x1234),
		Reason:       ReasonKeyCompromise,
	})
	if err != nil {
		t.Fatalf("RequestRevocation: %v", err)
	}
	if reason, ok := authority.revoked[big.NewInt(0x1234).Text(16)]; !ok || reason != ReasonKeyCompromise {
		t.Errorf("revocation not recorded: %v", authority.revoked)
	}
	if !server.Done() {
		t.Error("server session not finished; rr is a single round trip")
	}
}

func TestRevocationRequiresSignature(t *testing.T) {
	authority := newTestAuthority(t)
	client, _ := newTestPair(t, authority, macIdentity())

	err := client.RequestRevocation(context.Background(), RevocationTarget{
		IssuerRaw:    authority.caCert.RawSubject,
		SerialNumber: big.NewInt(1),
	})
	if err == nil {
		t.Fatal("MAC-protected rr accepted")
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != Signature {
		t.Errorf("got %v, want Signature", err)
	}
}

func TestSignedIRRejected(t *testing.T) {
	authority := newTestAuthority(t)
	cert, key := enrolTestClient(t, authority)

	client, _ := newTestPair(t, authority,
		Identity{Cert: cert, Key: key},
		WithPeerCertificate(authority.caCert))

	// Drive an ir over a signature identity by calling the enrolment
	// machinery directly: the server must insist on MAC protection.
	_, err := client.enroll(context.Background(), bodyIR, &CertTemplate{SubjectKey: testRSAKey(t)})
	if err == nil {
		t.Fatal("signed ir accepted")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("unexpected error type %T", err)
	}
	if !strings.Contains(e.Error(), "MAC") {
		t.Errorf("error %q doesn't explain the integrity direction", e.Error())
	}
}

func TestTransactionIDTamper(t *testing.T) {
	authority := newTestAuthority(t)
	server, err := NewServerSession(authority, Identity{Cert: authority.caCert, Key: authority.caKey})
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}

	var client *Session
	lt := &loopTransport{server: server, tamper: func(resp []byte) []byte {
		// Flip one bit of the echoed transaction ID in the response.
		txid := client.TransactionID()
		idx := bytes.Index(resp, txid)
		if idx < 0 {
			t.Fatal("transaction ID not found in response")
		}
		tampered := append([]byte{}, resp...)
		tampered[idx+len(txid)-1] ^= 0x01
		return tampered
	}}
	client, err = NewSession(RoleClient, lt, macIdentity())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	_, err = client.RequestInitial(context.Background(), &CertTemplate{
		SubjectKey: testRSAKey(t),
		KeyUsage:   x509.KeyUsageDigitalSignature,
	})
	if err == nil {
		t.Fatal("tampered transaction ID accepted")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("unexpected error type %T", err)
	}
	if e.Kind != Signature {
		t.Errorf("kind = %v, want Signature", e.Kind)
	}
	if e.FailInfo&FailBadRecipientNonce == 0 {
		t.Error("badRecipientNonce failure bit not set")
	}

	// The session is terminal: further operations return the error.
	if _, err2 := client.RequestInitial(context.Background(), &CertTemplate{SubjectKey: testRSAKey(t)}); err2 == nil {
		t.Error("failed session accepted another exchange")
	}
}

func TestIterationCountDoSOverWire(t *testing.T) {
	authority := newTestAuthority(t)
	server, err := NewServerSession(authority, Identity{Cert: authority.caCert, Key: authority.caKey})
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}

	// Hand-build an ir whose MAC parameters claim 2^31 iterations. The
	// protection value is garbage, which must not matter: the bound is
	// enforced before any derivation or verification.
	content, err := encodeCertReqMessages(&CertTemplate{SubjectKey: testRSAKey(t)}, nil)
	if err != nil {
		t.Fatalf("encodeCertReqMessages: %v", err)
	}
	bodyRaw, err := encodeBody(bodyIR, content)
	if err != nil {
		t.Fatalf("encodeBody: %v", err)
	}
	headerRaw, err := headerOut{
		protAlg: macProtAlg(t, MacParams{
			Salt:       []byte{0x00, 0x11, 0x22, 0x33},
			Iterations: 1 << 31,
			OWF:        crypto.SHA1,
			MAC:        crypto.SHA1,
		}),
		senderKID:     []byte("user1"),
		transactionID: bytes.Repeat([]byte{0x0d}, 16),
		senderNonce:   bytes.Repeat([]byte{0x0e}, 16),
	}.encode()
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	raw, err := encodeMessage(headerRaw, bodyRaw, bytes.Repeat([]byte{0xaa}, 20), nil)
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}

	start := time.Now()
	resp, err := server.HandleMessage(context.Background(), raw)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	// Rejected before any key derivation: a 2^31-iteration derivation
	// would take minutes, so a fast return shows none began.
	if elapsed > 2*time.Second {
		t.Errorf("rejection took %v; iteration bound not enforced before derivation", elapsed)
	}

	perr := replyError(t, resp)
	if perr.Kind != BadData {
		t.Errorf("kind = %v, want BadData", perr.Kind)
	}
	if perr.FailInfo&FailBadAlg == 0 {
		t.Error("badAlg failure bit not set")
	}
}

// replyError parses a server response expected to carry an error body.
func replyError(t *testing.T, raw []byte) *Error {
	t.Helper()
	msg, err := parseMessage(raw)
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if msg.bodyTag != bodyError {
		t.Fatalf("body = %s, want error", bodyName(msg.bodyTag))
	}
	return parseErrorBody(msg.bodyContent)
}

// TestEncryptionOnlyKeyGetsEncryptedDelivery requests a certificate for
// a key that can't sign: POP is deferred and the server answers with
// the legacy encrypted form, which only the key holder can open.
func TestEncryptionOnlyKeyGetsEncryptedDelivery(t *testing.T) {
	authority := newTestAuthority(t)
	client, server := newTestPair(t, authority, macIdentity())

	key := testRSAKey(t)
	issued, err := client.RequestInitial(context.Background(), &CertTemplate{
		SubjectKey: key,
		KeyUsage:   x509.KeyUsageKeyEncipherment,
	})
	if err != nil {
		t.Fatalf("RequestInitial: %v", err)
	}
	if issued.Certificate.Subject.CommonName != "Tester" {
		t.Errorf("issued subject = %q", issued.Certificate.Subject.CommonName)
	}
	pub, ok := issued.Certificate.PublicKey.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("issued certificate carries the wrong key")
	}
	if !server.Done() {
		t.Error("server session not finished")
	}
}

func TestPKIBootTrustList(t *testing.T) {
	authority := newTestAuthority(t)
	client, server := newTestPair(t, authority, macIdentity())

	certs, err := client.FetchTrustList(context.Background())
	if err != nil {
		t.Fatalf("FetchTrustList: %v", err)
	}
	if len(certs) != 1 || !bytes.Equal(certs[0].Raw, authority.caCert.Raw) {
		t.Error("trust list differs from the CA's")
	}
	if !server.Done() {
		t.Error("server session not finished; genm is a single round trip")
	}
}

func TestSessionTimeout(t *testing.T) {
	authority := newTestAuthority(t)
	server, err := NewServerSession(authority, Identity{Cert: authority.caCert, Key: authority.caKey})
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	slow := &slowTransport{inner: &loopTransport{server: server}, delay: 10 * time.Second}
	client, err := NewSession(RoleClient, slow, macIdentity(), WithTimeout(MinTimeout))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	start := time.Now()
	_, err = client.RequestInitial(context.Background(), &CertTemplate{SubjectKey: testRSAKey(t)})
	if err == nil {
		t.Fatal("stalled transport produced a certificate")
	}
	var e *Error
	if !errors.As(err, &e) || e.Kind != Timeout {
		t.Errorf("got %v, want Timeout", err)
	}
	if elapsed := time.Since(start); elapsed > MinTimeout+2*time.Second {
		t.Errorf("timeout took %v, budget is %v", elapsed, MinTimeout)
	}
}

type slowTransport struct {
	inner Transport
	delay time.Duration
}

func (st *slowTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	select {
	case <-time.After(st.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return st.inner.RoundTrip(ctx, request)
}

func TestTimeoutFloor(t *testing.T) {
	authority := newTestAuthority(t)
	client, _ := newTestPair(t, authority, macIdentity(), WithTimeout(time.Second))
	if client.timeout != MinTimeout {
		t.Errorf("timeout = %v, want the %v floor", client.timeout, MinTimeout)
	}
}

func TestFreshNoncesPerMessage(t *testing.T) {
	authority := newTestAuthority(t)
	seen := make(map[string]bool)

	server, err := NewServerSession(authority, Identity{Cert: authority.caCert, Key: authority.caKey})
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	var client *Session
	lt := &loopTransport{server: server, tamper: func(resp []byte) []byte {
		nonce := string(client.senderNonce)
		if len(client.senderNonce) != LocalIDSize {
			t.Errorf("sender nonce length = %d, want %d", len(client.senderNonce), LocalIDSize)
		}
		if seen[nonce] {
			t.Error("sender nonce repeated")
		}
		seen[nonce] = true
		return resp
	}}
	client, err = NewSession(RoleClient, lt, macIdentity())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if _, err := client.RequestInitial(context.Background(), &CertTemplate{
		SubjectKey: testRSAKey(t),
		KeyUsage:   x509.KeyUsageDigitalSignature,
	}); err != nil {
		t.Fatalf("RequestInitial: %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("saw %d nonces over the exchange, want 2", len(seen))
	}
}
