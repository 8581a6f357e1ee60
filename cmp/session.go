// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

// Package cmp implements the Certificate Management Protocol message
// core: construction, transmission, parsing, and integrity verification
// of the RFC 4210 exchange by which end entities obtain certificates
// from a CA.
package cmp

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"log/slog"
	"time"
)

// Role fixes which side of the exchange a session drives. It never
// changes for the life of the session.
type Role int

const (
	RoleClient Role = iota + 1
	RoleServer
)

// Timeout bounds.
const (
	DefaultTimeout = 30 * time.Second
	MinTimeout     = 5 * time.Second
)

// Identity is what a session authenticates itself with: a signer
// certificate and key, or a MAC password with its PKI user reference.
type Identity struct {
	Name pkix.Name

	// Signature protection.
	Cert *x509.Certificate
	Key  crypto.Signer

	// MAC protection.
	Password  []byte
	Reference []byte
}

func (id Identity) usesMAC() bool { return id.Password != nil }

// Option adjusts session construction.
type Option func(*Session)

// WithTimeout sets the receive budget. Values below the minimum are
// raised to it.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d < MinTimeout {
			d = MinTimeout
		}
		s.timeout = d
	}
}

// WithMACParams fixes the outgoing MAC parameters instead of the
// defaults (fresh 16-byte salt, 500 iterations, SHA-1/HMAC-SHA-1).
func WithMACParams(p MacParams) Option {
	return func(s *Session) { s.macParams = &p }
}

// WithPeerCertificate pins the certificate the peer is expected to sign
// with. Required to verify signature-protected responses.
func WithPeerCertificate(cert *x509.Certificate) Option {
	return func(s *Session) { s.peerCert = cert }
}

// Session is one CMP exchange in progress. It owns its integrity
// contexts and nonce buffers and is confined to a single goroutine;
// independent sessions may run in parallel.
type Session struct {
	role    Role
	tr      Transport
	ident   Identity
	timeout time.Duration

	integ     integrity
	macParams *MacParams // egress MAC parameters, nil until first use

	transactionID []byte
	senderNonce   []byte // last nonce we sent
	recipNonce    []byte // peer's last sender nonce, echoed back

	peerDN     []byte
	peerCert   *x509.Certificate
	peerCompat bool

	// Server-side state.
	authority  Authority
	user       *PKIUser
	issuedCert *x509.Certificate
	reqTag     int
	declined   bool
	done       bool
	respondMAC bool           // echo the client's MAC protection
	encOnlyKey *rsa.PublicKey // encryption-only request, deliver encrypted

	failed error // terminal state; all further calls return this
}

// NewSession creates a session in the given role over the given transport.
func NewSession(role Role, tr Transport, ident Identity, opts ...Option) (*Session, error) {
	if role != RoleClient && role != RoleServer {
		return nil, errf(BadData, "invalid session role %d", role)
	}
	if ident.usesMAC() && len(ident.Reference) == 0 {
		return nil, errf(BadData, "MAC identity needs a PKI user reference")
	}
	if !ident.usesMAC() && role == RoleClient && (ident.Cert == nil || ident.Key == nil) {
		return nil, errf(BadData, "identity needs either a password or a certificate and key")
	}
	s := &Session{
		role:    role,
		tr:      tr,
		ident:   ident,
		timeout: DefaultTimeout,
	}
	s.integ.password = ident.Password
	s.integ.signerCert = ident.Cert
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// fail records the first terminal error; later calls get it back
// instead of a fresh attempt against corrupted state.
func (s *Session) fail(err error) error {
	if s.failed == nil {
		s.failed = err
	}
	return err
}

func (s *Session) checkUsable(role Role) error {
	if s.failed != nil {
		return s.failed
	}
	if s.role != role {
		return errf(BadData, "operation not valid for this session role")
	}
	return nil
}

// Declined reports whether the peer rejected the issued certificate via
// an empty certConf. Server side only.
func (s *Session) Declined() bool { return s.declined }

// TransactionID returns the exchange's correlation ID, nil before the
// first message.
func (s *Session) TransactionID() []byte { return s.transactionID }

// Operation names the request type driving a server-side exchange.
func (s *Session) Operation() string { return operationName(s.reqTag) }

// Err returns the session's terminal error, if it has failed.
func (s *Session) Err() error { return s.failed }

// PeerCompat reports whether the peer announced itself as a compatible
// implementation via the generalInfo presence marker.
func (s *Session) PeerCompat() bool { return s.peerCompat }

// randomBytes pulls from the session's entropy source. A failing random
// source invalidates the session.
func (s *Session) randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, s.fail(errWrap(Failed, err, "random source failed"))
	}
	return buf, nil
}

func (s *Session) newTransaction() error {
	txid, err := s.randomBytes(LocalIDSize)
	if err != nil {
		return err
	}
	s.transactionID = txid
	s.senderNonce = nil
	s.recipNonce = nil
	return nil
}

// senderDN returns this side's raw Name DER.
func (s *Session) senderDN() ([]byte, error) {
	if s.ident.Cert != nil {
		return s.ident.Cert.RawSubject, nil
	}
	rdns := s.ident.Name.ToRDNSequence()
	if len(rdns) == 0 {
		return nil, nil
	}
	der, err := asn1.Marshal(rdns)
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode sender name")
	}
	return der, nil
}

// usesMACEgress reports whether outgoing messages carry MAC protection:
// a MAC identity, or a server echoing a MAC-protected exchange.
func (s *Session) usesMACEgress() bool {
	return s.ident.usesMAC() || s.respondMAC
}

// egressMACParams resolves the MAC parameters for outgoing protection,
// generating a fresh salt on first use. A responding server reuses the
// parameters the client chose.
func (s *Session) egressMACParams() (MacParams, error) {
	if s.respondMAC {
		if s.integ.primary == nil {
			return MacParams{}, errf(BadData, "no MAC context to respond with")
		}
		return s.integ.primary.params, nil
	}
	if s.macParams == nil {
		salt, err := s.randomBytes(LocalIDSize)
		if err != nil {
			return MacParams{}, err
		}
		s.macParams = &MacParams{Salt: salt, Iterations: 500, OWF: crypto.SHA1, MAC: crypto.SHA1}
	}
	return *s.macParams, nil
}

// protectionAlg encodes the outgoing protectionAlg field and returns the
// hash used on the signature path.
func (s *Session) protectionAlg() ([]byte, crypto.Hash, error) {
	if s.usesMACEgress() {
		params, err := s.egressMACParams()
		if err != nil {
			return nil, 0, err
		}
		wire, err := params.wireForm()
		if err != nil {
			return nil, 0, err
		}
		paramsDER, err := asn1.Marshal(wire)
		if err != nil {
			return nil, 0, errWrap(BadData, err, "couldn't encode MAC parameters")
		}
		alg, err := asn1.Marshal(pkix.AlgorithmIdentifier{
			Algorithm:  oidEntrustMAC,
			Parameters: asn1.RawValue{FullBytes: paramsDER},
		})
		if err != nil {
			return nil, 0, errWrap(BadData, err, "couldn't encode protection algorithm")
		}
		return alg, 0, nil
	}

	sigOID, hashAlg, err := signatureOIDForKey(s.ident.Cert)
	if err != nil {
		return nil, 0, err
	}
	alg, err := asn1.Marshal(pkix.AlgorithmIdentifier{Algorithm: sigOID})
	if err != nil {
		return nil, 0, errWrap(BadData, err, "couldn't encode protection algorithm")
	}
	return alg, hashAlg, nil
}

// buildMessage runs the send procedure: compose header and body, encode
// both, protect the span, emit the envelope.
func (s *Session) buildMessage(tag int, content []byte) ([]byte, error) {
	nonce, err := s.randomBytes(LocalIDSize)
	if err != nil {
		return nil, err
	}
	s.senderNonce = nonce

	protAlg, sigHash, err := s.protectionAlg()
	if err != nil {
		return nil, err
	}

	senderDN, err := s.senderDN()
	if err != nil {
		return nil, err
	}
	hdr := headerOut{
		senderDN:      senderDN,
		recipDN:       s.peerDN,
		protAlg:       protAlg,
		transactionID: s.transactionID,
		senderNonce:   nonce,
		recipNonce:    s.recipNonce,
		generalInfo:   [][]byte{presenceCheckAttribute()},
	}
	if s.ident.usesMAC() {
		hdr.senderKID = s.ident.Reference
	} else if !s.usesMACEgress() {
		fp := sha1.Sum(s.ident.Cert.Raw)
		hdr.generalInfo = append(hdr.generalInfo, signingCertAttribute(fp[:]))
	}

	headerRaw, err := hdr.encode()
	if err != nil {
		return nil, err
	}
	bodyRaw, err := encodeBody(tag, content)
	if err != nil {
		return nil, err
	}

	span := protectedPart(headerRaw, bodyRaw)
	var protection []byte
	if s.usesMACEgress() {
		params, err := s.egressMACParams()
		if err != nil {
			return nil, err
		}
		mc, err := s.integ.selectMAC(params)
		if err != nil {
			return nil, err
		}
		protection = mc.compute(span)
	} else {
		if protection, err = computeRawSignature(s.ident.Key, sigHash, span); err != nil {
			return nil, err
		}
	}

	var extraCerts [][]byte
	if s.ident.Cert != nil {
		extraCerts = append(extraCerts, s.ident.Cert.Raw)
	}

	slog.Debug("CMP send", "body", bodyName(tag), "txid", idPreview(s.transactionID))
	return encodeMessage(headerRaw, bodyRaw, protection, extraCerts)
}

// processIncoming runs the receive procedure over raw wire bytes:
// header checks, the error-body shortcut, integrity establishment and
// verification. The caller dispatches on the returned body tag.
func (s *Session) processIncoming(raw []byte, firstServerMsg bool) (*pkiMessage, error) {
	msg, err := parseMessage(raw)
	if err != nil {
		return nil, err
	}
	h := msg.header

	// Transaction correlation before anything else.
	if firstServerMsg {
		s.transactionID = h.transactionID
	} else if !bytes.Equal(h.transactionID, s.transactionID) {
		return nil, errFail(Signature, FailBadRecipientNonce,
			"returned message transaction ID doesn't match our transaction ID")
	}

	// The peer's sender nonce becomes our next recipient nonce. The
	// values themselves are not cross-checked; the transaction ID
	// already correlates the exchange and peers omit nonces in enough
	// error paths that strictness buys nothing.
	if h.senderNonce != nil {
		s.recipNonce = h.senderNonce
	}
	if h.senderDN != nil {
		s.peerDN = h.senderDN
	}
	if h.peerCompat {
		s.peerCompat = true
	}

	slog.Debug("CMP recv", "body", bodyName(msg.bodyTag), "txid", idPreview(h.transactionID), "mac", h.useMAC)

	// An error can arrive at any point and is processed before the
	// integrity check; the result is marked unauthenticated.
	if msg.bodyTag == bodyError {
		return msg, parseErrorBody(msg.bodyContent)
	}

	if s.role == RoleServer && firstServerMsg {
		if err := s.establishServerIdentity(msg); err != nil {
			return nil, err
		}
	}
	if err := s.verifyProtection(msg, firstServerMsg); err != nil {
		return nil, err
	}
	return msg, nil
}

// verifyProtection establishes the integrity context the header calls
// for and checks the protection value over the span as received.
func (s *Session) verifyProtection(msg *pkiMessage, firstServerMsg bool) error {
	h := msg.header
	if msg.protection == nil {
		return errFail(Signature, FailWrongIntegrity, "signature/MAC data is missing or truncated")
	}
	span := protectedPart(msg.headerRaw, msg.bodyRaw)

	if h.useMAC {
		if s.integ.password == nil {
			return errFail(Signature, FailWrongIntegrity, "MAC-protected message but no password available")
		}
		var mc *macContext
		if h.macParamsRaw == nil {
			// Absent parameters mean "same as the previous message".
			if mc = s.integ.primary; mc == nil {
				return errf(BadData, "MAC parameters omitted with no previous transaction")
			}
		} else {
			params, err := parseMacParams(h.macParamsRaw)
			if err != nil {
				return err
			}
			var derr error
			if mc, derr = s.integ.selectMAC(params); derr != nil {
				return s.fail(derr)
			}
		}
		if len(msg.protection) < minMACSize || len(msg.protection) > maxMACSize {
			return errf(BadData, "MAC value size %d outside valid range", len(msg.protection))
		}
		if !mc.verify(span, msg.protection) {
			return errFail(Signature, FailBadMessageCheck, "bad message MAC")
		}
		return nil
	}

	signer, err := s.resolveSigner(msg, firstServerMsg)
	if err != nil {
		return err
	}
	return verifyRawSignature(signer, h.sigHash, span, msg.protection)
}

// resolveSigner picks and checks the certificate the protection
// signature must verify under: the ESSCertID fingerprint when the peer
// provides one, the sender DN otherwise.
func (s *Session) resolveSigner(msg *pkiMessage, firstServerMsg bool) (*x509.Certificate, error) {
	h := msg.header

	expected := s.peerCert
	if expected == nil && firstServerMsg {
		// First sight of this client: take its certificate from
		// extraCerts, subject to the identity checks below.
		for _, der := range msg.extraCerts {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				continue
			}
			expected = cert
			break
		}
	}
	if expected == nil {
		return nil, errFail(Signature, FailSignerNotTrusted, "no certificate to verify message signature")
	}

	if h.certFingerprint != nil {
		fp := sha1.Sum(expected.Raw)
		if !bytes.Equal(fp[:], h.certFingerprint) {
			return nil, errf(WrongKey, "message signer doesn't match our signature check certificate")
		}
	} else if h.senderDN != nil && !bytes.Equal(h.senderDN, expected.RawSubject) {
		// Legacy peers identify the signer only by DN, which can't
		// pin a certificate uniquely; a match here still leaves a bad
		// signature possible, but a mismatch is a definite wrong key.
		return nil, errf(WrongKey, "message signature key doesn't match our signature check key")
	}
	s.peerCert = expected
	return expected, nil
}

func idPreview(id []byte) string {
	const hexdigits = "0123456789abcdef"
	n := len(id)
	if n > 4 {
		n = 4
	}
	out := make([]byte, 0, n*2)
	for _, b := range id[:n] {
		out = append(out, hexdigits[b>>4], hexdigits[b&0xf])
	}
	return string(out)
}
