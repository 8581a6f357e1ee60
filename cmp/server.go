// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"log/slog"
	"math/big"
)

// PKIUser is the stored record a MAC-protected request authenticates
// against: the enrolment secret plus the DN the CA will issue under.
type PKIUser struct {
	Reference  []byte
	Secret     []byte
	Subject    pkix.Name
	SubjectRaw []byte
}

// CertRequestInfo is the server-side view of one certificate request
// after template parsing and reconciliation.
type CertRequestInfo struct {
	Operation  string // "ir", "cr", "kur"
	Subject    pkix.Name
	SubjectRaw []byte
	PublicKey  any
	KeyUsage   x509.KeyUsage
	Extensions []pkix.Extension

	// EncryptionOnly marks a request with no proof-of-possession
	// signature; the issued certificate is delivered encrypted so only
	// the key holder can use it.
	EncryptionOnly bool
}

// Authority supplies the CA-side capabilities a server session drives:
// user records, issuance, revocation, and the published trust list.
type Authority interface {
	// LookupUser fetches the PKI user for a MAC key identifier.
	LookupUser(reference []byte) (*PKIUser, error)

	// VerifyClient decides whether a signature-protected request from
	// the given certificate is acceptable.
	VerifyClient(cert *x509.Certificate) error

	// IssueCertificate issues for a reconciled request. user is nil
	// for signature-authenticated requests.
	IssueCertificate(user *PKIUser, req *CertRequestInfo) (certDER []byte, caPubs [][]byte, err error)

	// RevokeCertificate processes an authorised revocation.
	RevokeCertificate(issuerRaw []byte, serial *big.Int, reason int) error

	// TrustList returns the DER certificates published via PKIBoot.
	TrustList() ([][]byte, error)
}

// NewServerSession creates the CA side of one exchange. The identity
// must carry the CA's protection certificate and key; MAC-protected
// exchanges additionally authenticate against Authority user records.
func NewServerSession(authority Authority, ident Identity, opts ...Option) (*Session, error) {
	if ident.Cert == nil || ident.Key == nil {
		return nil, errf(BadData, "server identity needs the CA certificate and key")
	}
	s, err := NewSession(RoleServer, nil, ident, opts...)
	if err != nil {
		return nil, err
	}
	s.authority = authority
	return s, nil
}

// Done reports whether the exchange has reached a terminal state and
// the session can be discarded.
func (s *Session) Done() bool { return s.done || s.failed != nil }

// establishServerIdentity runs once on the first message of an
// exchange: the client must identify its authentication key, either a
// PKI user reference for the MAC path or a certificate fingerprint for
// the signature path.
func (s *Session) establishServerIdentity(msg *pkiMessage) error {
	h := msg.header
	if h.useMAC {
		if h.senderKID == nil {
			return errf(BadData, "missing user ID in PKI header")
		}
		user, err := s.authority.LookupUser(h.senderKID)
		if err != nil || user == nil {
			return errFail(Permission, FailSignerNotTrusted, "unknown PKI user")
		}
		s.user = user
		s.integ.password = user.Secret
		s.respondMAC = true
		return nil
	}

	if h.certFingerprint == nil {
		return errf(BadData, "missing certificate ID in PKI header")
	}
	// resolveSigner picks the certificate out of extraCerts and checks
	// it against the fingerprint; trust is the authority's decision.
	cert, err := s.resolveSigner(msg, true)
	if err != nil {
		return err
	}
	if err := s.authority.VerifyClient(cert); err != nil {
		return errWrap(Permission, err, "client certificate not acceptable")
	}
	return nil
}

// HandleMessage processes one incoming message of a server-side
// exchange and returns the encoded response. Protocol failures are
// returned to the peer as error bodies, not as Go errors; the error
// return is reserved for failures building any response at all.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) ([]byte, error) {
	if s.role != RoleServer {
		return nil, errf(BadData, "operation not valid for this session role")
	}
	if s.failed != nil || s.done {
		return nil, errf(Failed, "session is finished")
	}
	if err := ctx.Err(); err != nil {
		return nil, errWrap(Timeout, err, "request cancelled")
	}

	firstMsg := s.transactionID == nil
	msg, err := s.processIncoming(raw, firstMsg)
	if err != nil {
		return s.respondError(err)
	}
	if firstMsg {
		if !isRequestTag(msg.bodyTag) {
			return s.respondError(errFail(BadData, FailBadRequest, "invalid message type %s", bodyName(msg.bodyTag)))
		}
		s.reqTag = msg.bodyTag
	}

	// Protection-direction rules: enrolment bootstrap must be MACed,
	// revocation must be signed.
	if msg.bodyTag == bodyIR && !msg.header.useMAC {
		return s.respondError(errFail(Signature, FailWrongIntegrity, "received signed ir, should be MAC'ed"))
	}
	if msg.bodyTag == bodyRR && msg.header.useMAC {
		return s.respondError(errFail(Signature, FailWrongIntegrity, "received MAC'ed rr, should be signed"))
	}

	switch msg.bodyTag {
	case bodyIR, bodyCR, bodyKUR:
		return s.handleCertRequest(msg)
	case bodyP10CR:
		return s.handleP10CR(msg)
	case bodyRR:
		return s.handleRevocation(msg)
	case bodyCertConf:
		return s.handleCertConf(msg)
	case bodyGenm:
		return s.handleGenm(msg)
	}
	return s.respondError(errFail(BadData, FailBadRequest, "unexpected message type %s", bodyName(msg.bodyTag)))
}

func operationName(tag int) string {
	switch tag {
	case bodyIR:
		return "ir"
	case bodyCR, bodyP10CR:
		return "cr"
	case bodyKUR:
		return "kur"
	}
	return bodyName(tag)
}

func (s *Session) handleCertRequest(msg *pkiMessage) ([]byte, error) {
	req, err := parseCertReqMessages(msg.bodyContent)
	if err != nil {
		return s.respondError(err)
	}

	info, rejectErr := s.reconcileRequest(msg.bodyTag, req)
	if rejectErr != nil {
		// Template and policy rejections are valid protocol outcomes:
		// they travel in the response status, not in an error body.
		return s.respondCertRep(msg.bodyTag, certRepOut{
			status: newStatusInfo(StatusRejection, rejectErr.FailInfo, rejectErr.Desc),
		})
	}

	certDER, caPubs, err := s.authority.IssueCertificate(s.user, info)
	if err != nil {
		slog.Error("certificate issue failed", "err", err)
		return s.respondCertRep(msg.bodyTag, certRepOut{
			status: newStatusInfo(StatusRejection, FailSystemFailure, "certificate issue failed"),
		})
	}
	issued, err := x509.ParseCertificate(certDER)
	if err != nil {
		return s.respondError(errWrap(Failed, err, "authority issued an unparsable certificate"))
	}
	s.issuedCert = issued

	rep := certRepOut{
		status:  newStatusInfo(StatusAccepted, 0, ""),
		certDER: certDER,
		encap:   certEncapPlain,
		caPubs:  caPubs,
	}
	if info.EncryptionOnly && s.encOnlyKey != nil {
		rep.encap = certEncapLegacyEnc
		rep.recipKey = s.encOnlyKey
	}
	return s.respondCertRep(msg.bodyTag, rep)
}

// handleP10CR processes a PKCS#10-wrapped request: the CSR's own
// signature serves as proof of possession.
func (s *Session) handleP10CR(msg *pkiMessage) ([]byte, error) {
	csr, err := x509.ParseCertificateRequest([]byte(msg.bodyContent))
	if err != nil {
		return s.respondCertRep(bodyP10CR, certRepOut{
			status: newStatusInfo(StatusRejection, FailBadCertTemplate, "invalid PKCS#10 request"),
		})
	}
	if err := csr.CheckSignature(); err != nil {
		return s.respondCertRep(bodyP10CR, certRepOut{
			status: newStatusInfo(StatusRejection, FailBadPOP, "proof of possession failed"),
		})
	}

	info := &CertRequestInfo{
		Operation:  "cr",
		Subject:    csr.Subject,
		SubjectRaw: csr.RawSubject,
		PublicKey:  csr.PublicKey,
		Extensions: csr.Extensions,
	}
	certDER, caPubs, err := s.authority.IssueCertificate(s.user, info)
	if err != nil {
		slog.Error("certificate issue failed", "err", err)
		return s.respondCertRep(bodyP10CR, certRepOut{
			status: newStatusInfo(StatusRejection, FailSystemFailure, "certificate issue failed"),
		})
	}
	issued, err := x509.ParseCertificate(certDER)
	if err != nil {
		return s.respondError(errWrap(Failed, err, "authority issued an unparsable certificate"))
	}
	s.issuedCert = issued
	return s.respondCertRep(bodyP10CR, certRepOut{
		status:  newStatusInfo(StatusAccepted, 0, ""),
		certDER: certDER,
		encap:   certEncapPlain,
		caPubs:  caPubs,
	})
}

// reconcileRequest applies the POP rules and, for an ir, merges the
// template with the stored PKI user record.
func (s *Session) reconcileRequest(tag int, req *certRequest) (*CertRequestInfo, *Error) {
	t := req.template
	if t.publicKey == nil {
		return nil, errFail(Invalid, FailBadCertTemplate, "request has no public key")
	}

	// A request for a signing-capable key must prove possession by
	// signing itself; encryption-only keys may defer POP.
	signingKey := t.keyUsage&(x509.KeyUsageDigitalSignature|x509.KeyUsageContentCommitment) != 0
	if signingKey && !req.selfSigned() {
		return nil, errFail(Invalid, FailBadCertTemplate, "request is for a signing key but the request isn't signed")
	}
	encryptionOnly := false
	if req.selfSigned() {
		if err := req.verifyPOP(); err != nil {
			if e, ok := err.(*Error); ok {
				return nil, e
			}
			return nil, errFail(Invalid, FailBadPOP, "proof of possession failed")
		}
	} else {
		encryptionOnly = true
		rsaPub, ok := t.publicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errFail(Invalid, FailBadCertTemplate, "encryption-only request needs an RSA key")
		}
		s.encOnlyKey = rsaPub
	}

	// Key usage travels separately; leaving its extension in the list
	// would duplicate it in the issued certificate.
	var exts []pkix.Extension
	for _, ext := range t.extensions {
		if !ext.Id.Equal(oidExtKeyUsage) {
			exts = append(exts, ext)
		}
	}
	info := &CertRequestInfo{
		Operation:      operationName(tag),
		Subject:        t.subject,
		SubjectRaw:     t.subjectRaw,
		PublicKey:      t.publicKey,
		KeyUsage:       t.keyUsage,
		Extensions:     exts,
		EncryptionOnly: encryptionOnly,
	}

	if tag == bodyIR {
		// The subject may be empty or CN-only; fill it in from the PKI
		// user record and make sure what the client did send is
		// consistent with our information for the user.
		if s.user == nil {
			return nil, errFail(Permission, FailNotAuthorized, "initial request without a PKI user")
		}
		merged, err := reconcileSubject(t, s.user)
		if err != nil {
			return nil, err
		}
		info.Subject = merged.subject
		info.SubjectRaw = merged.subjectRaw
	} else if t.subjectRaw == nil {
		return nil, errFail(Invalid, FailBadCertTemplate, "request template has no subject")
	}

	if tag == bodyKUR && s.peerCert != nil && t.sameKey(s.peerCert) {
		return nil, errFail(Invalid, FailBadCertTemplate, "key update must carry a new key")
	}
	return info, nil
}

type reconciled struct {
	subject    pkix.Name
	subjectRaw []byte
}

// reconcileSubject merges an ir template subject with the user record:
// an empty subject takes the record wholesale, a CN-only subject must
// match the record's CN.
func reconcileSubject(t *parsedTemplate, user *PKIUser) (reconciled, *Error) {
	userRaw := user.SubjectRaw
	if userRaw == nil {
		der, err := marshalName(user.Subject)
		if err != nil {
			return reconciled{}, errFail(Invalid, FailBadCertTemplate, "PKI user record has no usable subject")
		}
		userRaw = der
	}
	if t.subjectRaw == nil {
		return reconciled{subject: user.Subject, subjectRaw: userRaw}, nil
	}
	if bytes.Equal(t.subjectRaw, userRaw) {
		return reconciled{subject: t.subject, subjectRaw: t.subjectRaw}, nil
	}
	// CN-only subject: acceptable when it agrees with the record.
	if t.subject.CommonName != "" && len(t.subject.Country)+len(t.subject.Organization)+len(t.subject.OrganizationalUnit) == 0 &&
		t.subject.CommonName == user.Subject.CommonName {
		return reconciled{subject: user.Subject, subjectRaw: userRaw}, nil
	}
	return reconciled{}, errFail(Invalid, FailBadCertTemplate,
		"user information in request can't be reconciled with our information for the user")
}

func marshalName(name pkix.Name) ([]byte, error) {
	rdns := name.ToRDNSequence()
	if len(rdns) == 0 {
		return nil, errf(BadData, "empty name")
	}
	return asn1.Marshal(rdns)
}

func (s *Session) handleRevocation(msg *pkiMessage) ([]byte, error) {
	rev, err := parseRevDetails(msg.bodyContent)
	if err != nil {
		return s.respondError(err)
	}
	if err := s.authority.RevokeCertificate(rev.issuerRaw, rev.serial, rev.reason); err != nil {
		if e, ok := err.(*Error); ok {
			return s.respondError(e)
		}
		return s.respondError(errWrap(Failed, err, "revocation failed"))
	}
	content, err := encodeRevRepBody(newStatusInfo(StatusAccepted, 0, ""))
	if err != nil {
		return nil, s.fail(err)
	}
	s.done = true
	return s.buildMessage(bodyRP, content)
}

func (s *Session) handleCertConf(msg *pkiMessage) ([]byte, error) {
	if s.issuedCert == nil {
		return s.respondError(errFail(BadData, FailBadRequest, "certificate confirmation without an issued certificate"))
	}
	certHash, err := parseCertConfBody(msg.bodyContent)
	if err != nil {
		return s.respondError(err)
	}
	if certHash == nil {
		// Empty certConf: the client declined the certificate. A valid
		// protocol outcome, recorded but acknowledged normally.
		slog.Info("client declined issued certificate", "txid", idPreview(s.transactionID))
		s.declined = true
		return s.respondPKIConf()
	}

	hashAlg, err := confirmationHash(s.issuedCert)
	if err != nil {
		return s.respondError(err)
	}
	h := newHash(hashAlg)
	h.Write(s.issuedCert.Raw)
	if !bytes.Equal(h.Sum(nil), certHash) {
		return s.respondError(errFail(Failed, FailBadCertID, "returned cert hash doesn't match issued certificate"))
	}
	return s.respondPKIConf()
}

func (s *Session) respondPKIConf() ([]byte, error) {
	content, err := encodePKIConfBody()
	if err != nil {
		return nil, s.fail(err)
	}
	s.done = true
	return s.buildMessage(bodyPKIConf, content)
}

func (s *Session) handleGenm(msg *pkiMessage) ([]byte, error) {
	entries, err := parseGenMsgBody(msg.bodyContent)
	if err != nil {
		return s.respondError(err)
	}
	var out []infoTypeAndValue
	for _, e := range entries {
		if e.oid.Equal(oidPKIBoot) {
			certs, err := s.authority.TrustList()
			if err != nil {
				return s.respondError(errWrap(Failed, err, "trust list unavailable"))
			}
			ctl, err := encodeTrustList(certs)
			if err != nil {
				return s.respondError(err)
			}
			out = append(out, infoTypeAndValue{oid: oidPKIBoot, value: ctl})
		}
	}
	if out == nil {
		return s.respondError(errFail(NotAvailable, FailBadRequest, "unsupported general message type"))
	}
	content, err := encodeGenMsgBody(out)
	if err != nil {
		return nil, s.fail(err)
	}
	s.done = true
	return s.buildMessage(bodyGenp, content)
}

func (s *Session) respondCertRep(reqTag int, rep certRepOut) ([]byte, error) {
	content, err := encodeCertRepBody(rep)
	if err != nil {
		return nil, s.fail(err)
	}
	if rep.certDER == nil {
		// Rejection: no confirmation round follows.
		s.done = true
	}
	return s.buildMessage(responseTagFor(reqTag), content)
}

// respondError turns a processing failure into an error-body response.
// The session is finished either way.
func (s *Session) respondError(err error) ([]byte, error) {
	e, ok := err.(*Error)
	if !ok {
		e = errWrap(Failed, err, "request processing failed")
	}
	slog.Debug("CMP error response", "kind", e.Kind.String(), "desc", e.Desc)

	content, encErr := encodeErrorBody(e)
	if encErr != nil {
		return nil, s.fail(encErr)
	}
	// Error responses are always signed with the CA identity: on the
	// paths that reach here a MAC context may never have been
	// established, and peers read error bodies without checking
	// integrity anyway.
	s.respondMAC = false
	if s.transactionID == nil {
		s.transactionID = []byte{0}
	}
	resp, buildErr := s.buildMessage(bodyError, content)
	if buildErr != nil {
		return nil, s.fail(buildErr)
	}
	s.fail(e)
	return resp, nil
}
