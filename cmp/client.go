// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"log/slog"
)

// roundTrip sends one message and receives the reply under the
// session's timeout budget.
func (s *Session) roundTrip(ctx context.Context, request []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	resp, err := s.tr.RoundTrip(ctx, request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errWrap(Timeout, err, "no response within the timeout budget")
		}
		return nil, err
	}
	return resp, nil
}

// RequestInitial runs an ir exchange: the end entity's first request to
// the CA, MAC-protected with the enrolment secret. On success the
// issued certificate and any CA certificates are returned; ownership
// passes to the caller.
func (s *Session) RequestInitial(ctx context.Context, tmpl *CertTemplate) (*IssuedCertificate, error) {
	if !s.ident.usesMAC() {
		return nil, errf(BadData, "initial requests are MAC-protected; session has no password")
	}
	return s.enroll(ctx, bodyIR, tmpl)
}

// RequestCertificate runs a cr exchange for an already-enrolled entity.
func (s *Session) RequestCertificate(ctx context.Context, tmpl *CertTemplate) (*IssuedCertificate, error) {
	return s.enroll(ctx, bodyCR, tmpl)
}

// RequestUpdate runs a kur exchange: a new key pair certified on the
// strength of the current certificate, which also signs the protection.
func (s *Session) RequestUpdate(ctx context.Context, current *x509.Certificate, tmpl *CertTemplate) (*IssuedCertificate, error) {
	if s.ident.Cert == nil || s.ident.Key == nil {
		return nil, errf(BadData, "key update requests are signature-protected; session has no certificate")
	}
	if tmpl.SubjectRaw == nil && len(tmpl.Subject.ToRDNSequence()) == 0 {
		tmpl = &CertTemplate{
			SubjectRaw: current.RawSubject,
			PublicKey:  tmpl.PublicKey,
			SubjectKey: tmpl.SubjectKey,
			KeyUsage:   tmpl.KeyUsage,
			Extensions: tmpl.Extensions,
		}
	}
	return s.enroll(ctx, bodyKUR, tmpl)
}

// RequestPKCS10 runs a p10cr exchange: a PKCS#10 CertificationRequest
// wrapped in CMP, its own signature serving as proof of possession.
// subjectKey is needed only to recover an encrypted delivery.
func (s *Session) RequestPKCS10(ctx context.Context, csrDER []byte, subjectKey crypto.Signer) (*IssuedCertificate, error) {
	if err := s.checkUsable(RoleClient); err != nil {
		return nil, err
	}
	if err := s.newTransaction(); err != nil {
		return nil, err
	}
	request, err := s.buildMessage(bodyP10CR, csrDER)
	if err != nil {
		return nil, s.fail(err)
	}
	raw, err := s.roundTrip(ctx, request)
	if err != nil {
		return nil, s.fail(err)
	}
	msg, err := s.processIncoming(raw, false)
	if err != nil {
		return nil, s.fail(err)
	}
	if msg.bodyTag != bodyCP {
		return nil, s.fail(errFail(BadData, FailBadRequest,
			"invalid message type, expected cp, got %s", bodyName(msg.bodyTag)))
	}
	issued, err := parseCertRepBody(msg.bodyContent, s.recipientKeys(&CertTemplate{SubjectKey: subjectKey}))
	if err != nil {
		return nil, s.fail(err)
	}

	hashAlg, hashErr := confirmationHash(issued.Certificate)
	var confBody []byte
	if hashErr == nil {
		h := newHash(hashAlg)
		h.Write(issued.Certificate.Raw)
		confBody, err = encodeCertConfBody(h.Sum(nil))
	} else {
		confBody, err = encodeCertConfBody(nil)
	}
	if err != nil {
		return nil, s.fail(err)
	}
	if err := s.confirm(ctx, confBody); err != nil {
		return nil, s.fail(err)
	}
	if hashErr != nil {
		return nil, s.fail(hashErr)
	}
	return issued, nil
}

// enroll drives the four-message certificate exchange:
// request, response, certConf, pkiConf.
func (s *Session) enroll(ctx context.Context, reqTag int, tmpl *CertTemplate) (*IssuedCertificate, error) {
	if err := s.checkUsable(RoleClient); err != nil {
		return nil, err
	}
	if err := s.newTransaction(); err != nil {
		return nil, err
	}

	popSigner := tmpl.SubjectKey
	signingKey := tmpl.KeyUsage&(x509.KeyUsageDigitalSignature|x509.KeyUsageContentCommitment) != 0
	if signingKey && popSigner == nil {
		return nil, errFail(Invalid, FailBadCertTemplate,
			"request is for a signing key but no key is available to sign it")
	}
	if !signingKey && tmpl.KeyUsage != 0 {
		// Encryption-only key: possession is proven by recovering the
		// encrypted certificate, not by signing the request.
		popSigner = nil
	}

	content, err := encodeCertReqMessages(tmpl, popSigner)
	if err != nil {
		return nil, s.fail(err)
	}
	request, err := s.buildMessage(reqTag, content)
	if err != nil {
		return nil, s.fail(err)
	}
	raw, err := s.roundTrip(ctx, request)
	if err != nil {
		return nil, s.fail(err)
	}
	msg, err := s.processIncoming(raw, false)
	if err != nil {
		return nil, s.fail(err)
	}
	if msg.bodyTag != responseTagFor(reqTag) {
		return nil, s.fail(errFail(BadData, FailBadRequest,
			"invalid message type, expected %s, got %s", bodyName(responseTagFor(reqTag)), bodyName(msg.bodyTag)))
	}

	issued, err := parseCertRepBody(msg.bodyContent, s.recipientKeys(tmpl))
	if err != nil {
		return nil, s.fail(err)
	}
	for _, der := range msg.extraCerts {
		if cert, perr := x509.ParseCertificate(der); perr == nil {
			issued.ExtraCerts = append(issued.ExtraCerts, cert)
		}
	}

	// Confirm under the hash the CA signed with; if the certificate
	// can't be confirmed, decline it with an empty certConf and still
	// finish the exchange cleanly.
	hashAlg, hashErr := confirmationHash(issued.Certificate)
	var confBody []byte
	if hashErr == nil {
		h := newHash(hashAlg)
		h.Write(issued.Certificate.Raw)
		confBody, err = encodeCertConfBody(h.Sum(nil))
	} else {
		slog.Debug("declining issued certificate", "reason", hashErr)
		confBody, err = encodeCertConfBody(nil)
	}
	if err != nil {
		return nil, s.fail(err)
	}
	if err := s.confirm(ctx, confBody); err != nil {
		return nil, s.fail(err)
	}
	if hashErr != nil {
		return nil, s.fail(hashErr)
	}
	return issued, nil
}

// confirm sends the certConf and waits for the pkiConf acknowledgement.
func (s *Session) confirm(ctx context.Context, confBody []byte) error {
	request, err := s.buildMessage(bodyCertConf, confBody)
	if err != nil {
		return err
	}
	raw, err := s.roundTrip(ctx, request)
	if err != nil {
		return err
	}
	msg, err := s.processIncoming(raw, false)
	if err != nil {
		return err
	}
	if msg.bodyTag != bodyPKIConf {
		return errFail(BadData, FailBadRequest,
			"invalid message type, expected pkiConf, got %s", bodyName(msg.bodyTag))
	}
	return nil
}

// recipientKeys gathers what certificate recovery may need from the
// session and request.
func (s *Session) recipientKeys(tmpl *CertTemplate) recipientKeys {
	rk := recipientKeys{cert: s.ident.Cert}
	if tmpl.SubjectKey != nil {
		if key, ok := tmpl.SubjectKey.(*rsa.PrivateKey); ok {
			rk.key = key
		}
	}
	if rk.key == nil && s.ident.Key != nil {
		if key, ok := s.ident.Key.(*rsa.PrivateKey); ok {
			rk.key = key
		}
	}
	return rk
}

// RequestRevocation runs the single-round-trip rr exchange. Revocation
// requests must be signature-protected: the trail from a PKI user to
// the certificate being revoked is too blurred for a MAC to authorise
// it.
func (s *Session) RequestRevocation(ctx context.Context, target RevocationTarget) error {
	if err := s.checkUsable(RoleClient); err != nil {
		return err
	}
	if s.ident.usesMAC() {
		return errFail(Signature, FailWrongIntegrity, "revocation requests must be signed, not MAC-protected")
	}
	if err := s.newTransaction(); err != nil {
		return err
	}

	content, err := encodeRevDetails(target)
	if err != nil {
		return s.fail(err)
	}
	request, err := s.buildMessage(bodyRR, content)
	if err != nil {
		return s.fail(err)
	}
	raw, err := s.roundTrip(ctx, request)
	if err != nil {
		return s.fail(err)
	}
	msg, err := s.processIncoming(raw, false)
	if err != nil {
		return s.fail(err)
	}
	if msg.bodyTag != bodyRP {
		return s.fail(errFail(BadData, FailBadRequest,
			"invalid message type, expected rp, got %s", bodyName(msg.bodyTag)))
	}
	if err := parseRevRepBody(msg.bodyContent); err != nil {
		return s.fail(err)
	}
	return nil
}

// SendGeneral runs a genm/genp round trip for an arbitrary info type
// and returns the raw response value, if any.
func (s *Session) SendGeneral(ctx context.Context, oidText string, payload []byte) ([]byte, error) {
	if err := s.checkUsable(RoleClient); err != nil {
		return nil, err
	}
	der, err := TextToOID(oidText)
	if err != nil {
		return nil, err
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(der, &oid); err != nil {
		return nil, errWrap(BadData, err, "invalid info type OID")
	}

	entries, err := s.general(ctx, infoTypeAndValue{oid: oid, value: payload})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.oid.Equal(oid) {
			return e.value, nil
		}
	}
	return nil, nil
}

// FetchTrustList runs the PKIBoot general message: the CA returns its
// certificate trust list, authenticated by the message protection
// rather than by chain signatures.
func (s *Session) FetchTrustList(ctx context.Context) ([]*x509.Certificate, error) {
	if err := s.checkUsable(RoleClient); err != nil {
		return nil, err
	}
	entries, err := s.general(ctx, infoTypeAndValue{oid: oidPKIBoot})
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.oid.Equal(oidPKIBoot) && e.value != nil {
			return parseTrustList(e.value)
		}
	}
	return nil, s.fail(errf(BadData, "PKIBoot response carries no trust list"))
}

func (s *Session) general(ctx context.Context, entry infoTypeAndValue) ([]infoTypeAndValue, error) {
	if err := s.newTransaction(); err != nil {
		return nil, err
	}
	content, err := encodeGenMsgBody([]infoTypeAndValue{entry})
	if err != nil {
		return nil, s.fail(err)
	}
	request, err := s.buildMessage(bodyGenm, content)
	if err != nil {
		return nil, s.fail(err)
	}
	raw, err := s.roundTrip(ctx, request)
	if err != nil {
		return nil, s.fail(err)
	}
	msg, err := s.processIncoming(raw, false)
	if err != nil {
		return nil, s.fail(err)
	}
	if msg.bodyTag != bodyGenp {
		return nil, s.fail(errFail(BadData, FailBadRequest,
			"invalid message type, expected genp, got %s", bodyName(msg.bodyTag)))
	}
	entries, err := parseGenMsgBody(msg.bodyContent)
	if err != nil {
		return nil, s.fail(err)
	}
	for _, e := range entries {
		if e.oid.Equal(oidCAKeyUpdateInfo) {
			// The CA announced a key rollover; the caller sees the raw
			// value through SendGeneral, but it is worth flagging.
			slog.Info("CA key update announced", "txid", idPreview(s.transactionID))
		}
	}
	return entries, nil
}
