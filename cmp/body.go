// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"

	"go.mozilla.org/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// PKIBody CHOICE tags (RFC 4210).
const (
	bodyIR       = 0
	bodyIP       = 1
	bodyCR       = 2
	bodyCP       = 3
	bodyP10CR    = 4
	bodyKUR      = 7
	bodyKUP      = 8
	bodyRR       = 11
	bodyRP       = 12
	bodyPKIConf  = 19
	bodyGenm     = 21
	bodyGenp     = 22
	bodyError    = 23
	bodyCertConf = 24
)

// CertOrEncCert delivery forms inside a CertifiedKeyPair.
const (
	certEncapPlain     = 0 // certificate
	certEncapLegacyEnc = 1 // encryptedCert, pre-CMS envelope
	certEncapCMS       = 2 // newEncryptedCert, CMS EnvelopedData
)

func bodyName(tag int) string {
	switch tag {
	case bodyIR:
		return "ir"
	case bodyIP:
		return "ip"
	case bodyCR:
		return "cr"
	case bodyCP:
		return "cp"
	case bodyP10CR:
		return "p10cr"
	case bodyKUR:
		return "kur"
	case bodyKUP:
		return "kup"
	case bodyRR:
		return "rr"
	case bodyRP:
		return "rp"
	case bodyPKIConf:
		return "pkiConf"
	case bodyGenm:
		return "genm"
	case bodyGenp:
		return "genp"
	case bodyError:
		return "error"
	case bodyCertConf:
		return "certConf"
	}
	return "unknown"
}

// responseTagFor maps a request body tag to its response tag.
func responseTagFor(reqTag int) int {
	switch reqTag {
	case bodyIR:
		return bodyIP
	case bodyCR, bodyP10CR:
		return bodyCP
	case bodyKUR:
		return bodyKUP
	case bodyRR:
		return bodyRP
	case bodyGenm:
		return bodyGenp
	}
	return bodyError
}

func isRequestTag(tag int) bool {
	switch tag {
	case bodyIR, bodyCR, bodyP10CR, bodyKUR, bodyRR, bodyGenm:
		return true
	}
	return false
}

// encodeBody wraps encoded content in the CHOICE's explicit context tag.
func encodeBody(tag int, content []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(ctxTag(uint8(tag)), func(b *cryptobyte.Builder) {
		b.AddBytes(content)
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode %s body", bodyName(tag))
	}
	return out, nil
}

func marshalStatusInfo(si pkiStatusInfo) ([]byte, error) {
	// encoding/asn1 can't apply a string type to the elements of a
	// slice, so the free text goes out as raw UTF8String values.
	wire := struct {
		Status       int
		StatusString []asn1.RawValue `asn1:"optional"`
		FailInfo     asn1.BitString  `asn1:"optional"`
	}{Status: si.Status, FailInfo: si.FailInfo}
	for _, text := range si.StatusString {
		wire.StatusString = append(wire.StatusString, asn1.RawValue{Tag: asn1.TagUTF8String, Bytes: []byte(text)})
	}
	der, err := asn1.Marshal(wire)
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode status info")
	}
	return der, nil
}

func readStatusInfo(s *cryptobyte.String) (pkiStatusInfo, error) {
	var raw cryptobyte.String
	if !s.ReadASN1Element(&raw, cbasn1.SEQUENCE) {
		return pkiStatusInfo{}, errf(BadData, "invalid PKI status value")
	}
	var si pkiStatusInfo
	if rest, err := asn1.Unmarshal([]byte(raw), &si); err != nil || len(rest) != 0 {
		return pkiStatusInfo{}, errf(BadData, "invalid PKI status info")
	}
	return si, nil
}

// IssuedCertificate is what a successful enrolment hands back to the
// caller: the new certificate plus whatever CA certificates accompanied
// it. Ownership transfers to the caller.
type IssuedCertificate struct {
	Certificate *x509.Certificate
	CACerts     []*x509.Certificate
	ExtraCerts  []*x509.Certificate
}

// certRepOut describes one server-side certificate response.
type certRepOut struct {
	status   pkiStatusInfo
	certDER  []byte // nil on rejection
	encap    int
	caPubs   [][]byte
	recipKey *rsa.PublicKey // for certEncapLegacyEnc
}

func encodeCertRepBody(rep certRepOut) ([]byte, error) {
	statusDER, err := marshalStatusInfo(rep.status)
	if err != nil {
		return nil, err
	}

	var kp []byte
	if rep.certDER != nil {
		payload := rep.certDER
		if rep.encap == certEncapLegacyEnc {
			if payload, err = encryptLegacyCert(rep.certDER, rep.recipKey); err != nil {
				return nil, err
			}
		}
		var b cryptobyte.Builder
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // CertifiedKeyPair
			b.AddASN1(ctxTag(uint8(rep.encap)), func(b *cryptobyte.Builder) {
				b.AddBytes(payload)
			})
		})
		if kp, err = b.Bytes(); err != nil {
			return nil, errWrap(BadData, err, "couldn't encode certified key pair")
		}
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // CertRepMessage
		if len(rep.caPubs) > 0 {
			addExplicit(b, 1, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					for _, cert := range rep.caPubs {
						b.AddBytes(cert)
					}
				})
			})
		}
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // response
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // CertResponse
				b.AddASN1Int64(0) // certReqId
				b.AddBytes(statusDER)
				if kp != nil {
					b.AddBytes(kp)
				}
			})
		})
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode certificate response")
	}
	return out, nil
}

// recipientKeys carries what certificate recovery may need: the
// requesting key for the legacy envelope, the client certificate for
// CMS recipient matching.
type recipientKeys struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

// parseCertRepBody processes an ip/cp/kup. A rejection status becomes
// the returned error; on success the issued certificate is recovered
// from whichever encapsulation the CA chose.
func parseCertRepBody(raw cryptobyte.String, recip recipientKeys) (*IssuedCertificate, error) {
	var s cryptobyte.String
	if !raw.ReadASN1(&s, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid certificate response")
	}

	var caPubs []*x509.Certificate
	var caPubsRaw cryptobyte.String
	var hasCAPubs bool
	if !s.ReadOptionalASN1(&caPubsRaw, &hasCAPubs, ctxTag(1)) {
		return nil, errf(BadData, "invalid caPubs")
	}
	if hasCAPubs {
		var seq cryptobyte.String
		if !caPubsRaw.ReadASN1(&seq, cbasn1.SEQUENCE) {
			return nil, errf(BadData, "invalid caPubs")
		}
		for !seq.Empty() {
			var certRaw cryptobyte.String
			if !seq.ReadASN1Element(&certRaw, cbasn1.SEQUENCE) {
				return nil, errf(BadData, "invalid caPubs certificate")
			}
			cert, err := x509.ParseCertificate([]byte(certRaw))
			if err != nil {
				return nil, errWrap(BadData, err, "invalid caPubs certificate")
			}
			caPubs = append(caPubs, cert)
		}
	}

	var resp, entry cryptobyte.String
	if !s.ReadASN1(&resp, cbasn1.SEQUENCE) || !resp.ReadASN1(&entry, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid certificate response entry")
	}
	var reqID int64
	if !entry.ReadASN1Integer(&reqID) {
		return nil, errf(BadData, "invalid certificate request ID")
	}
	si, err := readStatusInfo(&entry)
	if err != nil {
		return nil, err
	}
	if statusErr := decodeStatusInfo(si); statusErr != nil {
		return nil, statusErr
	}

	var kp cryptobyte.String
	if !entry.ReadASN1(&kp, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "certificate response has no certified key pair")
	}
	var payload cryptobyte.String
	var encap cbasn1.Tag
	if !kp.ReadAnyASN1(&payload, &encap) {
		return nil, errf(BadData, "invalid certified key pair")
	}

	var certDER []byte
	switch encap {
	case ctxTag(certEncapPlain):
		certDER = []byte(payload)

	case ctxTag(certEncapLegacyEnc):
		if recip.key == nil {
			return nil, errf(WrongKey, "no private key to recover encrypted certificate")
		}
		if certDER, err = decryptLegacyCert(payload, recip.key); err != nil {
			return nil, err
		}

	case ctxTag(certEncapCMS):
		if recip.key == nil {
			return nil, errf(WrongKey, "no private key to recover enveloped certificate")
		}
		if certDER, err = decryptCMSCert([]byte(payload), recip.cert, recip.key); err != nil {
			return nil, err
		}

	default:
		return nil, errf(BadData, "unknown certificate encapsulation type %v", encap)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errWrap(BadData, err, "invalid returned certificate")
	}
	return &IssuedCertificate{Certificate: cert, CACerts: caPubs}, nil
}

// encodeRevRepBody is the status-only rp.
func encodeRevRepBody(si pkiStatusInfo) ([]byte, error) {
	statusDER, err := marshalStatusInfo(si)
	if err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // RevRepContent
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // status
			b.AddBytes(statusDER)
		})
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode revocation response")
	}
	return out, nil
}

func parseRevRepBody(raw cryptobyte.String) error {
	var outer, inner cryptobyte.String
	if !raw.ReadASN1(&outer, cbasn1.SEQUENCE) || !outer.ReadASN1(&inner, cbasn1.SEQUENCE) {
		return errf(BadData, "invalid revocation response")
	}
	si, err := readStatusInfo(&inner)
	if err != nil {
		return err
	}
	if statusErr := decodeStatusInfo(si); statusErr != nil {
		return statusErr
	}
	return nil
}

// encodeCertConfBody builds the client's confirmation: the issued
// certificate's hash under the CA's own signature hash. A nil hash
// encodes the empty body that rejects the certificate.
func encodeCertConfBody(certHash []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // CertConfirmContent
		if certHash == nil {
			return
		}
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // CertStatus
			addOctetString(b, certHash)
			b.AddASN1Int64(0) // certReqId
		})
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode certificate confirmation")
	}
	return out, nil
}

// parseCertConfBody returns the confirmed hash, or nil when the client
// sent the empty body that declines the certificate — a protocol-valid
// outcome, not a parse error.
func parseCertConfBody(raw cryptobyte.String) ([]byte, error) {
	var s cryptobyte.String
	if !raw.ReadASN1(&s, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid cert confirmation")
	}
	if s.Empty() {
		return nil, nil
	}
	var status cryptobyte.String
	if !s.ReadASN1(&status, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid cert confirmation")
	}
	var hash cryptobyte.String
	if !status.ReadASN1(&hash, cbasn1.OCTET_STRING) {
		return nil, errf(BadData, "invalid cert confirmation hash")
	}
	if len(hash) < 8 || len(hash) > maxNonceSize {
		return nil, errf(BadData, "cert confirmation hash size %d outside valid range", len(hash))
	}
	return []byte(hash), nil
}

// encodePKIConfBody is the empty acknowledgement.
func encodePKIConfBody() ([]byte, error) {
	return []byte{0x05, 0x00}, nil // NULL
}

// infoTypeAndValue is one genm/genp entry.
type infoTypeAndValue struct {
	oid   asn1.ObjectIdentifier
	value []byte // raw DER, nil when absent
}

func encodeGenMsgBody(entries []infoTypeAndValue) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, e := range entries {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(e.oid)
				if e.value != nil {
					b.AddBytes(e.value)
				}
			})
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode general message")
	}
	return out, nil
}

func parseGenMsgBody(raw cryptobyte.String) ([]infoTypeAndValue, error) {
	var s cryptobyte.String
	if !raw.ReadASN1(&s, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid general message")
	}
	var entries []infoTypeAndValue
	for !s.Empty() {
		var entry cryptobyte.String
		if !s.ReadASN1(&entry, cbasn1.SEQUENCE) {
			return nil, errf(BadData, "invalid general message entry")
		}
		var e infoTypeAndValue
		if !entry.ReadASN1ObjectIdentifier(&e.oid) {
			return nil, errf(BadData, "invalid general message entry OID")
		}
		if !entry.Empty() {
			e.value = []byte(entry)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// encodeTrustList packs a certificate chain as degenerate signed data:
// the chain is carried as message content, not verified as a chain (the
// protection on the enclosing message authenticates it).
func encodeTrustList(certs [][]byte) ([]byte, error) {
	var all []byte
	for _, cert := range certs {
		all = append(all, cert...)
	}
	ctl, err := pkcs7.DegenerateCertificate(all)
	if err != nil {
		return nil, errWrap(Failed, err, "couldn't encode certificate trust list")
	}
	return ctl, nil
}

func parseTrustList(data []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, errWrap(BadData, err, "invalid PKIBoot response")
	}
	return p7.Certificates, nil
}

// encodeErrorBody composes an error body from a failure.
func encodeErrorBody(e *Error) ([]byte, error) {
	status := StatusRejection
	if e.PeerStatus >= 0 {
		status = e.PeerStatus
	}
	statusDER, err := marshalStatusInfo(newStatusInfo(status, e.FailInfo, e.Desc))
	if err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // ErrorMsgContent
		b.AddBytes(statusDER)
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode error body")
	}
	return out, nil
}

// parseErrorBody reads an error body into the host taxonomy. The outer
// message's integrity is deliberately never checked first — an
// unauthenticated error beats a signature failure over a payload the
// peer couldn't protect — so the result is always marked accordingly.
func parseErrorBody(raw cryptobyte.String) *Error {
	var s cryptobyte.String
	if !raw.ReadASN1(&s, cbasn1.SEQUENCE) {
		e := errf(BadData, "invalid error body")
		e.Unauthenticated = true
		return e
	}
	si, err := readStatusInfo(&s)
	if err != nil {
		e := errf(BadData, "invalid error body status")
		e.Unauthenticated = true
		return e
	}

	statusErr := decodeStatusInfo(si)
	if statusErr == nil {
		// An error body carrying an OK status still ends the exchange.
		statusErr = &Error{Kind: Failed, Desc: "peer sent error with OK status", PeerStatus: si.Status}
	}

	statusErr.Unauthenticated = true

	// A second, optional layer of error information wraps the status:
	// use it only for what the status info itself didn't provide.
	if s.PeekASN1Tag(cbasn1.INTEGER) {
		var errorCode int64
		if !s.ReadASN1Integer(&errorCode) {
			return statusErr
		}
		if errorCode >= 0 && statusErr.PeerStatus < 0 {
			statusErr.PeerStatus = int(errorCode)
		}
	}
	if statusErr.PeerText == "" {
		var freeText cryptobyte.String
		var hasText bool
		if s.ReadOptionalASN1(&freeText, &hasText, cbasn1.SEQUENCE) && hasText {
			var first cryptobyte.String
			if freeText.ReadASN1(&first, cbasn1.UTF8String) {
				statusErr.PeerText = string(first)
			}
		}
	}
	return statusErr
}
