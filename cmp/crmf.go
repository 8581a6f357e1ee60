// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// CertTemplate is the caller-facing description of a requested
// certificate. The subject may be left empty in an initial request; the
// CA fills it in from the PKI user record.
type CertTemplate struct {
	Subject    pkix.Name
	SubjectRaw []byte // raw Name DER; overrides Subject when set
	PublicKey  crypto.PublicKey
	KeyUsage   x509.KeyUsage
	Extensions []pkix.Extension

	// SubjectKey is the private half of the requested key. When set it
	// provides both the public key and the proof-of-possession
	// signature; requests for signing-capable keys must carry it.
	SubjectKey crypto.Signer
}

// RevocationTarget identifies the certificate an rr asks to revoke.
type RevocationTarget struct {
	IssuerRaw    []byte // raw issuer Name DER
	Issuer       pkix.Name
	SerialNumber *big.Int
	Reason       int // RFC 5280 CRLReason
}

// CertTemplate field context tags (RFC 4211, implicit except where the
// inner type is a CHOICE).
const (
	tmplTagIssuer     = 3
	tmplTagValidity   = 4
	tmplTagSubject    = 5
	tmplTagPublicKey  = 6
	tmplTagExtensions = 9
)

var (
	oidExtKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtReason   = asn1.ObjectIdentifier{2, 5, 29, 21}
)

// RFC 5280 CRLReason codes accepted in revocation requests.
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonCACompromise         = 2
	ReasonAffiliationChanged   = 3
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
	ReasonCertificateHold      = 6
)

func marshalKeyUsage(ku x509.KeyUsage) (pkix.Extension, error) {
	bits := make([]byte, 2)
	width := 0
	for bit := 0; bit < 9; bit++ {
		if ku&(1<<bit) != 0 {
			bits[bit/8] |= 0x80 >> (bit % 8)
			width = bit + 1
		}
	}
	der, err := asn1.Marshal(asn1.BitString{Bytes: bits[:(width+7)/8], BitLength: width})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: oidExtKeyUsage, Critical: true, Value: der}, nil
}

func parseKeyUsage(der []byte) (x509.KeyUsage, error) {
	var bs asn1.BitString
	if rest, err := asn1.Unmarshal(der, &bs); err != nil || len(rest) != 0 {
		return 0, errf(BadData, "invalid keyUsage extension")
	}
	var ku x509.KeyUsage
	for bit := 0; bit < 9; bit++ {
		if bs.At(bit) == 1 {
			ku |= 1 << bit
		}
	}
	return ku, nil
}

// subjectDER returns the raw Name for the template subject, or nil for
// an empty subject.
func (t *CertTemplate) subjectDER() ([]byte, error) {
	if t.SubjectRaw != nil {
		return t.SubjectRaw, nil
	}
	rdns := t.Subject.ToRDNSequence()
	if len(rdns) == 0 {
		return nil, nil
	}
	der, err := asn1.Marshal(rdns)
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode subject name")
	}
	return der, nil
}

// encodeCertTemplate produces the CertTemplate DER element.
func encodeCertTemplate(t *CertTemplate) ([]byte, error) {
	subject, err := t.subjectDER()
	if err != nil {
		return nil, err
	}
	pub := t.PublicKey
	if pub == nil && t.SubjectKey != nil {
		pub = t.SubjectKey.Public()
	}
	var spki []byte
	if pub != nil {
		spki, err = x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, errWrap(BadData, err, "couldn't encode public key")
		}
	}
	exts := t.Extensions
	if t.KeyUsage != 0 {
		kuExt, err := marshalKeyUsage(t.KeyUsage)
		if err != nil {
			return nil, errWrap(BadData, err, "couldn't encode key usage")
		}
		exts = append([]pkix.Extension{kuExt}, exts...)
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if subject != nil {
			// Name is a CHOICE, so the context tag is explicit.
			addExplicit(b, tmplTagSubject, func(b *cryptobyte.Builder) {
				b.AddBytes(subject)
			})
		}
		if spki != nil {
			// Implicit tag over the SubjectPublicKeyInfo SEQUENCE.
			b.AddASN1(ctxTag(tmplTagPublicKey), func(b *cryptobyte.Builder) {
				content := cryptobyte.String(spki)
				var inner cryptobyte.String
				if !content.ReadASN1(&inner, cbasn1.SEQUENCE) {
					b.SetError(errf(BadData, "malformed SubjectPublicKeyInfo"))
					return
				}
				b.AddBytes(inner)
			})
		}
		if len(exts) > 0 {
			b.AddASN1(ctxTag(tmplTagExtensions), func(b *cryptobyte.Builder) {
				for _, ext := range exts {
					addExtension(b, ext)
				}
			})
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode certificate template")
	}
	return out, nil
}

func addExtension(b *cryptobyte.Builder, ext pkix.Extension) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(ext.Id)
		if ext.Critical {
			b.AddASN1Boolean(true)
		}
		addOctetString(b, ext.Value)
	})
}

// parsedTemplate is the server-side view of an incoming CertTemplate.
type parsedTemplate struct {
	subjectRaw []byte // nil when the subject was omitted
	subject    pkix.Name
	publicKey  crypto.PublicKey
	spkiRaw    []byte
	keyUsage   x509.KeyUsage
	extensions []pkix.Extension
	issuerRaw  []byte
	serial     *big.Int
}

func parseCertTemplate(raw cryptobyte.String) (*parsedTemplate, error) {
	t := &parsedTemplate{}
	var s cryptobyte.String
	if !raw.ReadASN1(&s, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid certificate template")
	}
	// Fields the CA assigns itself (version, signingAlg, validity) are
	// skipped.
	for !s.Empty() {
		var field cryptobyte.String
		var actual cbasn1.Tag
		if !s.ReadAnyASN1(&field, &actual) {
			return nil, errf(BadData, "invalid certificate template field")
		}
		switch actual {
		case ctxPrim(1): // serialNumber, only meaningful in RevDetails
			serial := new(big.Int)
			// Implicitly tagged INTEGER: field is the raw content.
			serial.SetBytes(field)
			t.serial = serial
		case ctxTag(tmplTagIssuer):
			var dn cryptobyte.String
			if !field.ReadASN1Element(&dn, cbasn1.SEQUENCE) {
				return nil, errf(BadData, "invalid template issuer")
			}
			t.issuerRaw = []byte(dn)
		case ctxTag(tmplTagSubject):
			var dn cryptobyte.String
			if !field.ReadASN1Element(&dn, cbasn1.SEQUENCE) {
				return nil, errf(BadData, "invalid template subject")
			}
			t.subjectRaw = []byte(dn)
			var rdns pkix.RDNSequence
			if rest, err := asn1.Unmarshal(t.subjectRaw, &rdns); err != nil || len(rest) != 0 {
				return nil, errf(BadData, "invalid template subject name")
			}
			t.subject.FillFromRDNSequence(&rdns)
		case ctxTag(tmplTagPublicKey):
			// Implicit tag: field is the SubjectPublicKeyInfo content.
			var b cryptobyte.Builder
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { b.AddBytes(field) })
			spki, err := b.Bytes()
			if err != nil {
				return nil, errf(BadData, "invalid template public key")
			}
			pub, err := x509.ParsePKIXPublicKey(spki)
			if err != nil {
				return nil, errWrap(BadData, err, "invalid template public key")
			}
			t.publicKey = pub
			t.spkiRaw = spki
		case ctxTag(tmplTagExtensions):
			exts, err := parseExtensions(field)
			if err != nil {
				return nil, err
			}
			t.extensions = exts
			for _, ext := range exts {
				if ext.Id.Equal(oidExtKeyUsage) {
					ku, err := parseKeyUsage(ext.Value)
					if err != nil {
						return nil, err
					}
					t.keyUsage = ku
				}
			}
		}
	}
	return t, nil
}

func parseExtensions(s cryptobyte.String) ([]pkix.Extension, error) {
	var exts []pkix.Extension
	for !s.Empty() {
		var extSeq cryptobyte.String
		if !s.ReadASN1(&extSeq, cbasn1.SEQUENCE) {
			return nil, errf(BadData, "invalid extension")
		}
		var ext pkix.Extension
		if !extSeq.ReadASN1ObjectIdentifier(&ext.Id) {
			return nil, errf(BadData, "invalid extension OID")
		}
		if extSeq.PeekASN1Tag(cbasn1.BOOLEAN) && !extSeq.ReadASN1Boolean(&ext.Critical) {
			return nil, errf(BadData, "invalid extension criticality")
		}
		var value cryptobyte.String
		if !extSeq.ReadASN1(&value, cbasn1.OCTET_STRING) {
			return nil, errf(BadData, "invalid extension value")
		}
		ext.Value = []byte(value)
		exts = append(exts, ext)
	}
	return exts, nil
}

// certRequest is one CertReqMsg: the CertRequest element plus optional
// proof of possession.
type certRequest struct {
	certReqRaw []byte // raw CertRequest DER, the POP signature input
	reqID      int64
	template   *parsedTemplate

	popPresent bool
	popHash    crypto.Hash
	popSig     []byte
}

// encodeCertReqMessages builds the body content for ir/cr/kur: one
// CertReqMsg whose template carries the caller's request, signed with
// the subject key when one is supplied (POP by signature).
func encodeCertReqMessages(t *CertTemplate, popSigner crypto.Signer) ([]byte, error) {
	tmpl, err := encodeCertTemplate(t)
	if err != nil {
		return nil, err
	}

	// CertRequest ::= SEQUENCE { certReqId INTEGER, certTemplate, ... }
	var reqB cryptobyte.Builder
	reqB.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddBytes(tmpl)
	})
	certReq, err := reqB.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode certificate request")
	}

	var pop []byte
	if popSigner != nil {
		sigOID, hashAlg, err := signatureOIDForSigner(popSigner)
		if err != nil {
			return nil, err
		}
		sig, err := computeRawSignature(popSigner, hashAlg, certReq)
		if err != nil {
			return nil, err
		}
		var popB cryptobyte.Builder
		// signature [1] POPOSigningKey, implicit over the SEQUENCE.
		popB.AddASN1(ctxTag(1), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(sigOID)
			})
			b.AddASN1BitString(sig)
		})
		if pop, err = popB.Bytes(); err != nil {
			return nil, errWrap(BadData, err, "couldn't encode proof of possession")
		}
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // CertReqMessages
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // CertReqMsg
			b.AddBytes(certReq)
			if pop != nil {
				b.AddBytes(pop)
			}
		})
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode request messages")
	}
	return out, nil
}

func signatureOIDForSigner(signer crypto.Signer) (asn1.ObjectIdentifier, crypto.Hash, error) {
	// The POP algorithm follows the subject key type the same way the
	// protection algorithm follows the signer certificate.
	switch signer.Public().(type) {
	case *rsa.PublicKey:
		return oidSHA256WithRSA, crypto.SHA256, nil
	case *ecdsa.PublicKey:
		return oidECDSAWithSHA256, crypto.SHA256, nil
	}
	return nil, 0, errf(NotAvailable, "no POP signature algorithm for %T keys", signer.Public())
}

// parseCertReqMessages reads the first CertReqMsg of a request body.
// Multiple entries are permitted on the wire but a session processes one
// request per exchange, matching what peers actually send.
func parseCertReqMessages(raw cryptobyte.String) (*certRequest, error) {
	var msgs cryptobyte.String
	if !raw.ReadASN1(&msgs, cbasn1.SEQUENCE) {
		return nil, errFail(Invalid, FailBadCertTemplate, "invalid CRMF request")
	}
	var msg cryptobyte.String
	if !msgs.ReadASN1(&msg, cbasn1.SEQUENCE) {
		return nil, errFail(Invalid, FailBadCertTemplate, "invalid CRMF request")
	}

	var certReq cryptobyte.String
	if !msg.ReadASN1Element(&certReq, cbasn1.SEQUENCE) {
		return nil, errFail(Invalid, FailBadCertTemplate, "invalid CRMF certificate request")
	}
	req := &certRequest{certReqRaw: []byte(certReq)}

	inner := cryptobyte.String(req.certReqRaw)
	var reqSeq cryptobyte.String
	if !inner.ReadASN1(&reqSeq, cbasn1.SEQUENCE) {
		return nil, errFail(Invalid, FailBadCertTemplate, "invalid CRMF certificate request")
	}
	if !reqSeq.ReadASN1Integer(&req.reqID) {
		return nil, errFail(Invalid, FailBadCertTemplate, "invalid certificate request ID")
	}
	tmpl, err := parseCertTemplate(reqSeq)
	if err != nil {
		return nil, err
	}
	req.template = tmpl

	// Optional proof of possession.
	var pop cryptobyte.String
	var hasPOP bool
	if !msg.ReadOptionalASN1(&pop, &hasPOP, ctxTag(1)) {
		return nil, errFail(Invalid, FailBadPOP, "invalid proof of possession")
	}
	if hasPOP {
		var algSeq cryptobyte.String
		if !pop.ReadASN1(&algSeq, cbasn1.SEQUENCE) {
			return nil, errFail(Invalid, FailBadPOP, "invalid POP algorithm")
		}
		var sigOID asn1.ObjectIdentifier
		if !algSeq.ReadASN1ObjectIdentifier(&sigOID) {
			return nil, errFail(Invalid, FailBadPOP, "invalid POP algorithm OID")
		}
		hashAlg, ok := signatureHashByOID(sigOID)
		if !ok {
			return nil, errFail(NotAvailable, FailBadAlg, "unsupported POP signature algorithm %v", sigOID)
		}
		var sig asn1.BitString
		if !pop.ReadASN1BitString(&sig) {
			return nil, errFail(Invalid, FailBadPOP, "invalid POP signature")
		}
		req.popPresent = true
		req.popHash = hashAlg
		req.popSig = sig.RightAlign()
	}
	return req, nil
}

// verifyPOP checks the request's self-signature against the template's
// own public key.
func (req *certRequest) verifyPOP() error {
	if !req.popPresent {
		return errFail(Invalid, FailBadPOP, "request has no proof of possession")
	}
	if req.template.publicKey == nil {
		return errFail(Invalid, FailBadCertTemplate, "request has no public key")
	}
	cert := &x509.Certificate{PublicKey: req.template.publicKey}
	if err := verifyRawSignature(cert, req.popHash, req.certReqRaw, req.popSig); err != nil {
		return errFail(Invalid, FailBadPOP, "proof of possession failed")
	}
	return nil
}

// selfSigned reports whether a usable signature POP accompanies the
// request. Requests for signing-capable keys must be self-signed;
// encryption-only keys may defer POP.
func (req *certRequest) selfSigned() bool {
	return req.popPresent
}

// encodeRevDetails builds the rr body content for one target.
func encodeRevDetails(target RevocationTarget) ([]byte, error) {
	issuer := target.IssuerRaw
	if issuer == nil {
		der, err := asn1.Marshal(target.Issuer.ToRDNSequence())
		if err != nil {
			return nil, errWrap(BadData, err, "couldn't encode issuer name")
		}
		issuer = der
	}
	if target.SerialNumber == nil {
		return nil, errf(BadData, "revocation target needs a serial number")
	}
	reasonDER, err := asn1.Marshal(asn1.Enumerated(target.Reason))
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode revocation reason")
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // RevReqContent
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // RevDetails
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // CertTemplate
				b.AddASN1(ctxPrim(1), func(b *cryptobyte.Builder) { // serialNumber, implicit
					b.AddBytes(serialContent(target.SerialNumber))
				})
				addExplicit(b, tmplTagIssuer, func(b *cryptobyte.Builder) {
					b.AddBytes(issuer)
				})
			})
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // crlEntryDetails
				addExtension(b, pkix.Extension{Id: oidExtReason, Value: reasonDER})
			})
		})
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode revocation request")
	}
	return out, nil
}

// parsedRevocation is the server-side view of an rr body.
type parsedRevocation struct {
	issuerRaw []byte
	serial    *big.Int
	reason    int
}

func parseRevDetails(raw cryptobyte.String) (*parsedRevocation, error) {
	var content, details cryptobyte.String
	if !raw.ReadASN1(&content, cbasn1.SEQUENCE) ||
		!content.ReadASN1(&details, cbasn1.SEQUENCE) {
		return nil, errFail(Invalid, FailBadCertTemplate, "invalid revocation request")
	}
	var tmplRaw cryptobyte.String
	if !details.ReadASN1Element(&tmplRaw, cbasn1.SEQUENCE) {
		return nil, errFail(Invalid, FailBadCertTemplate, "invalid revocation request")
	}
	tmpl, err := parseCertTemplate(tmplRaw)
	if err != nil {
		return nil, err
	}
	if tmpl.serial == nil || tmpl.issuerRaw == nil {
		return nil, errFail(Invalid, FailBadCertTemplate, "revocation request doesn't identify a certificate")
	}
	rev := &parsedRevocation{issuerRaw: tmpl.issuerRaw, serial: tmpl.serial, reason: ReasonUnspecified}

	var crlDetails cryptobyte.String
	var hasCRLDetails bool
	if !details.ReadOptionalASN1(&crlDetails, &hasCRLDetails, cbasn1.SEQUENCE) {
		return nil, errFail(Invalid, FailBadCertTemplate, "invalid revocation details")
	}
	if hasCRLDetails {
		exts, err := parseExtensions(crlDetails)
		if err != nil {
			return nil, err
		}
		for _, ext := range exts {
			if ext.Id.Equal(oidExtReason) {
				var reason asn1.Enumerated
				if rest, err := asn1.Unmarshal(ext.Value, &reason); err == nil && len(rest) == 0 {
					rev.reason = int(reason)
				}
			}
		}
	}
	return rev, nil
}

func serialContent(serial *big.Int) []byte {
	content := serial.Bytes()
	if len(content) == 0 {
		content = []byte{0}
	} else if content[0]&0x80 != 0 {
		content = append([]byte{0}, content...)
	}
	return content
}

// sameKey reports whether the template public key matches an existing
// certificate's key, byte for byte over the SubjectPublicKeyInfo.
func (t *parsedTemplate) sameKey(cert *x509.Certificate) bool {
	return t.spkiRaw != nil && bytes.Equal(t.spkiRaw, cert.RawSubjectPublicKeyInfo)
}
