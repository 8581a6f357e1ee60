// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"crypto"
	"encoding/asn1"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// CMPVersion is the protocol version this implementation speaks and
// requires of its peers.
const CMPVersion = 2

// Header field context tags (RFC 4210 PKIHeader).
const (
	tagMessageTime   = 0
	tagProtectionAlg = 1
	tagSenderKID     = 2
	tagRecipKID      = 3
	tagTransactionID = 4
	tagSenderNonce   = 5
	tagRecipNonce    = 6
	tagFreeText      = 7
	tagGeneralInfo   = 8
)

const (
	minNonceSize = 1
	maxNonceSize = 64
	// LocalIDSize is the length of transaction IDs and nonces generated
	// on this side of the exchange.
	LocalIDSize = 16
	// certFingerprintSize is the ESSCertID SHA-1 hash length.
	certFingerprintSize = 20
)

func ctxTag(n uint8) cbasn1.Tag {
	return cbasn1.Tag(n).ContextSpecific().Constructed()
}

// ctxPrim is the primitive form, for implicit tags over primitive types.
func ctxPrim(n uint8) cbasn1.Tag {
	return cbasn1.Tag(n).ContextSpecific()
}

// pkiHeader is the parsed form of an incoming PKIHeader. Raw DER spans
// are retained where later processing needs the original bytes: the
// sender DN for signer identity confirmation and the MAC parameter block
// for deferred parsing once the password is known.
type pkiHeader struct {
	senderDN  []byte // raw Name DER, nil when absent
	recipDN   []byte

	// Protection algorithm. Exactly one of useMAC / sigHash-valid holds.
	useMAC       bool
	macParamsRaw []byte // deferred Entrust MAC parameter block
	sigHash      crypto.Hash

	senderKID     []byte
	transactionID []byte
	senderNonce   []byte
	recipNonce    []byte

	// From generalInfo.
	peerCompat      bool   // peer announced itself as a compatible implementation
	certFingerprint []byte // ESSCertID SHA-1 hash of the signer certificate
}

// parseHeader decodes a PKIHeader element (tag and length included).
// Fields the protocol does not use — messageTime, recipKID, freeText,
// unknown generalInfo attributes — are skipped without comment; interop
// practice is to ignore everything not needed to run the exchange.
func parseHeader(raw []byte) (*pkiHeader, error) {
	h := &pkiHeader{}
	outer := cryptobyte.String(raw)

	var s cryptobyte.String
	if !outer.ReadASN1(&s, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid PKI header")
	}

	var version int64
	if !s.ReadASN1Integer(&version) {
		return nil, errf(BadData, "invalid PKI header version")
	}
	if version != CMPVersion {
		return nil, errFail(BadData, FailUnsupportedVersion, "unsupported CMP version %d", version)
	}

	var err error
	if h.senderDN, err = readGeneralNameDN(&s); err != nil {
		return nil, errWrap(BadData, err, "invalid sender name")
	}
	if h.recipDN, err = readGeneralNameDN(&s); err != nil {
		return nil, errWrap(BadData, err, "invalid recipient name")
	}

	// messageTime is informational only.
	if err := skipOptional(&s, tagMessageTime); err != nil {
		return nil, err
	}

	// A message without integrity protection is an authentication
	// failure, not a parse failure.
	var protAlg cryptobyte.String
	var hasProt bool
	if !s.ReadOptionalASN1(&protAlg, &hasProt, ctxTag(tagProtectionAlg)) {
		return nil, errf(BadData, "invalid protection algorithm in PKI header")
	}
	if !hasProt {
		return nil, errFail(Signature, FailWrongIntegrity, "message was sent without integrity protection")
	}
	if err := h.parseProtectionAlg(protAlg); err != nil {
		return nil, err
	}

	if h.senderKID, err = readOptionalOctet(&s, tagSenderKID, 1, maxNonceSize); err != nil {
		return nil, errWrap(BadData, err, "invalid sender key ID in PKI header")
	}
	if err := skipOptional(&s, tagRecipKID); err != nil {
		return nil, err
	}
	if h.transactionID, err = readOptionalOctet(&s, tagTransactionID, minNonceSize, maxNonceSize); err != nil {
		return nil, errWrap(BadData, err, "invalid transaction ID in PKI header")
	}
	if h.transactionID == nil {
		return nil, errf(BadData, "missing transaction ID in PKI header")
	}
	if h.senderNonce, err = readOptionalOctet(&s, tagSenderNonce, minNonceSize, maxNonceSize); err != nil {
		return nil, errFail(BadData, FailBadSenderNonce, "invalid sender nonce in PKI header")
	}
	if h.recipNonce, err = readOptionalOctet(&s, tagRecipNonce, minNonceSize, maxNonceSize); err != nil {
		return nil, errFail(BadData, FailBadRecipientNonce, "invalid recipient nonce in PKI header")
	}
	if err := skipOptional(&s, tagFreeText); err != nil {
		return nil, err
	}

	var genInfo cryptobyte.String
	var hasGenInfo bool
	if !s.ReadOptionalASN1(&genInfo, &hasGenInfo, ctxTag(tagGeneralInfo)) {
		return nil, errf(BadData, "invalid generalInfo in PKI header")
	}
	if hasGenInfo {
		if err := h.parseGeneralInfo(genInfo); err != nil {
			return nil, errWrap(BadData, err, "invalid generalInfo information in PKI header")
		}
	}

	// Trailing fields from a newer profile are ignored.
	return h, nil
}

// parseProtectionAlg splits signature from Entrust-MAC protection by
// OID. MAC parameter parsing is deferred: the block is kept raw until
// the caller has determined the authenticating password.
func (h *pkiHeader) parseProtectionAlg(alg cryptobyte.String) error {
	var algSeq cryptobyte.String
	if !alg.ReadASN1(&algSeq, cbasn1.SEQUENCE) {
		return errf(BadData, "invalid integrity protection info in PKI header")
	}
	var oid asn1.ObjectIdentifier
	if !algSeq.ReadASN1ObjectIdentifier(&oid) {
		return errf(BadData, "invalid integrity protection algorithm OID")
	}
	if oid.Equal(oidEntrustMAC) {
		h.useMAC = true
		// Absent or NULL parameters leave macParamsRaw nil: the previous
		// parameters are reused.
		if !algSeq.Empty() && !algSeq.PeekASN1Tag(cbasn1.NULL) {
			h.macParamsRaw = []byte(algSeq)
		}
		return nil
	}
	if hashAlg, ok := signatureHashByOID(oid); ok {
		h.sigHash = hashAlg
		return nil
	}
	return errFail(NotAvailable, FailBadAlg, "unrecognised protection algorithm %v", oid)
}

// parseGeneralInfo walks the InfoTypeAndValue sequence looking for the
// two attributes this implementation uses: the presence-check marker and
// the signingCertificate carrying an ESSCertID. Everything else is
// skipped silently.
func (h *pkiHeader) parseGeneralInfo(gi cryptobyte.String) error {
	var seq cryptobyte.String
	if !gi.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return errf(BadData, "invalid generalInfo wrapper")
	}
	for !seq.Empty() {
		var entry cryptobyte.String
		if !seq.ReadASN1(&entry, cbasn1.SEQUENCE) {
			return errf(BadData, "invalid generalInfo attribute")
		}
		var oid asn1.ObjectIdentifier
		if !entry.ReadASN1ObjectIdentifier(&oid) {
			return errf(BadData, "invalid generalInfo attribute OID")
		}
		switch {
		case oid.Equal(oidPresenceCheck):
			h.peerCompat = true

		case oid.Equal(oidSigningCertificate):
			fp, err := parseESSCertID(entry)
			if err != nil {
				return err
			}
			h.certFingerprint = fp
		}
		// The remainder of the entry, recognised or not, needs no
		// further reading.
	}
	return nil
}

// parseESSCertID digs the certificate hash out of a SigningCertificate
// attribute value: SEQUENCE { certs SEQUENCE OF ESSCertID, ... }, with
// ESSCertID ::= SEQUENCE { certHash OCTET STRING, issuerSerial OPTIONAL }.
func parseESSCertID(entry cryptobyte.String) ([]byte, error) {
	var signingCert, certs, certID cryptobyte.String
	if !entry.ReadASN1(&signingCert, cbasn1.SEQUENCE) ||
		!signingCert.ReadASN1(&certs, cbasn1.SEQUENCE) ||
		!certs.ReadASN1(&certID, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid ESSCertID")
	}
	var hash cryptobyte.String
	if !certID.ReadASN1(&hash, cbasn1.OCTET_STRING) {
		return nil, errf(BadData, "invalid ESSCertID certificate hash")
	}
	if len(hash) != certFingerprintSize {
		return nil, errf(BadData, "invalid ESSCertID hash size %d", len(hash))
	}
	// Any issuerSerial is redundant next to the hash.
	return []byte(hash), nil
}

// readGeneralNameDN reads a GeneralName and returns the raw Name DER for
// the directoryName choice, or nil for other (unused) choices.
func readGeneralNameDN(s *cryptobyte.String) ([]byte, error) {
	var name cryptobyte.String
	var tag cbasn1.Tag
	if !s.ReadAnyASN1(&name, &tag) {
		return nil, errf(BadData, "truncated GeneralName")
	}
	if tag != ctxTag(4) {
		return nil, nil
	}
	var dn cryptobyte.String
	if !name.ReadASN1Element(&dn, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid directoryName")
	}
	return []byte(dn), nil
}

func skipOptional(s *cryptobyte.String, tag uint8) error {
	var skipped cryptobyte.String
	var present bool
	if !s.ReadOptionalASN1(&skipped, &present, ctxTag(tag)) {
		return errf(BadData, "invalid PKI header field [%d]", tag)
	}
	return nil
}

func readOptionalOctet(s *cryptobyte.String, tag uint8, minLen, maxLen int) ([]byte, error) {
	var wrapper cryptobyte.String
	var present bool
	if !s.ReadOptionalASN1(&wrapper, &present, ctxTag(tag)) {
		return nil, errf(BadData, "invalid field encoding")
	}
	if !present {
		return nil, nil
	}
	var octets cryptobyte.String
	if !wrapper.ReadASN1(&octets, cbasn1.OCTET_STRING) {
		return nil, errf(BadData, "expected OCTET STRING")
	}
	if len(octets) < minLen || len(octets) > maxLen {
		return nil, errf(BadData, "octet string length %d outside [%d,%d]", len(octets), minLen, maxLen)
	}
	return []byte(octets), nil
}

// emptyName is a zero-RDN directoryName, used when an identity is not
// yet known (the recipient on the first client message).
var emptyName = []byte{0x30, 0x00}

// headerOut collects everything that goes into an outgoing PKIHeader.
// All DER fragments are pre-encoded; encode only assembles.
type headerOut struct {
	senderDN      []byte // raw Name, emptyName if unknown
	recipDN       []byte
	protAlg       []byte // raw AlgorithmIdentifier
	senderKID     []byte
	transactionID []byte
	senderNonce   []byte
	recipNonce    []byte
	generalInfo   [][]byte // raw InfoTypeAndValue elements
	messageTime   time.Time
}

func addExplicit(b *cryptobyte.Builder, tag uint8, f cryptobyte.BuilderContinuation) {
	b.AddASN1(ctxTag(tag), f)
}

func addOctetString(b *cryptobyte.Builder, v []byte) {
	b.AddASN1(cbasn1.OCTET_STRING, func(b *cryptobyte.Builder) { b.AddBytes(v) })
}

func (h headerOut) encode() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(CMPVersion)

		senderDN := h.senderDN
		if senderDN == nil {
			senderDN = emptyName
		}
		recipDN := h.recipDN
		if recipDN == nil {
			recipDN = emptyName
		}
		addExplicit(b, 4, func(b *cryptobyte.Builder) { b.AddBytes(senderDN) })
		addExplicit(b, 4, func(b *cryptobyte.Builder) { b.AddBytes(recipDN) })

		if !h.messageTime.IsZero() {
			addExplicit(b, tagMessageTime, func(b *cryptobyte.Builder) {
				b.AddASN1GeneralizedTime(h.messageTime.UTC())
			})
		}
		addExplicit(b, tagProtectionAlg, func(b *cryptobyte.Builder) {
			b.AddBytes(h.protAlg)
		})
		if h.senderKID != nil {
			addExplicit(b, tagSenderKID, func(b *cryptobyte.Builder) {
				addOctetString(b, h.senderKID)
			})
		}
		addExplicit(b, tagTransactionID, func(b *cryptobyte.Builder) {
			addOctetString(b, h.transactionID)
		})
		addExplicit(b, tagSenderNonce, func(b *cryptobyte.Builder) {
			addOctetString(b, h.senderNonce)
		})
		if h.recipNonce != nil {
			addExplicit(b, tagRecipNonce, func(b *cryptobyte.Builder) {
				addOctetString(b, h.recipNonce)
			})
		}
		if len(h.generalInfo) > 0 {
			addExplicit(b, tagGeneralInfo, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					for _, entry := range h.generalInfo {
						b.AddBytes(entry)
					}
				})
			})
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode PKI header")
	}
	return out, nil
}

// presenceCheckAttribute is the generalInfo entry announcing this
// implementation to the peer.
func presenceCheckAttribute() []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidPresenceCheck)
	})
	out, _ := b.Bytes()
	return out
}

// signingCertAttribute builds the signingCertificate generalInfo entry
// carrying the ESSCertID SHA-1 fingerprint of the protection signer.
func signingCertAttribute(fingerprint []byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oidSigningCertificate)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // SigningCertificate
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // certs
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) { // ESSCertID
					addOctetString(b, fingerprint)
				})
			})
		})
	})
	out, _ := b.Bytes()
	return out
}
