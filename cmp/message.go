// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// PKIMessage envelope tags.
const (
	tagProtection = 0
	tagExtraCerts = 1
)

const (
	minMACSize = 16
	maxMACSize = 64
)

// pkiMessage is one decoded PKIMessage. The header and body are kept as
// raw elements besides their parsed forms: protection is computed over
// the bytes as they appeared on the wire, never over a re-encoding.
type pkiMessage struct {
	headerRaw []byte
	bodyRaw   []byte

	header      *pkiHeader
	bodyTag     int
	bodyContent cryptobyte.String // inside the CHOICE tag

	protection []byte
	extraCerts [][]byte
}

// protectedPart assembles the DER ProtectedPart ::= SEQUENCE { header,
// body } from the original wire bytes.
func protectedPart(headerRaw, bodyRaw []byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(headerRaw)
		b.AddBytes(bodyRaw)
	})
	out, _ := b.Bytes()
	return out
}

// parseMessage splits a PKIMessage into header, body, and protection.
// Only the header is parsed in depth here; the body waits until the
// integrity check has run (or been deliberately skipped for an error
// body).
func parseMessage(raw []byte) (*pkiMessage, error) {
	outer := cryptobyte.String(raw)
	var s cryptobyte.String
	if !outer.ReadASN1(&s, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid PKI message")
	}

	msg := &pkiMessage{}

	var headerRaw cryptobyte.String
	if !s.ReadASN1Element(&headerRaw, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid PKI message header")
	}
	msg.headerRaw = []byte(headerRaw)

	var bodyRaw, bodyContent cryptobyte.String
	var bodyTag cbasn1.Tag
	if !s.ReadAnyASN1Element(&bodyRaw, &bodyTag) {
		return nil, errf(BadData, "invalid PKI message body")
	}
	if bodyTag&0xc0 != 0x80 || bodyTag&0x20 == 0 {
		return nil, errf(BadData, "unexpected PKI message body tag %v", bodyTag)
	}
	msg.bodyRaw = []byte(bodyRaw)
	msg.bodyTag = int(bodyTag & 0x1f)
	inner := cryptobyte.String(msg.bodyRaw)
	if !inner.ReadASN1(&bodyContent, bodyTag) {
		return nil, errf(BadData, "invalid PKI message body start")
	}
	msg.bodyContent = bodyContent

	var protWrap cryptobyte.String
	var hasProt bool
	if !s.ReadOptionalASN1(&protWrap, &hasProt, ctxTag(tagProtection)) {
		return nil, errf(BadData, "invalid PKI message protection")
	}
	if hasProt {
		var bits asn1.BitString
		if !protWrap.ReadASN1BitString(&bits) {
			return nil, errFail(Signature, FailWrongIntegrity, "signature/MAC data is missing or truncated")
		}
		msg.protection = bits.RightAlign()
	}

	var extraWrap cryptobyte.String
	var hasExtra bool
	if !s.ReadOptionalASN1(&extraWrap, &hasExtra, ctxTag(tagExtraCerts)) {
		return nil, errf(BadData, "invalid PKI message extraCerts")
	}
	if hasExtra {
		var certs cryptobyte.String
		if !extraWrap.ReadASN1(&certs, cbasn1.SEQUENCE) {
			return nil, errf(BadData, "invalid PKI message extraCerts")
		}
		for !certs.Empty() {
			var cert cryptobyte.String
			if !certs.ReadASN1Element(&cert, cbasn1.SEQUENCE) {
				return nil, errf(BadData, "invalid extraCerts entry")
			}
			msg.extraCerts = append(msg.extraCerts, []byte(cert))
		}
	}

	header, err := parseHeader(msg.headerRaw)
	if err != nil {
		return nil, err
	}
	msg.header = header
	return msg, nil
}

// PeekTransactionID extracts the transaction ID from an encoded
// PKIMessage without processing it, so a server front end can route the
// message to the session holding that exchange's state.
func PeekTransactionID(raw []byte) ([]byte, error) {
	msg, err := parseMessage(raw)
	if err != nil {
		return nil, err
	}
	return msg.header.transactionID, nil
}

// encodeMessage assembles the outgoing PKIMessage around pre-encoded
// header and body elements and the protection computed over their span.
func encodeMessage(headerRaw, bodyRaw, protection []byte, extraCerts [][]byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(headerRaw)
		b.AddBytes(bodyRaw)
		addExplicit(b, tagProtection, func(b *cryptobyte.Builder) {
			b.AddASN1BitString(protection)
		})
		if len(extraCerts) > 0 {
			addExplicit(b, tagExtraCerts, func(b *cryptobyte.Builder) {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					for _, cert := range extraCerts {
						b.AddBytes(cert)
					}
				})
			})
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode PKI message")
	}
	return out, nil
}
