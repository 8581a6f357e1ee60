// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"encoding/asn1"
	"fmt"
	"strings"
)

// PKIStatus values carried in response bodies and error messages.
const (
	StatusAccepted               = 0
	StatusGrantedWithMods        = 1
	StatusRejection              = 2
	StatusWaiting                = 3
	StatusRevocationWarning      = 4
	StatusRevocationNotification = 5
	StatusKeyUpdateWarning       = 6
)

// FailInfo is the PKIFailureInfo bit set. The bit positions follow the
// wire encoding, so bit 0 is the most significant bit of the BIT STRING.
type FailInfo uint32

const (
	FailBadAlg              FailInfo = 1 << 0
	FailBadMessageCheck     FailInfo = 1 << 1
	FailBadRequest          FailInfo = 1 << 2
	FailBadTime             FailInfo = 1 << 3
	FailBadCertID           FailInfo = 1 << 4
	FailBadDataFormat       FailInfo = 1 << 5
	FailWrongAuthority      FailInfo = 1 << 6
	FailIncorrectData       FailInfo = 1 << 7
	FailMissingTimeStamp    FailInfo = 1 << 8
	FailBadPOP              FailInfo = 1 << 9
	FailCertRevoked         FailInfo = 1 << 10
	FailCertConfirmed       FailInfo = 1 << 11
	FailWrongIntegrity      FailInfo = 1 << 12
	FailBadRecipientNonce   FailInfo = 1 << 13
	FailTimeNotAvailable    FailInfo = 1 << 14
	FailUnacceptedPolicy    FailInfo = 1 << 15
	FailUnacceptedExtension FailInfo = 1 << 16
	FailAddInfoNotAvailable FailInfo = 1 << 17
	FailBadSenderNonce      FailInfo = 1 << 18
	FailBadCertTemplate     FailInfo = 1 << 19
	FailSignerNotTrusted    FailInfo = 1 << 20
	FailTransactionIDInUse  FailInfo = 1 << 21
	FailUnsupportedVersion  FailInfo = 1 << 22
	FailNotAuthorized       FailInfo = 1 << 23
	FailSystemUnavail       FailInfo = 1 << 24
	FailSystemFailure       FailInfo = 1 << 25
	FailDuplicateCertReq    FailInfo = 1 << 26
)

const failInfoBits = 27

// failureStrings is indexed by bit position. The wording predates this
// implementation and is kept for log continuity with peers that quote it
// back.
var failureStrings = [...]string{
	"Unrecognized or unsupported Algorithm Identifier",
	"The integrity check failed (e.g. signature did not verify)",
	"This transaction is not permitted or supported",
	"The messageTime was not sufficiently close to the system time as defined by local policy",
	"No certificate could be found matching the provided criteria",
	"The data submitted has the wrong format",
	"The authority indicated in the request is different from the one creating the response token",
	"The requester's data is incorrect (used for notary services)",
	"Timestamp is missing but should be there (by policy)",
	"The proof-of-possession failed",
	"The certificate has already been revoked",
	"The certificate has already been confirmed",
	"Invalid integrity, password based instead of signature or vice versa",
	"Invalid recipient nonce, either missing or wrong value",
	"The TSA's time source is not available",
	"The requested TSA policy is not supported by the TSA",
	"The requested extension is not supported by the TSA",
	"The additional information requested could not be understood or is not available",
	"Invalid sender nonce, either missing or wrong size",
	"Invalid certificate template or missing mandatory information",
	"Signer of the message unknown or not trusted",
	"The transaction identifier is already in use",
	"The version of the message is not supported",
	"The sender was not authorized to make the preceding request or perform the preceding action",
	"The request cannot be handled due to system unavailability",
	"The request cannot be handled due to system failure",
	"Certificate cannot be issued because a duplicate certificate already exists",
}

// failureString returns the description for the lowest set bit.
func failureString(fi FailInfo) string {
	if fi == 0 {
		return "Missing PKI failure code"
	}
	for bit := 0; bit < failInfoBits; bit++ {
		if fi&(1<<bit) != 0 {
			return failureStrings[bit]
		}
	}
	return "Unknown PKI failure code"
}

// kindForFailInfo maps failure bits to the host error taxonomy, highest
// priority class first: algorithm not available, then wrong key, then
// permission, then invalid, then duplicate, then bad data.
func kindForFailInfo(fi FailInfo) ErrorKind {
	switch {
	case fi&FailBadAlg != 0:
		return NotAvailable
	case fi&(FailBadMessageCheck|FailBadPOP|FailWrongIntegrity) != 0:
		return WrongKey
	case fi&(FailBadRequest|FailSignerNotTrusted|FailNotAuthorized) != 0:
		return Permission
	case fi&(FailUnacceptedPolicy|FailUnacceptedExtension|FailBadCertTemplate) != 0:
		return Invalid
	case fi&(FailTransactionIDInUse|FailDuplicateCertReq) != 0:
		return Duplicate
	case fi&FailBadDataFormat != 0:
		return BadData
	}
	return Failed
}

// bitString renders the failure info the way it is reported: the single
// set bit by number, or the whole set in binary when several are set.
func (fi FailInfo) bitString() string {
	bitNo := -1
	width := 0
	for bit := failInfoBits - 1; bit >= 0; bit-- {
		if fi&(1<<bit) != 0 {
			if bitNo == -1 {
				bitNo = bit
			} else {
				bitNo = -2
			}
			if width == 0 {
				width = bit + 1
			}
		}
	}
	switch bitNo {
	case -1:
		return "no status bits"
	case -2:
		var b strings.Builder
		for bit := width - 1; bit >= 0; bit-- {
			if fi&(1<<bit) != 0 {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
		return "status value " + b.String() + "'B"
	default:
		return fmt.Sprintf("status bit %d", bitNo)
	}
}

// asn1BitString converts to the wire BIT STRING form.
func (fi FailInfo) asn1BitString() asn1.BitString {
	if fi == 0 {
		return asn1.BitString{}
	}
	width := 0
	for bit := 0; bit < failInfoBits; bit++ {
		if fi&(1<<bit) != 0 {
			width = bit + 1
		}
	}
	bytes := make([]byte, (width+7)/8)
	for bit := 0; bit < width; bit++ {
		if fi&(1<<bit) != 0 {
			bytes[bit/8] |= 0x80 >> (bit % 8)
		}
	}
	return asn1.BitString{Bytes: bytes, BitLength: width}
}

func failInfoFromBitString(bs asn1.BitString) FailInfo {
	var fi FailInfo
	for bit := 0; bit < failInfoBits && bit < bs.BitLength; bit++ {
		if bs.At(bit) == 1 {
			fi |= 1 << bit
		}
	}
	return fi
}

// pkiStatusInfo is the wire form shared by response and error bodies.
type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional,utf8"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

func newStatusInfo(status int, fi FailInfo, text string) pkiStatusInfo {
	si := pkiStatusInfo{Status: status, FailInfo: fi.asn1BitString()}
	if text != "" {
		si.StatusString = []string{text}
	}
	return si
}

// decodeStatusInfo translates a parsed PKIStatusInfo into the host error
// taxonomy. It returns nil for accepted and grantedWithMods; any other
// status yields an *Error carrying the peer's status, failure bits, and
// first free-text string. Later free-text strings have no defined
// semantics and are dropped after being counted.
func decodeStatusInfo(si pkiStatusInfo) *Error {
	fi := failInfoFromBitString(si.FailInfo)

	var peerText string
	if len(si.StatusString) > 0 {
		peerText = si.StatusString[0]
		if len(si.StatusString) > 1 {
			peerText += fmt.Sprintf(" (%d further status strings discarded)", len(si.StatusString)-1)
		}
	}

	if si.Status == StatusAccepted || si.Status == StatusGrantedWithMods {
		return nil
	}

	desc := "server returned nonspecific error information"
	kind := Failed
	if fi != 0 {
		desc = fmt.Sprintf("server returned %s: %s", fi.bitString(), failureString(fi))
		kind = kindForFailInfo(fi)
	}
	return &Error{
		Kind:       kind,
		Desc:       desc,
		PeerStatus: si.Status,
		FailInfo:   fi,
		PeerText:   peerText,
	}
}
