// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a protocol failure. Kinds map directly to the
// classes a caller can act on: retry with another key, fix the template,
// give up, and so on.
type ErrorKind int

const (
	// BadData is malformed ASN.1: unexpected tag, length overflow or
	// underflow, OID arc overflow.
	BadData ErrorKind = iota + 1
	// Signature covers every failure to authenticate message origin:
	// MAC mismatch, bad signature, signer identity mismatch, missing
	// protection, transaction ID mismatch.
	Signature
	// WrongKey means the key presented does not match the expected one.
	WrongKey
	// Permission means the peer rejected the request as unauthorised.
	Permission
	// Invalid means the certificate template or policy was rejected.
	Invalid
	// Duplicate means the transaction ID is in use or the certificate
	// request duplicates an existing one.
	Duplicate
	// NotAvailable means an algorithm or service is not supported.
	NotAvailable
	// Timeout means the transport produced no response within the budget.
	Timeout
	// Failed is the catch-all for peer rejections matching none of the
	// other kinds.
	Failed
)

func (k ErrorKind) String() string {
	switch k {
	case BadData:
		return "bad data"
	case Signature:
		return "signature"
	case WrongKey:
		return "wrong key"
	case Permission:
		return "permission"
	case Invalid:
		return "invalid"
	case Duplicate:
		return "duplicate"
	case NotAvailable:
		return "not available"
	case Timeout:
		return "timeout"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("unknown error kind %d", int(k))
}

// Error is the failure value surfaced by every operation in this package.
// Besides the kind it preserves whatever the peer told us: the PKI status
// integer, the failInfo bits, and the peer's free text verbatim.
type Error struct {
	Kind ErrorKind

	// Desc is the locally assigned description of what went wrong.
	Desc string

	// PeerStatus is the PKIStatusInfo status integer, or -1 when the
	// error did not come from a peer status.
	PeerStatus int

	// FailInfo holds the peer's failure bits, zero when absent.
	FailInfo FailInfo

	// PeerText is the peer's first free-text string, verbatim.
	PeerText string

	// Unauthenticated marks errors extracted from a message whose
	// integrity was never verified (CMP error bodies are processed
	// before the integrity check). Callers may choose to retry rather
	// than treat such an error as final.
	Unauthenticated bool

	wrapped error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Desc != "" {
		b.WriteString(": ")
		b.WriteString(e.Desc)
	}
	if e.PeerText != "" {
		b.WriteString(": ")
		b.WriteString(e.PeerText)
	}
	if e.Unauthenticated {
		b.WriteString(" (unauthenticated)")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is reports kind equality so callers can match with errors.Is against a
// bare-kind template such as &Error{Kind: Signature}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Desc: fmt.Sprintf(format, args...), PeerStatus: -1}
}

func errWrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{
		Kind:       kind,
		Desc:       fmt.Sprintf(format, args...),
		PeerStatus: -1,
		wrapped:    err,
	}
}

// errFail builds an error carrying a failInfo value for the failure
// that was detected locally, so that a server session can echo the right
// bit back in its error response.
func errFail(kind ErrorKind, fi FailInfo, format string, args ...any) *Error {
	e := errf(kind, format, args...)
	e.FailInfo = fi
	return e
}
