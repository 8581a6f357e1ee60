// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"hash"
)

// MaxPasswordIterations bounds the iteration count accepted in incoming
// MAC parameters. The protocol sets no limit of its own, which makes a
// request claiming a few billion iterations an effective denial of
// service; anything above this bound is rejected before a single hash is
// computed.
const MaxPasswordIterations = 10000

// Salt is bounded at 4..20 octets on the wire.
const (
	minSaltSize = 4
	maxSaltSize = 20
)

// MacParams are the password-based MAC parameters carried in the
// protectionAlg field: (salt, iterations, password hash, MAC hash)
// uniquely key one derived MAC instance.
type MacParams struct {
	Salt       []byte
	Iterations int
	OWF        crypto.Hash // password one-way function
	MAC        crypto.Hash // HMAC digest
}

func (p MacParams) equal(q MacParams) bool {
	return p.Iterations == q.Iterations && p.OWF == q.OWF && p.MAC == q.MAC &&
		bytes.Equal(p.Salt, q.Salt)
}

// pbmParameter is the DER form of the Entrust MAC parameter block.
type pbmParameter struct {
	Salt       []byte
	OWF        pkix.AlgorithmIdentifier
	Iterations int
	MAC        pkix.AlgorithmIdentifier
}

func (p MacParams) wireForm() (pbmParameter, error) {
	owfOID, ok := oidByHash(p.OWF)
	if !ok {
		return pbmParameter{}, errf(NotAvailable, "no OID for password hash %v", p.OWF)
	}
	var macOID asn1.ObjectIdentifier
	switch p.MAC {
	case crypto.SHA1:
		macOID = oidHMACSHA1
	case crypto.SHA256:
		macOID = oidHMACSHA256
	default:
		return pbmParameter{}, errf(NotAvailable, "no OID for MAC %v", p.MAC)
	}
	return pbmParameter{
		Salt:       p.Salt,
		OWF:        pkix.AlgorithmIdentifier{Algorithm: owfOID},
		Iterations: p.Iterations,
		MAC:        pkix.AlgorithmIdentifier{Algorithm: macOID},
	}, nil
}

// parseMacParams validates an incoming parameter block. The iteration
// bound is enforced here, before any key derivation happens, and the
// failure deliberately looks the same as any other parameter rejection.
func parseMacParams(raw []byte) (MacParams, error) {
	var wire pbmParameter
	if rest, err := asn1.Unmarshal(raw, &wire); err != nil || len(rest) != 0 {
		return MacParams{}, errf(BadData, "invalid MAC algorithm information")
	}
	if len(wire.Salt) < minSaltSize || len(wire.Salt) > maxSaltSize {
		return MacParams{}, errf(BadData, "invalid MAC salt size %d", len(wire.Salt))
	}
	owf, ok := hashByOID(wire.OWF.Algorithm)
	if !ok {
		return MacParams{}, errFail(NotAvailable, FailBadAlg, "unrecognised password hash algorithm")
	}
	mac, ok := macByOID(wire.MAC.Algorithm)
	if !ok {
		return MacParams{}, errFail(NotAvailable, FailBadAlg, "unrecognised MAC algorithm")
	}
	if wire.Iterations < 1 || wire.Iterations > MaxPasswordIterations {
		return MacParams{}, errFail(BadData, FailBadAlg, "invalid MAC iteration count %d", wire.Iterations)
	}
	return MacParams{Salt: wire.Salt, Iterations: wire.Iterations, OWF: owf, MAC: mac}, nil
}

// macContext is one derived MAC instance.
type macContext struct {
	params MacParams
	key    []byte
}

// deriveMAC computes the MAC key: the password and salt run through the
// one-way function for the full iteration count, per the password-based
// MAC profile. Deriving twice from the same inputs yields the same key.
func deriveMAC(password []byte, params MacParams) (*macContext, error) {
	if params.Iterations < 1 || params.Iterations > MaxPasswordIterations {
		return nil, errFail(BadData, FailBadAlg, "invalid MAC iteration count %d", params.Iterations)
	}
	if newHash(params.OWF) == nil || newHash(params.MAC) == nil {
		return nil, errFail(NotAvailable, FailBadAlg, "unsupported MAC hash algorithm")
	}

	key := make([]byte, 0, len(password)+len(params.Salt))
	key = append(key, password...)
	key = append(key, params.Salt...)
	for i := 0; i < params.Iterations; i++ {
		h := newHash(params.OWF)
		h.Write(key)
		key = h.Sum(key[:0])
	}
	return &macContext{params: params, key: key}, nil
}

func (mc *macContext) compute(data []byte) []byte {
	m := hmac.New(func() hash.Hash { return newHash(mc.params.MAC) }, mc.key)
	m.Write(data)
	return m.Sum(nil)
}

func (mc *macContext) verify(data, tag []byte) bool {
	return hmac.Equal(mc.compute(data), tag)
}

// integrity holds a session's protection state: the MAC password with
// its derived primary and alternate contexts, or the signature identity.
//
// The alternate slot exists for peers that re-key per message: a message
// whose parameters differ from the primary derives into the alternate
// without disturbing the primary, so a later message reverting to the
// original parameters costs nothing.
type integrity struct {
	password []byte
	primary  *macContext
	alt      *macContext

	signerCert *x509.Certificate
	sigHash    crypto.Hash
}

// selectMAC returns the context for the given incoming parameters,
// deriving and caching as needed.
func (ic *integrity) selectMAC(params MacParams) (*macContext, error) {
	if ic.primary == nil {
		mc, err := deriveMAC(ic.password, params)
		if err != nil {
			return nil, err
		}
		ic.primary = mc
		return mc, nil
	}
	if ic.primary.params.equal(params) {
		return ic.primary, nil
	}
	if ic.alt != nil && ic.alt.params.equal(params) {
		return ic.alt, nil
	}
	mc, err := deriveMAC(ic.password, params)
	if err != nil {
		return nil, err
	}
	ic.alt = mc
	return mc, nil
}

// computeRawSignature signs the protected span. CMP protection is a raw
// signature over the DER ProtectedPart, not a CMS SignerInfo, so the
// digest is computed here and handed to the key's primitive directly.
func computeRawSignature(signer crypto.Signer, hashAlg crypto.Hash, span []byte) ([]byte, error) {
	h := newHash(hashAlg)
	if h == nil {
		return nil, errf(NotAvailable, "unsupported protection hash %v", hashAlg)
	}
	h.Write(span)
	sig, err := signer.Sign(rand.Reader, h.Sum(nil), hashAlg)
	if err != nil {
		return nil, errWrap(Signature, err, "couldn't sign protected part")
	}
	return sig, nil
}

// verifyRawSignature checks the protection signature over the protected
// span as originally encoded.
func verifyRawSignature(cert *x509.Certificate, hashAlg crypto.Hash, span, sig []byte) error {
	h := newHash(hashAlg)
	if h == nil {
		return errf(NotAvailable, "unsupported protection hash %v", hashAlg)
	}
	h.Write(span)
	digest := h.Sum(nil)

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, hashAlg, digest, sig); err != nil {
			return errFail(Signature, FailBadMessageCheck, "bad message signature")
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return errFail(Signature, FailBadMessageCheck, "bad message signature")
		}
	default:
		return errf(NotAvailable, "unsupported signature key type %T", pub)
	}
	return nil
}
