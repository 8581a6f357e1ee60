// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"bytes"
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"testing"
)

var testMACParams = MacParams{
	Salt:       []byte{0x00, 0x11, 0x22, 0x33},
	Iterations: 500,
	OWF:        crypto.SHA1,
	MAC:        crypto.SHA1,
}

func TestDeriveMACDeterministic(t *testing.T) {
	a, err := deriveMAC([]byte("secret"), testMACParams)
	if err != nil {
		t.Fatalf("deriveMAC: %v", err)
	}
	b, err := deriveMAC([]byte("secret"), testMACParams)
	if err != nil {
		t.Fatalf("deriveMAC: %v", err)
	}
	if !bytes.Equal(a.key, b.key) {
		t.Error("same inputs derived different keys")
	}

	data := []byte("protected part bytes")
	tag := a.compute(data)
	if !b.verify(data, tag) {
		t.Error("MAC from one derivation doesn't verify under the other")
	}
	if b.verify([]byte("tampered"), tag) {
		t.Error("MAC verified over different data")
	}
}

func TestDeriveMACKeyDependsOnParams(t *testing.T) {
	base, _ := deriveMAC([]byte("secret"), testMACParams)

	differentSalt := testMACParams
	differentSalt.Salt = []byte{0xff, 0xee, 0xdd, 0xcc}
	other, err := deriveMAC([]byte("secret"), differentSalt)
	if err != nil {
		t.Fatalf("deriveMAC: %v", err)
	}
	if bytes.Equal(base.key, other.key) {
		t.Error("different salts derived the same key")
	}

	differentIter := testMACParams
	differentIter.Iterations = 501
	other, _ = deriveMAC([]byte("secret"), differentIter)
	if bytes.Equal(base.key, other.key) {
		t.Error("different iteration counts derived the same key")
	}
}

func TestIterationBound(t *testing.T) {
	cases := []struct {
		name       string
		iterations int
	}{
		{"zero", 0},
		{"negative", -1},
		{"just over", MaxPasswordIterations + 1},
		{"DoS", 1 << 31},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := testMACParams
			params.Iterations = tc.iterations
			_, err := deriveMAC([]byte("secret"), params)
			if err == nil {
				t.Fatal("excessive iteration count accepted")
			}
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("unexpected error type %T", err)
			}
			if e.Kind != BadData {
				t.Errorf("kind = %v, want %v", e.Kind, BadData)
			}
			if e.FailInfo&FailBadAlg == 0 {
				t.Error("badAlg failure flag not set")
			}
		})
	}
}

// TestParseMacParamsRejectsBeforeDerivation feeds wire-format parameters
// claiming an absurd iteration count and checks they are thrown out at
// the parse stage, before any hashing could begin.
func TestParseMacParamsRejectsBeforeDerivation(t *testing.T) {
	wire := pbmParameter{
		Salt:       []byte{0x00, 0x11, 0x22, 0x33},
		OWF:        wireAlg(oidSHA1),
		Iterations: 1 << 31,
		MAC:        wireAlg(oidHMACSHA1),
	}
	raw, err := asn1.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, perr := parseMacParams(raw)
	if perr == nil {
		t.Fatal("iteration count 2^31 accepted")
	}
	var e *Error
	if !errors.As(perr, &e) || e.Kind != BadData || e.FailInfo&FailBadAlg == 0 {
		t.Errorf("got %v, want BadData with badAlg flag", perr)
	}
}

func TestParseMacParamsRoundTrip(t *testing.T) {
	wire, err := testMACParams.wireForm()
	if err != nil {
		t.Fatalf("wireForm: %v", err)
	}
	raw, err := asn1.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := parseMacParams(raw)
	if err != nil {
		t.Fatalf("parseMacParams: %v", err)
	}
	if !parsed.equal(testMACParams) {
		t.Errorf("round trip changed parameters: %+v", parsed)
	}
}

func TestAlternateMACCache(t *testing.T) {
	ic := &integrity{password: []byte("secret")}

	primary, err := ic.selectMAC(testMACParams)
	if err != nil {
		t.Fatalf("selectMAC: %v", err)
	}
	if ic.primary != primary {
		t.Fatal("first parameters didn't become the primary")
	}

	altParams := testMACParams
	altParams.Salt = []byte{0x44, 0x55, 0x66, 0x77}
	alt, err := ic.selectMAC(altParams)
	if err != nil {
		t.Fatalf("selectMAC alt: %v", err)
	}
	if alt == primary {
		t.Fatal("alternate parameters reused the primary context")
	}
	if ic.primary != primary {
		t.Error("alternate derivation displaced the primary")
	}
	if ic.alt != alt {
		t.Error("alternate context not cached")
	}

	// Reverting to the primary parameters must reuse the primary
	// context, not derive again.
	again, err := ic.selectMAC(testMACParams)
	if err != nil {
		t.Fatalf("selectMAC revert: %v", err)
	}
	if again != primary {
		t.Error("reverting to primary parameters derived a new context")
	}

	// The alternate slot is replaced, not chained.
	thirdParams := testMACParams
	thirdParams.Iterations = 999
	third, err := ic.selectMAC(thirdParams)
	if err != nil {
		t.Fatalf("selectMAC third: %v", err)
	}
	if ic.alt != third {
		t.Error("new alternate parameters didn't replace the alternate slot")
	}

	// The cached alternate is reused while its parameters keep coming.
	if mc, _ := ic.selectMAC(thirdParams); mc != third {
		t.Error("alternate context not reused for matching parameters")
	}
}

func TestParseMacParamsRejectsBadSalt(t *testing.T) {
	for _, salt := range [][]byte{{}, {0x01}, bytes.Repeat([]byte{0xaa}, maxSaltSize+1)} {
		wire := pbmParameter{Salt: salt, OWF: wireAlg(oidSHA1), Iterations: 500, MAC: wireAlg(oidHMACSHA1)}
		raw, err := asn1.Marshal(wire)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, perr := parseMacParams(raw); perr == nil {
			t.Errorf("salt of %d bytes accepted", len(salt))
		}
	}
}

func wireAlg(oid asn1.ObjectIdentifier) pkix.AlgorithmIdentifier {
	return pkix.AlgorithmIdentifier{Algorithm: oid}
}
