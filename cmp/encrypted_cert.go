// SPDX-FileCopyrightText: (C) 2025 Open PKI Project
// SPDX-License-Identifier: Apache 2.0

package cmp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"

	"go.mozilla.org/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Legacy-CMP encrypted certificate delivery: an ad-hoc envelope predating
// the CMS form, still emitted for encryption-only keys.
//
//	EncryptedCert ::= SEQUENCE {
//		dummy	[0]	...	OPTIONAL,		-- ignored
//		cekAlg	[1]	AlgorithmIdentifier,
//		encCEK	[2]	BIT STRING,			-- RSA-wrapped CEK
//		dummy	[3]	...	OPTIONAL,		-- ignored
//		dummy	[4]	...	OPTIONAL,		-- ignored
//		encData		BIT STRING			-- encrypted certificate
//	}

const (
	minEncCEKSize  = 56
	maxEncCEKSize  = 512
	minEncCertSize = 128
	maxEncCertSize = 8192
)

// decryptLegacyCert recovers a certificate from the legacy envelope. The
// CEK is unwrapped with the recipient's RSA key via PKCS#1 v1.5 and the
// certificate decrypted under the indicated CBC cipher.
func decryptLegacyCert(raw cryptobyte.String, key *rsa.PrivateKey) ([]byte, error) {
	var s cryptobyte.String
	if !raw.ReadASN1(&s, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid encrypted certificate")
	}
	if err := skipOptional(&s, 0); err != nil {
		return nil, err
	}

	var algWrap, algSeq cryptobyte.String
	if !s.ReadASN1(&algWrap, ctxTag(1)) || !algWrap.ReadASN1(&algSeq, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "invalid encrypted certificate CEK algorithm")
	}
	var cekOID asn1.ObjectIdentifier
	if !algSeq.ReadASN1ObjectIdentifier(&cekOID) {
		return nil, errf(BadData, "invalid encrypted certificate CEK algorithm")
	}
	keyLen, blockLen, ok := blockSizeByCEKOID(cekOID)
	if !ok {
		return nil, errFail(NotAvailable, FailBadAlg, "unsupported CEK algorithm %v", cekOID)
	}
	var iv cryptobyte.String
	if !algSeq.ReadASN1(&iv, cbasn1.OCTET_STRING) || len(iv) != blockLen {
		return nil, errf(BadData, "invalid CEK algorithm IV")
	}

	encCEK, err := readTaggedBitString(&s, 2)
	if err != nil {
		return nil, errWrap(BadData, err, "invalid encrypted certificate CEK data")
	}
	if len(encCEK) < minEncCEKSize || len(encCEK) > maxEncCEKSize {
		return nil, errf(BadData, "encrypted CEK size %d outside valid range", len(encCEK))
	}
	if err := skipOptional(&s, 3); err != nil {
		return nil, err
	}
	if err := skipOptional(&s, 4); err != nil {
		return nil, err
	}

	var encCert asn1.BitString
	if !s.ReadASN1BitString(&encCert) {
		return nil, errf(BadData, "invalid encrypted certificate data")
	}
	encData := encCert.RightAlign()
	if len(encData) < minEncCertSize || len(encData) > maxEncCertSize {
		return nil, errf(BadData, "encrypted certificate size %d outside valid range", len(encData))
	}
	// Checking the block length here saves pointless processing and
	// gives a better error than a garbage decryption would.
	if len(encData)%blockLen != 0 {
		return nil, errf(BadData, "encrypted certificate size %d not a multiple of the cipher block size", len(encData))
	}

	cek, err := rsa.DecryptPKCS1v15(nil, key, encCEK)
	if err != nil {
		return nil, errWrap(WrongKey, err, "couldn't decrypt encrypted certificate CEK")
	}
	if len(cek) != keyLen {
		return nil, errf(BadData, "recovered CEK has size %d, want %d", len(cek), keyLen)
	}

	block, err := newCEKCipher(cekOID, cek)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(encData))
	cipher.NewCBCDecrypter(block, []byte(iv)).CryptBlocks(plain, encData)

	return stripCertPadding(plain)
}

func newCEKCipher(oid asn1.ObjectIdentifier, key []byte) (cipher.Block, error) {
	var block cipher.Block
	var err error
	if oid.Equal(oid3DESCBC) {
		block, err = des.NewTripleDESCipher(key)
	} else {
		block, err = aes.NewCipher(key)
	}
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't initialise CEK cipher")
	}
	return block, nil
}

// stripCertPadding trims the CBC padding by reading the certificate's
// own outer length: the envelope pads the payload to the block size, so
// the DER length is authoritative.
func stripCertPadding(plain []byte) ([]byte, error) {
	outer := cryptobyte.String(plain)
	var cert cryptobyte.String
	if !outer.ReadASN1Element(&cert, cbasn1.SEQUENCE) {
		return nil, errf(BadData, "decrypted certificate is malformed")
	}
	return []byte(cert), nil
}

func readTaggedBitString(s *cryptobyte.String, tag uint8) ([]byte, error) {
	var wrap cryptobyte.String
	if !s.ReadASN1(&wrap, ctxTag(tag)) {
		return nil, errf(BadData, "missing tagged field [%d]", tag)
	}
	var bs asn1.BitString
	if !wrap.ReadASN1BitString(&bs) {
		return nil, errf(BadData, "expected BIT STRING")
	}
	return bs.RightAlign(), nil
}

// encryptLegacyCert wraps an issued certificate for an encryption-only
// subject key: fresh AES-128 CEK, certificate padded to the block size,
// CEK wrapped to the subject's RSA key.
func encryptLegacyCert(certDER []byte, recipient *rsa.PublicKey) ([]byte, error) {
	cek := make([]byte, 16)
	if _, err := rand.Read(cek); err != nil {
		return nil, errWrap(Failed, err, "random source failed")
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, errWrap(Failed, err, "random source failed")
	}

	padded := certDER
	if n := len(padded) % aes.BlockSize; n != 0 {
		pad := make([]byte, aes.BlockSize-n)
		padded = append(append([]byte{}, certDER...), pad...)
	}
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, errWrap(Failed, err, "couldn't initialise CEK cipher")
	}
	encData := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encData, padded)

	encCEK, err := rsa.EncryptPKCS1v15(rand.Reader, recipient, cek)
	if err != nil {
		return nil, errWrap(Failed, err, "couldn't wrap CEK")
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(ctxTag(1), func(b *cryptobyte.Builder) {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidAES128CBC)
				addOctetString(b, iv)
			})
		})
		b.AddASN1(ctxTag(2), func(b *cryptobyte.Builder) {
			b.AddASN1BitString(encCEK)
		})
		b.AddASN1BitString(encData)
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, errWrap(BadData, err, "couldn't encode encrypted certificate")
	}
	return out, nil
}

// decryptCMSCert unwraps the CMS EnvelopedData certificate delivery
// form. The envelope handling itself is delegated.
func decryptCMSCert(data []byte, cert *x509.Certificate, key *rsa.PrivateKey) ([]byte, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, errWrap(BadData, err, "invalid CMS enveloped certificate")
	}
	plain, err := p7.Decrypt(cert, key)
	if err != nil {
		return nil, errWrap(Failed, err, "couldn't decrypt CMS enveloped certificate")
	}
	return plain, nil
}
