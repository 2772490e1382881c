// Copyright 2024 The Quanta Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// initialSaltV1 is the Initial salt for QUIC v1, RFC 9001 Section 5.2.
var initialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// initialSaltV2 is the Initial salt for QUIC v2, RFC 9369 Section 3.3.
var initialSaltV2 = []byte{
	0x0d, 0xed, 0xe3, 0xde, 0xf7, 0x00, 0xa6, 0xdb,
	0x81, 0x93, 0x81, 0xbe, 0x6e, 0x26, 0x9d, 0xcb,
	0xf9, 0xbd, 0x2e, 0xd9,
}

const (
	versionQUIC1 uint32 = 0x00000001
	versionQUIC2 uint32 = 0x6b3343cf
)

// initialSaltForVersion selects the Initial salt strictly by the version of
// the packet being protected, per spec.md Section 9's Open Question
// resolution: never cache a salt choice across a mid-handshake version
// change.
func initialSaltForVersion(version uint32) []byte {
	if version == versionQUIC2 {
		return initialSaltV2
	}
	return initialSaltV1
}

// aeadAlgorithm names a negotiated TLS 1.3 AEAD cipher suite.
type aeadAlgorithm int

const (
	aeadAES128GCM aeadAlgorithm = iota
	aeadAES256GCM
	aeadChaCha20Poly1305
)

// keys holds one direction's AEAD key, IV, and header-protection key for one
// packet number space and key phase, RFC 9001 Section 5.
type keys struct {
	algo  aeadAlgorithm
	aead  cipher.AEAD
	iv    []byte
	hpKey []byte
	set   bool
}

func (k keys) isSet() bool { return k.set }

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label construction,
// RFC 8446 Section 7.1, used with labels "quic key"/"quic iv"/"quic hp"/
// "quic ku" per RFC 9001 Sections 5.1 and 6.1.
func hkdfExpandLabel(secret []byte, label string, length int) []byte {
	var hkdfLabel []byte
	hkdfLabel = binary.BigEndian.AppendUint16(hkdfLabel, uint16(length))
	fullLabel := "tls13 " + label
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, fullLabel...)
	hkdfLabel = append(hkdfLabel, 0) // no context
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, hkdfLabel)
	if _, err := r.Read(out); err != nil {
		panic(fmt.Sprintf("quic: hkdf expand failed: %v", err))
	}
	return out
}

func newAEAD(algo aeadAlgorithm, key []byte) (cipher.AEAD, error) {
	switch algo {
	case aeadAES128GCM, aeadAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case aeadChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("quic: unknown AEAD algorithm %d", algo)
	}
}

func keySizeForAlgo(algo aeadAlgorithm) (keyLen, ivLen int) {
	switch algo {
	case aeadAES128GCM:
		return 16, 12
	case aeadAES256GCM:
		return 32, 12
	case aeadChaCha20Poly1305:
		return chacha20poly1305.KeySize, chacha20poly1305.NonceSize
	default:
		return 16, 12
	}
}

// deriveKeys computes (key, iv, hp) from a traffic secret per RFC 9001
// Section 5.1.
func deriveKeys(algo aeadAlgorithm, secret []byte) (keys, error) {
	keyLen, ivLen := keySizeForAlgo(algo)
	rawKey := hkdfExpandLabel(secret, "quic key", keyLen)
	iv := hkdfExpandLabel(secret, "quic iv", ivLen)
	hpKey := hkdfExpandLabel(secret, "quic hp", keyLen)
	aead, err := newAEAD(algo, rawKey)
	if err != nil {
		return keys{}, err
	}
	return keys{algo: algo, aead: aead, iv: iv, hpKey: hpKey, set: true}, nil
}

// deriveInitialKeys derives the client and server Initial key pairs from the
// destination connection ID chosen by the client, RFC 9001 Section 5.2.
func deriveInitialKeys(version uint32, dstConnID []byte) (client, server keys, err error) {
	salt := initialSaltForVersion(version)
	initialSecret := hkdf.Extract(sha256.New, dstConnID, salt)
	clientSecret := hkdfExpandLabel(initialSecret, "client in", sha256.Size)
	serverSecret := hkdfExpandLabel(initialSecret, "server in", sha256.Size)
	client, err = deriveKeys(aeadAES128GCM, clientSecret)
	if err != nil {
		return
	}
	server, err = deriveKeys(aeadAES128GCM, serverSecret)
	return
}

// updateSecret derives the next-generation traffic secret for a key update,
// RFC 9001 Section 6.1, label "quic ku".
func updateSecret(secret []byte) []byte {
	return hkdfExpandLabel(secret, "quic ku", len(secret))
}

// deriveUpdatedKeys computes a key update generation's AEAD key and IV from
// a ratcheted secret, reusing hpKey unchanged: RFC 9001 Section 6.4, "header
// protection keys are not updated" across key phases.
func deriveUpdatedKeys(algo aeadAlgorithm, secret, hpKey []byte) (keys, error) {
	keyLen, ivLen := keySizeForAlgo(algo)
	rawKey := hkdfExpandLabel(secret, "quic key", keyLen)
	iv := hkdfExpandLabel(secret, "quic iv", ivLen)
	aead, err := newAEAD(algo, rawKey)
	if err != nil {
		return keys{}, err
	}
	return keys{algo: algo, aead: aead, iv: iv, hpKey: hpKey, set: true}, nil
}

// nonce computes the per-packet AEAD nonce: IV XOR left-padded packet number.
func nonce(iv []byte, pnum packetNumber) []byte {
	n := append([]byte(nil), iv...)
	for i := 0; i < 8; i++ {
		n[len(n)-1-i] ^= byte(pnum >> (8 * i))
	}
	return n
}

// headerProtectionMask applies the HP cipher to the 16-byte sample and
// returns a 5-byte mask, RFC 9001 Section 5.4.
func headerProtectionMask(algo aeadAlgorithm, hpKey, sample []byte) ([]byte, error) {
	if len(sample) < 16 {
		return nil, fmt.Errorf("quic: header protection sample too short")
	}
	sample = sample[:16]
	switch algo {
	case aeadAES128GCM, aeadAES256GCM:
		block, err := aes.NewCipher(hpKey)
		if err != nil {
			return nil, err
		}
		mask := make([]byte, 16)
		block.Encrypt(mask, sample)
		return mask[:5], nil
	case aeadChaCha20Poly1305:
		var counter uint32 = uint32(sample[0]) | uint32(sample[1])<<8 | uint32(sample[2])<<16 | uint32(sample[3])<<24
		nonceBytes := sample[4:16]
		c, err := chacha20.NewUnauthenticatedCipher(hpKey, nonceBytes)
		if err != nil {
			return nil, err
		}
		c.SetCounter(counter)
		mask := make([]byte, 5)
		c.XORKeyStream(mask, mask)
		return mask, nil
	default:
		return nil, fmt.Errorf("quic: unknown HP algorithm %d", algo)
	}
}
