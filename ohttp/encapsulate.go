// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ohttp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/hpke"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	requestLabel  = "message/bhttp request"
	responseLabel = "message/bhttp response"
)

var (
	// ErrContextUsed is returned when a ClientContext or ServerContext is
	// asked to process a second message.
	ErrContextUsed = errors.New("ohttp context already used")

	// ErrMalformedMessage is returned for encapsulated messages that are
	// too short or whose header does not match the key configuration.
	ErrMalformedMessage = errors.New("malformed ohttp message")

	// ErrDecrypt is returned when an encapsulated message fails
	// authentication.
	ErrDecrypt = errors.New("ohttp decryption failed")
)

// exporter is the part of an HPKE context used to derive the response key.
type exporter interface {
	Export(exporterContext []byte, length uint) []byte
}

// sealer is the sending half of an HPKE context.
type sealer interface {
	exporter
	Seal(pt, aad []byte) ([]byte, error)
}

// opener is the receiving half of an HPKE context.
type opener interface {
	exporter
	Open(ct, aad []byte) ([]byte, error)
}

// setupSender sets up an HPKE base mode sender to the key in cfg.
func setupSender(cfg *KeyConfig, suite Suite, info []byte,
	rnd io.Reader) ([]byte, sealer, error) {

	if cfg.KEM == KEMSecp256k1 {
		pkR, err := parseSecp256k1PublicKey(cfg.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v",
				ErrMalformedKeyConfig, err)
		}
		enc, shared, err := secp256k1Encap(pkR, rnd)
		if err != nil {
			return nil, nil, err
		}
		ctx, err := newHPKEContext(cfg.KEM, suite, shared, info)
		if err != nil {
			return nil, nil, err
		}

		return enc, ctx, nil
	}

	pk, err := cfg.KEM.Scheme().UnmarshalBinaryPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedKeyConfig, err)
	}
	sender, err := hpke.NewSuite(cfg.KEM, suite.KDF, suite.AEAD).NewSender(
		pk, info,
	)
	if err != nil {
		return nil, nil, err
	}
	enc, s, err := sender.Setup(rnd)
	if err != nil {
		return nil, nil, err
	}

	return enc, s, nil
}

// ClientContext is the state a client keeps between sending an encapsulated
// request and reading its response. It opens exactly one response.
type ClientContext struct {
	suite  Suite
	enc    []byte
	secret exporter
	used   bool
}

// EncapsulateRequest encrypts a binary HTTP request to the gateway key in cfg.
func EncapsulateRequest(cfg *KeyConfig, request []byte) ([]byte,
	*ClientContext, error) {

	return encapsulateRequest(cfg, request, rand.Reader)
}

func encapsulateRequest(cfg *KeyConfig, request []byte,
	rnd io.Reader) ([]byte, *ClientContext, error) {

	suite, err := cfg.preferredSuite()
	if err != nil {
		return nil, nil, err
	}

	hdr := cfg.header(suite)
	info := append([]byte(requestLabel), 0)
	info = append(info, hdr...)

	enc, sealer, err := setupSender(cfg, suite, info, rnd)
	if err != nil {
		return nil, nil, err
	}
	ct, err := sealer.Seal(request, nil)
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, 0, len(hdr)+len(enc)+len(ct))
	out = append(out, hdr...)
	out = append(out, enc...)
	out = append(out, ct...)

	ctx := &ClientContext{
		suite:  suite,
		enc:    enc,
		secret: sealer,
	}

	return out, ctx, nil
}

// DecapsulateResponse opens the gateway's encapsulated response. A context
// can only be used once.
func (c *ClientContext) DecapsulateResponse(encResponse []byte) ([]byte,
	error) {

	if c.used {
		return nil, ErrContextUsed
	}
	c.used = true

	params := aeadSizes[c.suite.AEAD]
	nonceLen := max(params.keySize, params.nonceSize)
	if len(encResponse) < nonceLen {
		return nil, fmt.Errorf("%w: response of %d bytes",
			ErrMalformedMessage, len(encResponse))
	}

	aead, err := responseAEAD(
		c.suite, c.secret, c.enc, encResponse[:nonceLen],
	)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, aead.nonce, encResponse[nonceLen:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	return pt, nil
}

// keyedAEAD is an AEAD together with the single nonce it may be used with.
type keyedAEAD struct {
	cipher.AEAD
	nonce []byte
}

// responseAEAD derives the response key and nonce as described in RFC 9458
// section 4.4.
func responseAEAD(suite Suite, ctx exporter, enc,
	responseNonce []byte) (*keyedAEAD, error) {

	params := aeadSizes[suite.AEAD]
	secretLen := max(params.keySize, params.nonceSize)
	secret := ctx.Export([]byte(responseLabel), uint(secretLen))

	salt := make([]byte, 0, len(enc)+len(responseNonce))
	salt = append(salt, enc...)
	salt = append(salt, responseNonce...)

	hashFn := kdfHashes[suite.KDF]
	prk := hkdf.Extract(hashFn, secret, salt)

	key := make([]byte, params.keySize)
	if _, err := io.ReadFull(
		hkdf.Expand(hashFn, prk, []byte("key")), key,
	); err != nil {
		return nil, err
	}
	nonce := make([]byte, params.nonceSize)
	if _, err := io.ReadFull(
		hkdf.Expand(hashFn, prk, []byte("nonce")), nonce,
	); err != nil {
		return nil, err
	}

	aead, err := newAEAD(suite.AEAD, key)
	if err != nil {
		return nil, err
	}

	return &keyedAEAD{AEAD: aead, nonce: nonce}, nil
}

// newAEAD creates the AEAD identified by id keyed with key.
func newAEAD(id hpke.AEAD, key []byte) (cipher.AEAD, error) {
	switch id {
	case hpke.AEAD_ChaCha20Poly1305:
		return chacha20poly1305.New(key)

	case hpke.AEAD_AES128GCM, hpke.AEAD_AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)

	default:
		return nil, ErrNoSupportedSuite
	}
}
