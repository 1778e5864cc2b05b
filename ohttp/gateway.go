// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ohttp

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

// Gateway holds a private key and decapsulates requests sent to it. The
// payjoin directory plays this role; the type is mostly useful to tests and
// local tooling.
type Gateway struct {
	config *KeyConfig

	// Exactly one of sk and secpKey is set, depending on the KEM.
	sk      kem.PrivateKey
	secpKey *btcec.PrivateKey
}

// NewGateway creates a gateway with a fresh X25519 key pair.
func NewGateway(keyID uint8) (*Gateway, error) {
	return NewGatewayForKEM(keyID, hpke.KEM_X25519_HKDF_SHA256)
}

// NewGatewayForKEM creates a gateway with a fresh key pair of the given KEM.
func NewGatewayForKEM(keyID uint8, kemID hpke.KEM) (*Gateway, error) {
	g := &Gateway{
		config: &KeyConfig{
			KeyID: keyID,
			KEM:   kemID,
			Suites: []Suite{
				{
					KDF:  hpke.KDF_HKDF_SHA256,
					AEAD: hpke.AEAD_ChaCha20Poly1305,
				},
				{
					KDF:  hpke.KDF_HKDF_SHA256,
					AEAD: hpke.AEAD_AES128GCM,
				},
			},
		},
	}

	switch {
	case kemID == KEMSecp256k1:
		sk, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}
		g.secpKey = sk
		g.config.PublicKey = sk.PubKey().SerializeUncompressed()

	case kemID.IsValid():
		pk, sk, err := kemID.Scheme().GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		pkBytes, err := pk.MarshalBinary()
		if err != nil {
			return nil, err
		}
		g.sk = sk
		g.config.PublicKey = pkBytes

	default:
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnsupportedKEM,
			uint16(kemID))
	}

	return g, nil
}

// setupReceiver sets up the HPKE base mode receiver for enc.
func (g *Gateway) setupReceiver(suite Suite, enc, info []byte) (opener,
	error) {

	if g.secpKey != nil {
		shared, err := secp256k1Decap(enc, g.secpKey)
		if err != nil {
			return nil, err
		}

		ctx, err := newHPKEContext(g.config.KEM, suite, shared, info)
		if err != nil {
			return nil, err
		}

		return ctx, nil
	}

	receiver, err := hpke.NewSuite(
		g.config.KEM, suite.KDF, suite.AEAD,
	).NewReceiver(g.sk, info)
	if err != nil {
		return nil, err
	}
	o, err := receiver.Setup(enc)
	if err != nil {
		return nil, err
	}

	return o, nil
}

// Config returns the public key configuration clients encapsulate to.
func (g *Gateway) Config() *KeyConfig {
	return g.config
}

// ServerContext is the gateway state needed to answer one request.
type ServerContext struct {
	suite  Suite
	enc    []byte
	secret exporter
	used   bool
}

// DecapsulateRequest opens an encapsulated request.
func (g *Gateway) DecapsulateRequest(encRequest []byte) ([]byte,
	*ServerContext, error) {

	if len(encRequest) < 7 {
		return nil, nil, fmt.Errorf("%w: short header",
			ErrMalformedMessage)
	}

	hdr := encRequest[:7]
	suite := Suite{
		KDF:  hpke.KDF(uint16(hdr[3])<<8 | uint16(hdr[4])),
		AEAD: hpke.AEAD(uint16(hdr[5])<<8 | uint16(hdr[6])),
	}
	if !bytes.Equal(hdr, g.config.header(suite)) || !suite.supported() {
		return nil, nil, fmt.Errorf("%w: unknown key or suite",
			ErrMalformedMessage)
	}

	encLen := kemEncSize(g.config.KEM)
	if len(encRequest) < 7+encLen {
		return nil, nil, fmt.Errorf("%w: short encapsulated key",
			ErrMalformedMessage)
	}
	enc := encRequest[7 : 7+encLen]

	info := append([]byte(requestLabel), 0)
	info = append(info, hdr...)

	ctx, err := g.setupReceiver(suite, enc, info)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	pt, err := ctx.Open(encRequest[7+encLen:], nil)
	if err != nil {
		return nil, nil, ErrDecrypt
	}

	return pt, &ServerContext{
		suite:  suite,
		enc:    append([]byte(nil), enc...),
		secret: ctx,
	}, nil
}

// EncapsulateResponse encrypts a binary HTTP response for the client that
// sent the request this context was created from.
func (s *ServerContext) EncapsulateResponse(response []byte) ([]byte, error) {
	if s.used {
		return nil, ErrContextUsed
	}
	s.used = true

	params := aeadSizes[s.suite.AEAD]
	responseNonce := make([]byte, max(params.keySize, params.nonceSize))
	if _, err := io.ReadFull(rand.Reader, responseNonce); err != nil {
		return nil, err
	}

	aead, err := responseAEAD(s.suite, s.secret, s.enc, responseNonce)
	if err != nil {
		return nil, err
	}

	return aead.Seal(responseNonce, aead.nonce, response, nil), nil
}
