// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ohttp

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/cloudflare/circl/hpke"
)

const (
	// RequestContentType is the media type of an encapsulated request.
	RequestContentType = "message/ohttp-req"

	// ResponseContentType is the media type of an encapsulated response.
	ResponseContentType = "message/ohttp-res"

	// KeysContentType is the media type a gateway serves its key
	// configurations with.
	KeysContentType = "application/ohttp-keys"
)

var (
	// ErrMalformedKeyConfig is returned when key configuration bytes
	// cannot be decoded.
	ErrMalformedKeyConfig = errors.New("malformed ohttp key config")

	// ErrUnsupportedKEM is returned for a key configuration whose KEM is
	// not known to HPKE.
	ErrUnsupportedKEM = errors.New("unsupported ohttp kem")

	// ErrNoSupportedSuite is returned when none of the symmetric suites
	// offered by a key configuration can be used.
	ErrNoSupportedSuite = errors.New("no supported ohttp symmetric suite")
)

// Suite is a KDF and AEAD pair a gateway accepts for a key.
type Suite struct {
	KDF  hpke.KDF
	AEAD hpke.AEAD
}

// supported reports whether the suite can be used by this package.
func (s Suite) supported() bool {
	_, kdfOK := kdfHashes[s.KDF]
	_, aeadOK := aeadSizes[s.AEAD]
	return kdfOK && aeadOK
}

// aeadParams holds the key and nonce sizes of an AEAD.
type aeadParams struct {
	keySize   int
	nonceSize int
}

// aeadSizes lists the AEADs usable for response encapsulation.
var aeadSizes = map[hpke.AEAD]aeadParams{
	hpke.AEAD_AES128GCM:        {keySize: 16, nonceSize: 12},
	hpke.AEAD_AES256GCM:        {keySize: 32, nonceSize: 12},
	hpke.AEAD_ChaCha20Poly1305: {keySize: 32, nonceSize: 12},
}

// kdfHashes maps each supported KDF to its hash function.
var kdfHashes = map[hpke.KDF]func() hash.Hash{
	hpke.KDF_HKDF_SHA256: sha256.New,
	hpke.KDF_HKDF_SHA384: sha512.New384,
	hpke.KDF_HKDF_SHA512: sha512.New,
}

// KeyConfig is a gateway key configuration as defined in RFC 9458 section 3.
type KeyConfig struct {
	KeyID     uint8
	KEM       hpke.KEM
	PublicKey []byte
	Suites    []Suite
}

// ParseKeyConfig decodes a single key configuration. Trailing bytes are an
// error.
func ParseKeyConfig(b []byte) (*KeyConfig, error) {
	cfg, n, err := decodeKeyConfig(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes",
			ErrMalformedKeyConfig, len(b)-n)
	}

	return cfg, nil
}

// ParseKeyConfigs decodes the application/ohttp-keys format, a sequence of
// key configurations each prefixed with its two byte length. Gateways that
// serve a single bare configuration are accepted as well.
func ParseKeyConfigs(b []byte) ([]*KeyConfig, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedKeyConfig)
	}

	var configs []*KeyConfig
	rest := b
	for len(rest) > 0 {
		if len(rest) < 2 {
			break
		}
		l := int(binary.BigEndian.Uint16(rest))
		if l == 0 || len(rest)-2 < l {
			break
		}
		cfg, err := ParseKeyConfig(rest[2 : 2+l])
		if err != nil {
			break
		}
		configs = append(configs, cfg)
		rest = rest[2+l:]
	}
	if len(rest) == 0 && len(configs) > 0 {
		return configs, nil
	}

	// Not a well formed list, so try the whole thing as one config.
	cfg, err := ParseKeyConfig(b)
	if err != nil {
		return nil, err
	}

	return []*KeyConfig{cfg}, nil
}

// decodeKeyConfig decodes one key configuration from the front of b and
// returns the number of bytes consumed.
func decodeKeyConfig(b []byte) (*KeyConfig, int, error) {
	if len(b) < 3 {
		return nil, 0, fmt.Errorf("%w: short header",
			ErrMalformedKeyConfig)
	}

	cfg := &KeyConfig{
		KeyID: b[0],
		KEM:   hpke.KEM(binary.BigEndian.Uint16(b[1:3])),
	}
	pkLen, ok := kemPublicKeySize(cfg.KEM)
	if !ok {
		return nil, 0, fmt.Errorf("%w: 0x%04x", ErrUnsupportedKEM,
			uint16(cfg.KEM))
	}

	offset := 3
	if len(b)-offset < pkLen+2 {
		return nil, 0, fmt.Errorf("%w: short public key",
			ErrMalformedKeyConfig)
	}
	cfg.PublicKey = append([]byte(nil), b[offset:offset+pkLen]...)
	offset += pkLen

	if err := checkPublicKey(cfg.KEM, cfg.PublicKey); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedKeyConfig, err)
	}

	suitesLen := int(binary.BigEndian.Uint16(b[offset:]))
	offset += 2
	if suitesLen == 0 || suitesLen%4 != 0 || len(b)-offset < suitesLen {
		return nil, 0, fmt.Errorf("%w: bad symmetric suites length %d",
			ErrMalformedKeyConfig, suitesLen)
	}
	for i := 0; i < suitesLen; i += 4 {
		cfg.Suites = append(cfg.Suites, Suite{
			KDF: hpke.KDF(binary.BigEndian.Uint16(b[offset+i:])),
			AEAD: hpke.AEAD(
				binary.BigEndian.Uint16(b[offset+i+2:]),
			),
		})
	}
	offset += suitesLen

	return cfg, offset, nil
}

// MarshalBinary encodes the key configuration.
func (c *KeyConfig) MarshalBinary() ([]byte, error) {
	if len(c.Suites) == 0 {
		return nil, ErrNoSupportedSuite
	}

	b := make([]byte, 0, 3+len(c.PublicKey)+2+4*len(c.Suites))
	b = append(b, c.KeyID)
	b = binary.BigEndian.AppendUint16(b, uint16(c.KEM))
	b = append(b, c.PublicKey...)
	b = binary.BigEndian.AppendUint16(b, uint16(4*len(c.Suites)))
	for _, s := range c.Suites {
		b = binary.BigEndian.AppendUint16(b, uint16(s.KDF))
		b = binary.BigEndian.AppendUint16(b, uint16(s.AEAD))
	}

	return b, nil
}

// MarshalList encodes configurations in the application/ohttp-keys format.
func MarshalList(configs ...*KeyConfig) ([]byte, error) {
	var out []byte
	for _, cfg := range configs {
		b, err := cfg.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(b)))
		out = append(out, b...)
	}

	return out, nil
}

// preferredSuite returns the first suite of the configuration this package
// can use.
func (c *KeyConfig) preferredSuite() (Suite, error) {
	for _, s := range c.Suites {
		if s.supported() {
			return s, nil
		}
	}

	return Suite{}, ErrNoSupportedSuite
}

// header builds the request header that binds a message to a key and suite.
func (c *KeyConfig) header(s Suite) []byte {
	hdr := make([]byte, 0, 7)
	hdr = append(hdr, c.KeyID)
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(c.KEM))
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(s.KDF))
	hdr = binary.BigEndian.AppendUint16(hdr, uint16(s.AEAD))

	return hdr
}
