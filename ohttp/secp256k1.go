// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ohttp

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cloudflare/circl/hpke"
	"golang.org/x/crypto/hkdf"
)

// KEMSecp256k1 is DHKEM(secp256k1, HKDF-SHA256). Payjoin directories publish
// their gateway keys with it. HPKE libraries rarely ship it, so the KEM and
// the base mode key schedule on top of it live here.
const KEMSecp256k1 hpke.KEM = 0x0016

const (
	// secp256k1PublicKeySize is the size of an uncompressed public key,
	// which is both Npk and Nenc of the KEM.
	secp256k1PublicKeySize = 65

	// secp256k1SecretSize is Nsecret of the KEM.
	secp256k1SecretSize = 32

	hpkeVersionLabel = "HPKE-v1"

	// modeBase is the only HPKE mode OHTTP uses.
	modeBase = 0x00
)

// secp256k1KEMSuiteID is the suite_id used inside the KEM.
var secp256k1KEMSuiteID = []byte{'K', 'E', 'M', 0x00, 0x16}

// kemPublicKeySize returns the encoded public key size of k and whether the
// KEM is supported at all.
func kemPublicKeySize(k hpke.KEM) (int, bool) {
	switch {
	case k == KEMSecp256k1:
		return secp256k1PublicKeySize, true

	case k.IsValid():
		return k.Scheme().PublicKeySize(), true

	default:
		return 0, false
	}
}

// kemEncSize returns the size of the encapsulated key of k.
func kemEncSize(k hpke.KEM) int {
	if k == KEMSecp256k1 {
		return secp256k1PublicKeySize
	}

	return k.Scheme().CiphertextSize()
}

// checkPublicKey verifies pk is a valid public key for k.
func checkPublicKey(k hpke.KEM, pk []byte) error {
	if k == KEMSecp256k1 {
		_, err := parseSecp256k1PublicKey(pk)
		return err
	}

	_, err := k.Scheme().UnmarshalBinaryPublicKey(pk)
	return err
}

// parseSecp256k1PublicKey parses an uncompressed SEC1 public key.
func parseSecp256k1PublicKey(b []byte) (*btcec.PublicKey, error) {
	if len(b) != secp256k1PublicKeySize || b[0] != 0x04 {
		return nil, errors.New("secp256k1 key must be 65 byte " +
			"uncompressed")
	}

	return btcec.ParsePubKey(b)
}

// labeledExtract is LabeledExtract from RFC 9180 section 4.
func labeledExtract(h func() hash.Hash, suiteID, salt []byte, label string,
	ikm []byte) []byte {

	labeled := make([]byte, 0,
		len(hpkeVersionLabel)+len(suiteID)+len(label)+len(ikm))
	labeled = append(labeled, hpkeVersionLabel...)
	labeled = append(labeled, suiteID...)
	labeled = append(labeled, label...)
	labeled = append(labeled, ikm...)

	return hkdf.Extract(h, labeled, salt)
}

// labeledExpand is LabeledExpand from RFC 9180 section 4.
func labeledExpand(h func() hash.Hash, suiteID, prk []byte, label string,
	info []byte, length int) ([]byte, error) {

	labeled := binary.BigEndian.AppendUint16(nil, uint16(length))
	labeled = append(labeled, hpkeVersionLabel...)
	labeled = append(labeled, suiteID...)
	labeled = append(labeled, label...)
	labeled = append(labeled, info...)

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(h, prk, labeled), out); err != nil {
		return nil, err
	}

	return out, nil
}

// secp256k1SharedSecret runs ExtractAndExpand over the x coordinate of the
// ECDH point.
func secp256k1SharedSecret(priv *btcec.PrivateKey, pub *btcec.PublicKey,
	kemContext []byte) ([]byte, error) {

	dh := btcec.GenerateSharedSecret(priv, pub)
	prk := labeledExtract(
		sha256.New, secp256k1KEMSuiteID, nil, "eae_prk", dh,
	)

	return labeledExpand(
		sha256.New, secp256k1KEMSuiteID, prk, "shared_secret",
		kemContext, secp256k1SecretSize,
	)
}

// secp256k1Encap generates an ephemeral key from rnd and returns the
// encapsulated key together with the shared secret.
func secp256k1Encap(pkR *btcec.PublicKey, rnd io.Reader) ([]byte, []byte,
	error) {

	var (
		buf    [32]byte
		scalar btcec.ModNScalar
	)
	for {
		if _, err := io.ReadFull(rnd, buf[:]); err != nil {
			return nil, nil, err
		}
		overflow := scalar.SetBytes(&buf)
		if overflow == 0 && !scalar.IsZero() {
			break
		}
	}
	skE, pkE := btcec.PrivKeyFromBytes(buf[:])
	defer skE.Zero()

	enc := pkE.SerializeUncompressed()
	kemContext := append(
		append([]byte(nil), enc...), pkR.SerializeUncompressed()...,
	)

	shared, err := secp256k1SharedSecret(skE, pkR, kemContext)
	if err != nil {
		return nil, nil, err
	}

	return enc, shared, nil
}

// secp256k1Decap recovers the shared secret from an encapsulated key.
func secp256k1Decap(enc []byte, skR *btcec.PrivateKey) ([]byte, error) {
	pkE, err := parseSecp256k1PublicKey(enc)
	if err != nil {
		return nil, err
	}

	kemContext := append(
		append([]byte(nil), enc...),
		skR.PubKey().SerializeUncompressed()...,
	)

	return secp256k1SharedSecret(skR, pkE, kemContext)
}

// hpkeContext is a base mode HPKE encryption context. It serves as both the
// sender and the receiver side.
type hpkeContext struct {
	kdf            func() hash.Hash
	suiteID        []byte
	aead           cipher.AEAD
	baseNonce      []byte
	exporterSecret []byte
	seq            uint64
}

// newHPKEContext runs the key schedule of RFC 9180 section 5.1 for mode_base.
func newHPKEContext(kemID hpke.KEM, suite Suite, sharedSecret,
	info []byte) (*hpkeContext, error) {

	h, ok := kdfHashes[suite.KDF]
	params, aeadOK := aeadSizes[suite.AEAD]
	if !ok || !aeadOK {
		return nil, ErrNoSupportedSuite
	}

	suiteID := []byte("HPKE")
	suiteID = binary.BigEndian.AppendUint16(suiteID, uint16(kemID))
	suiteID = binary.BigEndian.AppendUint16(suiteID, uint16(suite.KDF))
	suiteID = binary.BigEndian.AppendUint16(suiteID, uint16(suite.AEAD))

	pskIDHash := labeledExtract(h, suiteID, nil, "psk_id_hash", nil)
	infoHash := labeledExtract(h, suiteID, nil, "info_hash", info)

	keySchedule := make([]byte, 0, 1+len(pskIDHash)+len(infoHash))
	keySchedule = append(keySchedule, modeBase)
	keySchedule = append(keySchedule, pskIDHash...)
	keySchedule = append(keySchedule, infoHash...)

	secret := labeledExtract(h, suiteID, sharedSecret, "secret", nil)

	key, err := labeledExpand(
		h, suiteID, secret, "key", keySchedule, params.keySize,
	)
	if err != nil {
		return nil, err
	}
	baseNonce, err := labeledExpand(
		h, suiteID, secret, "base_nonce", keySchedule,
		params.nonceSize,
	)
	if err != nil {
		return nil, err
	}
	exporterSecret, err := labeledExpand(
		h, suiteID, secret, "exp", keySchedule, h().Size(),
	)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(suite.AEAD, key)
	if err != nil {
		return nil, err
	}

	return &hpkeContext{
		kdf:            h,
		suiteID:        suiteID,
		aead:           aead,
		baseNonce:      baseNonce,
		exporterSecret: exporterSecret,
	}, nil
}

// nonce xors the sequence number into the base nonce.
func (c *hpkeContext) nonce() []byte {
	nonce := append([]byte(nil), c.baseNonce...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], c.seq)
	for i := range seq {
		nonce[len(nonce)-8+i] ^= seq[i]
	}

	return nonce
}

// Seal encrypts the next message of the context.
func (c *hpkeContext) Seal(pt, aad []byte) ([]byte, error) {
	ct := c.aead.Seal(nil, c.nonce(), pt, aad)
	c.seq++

	return ct, nil
}

// Open decrypts the next message of the context. The sequence number only
// advances on success.
func (c *hpkeContext) Open(ct, aad []byte) ([]byte, error) {
	pt, err := c.aead.Open(nil, c.nonce(), ct, aad)
	if err != nil {
		return nil, err
	}
	c.seq++

	return pt, nil
}

// Export derives a secret from the context. It panics if length exceeds what
// the KDF can expand to, the same way circl's contexts do.
func (c *hpkeContext) Export(exporterContext []byte, length uint) []byte {
	out, err := labeledExpand(
		c.kdf, c.suiteID, c.exporterSecret, "sec", exporterContext,
		int(length),
	)
	if err != nil {
		panic(fmt.Sprintf("ohttp: export of %d bytes: %v", length, err))
	}

	return out
}
