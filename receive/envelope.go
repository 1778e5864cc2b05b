// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcpayjoin/internal/zero"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

// paddedMessageBytes is the plaintext size of every mailbox message. All
// messages are padded to it so the directory learns nothing from their
// length.
const paddedMessageBytes = 7168

// envelopeOverhead is the size of the cleartext ephemeral key and nonce
// that precede the ciphertext.
const envelopeOverhead = btcec.PubKeyBytesLenCompressed +
	chacha20poly1305.NonceSize

var (
	// ErrPayloadTooLarge is returned when a message does not fit the
	// padded size.
	ErrPayloadTooLarge = errors.New("payload exceeds padded message size")

	// ErrMalformedEnvelope is returned when a mailbox message cannot be
	// decoded or decrypted.
	ErrMalformedEnvelope = errors.New("malformed mailbox message")
)

// sharedSecret returns the SHA-256 of the compressed ECDH point priv*pub.
func sharedSecret(priv *btcec.PrivateKey, pub *btcec.PublicKey) [32]byte {
	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()

	shared := secp256k1.NewPublicKey(&result.X, &result.Y)
	return sha256.Sum256(shared.SerializeCompressed())
}

// seal encrypts msg to pub under a fresh ephemeral key. The result is laid
// out as ephemeral key, nonce, ciphertext, with the ephemeral key as
// associated data.
func seal(msg []byte, pub *btcec.PublicKey) ([]byte, *btcec.PrivateKey,
	error) {

	if len(msg) > paddedMessageBytes {
		return nil, nil, ErrPayloadTooLarge
	}

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	key := sharedSecret(ephemeral, pub)
	aead, err := chacha20poly1305.New(key[:])
	zero.Bytea32(&key)
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, envelopeOverhead, envelopeOverhead+
		paddedMessageBytes+chacha20poly1305.Overhead)
	copy(out, ephemeral.PubKey().SerializeCompressed())
	nonce := out[btcec.PubKeyBytesLenCompressed:envelopeOverhead]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}

	padded := make([]byte, paddedMessageBytes)
	copy(padded, msg)
	aad := out[:btcec.PubKeyBytesLenCompressed]

	return aead.Seal(out, nonce, padded, aad), ephemeral, nil
}

// open decrypts a message sealed to priv. It returns the plaintext with
// padding removed and the sender's ephemeral key.
func open(msg []byte, priv *btcec.PrivateKey) ([]byte, *btcec.PublicKey,
	error) {

	if len(msg) < envelopeOverhead+chacha20poly1305.Overhead {
		return nil, nil, ErrMalformedEnvelope
	}

	aad := msg[:btcec.PubKeyBytesLenCompressed]
	ephemeral, err := btcec.ParsePubKey(aad)
	if err != nil {
		return nil, nil, ErrMalformedEnvelope
	}
	key := sharedSecret(priv, ephemeral)
	aead, err := chacha20poly1305.New(key[:])
	zero.Bytea32(&key)
	if err != nil {
		return nil, nil, err
	}

	nonce := msg[btcec.PubKeyBytesLenCompressed:envelopeOverhead]
	plaintext, err := aead.Open(nil, nonce, msg[envelopeOverhead:], aad)
	if err != nil {
		return nil, nil, ErrMalformedEnvelope
	}

	return bytes.TrimRight(plaintext, "\x00"), ephemeral, nil
}

// encryptMessageA seals a sender's original proposal to the receiver's
// session key. The returned key is the sender's reply key.
func encryptMessageA(msg []byte, receiver *btcec.PublicKey) ([]byte,
	*btcec.PrivateKey, error) {

	return seal(msg, receiver)
}

// decryptMessageA opens an original proposal and returns it along with the
// key the reply must be sealed to.
func decryptMessageA(msgA []byte, session *btcec.PrivateKey) ([]byte,
	*btcec.PublicKey, error) {

	return open(msgA, session)
}

// encryptMessageB seals the payjoin proposal to the sender's reply key.
func encryptMessageB(msg []byte, reply *btcec.PublicKey) ([]byte, error) {
	b, _, err := seal(msg, reply)
	return b, err
}

// decryptMessageB opens a payjoin proposal with the sender's reply key.
func decryptMessageB(msgB []byte, reply *btcec.PrivateKey) ([]byte, error) {
	b, _, err := open(msgB, reply)
	return b, err
}
