// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// MempoolChecker answers whether a fully signed transaction would be
// accepted by the mempool.
type MempoolChecker interface {
	CanBroadcast(tx *wire.MsgTx) (bool, error)
}

// OwnershipChecker answers whether an output script belongs to the
// receiver's wallet.
type OwnershipChecker interface {
	IsMine(pkScript []byte) (bool, error)
}

// SeenInputChecker answers whether an outpoint was offered in an earlier
// proposal. Implementations are expected to remember every outpoint they
// are asked about. Inputs are checked in order and the check stops at the
// first seen one, so a refused proposal leaves its earlier inputs
// recorded and a later proposal reusing any of them is refused as well.
type SeenInputChecker interface {
	SeenBefore(op wire.OutPoint) (bool, error)
}

// UTXOLocker reserves the receiver's contributed coins so they are not
// offered to another session while the payjoin is pending.
type UTXOLocker interface {
	LockUnspent(ops []wire.OutPoint) error
	UnlockUnspent(ops []wire.OutPoint) error
}

// Signer signs and finalizes every input of a PSBT the wallet owns.
type Signer interface {
	SignPsbt(packet *psbt.Packet) (*psbt.Packet, error)
}

// Wallet is the full-node wallet the receiver drives.
type Wallet interface {
	MempoolChecker
	OwnershipChecker
	Signer

	// NewReceiveAddress returns a fresh address to be paid to.
	NewReceiveAddress() (btcutil.Address, error)

	// ListUnspent returns the coins the receiver may contribute.
	ListUnspent() ([]CandidateInput, error)
}

// MempoolCheckerFunc adapts a function to a MempoolChecker.
type MempoolCheckerFunc func(tx *wire.MsgTx) (bool, error)

// CanBroadcast calls f(tx).
func (f MempoolCheckerFunc) CanBroadcast(tx *wire.MsgTx) (bool, error) {
	return f(tx)
}

// OwnershipCheckerFunc adapts a function to an OwnershipChecker.
type OwnershipCheckerFunc func(pkScript []byte) (bool, error)

// IsMine calls f(pkScript).
func (f OwnershipCheckerFunc) IsMine(pkScript []byte) (bool, error) {
	return f(pkScript)
}

// SeenInputCheckerFunc adapts a function to a SeenInputChecker.
type SeenInputCheckerFunc func(op wire.OutPoint) (bool, error)

// SeenBefore calls f(op).
func (f SeenInputCheckerFunc) SeenBefore(op wire.OutPoint) (bool, error) {
	return f(op)
}

// SignerFunc adapts a function to a Signer.
type SignerFunc func(packet *psbt.Packet) (*psbt.Packet, error)

// SignPsbt calls f(packet).
func (f SignerFunc) SignPsbt(packet *psbt.Packet) (*psbt.Packet, error) {
	return f(packet)
}

// CandidateInput is one of the receiver's spendable coins.
type CandidateInput struct {
	Amount   btcutil.Amount
	OutPoint wire.OutPoint
	PkScript []byte
}

// TxOut returns the output the candidate spends.
func (c CandidateInput) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(c.Amount), c.PkScript)
}
