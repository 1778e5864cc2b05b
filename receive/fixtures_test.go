// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"bytes"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcpayjoin/pkg/unit"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const (
	// Amounts of the default original: one sender coin paying the
	// receiver and returning change, with a 1000 sat fee.
	senderCoin    = 100_000
	paymentAmount = 40_000
	changeAmount  = 59_000
)

// testWallet holds keys and scripts of both parties.
type testWallet struct {
	senderScript   []byte
	receiverScript []byte
	receiverAddr   btcutil.Address
}

func newTestWallet(t *testing.T) *testWallet {
	t.Helper()

	return &testWallet{
		senderScript:   p2wpkhScript(t),
		receiverScript: p2wpkhScript(t),
		receiverAddr:   p2wpkhAddress(t),
	}
}

func p2wpkhAddress(t *testing.T) btcutil.Address {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return addr
}

func p2wpkhScript(t *testing.T) []byte {
	t.Helper()

	script, err := txscript.PayToAddrScript(p2wpkhAddress(t))
	require.NoError(t, err)

	return script
}

func p2pkhScript(t *testing.T) []byte {
	t.Helper()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return script
}

// fakeWitness is a serialized witness the size of a P2WPKH spend.
func fakeWitness(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, wire.WriteVarInt(&buf, 0, 2))
	require.NoError(t, wire.WriteVarBytes(&buf, 0, make([]byte, 72)))
	require.NoError(t, wire.WriteVarBytes(&buf, 0, make([]byte, 33)))

	return buf.Bytes()
}

func testOutPoint(b byte, index uint32) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{b}, Index: index}
}

// spend is an input of a test original.
type spend struct {
	outPoint wire.OutPoint
	value    int64
	pkScript []byte
}

// buildOriginal returns a signed original spending ins to outs.
func buildOriginal(t *testing.T, ins []spend, outs []*wire.TxOut) *psbt.Packet {
	t.Helper()

	tx := wire.NewMsgTx(2)
	for i := range ins {
		txIn := wire.NewTxIn(&ins[i].outPoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum - 2
		tx.AddTxIn(txIn)
	}
	for _, out := range outs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	for i, in := range ins {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(in.value, in.pkScript)
		packet.Inputs[i].FinalScriptWitness = fakeWitness(t)
	}

	return packet
}

// defaultOriginal pays paymentAmount to the receiver from one sender coin.
func (w *testWallet) defaultOriginal(t *testing.T) *psbt.Packet {
	t.Helper()

	return buildOriginal(t,
		[]spend{{testOutPoint(1, 0), senderCoin, w.senderScript}},
		[]*wire.TxOut{
			wire.NewTxOut(paymentAmount, w.receiverScript),
			wire.NewTxOut(changeAmount, w.senderScript),
		},
	)
}

// payload encodes an original the way a sender posts it.
func payload(t *testing.T, packet *psbt.Packet, query string) []byte {
	t.Helper()

	b64, err := packet.B64Encode()
	require.NoError(t, err)

	return []byte(b64 + "\n" + query)
}

// isMine reports receiver ownership for the test wallet.
func (w *testWallet) isMine(pkScript []byte) (bool, error) {
	return bytes.Equal(pkScript, w.receiverScript), nil
}

// candidate returns a receiver coin.
func (w *testWallet) candidate(b byte, amount btcutil.Amount) CandidateInput {
	return CandidateInput{
		Amount:   amount,
		OutPoint: testOutPoint(b, 0),
		PkScript: w.receiverScript,
	}
}

// sign finalizes every receiver input.
func (w *testWallet) sign(t *testing.T) SignerFunc {
	return func(packet *psbt.Packet) (*psbt.Packet, error) {
		for i := range packet.Inputs {
			utxo := packet.Inputs[i].WitnessUtxo
			if utxo != nil && bytes.Equal(utxo.PkScript,
				w.receiverScript) {

				packet.Inputs[i].FinalScriptWitness = fakeWitness(t)
			}
		}
		return packet, nil
	}
}

// newTestSession returns an enrolled session on dir.
func newTestSession(t *testing.T, dir *fakeDirectory,
	w *testWallet) *Session {

	t.Helper()

	s, err := NewSession(SessionConfig{
		Address:   w.receiverAddr,
		Directory: testDirectory,
		Relay:     testRelay,
		Keys:      dir.keys(),
	})
	require.NoError(t, err)

	proposal, err := dir.roundTrip(s)
	require.NoError(t, err)
	require.Nil(t, proposal)
	require.Equal(t, StatePolling, s.State())

	return s
}

// receiveProposal delivers an original to a fresh session and returns it
// unchecked.
func receiveProposal(t *testing.T, w *testWallet, packet *psbt.Packet,
	query string) *UncheckedProposal {

	t.Helper()

	dir := newFakeDirectory(t)
	s := newTestSession(t, dir, w)
	dir.postOriginal(s, payload(t, packet, query))

	proposal, err := dir.roundTrip(s)
	require.NoError(t, err)
	require.NotNil(t, proposal)

	return proposal
}

// provisional runs an original through every check.
func provisional(t *testing.T, w *testWallet, packet *psbt.Packet,
	query string) *ProvisionalProposal {

	t.Helper()

	return checkProposal(t, w, receiveProposal(t, w, packet, query))
}

// checkProposal runs an unchecked proposal through every check.
func checkProposal(t *testing.T, w *testWallet,
	unchecked *UncheckedProposal) *ProvisionalProposal {

	t.Helper()

	always := MempoolCheckerFunc(func(*wire.MsgTx) (bool, error) {
		return true, nil
	})
	never := SeenInputCheckerFunc(func(wire.OutPoint) (bool, error) {
		return false, nil
	})

	owned, err := unchecked.CheckBroadcastSuitability(noRate(), always)
	require.NoError(t, err)
	mixed, err := owned.CheckInputsNotOwned(OwnershipCheckerFunc(w.isMine))
	require.NoError(t, err)
	seen, err := mixed.CheckNoMixedInputScripts()
	require.NoError(t, err)
	outputs, err := seen.CheckNoInputsSeenBefore(never)
	require.NoError(t, err)
	pp, err := outputs.IdentifyReceiverOutputs(
		OwnershipCheckerFunc(w.isMine),
	)
	require.NoError(t, err)

	return pp
}

// decodeProposal parses a base64 PSBT sent to the sender.
func decodeProposal(t *testing.T, b64 []byte) *psbt.Packet {
	t.Helper()

	packet, err := psbt.NewFromRawBytes(
		strings.NewReader(string(b64)), true,
	)
	require.NoError(t, err)

	return packet
}

func noRate() fn.Option[unit.SatPerVByte] {
	return fn.None[unit.SatPerVByte]()
}

func satPerVByte(r int64) fn.Option[unit.SatPerVByte] {
	return fn.Some(unit.NewSatPerVByte(btcutil.Amount(r), 1))
}
