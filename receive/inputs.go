// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcpayjoin/pkg/unit"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// InputType is the script type of a spent output.
type InputType uint8

// These constants enumerate the script types a proposal may spend.
const (
	InputTypeUnknown InputType = iota
	InputTypeP2PKH
	InputTypeP2SH
	InputTypeP2SHP2WPKH
	InputTypeP2WPKH
	InputTypeP2WSH
	InputTypeP2TR
)

var inputTypeStrings = map[InputType]string{
	InputTypeUnknown:    "unknown",
	InputTypeP2PKH:      "p2pkh",
	InputTypeP2SH:       "p2sh",
	InputTypeP2SHP2WPKH: "p2sh-p2wpkh",
	InputTypeP2WPKH:     "p2wpkh",
	InputTypeP2WSH:      "p2wsh",
	InputTypeP2TR:       "p2tr",
}

func (t InputType) String() string {
	return inputTypeStrings[t]
}

// segwit reports whether spending the type carries a witness.
func (t InputType) segwit() bool {
	switch t {
	case InputTypeP2SHP2WPKH, InputTypeP2WPKH, InputTypeP2WSH,
		InputTypeP2TR:

		return true
	}
	return false
}

// ErrMissingUtxo is returned for inputs without previous output data.
var ErrMissingUtxo = errors.New("input is missing its previous output")

// prevOutput returns the output spent by input i of packet.
func prevOutput(packet *psbt.Packet, i int) (*wire.TxOut, error) {
	pin := packet.Inputs[i]
	txIn := packet.UnsignedTx.TxIn[i]

	switch {
	case pin.WitnessUtxo != nil:
		return pin.WitnessUtxo, nil

	case pin.NonWitnessUtxo != nil:
		prev := txIn.PreviousOutPoint
		if pin.NonWitnessUtxo.TxHash() != prev.Hash ||
			int(prev.Index) >= len(pin.NonWitnessUtxo.TxOut) {

			return nil, fmt.Errorf("input %d: previous "+
				"transaction does not match outpoint", i)
		}
		return pin.NonWitnessUtxo.TxOut[prev.Index], nil

	default:
		return nil, fmt.Errorf("input %d: %w", i, ErrMissingUtxo)
	}
}

// scriptType classifies a spent output script. The redeem script is only
// consulted for P2SH outputs.
func scriptType(pkScript, redeemScript []byte) InputType {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyHashTy:
		return InputTypeP2PKH

	case txscript.ScriptHashTy:
		if txscript.GetScriptClass(redeemScript) ==
			txscript.WitnessV0PubKeyHashTy {

			return InputTypeP2SHP2WPKH
		}
		return InputTypeP2SH

	case txscript.WitnessV0PubKeyHashTy:
		return InputTypeP2WPKH

	case txscript.WitnessV0ScriptHashTy:
		return InputTypeP2WSH

	case txscript.WitnessV1TaprootTy:
		return InputTypeP2TR

	default:
		return InputTypeUnknown
	}
}

// inputType classifies input i of packet.
func inputType(packet *psbt.Packet, i int) (InputType, error) {
	prev, err := prevOutput(packet, i)
	if err != nil {
		return InputTypeUnknown, err
	}

	redeem := packet.Inputs[i].RedeemScript
	if len(redeem) == 0 && len(packet.Inputs[i].FinalScriptSig) > 0 {
		pushes, err := txscript.PushedData(
			packet.Inputs[i].FinalScriptSig,
		)
		if err == nil && len(pushes) > 0 {
			redeem = pushes[len(pushes)-1]
		}
	}

	t := scriptType(prev.PkScript, redeem)
	if t == InputTypeUnknown {
		return t, fmt.Errorf("input %d: unsupported script type", i)
	}
	return t, nil
}

// expectedInputWeight is the weight a signed input of the type adds to a
// transaction. Types whose witness size depends on an unknown script have
// no estimate.
func expectedInputWeight(t InputType) (unit.WeightUnit, error) {
	var size, witness int
	switch t {
	case InputTypeP2PKH:
		size = txsizes.RedeemP2PKHInputSize

	case InputTypeP2SHP2WPKH:
		size = txsizes.RedeemNestedP2WPKHInputSize
		witness = txsizes.RedeemP2WPKHInputWitnessWeight

	case InputTypeP2WPKH:
		size = txsizes.RedeemP2WPKHInputSize
		witness = txsizes.RedeemP2WPKHInputWitnessWeight

	case InputTypeP2TR:
		size = txsizes.RedeemP2TRInputSize
		witness = txsizes.RedeemP2TRInputWitnessWeight

	default:
		return 0, fmt.Errorf("no weight estimate for %v input", t)
	}

	return unit.WeightUnit(size*4 + witness), nil
}
