// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcpayjoin/pkg/unit"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrInputPresent is returned when contributing an outpoint the
	// proposal already spends.
	ErrInputPresent = errors.New("outpoint already spent by proposal")

	// ErrOutputSubstitutionDisabled is returned when the sender forbade
	// changing the receiver's output.
	ErrOutputSubstitutionDisabled = errors.New("output substitution " +
		"disabled by sender")

	// ErrDustOutput is returned when paying fees would leave an output
	// below the dust limit.
	ErrDustOutput = errors.New("output would become dust")

	// ErrSignerAlteredTx is returned when the signer returned a PSBT for
	// a different transaction.
	ErrSignerAlteredTx = errors.New("signer altered the transaction")

	// ErrInputNotSigned is returned when the signer left a contributed
	// input unsigned.
	ErrInputNotSigned = errors.New("contributed input not signed")
)

// markerFlagWeight is the weight of the segwit marker and flag bytes.
const markerFlagWeight = 2

// contribution is a receiver input added to the proposal.
type contribution struct {
	outPoint wire.OutPoint
	weight   unit.WeightUnit
	segwit   bool
}

// ProvisionalProposal is a validated proposal the receiver may contribute
// inputs to before it is signed.
type ProvisionalProposal struct {
	stage

	payjoin     *psbt.Packet
	ownedVouts  []int
	inputType   InputType
	contributed []contribution
}

// OwnedVouts returns the indexes of the outputs paying the receiver.
func (pp *ProvisionalProposal) OwnedVouts() []int {
	return append([]int(nil), pp.ownedVouts...)
}

// Params returns the sender's parameters.
func (pp *ProvisionalProposal) Params() Params {
	return pp.p.params
}

// ContributeWitnessInput adds a receiver coin to the proposal. Its value is
// added to the receiver's output and it is placed at a random position
// among the inputs. Fees are recomputed when the proposal is finalized.
func (pp *ProvisionalProposal) ContributeWitnessInput(txOut *wire.TxOut,
	outPoint wire.OutPoint) error {

	if pp.used {
		return recvError(ErrInvalidState, "cannot contribute input",
			ErrProposalConsumed)
	}

	tx := pp.payjoin.UnsignedTx
	for _, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint == outPoint {
			return recvError(ErrInvalidState,
				"cannot contribute input", fmt.Errorf("%w: %v",
					ErrInputPresent, outPoint))
		}
	}

	t := scriptType(txOut.PkScript, nil)
	if t == InputTypeP2SH && pp.inputType == InputTypeP2SHP2WPKH {
		t = InputTypeP2SHP2WPKH
	}
	if !t.segwit() {
		return recvError(ErrInvalidState, "cannot contribute input",
			fmt.Errorf("%v output is not a witness output", t))
	}
	weight, err := expectedInputWeight(t)
	if err != nil {
		return recvError(ErrInvalidState, "cannot contribute input", err)
	}

	index, err := rand.Int(rand.Reader, big.NewInt(int64(len(tx.TxIn)+1)))
	if err != nil {
		return recvError(ErrImplementation, "cannot contribute input",
			err)
	}
	i := int(index.Int64())

	txIn := wire.NewTxIn(&outPoint, nil, nil)
	txIn.Sequence = tx.TxIn[0].Sequence

	tx.TxIn = append(tx.TxIn[:i], append([]*wire.TxIn{txIn},
		tx.TxIn[i:]...)...)
	pp.payjoin.Inputs = append(pp.payjoin.Inputs[:i], append(
		[]psbt.PInput{{WitnessUtxo: txOut}}, pp.payjoin.Inputs[i:]...,
	)...)
	tx.TxOut[pp.ownedVouts[0]].Value += txOut.Value

	pp.contributed = append(pp.contributed, contribution{
		outPoint: outPoint,
		weight:   weight,
		segwit:   true,
	})

	log.Debugf("Session %s: contributed %v (%v) at input %d",
		pp.p.session.id, outPoint, btcutil.Amount(txOut.Value), i)

	return nil
}

// TrySubstituteReceiverOutput replaces the script of the receiver's output,
// unless the sender disabled output substitution.
func (pp *ProvisionalProposal) TrySubstituteReceiverOutput(
	pkScript []byte) error {

	if pp.used {
		return recvError(ErrInvalidState, "cannot substitute output",
			ErrProposalConsumed)
	}
	if pp.p.params.DisableOutputSubstitution {
		return recvError(ErrInvalidState, "cannot substitute output",
			ErrOutputSubstitutionDisabled)
	}

	vout := pp.ownedVouts[0]
	pp.payjoin.UnsignedTx.TxOut[vout].PkScript = append(
		[]byte(nil), pkScript...,
	)
	pp.payjoin.Outputs[vout] = psbt.POutput{}

	return nil
}

// isContributed reports whether op is a receiver input.
func (pp *ProvisionalProposal) isContributed(op wire.OutPoint) bool {
	for _, c := range pp.contributed {
		if c.outPoint == op {
			return true
		}
	}
	return false
}

// contributedWeight is the weight the receiver's inputs add to the
// original.
func (pp *ProvisionalProposal) contributedWeight() unit.WeightUnit {
	var w unit.WeightUnit
	segwit := false
	for _, c := range pp.contributed {
		w += c.weight
		segwit = segwit || c.segwit
	}
	if segwit && !pp.inputType.segwit() {
		w += markerFlagWeight
	}
	return w
}

// applyFee pays for the contributed inputs at rate. The sender's offered
// contribution is used first and the receiver's output pays the rest. The
// payjoin as a whole is brought up to rate as well.
func (pp *ProvisionalProposal) applyFee(
	rate unit.SatPerVByte) (unit.WeightUnit, error) {

	original, err := psbt.Extract(clonePacket(pp.p.original))
	if err != nil {
		return 0, err
	}
	origWeight := unit.WeightUnit(
		blockchain.GetTransactionWeight(btcutil.NewTx(original)),
	)
	weight := origWeight + pp.contributedWeight()
	if len(pp.contributed) == 0 {
		return weight, nil
	}

	origFee, err := pp.p.original.GetTxFee()
	if err != nil {
		return 0, err
	}

	inputFee := rate.FeeForWeight(pp.contributedWeight())
	extra := max(inputFee, rate.FeeForWeight(weight)-origFee)

	outputs := pp.payjoin.UnsignedTx.TxOut
	var senderPays btcutil.Amount
	pp.p.params.AdditionalFeeContribution.WhenSome(func(c FeeContribution) {
		if c.OutputIndex >= len(outputs) || pp.owns(c.OutputIndex) {
			log.Warnf("Ignoring fee contribution from output %d",
				c.OutputIndex)
			return
		}
		senderPays = min(inputFee, c.MaxAmount)
	})

	if senderPays > 0 {
		c, _ := someValue(pp.p.params.AdditionalFeeContribution)
		if err := deduct(outputs[c.OutputIndex], senderPays); err != nil {
			return 0, err
		}
	}
	receiverPays := extra - senderPays
	if err := deduct(outputs[pp.ownedVouts[0]], receiverPays); err != nil {
		return 0, err
	}

	log.Debugf("Session %s: added %v fee (sender %v, receiver %v) at %v",
		pp.p.session.id, extra, senderPays, receiverPays, rate)

	return weight, nil
}

// owns reports whether output vout pays the receiver.
func (pp *ProvisionalProposal) owns(vout int) bool {
	for _, v := range pp.ownedVouts {
		if v == vout {
			return true
		}
	}
	return false
}

// deduct takes fee from txOut, refusing to leave dust.
func deduct(txOut *wire.TxOut, fee btcutil.Amount) error {
	if fee <= 0 {
		return nil
	}
	if btcutil.Amount(txOut.Value) <= fee {
		return ErrDustOutput
	}

	reduced := wire.NewTxOut(txOut.Value-int64(fee), txOut.PkScript)
	if txrules.IsDustOutput(reduced, txrules.DefaultRelayFeePerKb) {
		return ErrDustOutput
	}
	txOut.Value = reduced.Value

	return nil
}

// FinalizeProposal pays for the contributed inputs, has the wallet sign
// them and returns the proposal to send back. The fee rate is at least
// minFeeRate and at least the sender's requested minimum.
func (pp *ProvisionalProposal) FinalizeProposal(signer Signer,
	minFeeRate fn.Option[unit.SatPerVByte]) (*PayjoinProposal, error) {

	p, err := pp.take()
	if err != nil {
		return nil, err
	}

	rate := minFeeRate.UnwrapOr(unit.NewSatPerVByte(0, 1))
	if p.params.MinFeeRate.Rat != nil && rate.LessThan(p.params.MinFeeRate) {
		rate = p.params.MinFeeRate
	}

	weight, err := pp.applyFee(rate)
	if err != nil {
		return nil, recvError(ErrSigning, "cannot pay for inputs", err)
	}
	fee, err := packetFee(pp.payjoin)
	if err != nil {
		return nil, recvError(ErrImplementation, "cannot compute fee",
			err)
	}
	finalRate := unit.FeeRateForWeight(fee, weight)
	if finalRate.LessThan(rate) {
		return nil, recvError(ErrSigning, "cannot pay for inputs",
			fmt.Errorf("fee rate %v below %v", finalRate, rate))
	}

	// The sender signs again once the transaction changed.
	var senderInputs []int
	for i, txIn := range pp.payjoin.UnsignedTx.TxIn {
		if pp.isContributed(txIn.PreviousOutPoint) {
			continue
		}
		senderInputs = append(senderInputs, i)

		in := &pp.payjoin.Inputs[i]
		in.FinalScriptSig = nil
		in.FinalScriptWitness = nil
		in.TaprootKeySpendSig = nil
	}

	txHash := pp.payjoin.UnsignedTx.TxHash()
	signed, err := signer.SignPsbt(pp.payjoin)
	if err != nil {
		return nil, recvError(ErrSigning, "wallet cannot sign", err)
	}
	if signed == nil || signed.UnsignedTx.TxHash() != txHash ||
		len(signed.Inputs) != len(pp.payjoin.Inputs) {

		return nil, recvError(ErrSigning, "wallet cannot sign",
			ErrSignerAlteredTx)
	}

	var utxos []wire.OutPoint
	for i, txIn := range signed.UnsignedTx.TxIn {
		if !pp.isContributed(txIn.PreviousOutPoint) {
			continue
		}
		if !isFinalized(&signed.Inputs[i]) {
			if _, err := psbt.MaybeFinalize(signed, i); err != nil {
				return nil, recvError(ErrSigning,
					"wallet cannot sign", fmt.Errorf(
						"%w: %v", ErrInputNotSigned,
						txIn.PreviousOutPoint))
			}
		}
		utxos = append(utxos, txIn.PreviousOutPoint)
	}

	stripPacket(signed, senderInputs)

	log.Infof("Session %s: payjoin proposal ready, fee %v (%v)",
		p.session.id, fee, finalRate)

	return &PayjoinProposal{
		session:    p.session,
		packet:     signed,
		params:     p.params,
		ownedVouts: pp.OwnedVouts(),
		utxos:      utxos,
		fee:        fee,
		feeRate:    finalRate,
	}, nil
}

// isFinalized reports whether an input carries its final scripts.
func isFinalized(in *psbt.PInput) bool {
	return len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0
}

// packetFee is the difference between the spent and created values.
func packetFee(packet *psbt.Packet) (btcutil.Amount, error) {
	var in, out int64
	for i := range packet.Inputs {
		prev, err := prevOutput(packet, i)
		if err != nil {
			return 0, err
		}
		in += prev.Value
	}
	for _, txOut := range packet.UnsignedTx.TxOut {
		out += txOut.Value
	}
	if out > in {
		return 0, fmt.Errorf("outputs %v exceed inputs %v",
			btcutil.Amount(out), btcutil.Amount(in))
	}
	return btcutil.Amount(in - out), nil
}

// stripPacket removes wallet metadata before the PSBT leaves the receiver.
// The sender already knows its own inputs so their data is dropped too.
func stripPacket(packet *psbt.Packet, senderInputs []int) {
	for i := range packet.Outputs {
		out := &packet.Outputs[i]
		out.Bip32Derivation = nil
		out.TaprootBip32Derivation = nil
		out.TaprootInternalKey = nil
	}
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		in.Bip32Derivation = nil
		in.TaprootBip32Derivation = nil
		in.TaprootInternalKey = nil
		in.PartialSigs = nil
	}
	for _, i := range senderInputs {
		in := &packet.Inputs[i]
		in.NonWitnessUtxo = nil
		in.WitnessUtxo = nil
		in.FinalScriptSig = nil
		in.FinalScriptWitness = nil
		in.TaprootKeySpendSig = nil
	}
}

// PayjoinProposal is the signed payjoin ready to be returned to the sender.
type PayjoinProposal struct {
	session    *Session
	packet     *psbt.Packet
	params     Params
	ownedVouts []int
	utxos      []wire.OutPoint
	fee        btcutil.Amount
	feeRate    unit.SatPerVByte
}

// Psbt returns a copy of the proposal as it is sent to the sender.
func (pj *PayjoinProposal) Psbt() *psbt.Packet {
	return clonePacket(pj.packet)
}

// UTXOsToBeLocked returns the receiver coins the proposal spends. They
// should not be spent elsewhere until the payjoin confirms or the original
// is broadcast.
func (pj *PayjoinProposal) UTXOsToBeLocked() []wire.OutPoint {
	return append([]wire.OutPoint(nil), pj.utxos...)
}

// IsOutputSubstitutionDisabled reports whether the sender forbade changing
// the receiver's output.
func (pj *PayjoinProposal) IsOutputSubstitutionDisabled() bool {
	return pj.params.DisableOutputSubstitution
}

// OwnedVouts returns the indexes of the outputs paying the receiver.
func (pj *PayjoinProposal) OwnedVouts() []int {
	return append([]int(nil), pj.ownedVouts...)
}

// Fee returns the absolute fee of the payjoin.
func (pj *PayjoinProposal) Fee() btcutil.Amount { return pj.fee }

// FeeRate returns the fee rate the payjoin pays once the sender re-signs.
func (pj *PayjoinProposal) FeeRate() unit.SatPerVByte { return pj.feeRate }

// ExtractReq builds the request posting the proposal to the sender's
// mailbox.
func (pj *PayjoinProposal) ExtractReq() (*EncryptedRequest, *ResponseContext,
	error) {

	b64, err := pj.packet.B64Encode()
	if err != nil {
		return nil, nil, recvError(ErrImplementation,
			"cannot encode payjoin proposal", err)
	}
	return pj.session.beginSubmit(b64)
}

// ProcessRes handles the directory's answer to the posted proposal. On
// success the returned PSBT is the authoritative payjoin: the receiver's
// inputs are signed and the sender's await its signatures.
func (pj *PayjoinProposal) ProcessRes(body []byte,
	ctx *ResponseContext) (*psbt.Packet, error) {

	if err := pj.session.endSubmit(body, ctx); err != nil {
		return nil, err
	}
	return pj.Psbt(), nil
}
