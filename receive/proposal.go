// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcpayjoin/pkg/unit"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// proposal is the state shared by every validation stage.
type proposal struct {
	session  *Session
	original *psbt.Packet
	params   Params
}

// stage guards a validation step so it can be performed only once.
type stage struct {
	p    *proposal
	used bool
}

func (s *stage) take() (*proposal, error) {
	if s.used {
		return nil, recvError(ErrInvalidState, "cannot advance proposal",
			ErrProposalConsumed)
	}
	s.used = true
	return s.p, nil
}

// parseOriginal decodes a "base64 psbt \n query" payload.
func parseOriginal(s *Session, payload []byte) (*UncheckedProposal, error) {
	body, query, _ := strings.Cut(string(payload), "\n")

	packet, err := psbt.NewFromRawBytes(
		strings.NewReader(strings.TrimSpace(body)), true,
	)
	if err != nil {
		return nil, fmt.Errorf("invalid psbt: %w", err)
	}
	if err := packet.SanityCheck(); err != nil {
		return nil, fmt.Errorf("invalid psbt: %w", err)
	}
	if len(packet.UnsignedTx.TxIn) == 0 || len(packet.UnsignedTx.TxOut) == 0 {
		return nil, errors.New("original has no inputs or outputs")
	}
	for i := range packet.Inputs {
		if _, err := prevOutput(packet, i); err != nil {
			return nil, err
		}
	}

	params, err := parseParams(strings.TrimSpace(query))
	if err != nil {
		return nil, err
	}

	log.Tracef("Original proposal: %v", newLogClosure(func() string {
		return spew.Sdump(packet.UnsignedTx)
	}))

	return &UncheckedProposal{
		stage: stage{p: &proposal{
			session:  s,
			original: packet,
			params:   params,
		}},
	}, nil
}

// UncheckedProposal is an original proposal as received from the
// directory. No check has been performed on it yet.
type UncheckedProposal struct {
	stage
}

// Params returns the sender's parameters.
func (u *UncheckedProposal) Params() Params {
	return u.p.params
}

// ExtractTxToScheduleBroadcast returns the signed original transaction. A
// receiver that processes payments unattended should broadcast it if the
// payjoin never completes.
func (u *UncheckedProposal) ExtractTxToScheduleBroadcast() (*wire.MsgTx,
	error) {

	tx, err := psbt.Extract(clonePacket(u.p.original))
	if err != nil {
		return nil, recvError(ErrValidationRejected,
			"original is not fully signed", err)
	}
	return tx, nil
}

// CheckBroadcastSuitability checks the original would be accepted by the
// mempool and pays at least minFeeRate. Passing None skips the fee rate
// check.
func (u *UncheckedProposal) CheckBroadcastSuitability(
	minFeeRate fn.Option[unit.SatPerVByte],
	checker MempoolChecker) (*MaybeInputsOwned, error) {

	p, err := u.take()
	if err != nil {
		return nil, err
	}

	tx, err := psbt.Extract(clonePacket(p.original))
	if err != nil {
		return nil, rejectError(StageBroadcastSuitability,
			fmt.Errorf("%w: %v", ErrOriginalNotBroadcastable, err))
	}

	if minRate, ok := someValue(minFeeRate); ok {
		rate, err := originalFeeRate(p.original, tx)
		if err != nil {
			return nil, rejectError(StageBroadcastSuitability, err)
		}
		if rate.LessThan(minRate) {
			return nil, rejectError(StageBroadcastSuitability,
				fmt.Errorf("%w: %v < %v", ErrFeeRateBelowMinimum,
					rate, minRate))
		}
	}

	ok, err := checker.CanBroadcast(tx)
	if err != nil {
		return nil, recvError(ErrImplementation,
			"cannot check mempool acceptance", err)
	}
	if !ok {
		return nil, rejectError(StageBroadcastSuitability,
			ErrOriginalNotBroadcastable)
	}

	return &MaybeInputsOwned{stage{p: p}}, nil
}

// originalFeeRate returns the fee rate the signed original pays.
func originalFeeRate(packet *psbt.Packet,
	tx *wire.MsgTx) (unit.SatPerVByte, error) {

	fee, err := packet.GetTxFee()
	if err != nil {
		return unit.SatPerVByte{}, err
	}
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))

	return unit.FeeRateForWeight(fee, unit.WeightUnit(weight)), nil
}

// MaybeInputsOwned is a broadcastable proposal whose inputs may belong to
// the receiver.
type MaybeInputsOwned struct {
	stage
}

// CheckInputsNotOwned rejects proposals spending the receiver's own coins,
// which would let a sender learn what the receiver's wallet holds.
func (m *MaybeInputsOwned) CheckInputsNotOwned(
	checker OwnershipChecker) (*MaybeMixedInputScripts, error) {

	p, err := m.take()
	if err != nil {
		return nil, err
	}

	for i := range p.original.Inputs {
		prev, err := prevOutput(p.original, i)
		if err != nil {
			return nil, rejectError(StageInputsNotOwned, err)
		}
		mine, err := checker.IsMine(prev.PkScript)
		if err != nil {
			return nil, recvError(ErrImplementation,
				"cannot check input ownership", err)
		}
		if mine {
			return nil, rejectError(StageInputsNotOwned,
				fmt.Errorf("%w: input %d", ErrInputOwned, i))
		}
	}

	return &MaybeMixedInputScripts{stage: stage{p: p}}, nil
}

// MaybeMixedInputScripts is a proposal whose inputs may spend different
// script types.
type MaybeMixedInputScripts struct {
	stage
}

// CheckNoMixedInputScripts rejects proposals whose inputs do not all share
// one script type.
func (m *MaybeMixedInputScripts) CheckNoMixedInputScripts() (*MaybeInputsSeen,
	error) {

	p, err := m.take()
	if err != nil {
		return nil, err
	}

	var first InputType
	for i := range p.original.Inputs {
		t, err := inputType(p.original, i)
		if err != nil {
			return nil, rejectError(StageNoMixedInputScripts, err)
		}
		if i == 0 {
			first = t
			continue
		}
		if t != first {
			return nil, rejectError(StageNoMixedInputScripts,
				fmt.Errorf("%w: %v and %v", ErrMixedInputScripts,
					first, t))
		}
	}

	return &MaybeInputsSeen{stage: stage{p: p}, inputType: first}, nil
}

// MaybeInputsSeen is a proposal whose inputs may have been offered before.
type MaybeInputsSeen struct {
	stage
	inputType InputType
}

// CheckNoInputsSeenBefore rejects proposals reusing an input of an earlier
// proposal, which would let a sender map the receiver's coins with one
// set of inputs.
func (m *MaybeInputsSeen) CheckNoInputsSeenBefore(
	checker SeenInputChecker) (*OutputsUnknown, error) {

	p, err := m.take()
	if err != nil {
		return nil, err
	}

	for _, txIn := range p.original.UnsignedTx.TxIn {
		seen, err := checker.SeenBefore(txIn.PreviousOutPoint)
		if err != nil {
			return nil, recvError(ErrImplementation,
				"cannot check seen inputs", err)
		}
		if seen {
			return nil, rejectError(StageNoInputsSeen,
				fmt.Errorf("%w: %v", ErrInputSeen,
					txIn.PreviousOutPoint))
		}
	}

	return &OutputsUnknown{stage: stage{p: p}, inputType: m.inputType}, nil
}

// OutputsUnknown is a proposal whose receiver outputs are not yet known.
type OutputsUnknown struct {
	stage
	inputType InputType
}

// IdentifyReceiverOutputs finds the outputs paying the receiver and rejects
// proposals with none.
func (o *OutputsUnknown) IdentifyReceiverOutputs(
	checker OwnershipChecker) (*ProvisionalProposal, error) {

	p, err := o.take()
	if err != nil {
		return nil, err
	}

	var owned []int
	for i, txOut := range p.original.UnsignedTx.TxOut {
		mine, err := checker.IsMine(txOut.PkScript)
		if err != nil {
			return nil, recvError(ErrImplementation,
				"cannot check output ownership", err)
		}
		if mine {
			owned = append(owned, i)
		}
	}
	if len(owned) == 0 {
		return nil, rejectError(StageReceiverOutputs, ErrMissingPayment)
	}

	log.Debugf("Session %s: proposal pays receiver in %d %s",
		p.session.id, len(owned), pickNoun(len(owned), "output",
			"outputs"))

	return &ProvisionalProposal{
		stage:      stage{p: p},
		payjoin:    clonePacket(p.original),
		ownedVouts: owned,
		inputType:  o.inputType,
	}, nil
}

// clonePacket returns a deep copy of packet.
func clonePacket(packet *psbt.Packet) *psbt.Packet {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		panic(fmt.Sprintf("cannot serialize psbt: %v", err))
	}
	clone, err := psbt.NewFromRawBytes(&buf, false)
	if err != nil {
		panic(fmt.Sprintf("cannot parse serialized psbt: %v", err))
	}
	return clone
}

// someValue unwraps an option.
func someValue[T any](o fn.Option[T]) (T, bool) {
	var (
		v  T
		ok bool
	)
	o.WhenSome(func(t T) {
		v = t
		ok = true
	})
	return v, ok
}
