// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errOracle = errors.New("oracle unavailable")

// runChecks runs every validation stage with the given collaborators and
// returns the first error.
func runChecks(unchecked *UncheckedProposal, w Wallet,
	seen SeenInputChecker) (*ProvisionalProposal, error) {

	owned, err := unchecked.CheckBroadcastSuitability(noRateOpt, w)
	if err != nil {
		return nil, err
	}
	mixed, err := owned.CheckInputsNotOwned(w)
	if err != nil {
		return nil, err
	}
	seenStage, err := mixed.CheckNoMixedInputScripts()
	if err != nil {
		return nil, err
	}
	outputs, err := seenStage.CheckNoInputsSeenBefore(seen)
	if err != nil {
		return nil, err
	}
	return outputs.IdentifyReceiverOutputs(w)
}

var noRateOpt = noRate()

// TestValidationPipeline checks each stage rejects what it is responsible
// for, later stages never consult their oracles after a rejection and
// nothing is signed.
func TestValidationPipeline(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)

	mixedOriginal := func(t *testing.T) *psbt.Packet {
		return buildOriginal(t, []spend{
			{testOutPoint(1, 0), 60_000, w.senderScript},
			{testOutPoint(2, 0), 40_000, p2pkhScript(t)},
		}, []*wire.TxOut{
			wire.NewTxOut(paymentAmount, w.receiverScript),
			wire.NewTxOut(changeAmount, w.senderScript),
		})
	}
	ownedInput := func(t *testing.T) *psbt.Packet {
		return buildOriginal(t, []spend{
			{testOutPoint(1, 0), senderCoin, w.receiverScript},
		}, []*wire.TxOut{
			wire.NewTxOut(paymentAmount, w.receiverScript),
			wire.NewTxOut(changeAmount, w.senderScript),
		})
	}
	noPayment := func(t *testing.T) *psbt.Packet {
		return buildOriginal(t, []spend{
			{testOutPoint(1, 0), senderCoin, w.senderScript},
		}, []*wire.TxOut{
			wire.NewTxOut(paymentAmount, p2wpkhScript(t)),
			wire.NewTxOut(changeAmount, w.senderScript),
		})
	}

	tests := []struct {
		name      string
		original  func(t *testing.T) *psbt.Packet
		broadcast bool
		seen      bool
		stage     ValidationStage
		reason    error

		// isMineCalls counts input checks of stage two plus output
		// checks of stage five.
		isMineCalls int
		seenCalls   int
	}{{
		name:        "accepted",
		original:    w.defaultOriginal,
		broadcast:   true,
		isMineCalls: 3,
		seenCalls:   1,
	}, {
		name:      "not broadcastable",
		original:  w.defaultOriginal,
		broadcast: false,
		stage:     StageBroadcastSuitability,
		reason:    ErrOriginalNotBroadcastable,
	}, {
		name:        "spends receiver input",
		original:    ownedInput,
		broadcast:   true,
		stage:       StageInputsNotOwned,
		reason:      ErrInputOwned,
		isMineCalls: 1,
	}, {
		name:        "mixed input scripts",
		original:    mixedOriginal,
		broadcast:   true,
		stage:       StageNoMixedInputScripts,
		reason:      ErrMixedInputScripts,
		isMineCalls: 2,
	}, {
		name:        "input seen before",
		original:    w.defaultOriginal,
		broadcast:   true,
		seen:        true,
		stage:       StageNoInputsSeen,
		reason:      ErrInputSeen,
		isMineCalls: 1,
		seenCalls:   1,
	}, {
		name:        "does not pay receiver",
		original:    noPayment,
		broadcast:   true,
		stage:       StageReceiverOutputs,
		reason:      ErrMissingPayment,
		isMineCalls: 3,
		seenCalls:   1,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			wallet := &mockWallet{}
			wallet.On("CanBroadcast", mock.Anything).
				Return(test.broadcast, nil)
			wallet.On("IsMine", mock.Anything).Return(
				func(pkScript []byte) bool {
					return bytes.Equal(pkScript, w.receiverScript)
				}, nil,
			).Maybe()

			seen := &mockSeenStore{}
			seen.On("SeenBefore", mock.Anything).
				Return(test.seen, nil).Maybe()

			unchecked := receiveProposal(t, w, test.original(t), "v=2")
			pp, err := runChecks(unchecked, wallet, seen)

			wallet.AssertNumberOfCalls(t, "CanBroadcast", 1)
			wallet.AssertNumberOfCalls(t, "IsMine", test.isMineCalls)
			seen.AssertNumberOfCalls(t, "SeenBefore", test.seenCalls)
			if test.isMineCalls == 0 {
				wallet.AssertNotCalled(t, "IsMine", mock.Anything)
			}
			if test.seenCalls == 0 {
				seen.AssertNotCalled(t, "SeenBefore", mock.Anything)
			}

			if test.reason == nil {
				require.NoError(t, err)
				require.Equal(t, []int{0}, pp.OwnedVouts())
				wallet.AssertNotCalled(t, "SignPsbt", mock.Anything)
				return
			}

			require.Nil(t, pp)
			require.True(t, HasCode(err, ErrValidationRejected))
			require.Equal(t, test.stage, RejectedStage(err))
			require.ErrorIs(t, err, test.reason)
			wallet.AssertNotCalled(t, "SignPsbt", mock.Anything)
		})
	}
}

// TestSeenInputsRecorded checks inputs checked before a seen input are
// remembered, so replaying any input of a refused proposal is refused too.
func TestSeenInputsRecorded(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	first, second := testOutPoint(1, 0), testOutPoint(2, 0)
	original := buildOriginal(t, []spend{
		{first, 60_000, w.senderScript},
		{second, 40_000, w.senderScript},
	}, []*wire.TxOut{
		wire.NewTxOut(paymentAmount, w.receiverScript),
		wire.NewTxOut(changeAmount, w.senderScript),
	})

	recorded := map[wire.OutPoint]struct{}{second: {}}
	seen := SeenInputCheckerFunc(func(op wire.OutPoint) (bool, error) {
		_, ok := recorded[op]
		recorded[op] = struct{}{}
		return ok, nil
	})
	always := MempoolCheckerFunc(func(*wire.MsgTx) (bool, error) {
		return true, nil
	})

	unchecked := receiveProposal(t, w, original, "v=2")
	owned, err := unchecked.CheckBroadcastSuitability(noRate(), always)
	require.NoError(t, err)
	mixed, err := owned.CheckInputsNotOwned(OwnershipCheckerFunc(w.isMine))
	require.NoError(t, err)
	inputsSeen, err := mixed.CheckNoMixedInputScripts()
	require.NoError(t, err)

	_, err = inputsSeen.CheckNoInputsSeenBefore(seen)
	require.Equal(t, StageNoInputsSeen, RejectedStage(err))
	require.Contains(t, recorded, first)

	ok, err := seen.SeenBefore(first)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestStagesSingleUse checks a stage cannot be advanced twice.
func TestStagesSingleUse(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	unchecked := receiveProposal(t, w, w.defaultOriginal(t), "v=2")
	always := MempoolCheckerFunc(func(*wire.MsgTx) (bool, error) {
		return true, nil
	})

	owned, err := unchecked.CheckBroadcastSuitability(noRate(), always)
	require.NoError(t, err)

	_, err = unchecked.CheckBroadcastSuitability(noRate(), always)
	require.True(t, HasCode(err, ErrInvalidState))
	require.ErrorIs(t, err, ErrProposalConsumed)

	_, err = owned.CheckInputsNotOwned(OwnershipCheckerFunc(w.isMine))
	require.NoError(t, err)
	_, err = owned.CheckInputsNotOwned(OwnershipCheckerFunc(w.isMine))
	require.ErrorIs(t, err, ErrProposalConsumed)
}

// TestBroadcastMinFeeRate checks the original must pay the requested
// minimum.
func TestBroadcastMinFeeRate(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	always := MempoolCheckerFunc(func(*wire.MsgTx) (bool, error) {
		return true, nil
	})

	// The default original pays 1000 sats for 562 weight units, a bit
	// over 7 sat/vb.
	unchecked := receiveProposal(t, w, w.defaultOriginal(t), "v=2")
	_, err := unchecked.CheckBroadcastSuitability(satPerVByte(7), always)
	require.NoError(t, err)

	unchecked = receiveProposal(t, w, w.defaultOriginal(t), "v=2")
	_, err = unchecked.CheckBroadcastSuitability(satPerVByte(8), always)
	require.Equal(t, StageBroadcastSuitability, RejectedStage(err))
	require.ErrorIs(t, err, ErrFeeRateBelowMinimum)
}

// TestOracleFailure checks wallet errors are not reported as rejections.
func TestOracleFailure(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)

	wallet := &mockWallet{}
	wallet.On("CanBroadcast", mock.Anything).Return(true, nil)
	wallet.On("IsMine", mock.Anything).Return(false, errOracle)

	unchecked := receiveProposal(t, w, w.defaultOriginal(t), "v=2")
	_, err := runChecks(unchecked, wallet, &mockSeenStore{})
	require.True(t, HasCode(err, ErrImplementation))
	require.ErrorIs(t, err, errOracle)
	require.Equal(t, StageNone, RejectedStage(err))
	wallet.AssertExpectations(t)
}

// TestUnsignedOriginal checks an original that is not fully signed cannot
// be scheduled for broadcast.
func TestUnsignedOriginal(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	packet := w.defaultOriginal(t)
	packet.Inputs[0].FinalScriptWitness = nil

	unchecked := receiveProposal(t, w, packet, "v=2")
	_, err := unchecked.ExtractTxToScheduleBroadcast()
	require.Error(t, err)

	_, err = unchecked.CheckBroadcastSuitability(noRate(),
		MempoolCheckerFunc(func(*wire.MsgTx) (bool, error) {
			return true, nil
		}))
	require.ErrorIs(t, err, ErrOriginalNotBroadcastable)

	signed := receiveProposal(t, w, w.defaultOriginal(t), "v=2")
	tx, err := signed.ExtractTxToScheduleBroadcast()
	require.NoError(t, err)
	require.Len(t, tx.TxIn[0].Witness, 2)
}
