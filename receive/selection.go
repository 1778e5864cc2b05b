// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// TryPreservingPrivacy picks the receiver input to contribute from
// candidates. The choice is deterministic for a given proposal and
// candidate set.
//
// Candidates larger than every original output are refused since they
// would stand out as the receiver's coin. A candidate equal to an output
// amount blends in with that output and is always acceptable. With two
// outputs any other candidate is only accepted if the payjoin's smallest
// input stays larger than its smallest output. Otherwise an observer could
// tell which output is change because no input would be needed to fund it.
func (pp *ProvisionalProposal) TryPreservingPrivacy(
	candidates []CandidateInput) (wire.OutPoint, error) {

	if pp.used {
		return wire.OutPoint{}, recvError(ErrInvalidState,
			"cannot select input", ErrProposalConsumed)
	}

	eligible := pp.eligibleCandidates(candidates)
	if len(eligible) == 0 {
		return wire.OutPoint{}, recvError(ErrNoSuitableInput,
			"cannot select input", ErrNoCandidates)
	}

	tx := pp.payjoin.UnsignedTx
	switch len(tx.TxOut) {
	case 1:
		return pp.pickPrivate(eligible, func(CandidateInput) bool {
			return true
		})

	case 2:
		avoidsUIH, err := pp.avoidsUIH()
		if err != nil {
			return wire.OutPoint{}, err
		}
		return pp.pickPrivate(eligible, avoidsUIH)

	default:
		return wire.OutPoint{}, recvError(ErrNoSuitableInput,
			"cannot select input", fmt.Errorf("%w: %d",
				ErrTooManyOutputs, len(tx.TxOut)))
	}
}

// eligibleCandidates drops candidates that cannot be contributed at all.
func (pp *ProvisionalProposal) eligibleCandidates(
	candidates []CandidateInput) []CandidateInput {

	spent := make(map[wire.OutPoint]struct{})
	for _, txIn := range pp.payjoin.UnsignedTx.TxIn {
		spent[txIn.PreviousOutPoint] = struct{}{}
	}

	eligible := make([]CandidateInput, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := spent[c.OutPoint]; ok || c.Amount <= 0 {
			continue
		}
		if scriptType(c.PkScript, nil) != pp.inputType {
			log.Tracef("Skipping candidate %v: not a %v output",
				c.OutPoint, pp.inputType)
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible
}

// outputAmounts returns the set of output amounts of the payjoin and the
// largest of them.
func (pp *ProvisionalProposal) outputAmounts() (map[btcutil.Amount]struct{},
	btcutil.Amount) {

	tx := pp.payjoin.UnsignedTx
	amounts := make(map[btcutil.Amount]struct{}, len(tx.TxOut))
	maxOut := btcutil.Amount(0)
	for _, txOut := range tx.TxOut {
		v := btcutil.Amount(txOut.Value)
		maxOut = max(maxOut, v)
		amounts[v] = struct{}{}
	}
	return amounts, maxOut
}

// pickPrivate returns the best ranked candidate that does not exceed the
// largest output and either matches an output amount or passes extra.
func (pp *ProvisionalProposal) pickPrivate(candidates []CandidateInput,
	extra func(CandidateInput) bool) (wire.OutPoint, error) {

	outAmounts, maxOut := pp.outputAmounts()

	var private []CandidateInput
	for _, c := range candidates {
		if c.Amount > maxOut {
			log.Tracef("Skipping candidate %v: %v exceeds every "+
				"output", c.OutPoint, c.Amount)
			continue
		}
		if _, ok := outAmounts[c.Amount]; ok || extra(c) {
			private = append(private, c)
		}
	}
	if len(private) == 0 {
		return wire.OutPoint{}, recvError(ErrNoSuitableInput,
			"cannot select input", ErrNoPrivateCandidate)
	}

	sortCandidates(private, outAmounts)

	log.Debugf("Selected %v out of %d private %s", private[0].OutPoint,
		len(private), pickNoun(len(private), "candidate", "candidates"))

	return private[0].OutPoint, nil
}

// avoidsUIH returns the unnecessary input heuristic check for a two output
// proposal: after contributing, the smallest input must stay larger than
// the smallest output.
func (pp *ProvisionalProposal) avoidsUIH() (func(CandidateInput) bool,
	error) {

	tx := pp.payjoin.UnsignedTx
	payment := btcutil.Amount(tx.TxOut[pp.ownedVouts[0]].Value)

	minOut := btcutil.Amount(math.MaxInt64)
	for _, txOut := range tx.TxOut {
		minOut = min(minOut, btcutil.Amount(txOut.Value))
	}

	minIn := btcutil.Amount(math.MaxInt64)
	for i := range pp.payjoin.Inputs {
		prev, err := prevOutput(pp.payjoin, i)
		if err != nil {
			return nil, recvError(ErrImplementation,
				"cannot select input", err)
		}
		minIn = min(minIn, btcutil.Amount(prev.Value))
	}

	return func(c CandidateInput) bool {
		return min(minIn, c.Amount) > min(minOut, payment+c.Amount)
	}, nil
}

// sortCandidates orders candidates matching an output amount first, then
// by ascending amount, then by outpoint.
func sortCandidates(cs []CandidateInput,
	outAmounts map[btcutil.Amount]struct{}) {

	matches := func(c CandidateInput) bool {
		_, ok := outAmounts[c.Amount]
		return ok
	}

	sort.Slice(cs, func(i, j int) bool {
		mi, mj := matches(cs[i]), matches(cs[j])
		if mi != mj {
			return mi
		}
		if cs[i].Amount != cs[j].Amount {
			return cs[i].Amount < cs[j].Amount
		}
		if c := bytes.Compare(
			cs[i].OutPoint.Hash[:], cs[j].OutPoint.Hash[:],
		); c != 0 {
			return c < 0
		}
		return cs[i].OutPoint.Index < cs[j].OutPoint.Index
	})
}
