// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcpayjoin/pkg/unit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// FeeContribution is the sender's offer to pay for the receiver's inputs
// out of one of its outputs.
type FeeContribution struct {
	// MaxAmount is the most the sender allows to be taken.
	MaxAmount btcutil.Amount

	// OutputIndex is the output the fee is taken from.
	OutputIndex int
}

// Params are the sender's parameters sent alongside the original.
type Params struct {
	// Version is the protocol version the sender speaks.
	Version int

	// DisableOutputSubstitution forbids changing the receiver's output
	// script.
	DisableOutputSubstitution bool

	// AdditionalFeeContribution is set when the sender pays for added
	// inputs.
	AdditionalFeeContribution fn.Option[FeeContribution]

	// MinFeeRate is the lowest fee rate the sender accepts for the
	// payjoin transaction.
	MinFeeRate unit.SatPerVByte
}

// parseParams decodes the query string of an original proposal. Unknown
// keys are ignored. A fee contribution is only honored when both of its
// keys are present.
func parseParams(query string) (Params, error) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return Params{}, fmt.Errorf("malformed parameters: %w", err)
	}

	params := Params{
		Version:                   1,
		AdditionalFeeContribution: fn.None[FeeContribution](),
		MinFeeRate:                unit.NewSatPerVByte(0, 1),
	}

	if v := values.Get("v"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil || (version != 1 && version != 2) {
			return Params{}, fmt.Errorf("unsupported version %q", v)
		}
		params.Version = version
	}

	params.DisableOutputSubstitution = values.Get("disableoutputsubstitution") == "true"

	maxFee := values.Get("maxadditionalfeecontribution")
	feeIndex := values.Get("additionalfeeoutputindex")
	switch {
	case maxFee != "" && feeIndex != "":
		amount, err := strconv.ParseInt(maxFee, 10, 64)
		if err != nil || amount < 0 {
			return Params{}, fmt.Errorf("invalid "+
				"maxadditionalfeecontribution %q", maxFee)
		}
		index, err := strconv.Atoi(feeIndex)
		if err != nil || index < 0 {
			return Params{}, fmt.Errorf("invalid "+
				"additionalfeeoutputindex %q", feeIndex)
		}
		params.AdditionalFeeContribution = fn.Some(FeeContribution{
			MaxAmount:   btcutil.Amount(amount),
			OutputIndex: index,
		})

	case maxFee != "" || feeIndex != "":
		log.Warnf("Ignoring incomplete fee contribution parameters")
	}

	if rate := values.Get("minfeerate"); rate != "" {
		minRate, err := unit.ParseSatPerVByte(rate)
		if err != nil {
			return Params{}, fmt.Errorf("invalid minfeerate %q: %w",
				rate, err)
		}
		params.MinFeeRate = minRate
	}

	return params, nil
}
