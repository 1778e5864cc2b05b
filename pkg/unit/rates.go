// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package unit provides a set of types for dealing with bitcoin fee rates and
// transaction sizes.
package unit

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// SatsPerKilo is the number of satoshis in a kilo-satoshi.
	SatsPerKilo = 1000

	// floatStringPrecision is the number of decimal places to use when
	// converting a fee rate to a string.
	floatStringPrecision = 2
)

// MinRelayFeeRate is the default minimum relay fee rate of bitcoind, 1
// sat/vb.
var MinRelayFeeRate = NewSatPerVByte(1, 1)

// SatPerVByte represents a fee rate in sat/vbyte. The fee rate is encoded
// as a big.Rat to allow for fractional (sub-satoshi) fee rates.
type SatPerVByte struct {
	*big.Rat
}

// NewSatPerVByte creates a new fee rate in sat/vb from a fee paid for the
// given virtual size.
func NewSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	if vb == 0 {
		return SatPerVByte{big.NewRat(0, 1)}
	}

	return SatPerVByte{
		big.NewRat(int64(fee), safeUint64ToInt64(uint64(vb))),
	}
}

// FeeRateForWeight returns the exact fee rate of a transaction paying fee
// for the given weight.
func FeeRateForWeight(fee btcutil.Amount, wu WeightUnit) SatPerVByte {
	if wu == 0 {
		return SatPerVByte{big.NewRat(0, 1)}
	}

	return SatPerVByte{
		big.NewRat(
			int64(fee)*blockchain.WitnessScaleFactor,
			safeUint64ToInt64(uint64(wu)),
		),
	}
}

// ParseSatPerVByte parses a decimal sat/vb value such as "1.5".
func ParseSatPerVByte(s string) (SatPerVByte, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return SatPerVByte{}, fmt.Errorf("invalid fee rate %q", s)
	}
	if r.Sign() < 0 {
		return SatPerVByte{}, fmt.Errorf("negative fee rate %q", s)
	}

	return SatPerVByte{r}, nil
}

// FeeForWeight calculates the fee this rate requires for the given weight,
// rounding up to the next whole satoshi.
func (s SatPerVByte) FeeForWeight(wu WeightUnit) btcutil.Amount {
	// sat/vb * wu / 4 = sats.
	fee := new(big.Rat).Mul(
		s.Rat, big.NewRat(
			safeUint64ToInt64(uint64(wu)),
			blockchain.WitnessScaleFactor,
		),
	)

	num := fee.Num()
	den := fee.Denom()
	num.Add(num, den)
	num.Sub(num, big.NewInt(1))
	num.Div(num, den)

	return btcutil.Amount(num.Int64())
}

// FeeForVSize calculates the fee for the given virtual size, rounding up.
func (s SatPerVByte) FeeForVSize(vb VByte) btcutil.Amount {
	return s.FeeForWeight(vb.ToWU())
}

// FeePerKWeight converts the current fee rate from sat/vb to sat/kw.
func (s SatPerVByte) FeePerKWeight() SatPerKWeight {
	vbToKwRate := big.NewRat(SatsPerKilo, blockchain.WitnessScaleFactor)
	kwRate := new(big.Rat).Mul(s.Rat, vbToKwRate)

	return SatPerKWeight{kwRate}
}

// BTCPerKVByte returns the rate in BTC/kvB as used by bitcoind RPCs.
func (s SatPerVByte) BTCPerKVByte() float64 {
	kvb := new(big.Rat).Mul(
		s.Rat, big.NewRat(SatsPerKilo, btcutil.SatoshiPerBitcoin),
	)
	f, _ := kvb.Float64()

	return f
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	if s.Rat == nil {
		return "0.00 sat/vb"
	}

	return s.FloatString(floatStringPrecision) + " sat/vb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.Cmp(other.Rat) == 0
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerVByte) LessThan(other SatPerVByte) bool {
	return s.Cmp(other.Rat) < 0
}

// GreaterThanOrEqual returns true if the fee rate is greater than or equal to
// the other fee rate.
func (s SatPerVByte) GreaterThanOrEqual(other SatPerVByte) bool {
	return s.Cmp(other.Rat) >= 0
}

// SatPerKWeight represents a fee rate in sat/kw. The fee rate is encoded as a
// big.Rat to allow for fractional (sub-satoshi) fee rates.
type SatPerKWeight struct {
	*big.Rat
}

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight in weight units (wu), rounded down.
func (s SatPerKWeight) FeeForWeight(wu WeightUnit) btcutil.Amount {
	fee := new(big.Rat).Mul(
		s.Rat, big.NewRat(safeUint64ToInt64(uint64(wu)), SatsPerKilo),
	)

	return btcutil.Amount(new(big.Int).Div(fee.Num(), fee.Denom()).Int64())
}

// FeePerVByte converts the current fee rate from sat/kw to sat/vb.
func (s SatPerKWeight) FeePerVByte() SatPerVByte {
	kwToVbRate := big.NewRat(blockchain.WitnessScaleFactor, SatsPerKilo)
	vbRate := new(big.Rat).Mul(s.Rat, kwToVbRate)

	return SatPerVByte{vbRate}
}

// String returns a human-readable string of the fee rate.
func (s SatPerKWeight) String() string {
	return s.FloatString(floatStringPrecision) + " sat/kw"
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at math.MaxInt64.
// In practice the values converted are transaction weights or sizes, which
// are bounded by consensus rules.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		slog.Warn("Capping uint64 value to math.MaxInt64",
			slog.Uint64("old", u), slog.Int64("new", math.MaxInt64))

		return math.MaxInt64
	}

	return int64(u)
}
