// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package unit

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestFeeForWeight checks the fee a rate requires for a weight, including
// rounding of fractional satoshis.
func TestFeeForWeight(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		rate     SatPerVByte
		weight   WeightUnit
		expected btcutil.Amount
	}{
		{
			name:     "1 sat/vb p2wpkh input",
			rate:     NewSatPerVByte(1, 1),
			weight:   272,
			expected: 68,
		},
		{
			name:     "round up partial vbyte",
			rate:     NewSatPerVByte(1, 1),
			weight:   273,
			expected: 69,
		},
		{
			name:     "fractional rate",
			rate:     NewSatPerVByte(3, 2),
			weight:   400,
			expected: 150,
		},
		{
			name:     "zero weight",
			rate:     NewSatPerVByte(10, 1),
			weight:   0,
			expected: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, tc.rate.FeeForWeight(tc.weight))
		})
	}
}

// TestFeeRateForWeight checks that computing a rate from a fee and weight
// is consistent with the conversions.
func TestFeeRateForWeight(t *testing.T) {
	t.Parallel()

	rate := FeeRateForWeight(141, 564)
	require.True(t, rate.Equal(NewSatPerVByte(1, 1)))
	require.Equal(t, "1.00 sat/vb", rate.String())
	require.Equal(t, "250.00 sat/kw", rate.FeePerKWeight().String())
	require.True(t, rate.FeePerKWeight().FeePerVByte().Equal(rate))
	require.Equal(t, btcutil.Amount(141),
		rate.FeePerKWeight().FeeForWeight(564))

	require.True(t, FeeRateForWeight(100, 564).LessThan(rate))
	require.True(t, FeeRateForWeight(200, 564).GreaterThanOrEqual(rate))
	require.InDelta(t, 0.00001, rate.BTCPerKVByte(), 1e-12)
}

// TestParseSatPerVByte covers the decimal parser used for config flags.
func TestParseSatPerVByte(t *testing.T) {
	t.Parallel()

	rate, err := ParseSatPerVByte("1.5")
	require.NoError(t, err)
	require.True(t, rate.Equal(NewSatPerVByte(3, 2)))

	_, err = ParseSatPerVByte("fast")
	require.Error(t, err)

	_, err = ParseSatPerVByte("-1")
	require.Error(t, err)
}

// TestSizeConversions checks weight and vsize conversions.
func TestSizeConversions(t *testing.T) {
	t.Parallel()

	require.Equal(t, VByte(141), WeightUnit(561).ToVB())
	require.Equal(t, VByte(141), WeightUnit(564).ToVB())
	require.Equal(t, WeightUnit(400), VByte(100).ToWU())
	require.Equal(t, "4 wu", WeightUnit(4).String())
	require.Equal(t, "1 vb", VByte(1).String())
}
