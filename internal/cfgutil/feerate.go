// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"strings"

	"github.com/btcsuite/btcpayjoin/pkg/unit"
)

// FeeRateFlag embeds a unit.SatPerVByte so a sat/vB fee rate can be used as a
// config struct field. Set reports whether a value was given.
type FeeRateFlag struct {
	unit.SatPerVByte
	Set bool
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (f *FeeRateFlag) MarshalFlag() (string, error) {
	if f.Rat == nil {
		return "", nil
	}
	return f.FloatString(2), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (f *FeeRateFlag) UnmarshalFlag(value string) error {
	value = strings.TrimSuffix(strings.ToLower(value), " sat/vb")
	rate, err := unit.ParseSatPerVByte(value)
	if err != nil {
		return err
	}
	f.SatPerVByte = rate
	f.Set = true
	return nil
}
