// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"net/url"
)

// URLFlag holds an absolute http or https URL given on the command line or
// in the config file.
type URLFlag struct {
	*url.URL
}

// NewURLFlag parses a default value. It panics on an invalid URL.
func NewURLFlag(defaultValue string) *URLFlag {
	f := &URLFlag{}
	if err := f.UnmarshalFlag(defaultValue); err != nil {
		panic(err)
	}
	return f
}

// MarshalFlag satisfies the flags.Marshaler interface.
func (f *URLFlag) MarshalFlag() (string, error) {
	if f.URL == nil {
		return "", nil
	}
	return f.URL.String(), nil
}

// UnmarshalFlag satisfies the flags.Unmarshaler interface.
func (f *URLFlag) UnmarshalFlag(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", value)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", value)
	}
	f.URL = u
	return nil
}
