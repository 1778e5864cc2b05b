// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
)

// PjURIBuilder builds the bitcoin URI handed to the sender.
type PjURIBuilder struct {
	session   *Session
	amount    btcutil.Amount
	label     string
	message   string
	disableOS bool
}

// PjURIBuilder returns a builder for the session's payment URI.
func (s *Session) PjURIBuilder() *PjURIBuilder {
	return &PjURIBuilder{session: s}
}

// Amount sets the requested amount.
func (b *PjURIBuilder) Amount(amt btcutil.Amount) *PjURIBuilder {
	b.amount = amt
	return b
}

// Label sets the label shown to the sender.
func (b *PjURIBuilder) Label(label string) *PjURIBuilder {
	b.label = label
	return b
}

// Message sets the message shown to the sender.
func (b *PjURIBuilder) Message(msg string) *PjURIBuilder {
	b.message = msg
	return b
}

// DisableOutputSubstitution asks the sender to forbid output substitution.
func (b *PjURIBuilder) DisableOutputSubstitution(disable bool) *PjURIBuilder {
	b.disableOS = disable
	return b
}

// Build returns the URI.
func (b *PjURIBuilder) Build() string {
	s := b.session

	keys, err := s.keys.MarshalBinary()
	if err != nil {
		// Configs are validated when parsed or generated.
		panic(err)
	}

	var params []string
	add := func(k, v string) {
		params = append(params, k+"="+url.QueryEscape(v))
	}

	if b.amount > 0 {
		add("amount", strconv.FormatFloat(b.amount.ToBTC(), 'f', -1, 64))
	}
	if b.label != "" {
		add("label", b.label)
	}
	if b.message != "" {
		add("message", b.message)
	}
	add("pj", s.MailboxURL().String())
	if b.disableOS {
		add("pjos", "0")
	}
	add("ohttp", base64.RawURLEncoding.EncodeToString(keys))
	add("exp", strconv.FormatInt(s.expiry.Unix(), 10))

	return "bitcoin:" + s.address.EncodeAddress() + "?" +
		strings.Join(params, "&")
}

// PjURI returns the session's payment URI without an amount.
func (s *Session) PjURI() string {
	return s.PjURIBuilder().Build()
}
