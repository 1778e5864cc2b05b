// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1_700_000_000, 0)

// TestNewSessionValidation checks a session needs all of its parameters.
func TestNewSessionValidation(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	dir := newFakeDirectory(t)
	valid := SessionConfig{
		Address:   w.receiverAddr,
		Directory: testDirectory,
		Relay:     testRelay,
		Keys:      dir.keys(),
	}

	tests := []struct {
		name   string
		modify func(*SessionConfig)
	}{
		{"no address", func(c *SessionConfig) { c.Address = nil }},
		{"no directory", func(c *SessionConfig) { c.Directory = nil }},
		{"no relay", func(c *SessionConfig) { c.Relay = nil }},
		{"no keys", func(c *SessionConfig) { c.Keys = nil }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid
			test.modify(&cfg)
			_, err := NewSession(cfg)
			require.Error(t, err)
		})
	}

	s, err := NewSession(valid)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, s.State())
	require.Equal(t, mailboxID(s.PublicKey()), s.ID())
	require.Equal(t, testDirectory.String()+s.ID(), s.MailboxURL().String())
}

// TestSessionPolling checks that empty polls leave the session Polling and
// a posted original is received exactly once.
func TestSessionPolling(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	dir := newFakeDirectory(t)
	s := newTestSession(t, dir, w)

	for i := 0; i < 3; i++ {
		proposal, err := dir.roundTrip(s)
		require.NoError(t, err)
		require.Nil(t, proposal)
		require.Equal(t, StatePolling, s.State())
	}

	dir.postOriginal(s, payload(t, w.defaultOriginal(t), "v=2"))
	proposal, err := dir.roundTrip(s)
	require.NoError(t, err)
	require.NotNil(t, proposal)
	require.Equal(t, StateProposalReceived, s.State())
	require.Equal(t, 2, proposal.Params().Version)

	// Nothing more can be polled.
	_, _, err = s.ExtractReq()
	require.True(t, HasCode(err, ErrInvalidState))
	require.Equal(t, StateProposalReceived, s.State())
}

// TestSessionUnencryptedOriginal checks a text payload is accepted as an
// original from a sender that does not encrypt.
func TestSessionUnencryptedOriginal(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	dir := newFakeDirectory(t)
	s := newTestSession(t, dir, w)

	dir.mu.Lock()
	dir.postOriginalLocked(s.ID(), payload(t, w.defaultOriginal(t), "v=1"))
	dir.mu.Unlock()

	proposal, err := dir.roundTrip(s)
	require.NoError(t, err)
	require.NotNil(t, proposal)
	require.Nil(t, s.replyKey)
	require.Equal(t, 1, proposal.Params().Version)
}

// TestResponseContextSingleUse checks contexts cannot be replayed or used
// with another session.
func TestResponseContextSingleUse(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	dir := newFakeDirectory(t)
	s := newTestSession(t, dir, w)
	other := newTestSession(t, dir, w)

	req, ctx, err := s.ExtractReq()
	require.NoError(t, err)
	body, err := dir.Post(
		context.Background(), req.URL, req.ContentType, req.Body,
	)
	require.NoError(t, err)

	_, err = other.ProcessRes(body, ctx)
	require.True(t, HasCode(err, ErrInvalidState))
	require.ErrorIs(t, err, ErrForeignContext)

	_, err = s.ProcessRes(body, ctx)
	require.NoError(t, err)

	_, err = s.ProcessRes(body, ctx)
	require.True(t, HasCode(err, ErrInvalidState))
	require.ErrorIs(t, err, ErrContextReused)
	require.Equal(t, StatePolling, s.State())

	_, err = s.ProcessRes(body, nil)
	require.True(t, HasCode(err, ErrInvalidState))
}

// TestSessionExpiry checks that nothing is accepted once the lifetime
// elapsed.
func TestSessionExpiry(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	dir := newFakeDirectory(t)
	clk := clock.NewTestClock(testTime)

	s, err := NewSession(SessionConfig{
		Address:   w.receiverAddr,
		Directory: testDirectory,
		Relay:     testRelay,
		Keys:      dir.keys(),
		Lifetime:  time.Hour,
		Clock:     clk,
	})
	require.NoError(t, err)
	require.Equal(t, testTime.Add(time.Hour), s.Expiry())

	_, err = dir.roundTrip(s)
	require.NoError(t, err)

	// A request extracted before expiry cannot be processed after it.
	req, ctx, err := s.ExtractReq()
	require.NoError(t, err)
	body, err := dir.Post(
		context.Background(), req.URL, req.ContentType, req.Body,
	)
	require.NoError(t, err)

	clk.SetTime(testTime.Add(time.Hour + time.Second))

	_, err = s.ProcessRes(body, ctx)
	require.True(t, HasCode(err, ErrExpiredSession))
	require.Equal(t, StateExpired, s.State())

	_, _, err = s.ExtractReq()
	require.True(t, HasCode(err, ErrExpiredSession))

	// Expiry is final even if the clock goes back.
	clk.SetTime(testTime)
	_, _, err = s.ExtractReq()
	require.True(t, HasCode(err, ErrExpiredSession))
}

// TestSessionMalformedResponse checks undecodable responses fail the
// session.
func TestSessionMalformedResponse(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)

	tests := []struct {
		name    string
		prepare func(d *fakeDirectory, s *Session)
	}{{
		name: "garbage relay response",
		prepare: func(d *fakeDirectory, s *Session) {
			d.garbage = true
		},
	}, {
		name: "undecryptable mailbox message",
		prepare: func(d *fakeDirectory, s *Session) {
			d.pending[s.ID()] = []byte{0xff, 0xfe, 0x00, 0x01}
		},
	}, {
		name: "text that is not a psbt",
		prepare: func(d *fakeDirectory, s *Session) {
			d.pending[s.ID()] = []byte("hello\nv=2")
		},
	}, {
		name: "unsupported version",
		prepare: func(d *fakeDirectory, s *Session) {
			d.pending[s.ID()] = payload(
				t, w.defaultOriginal(t), "v=9",
			)
		},
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			dir := newFakeDirectory(t)
			s := newTestSession(t, dir, w)
			test.prepare(dir, s)

			proposal, err := dir.roundTrip(s)
			require.Nil(t, proposal)
			require.True(t, HasCode(err, ErrProtocol), "%v", err)
			require.Equal(t, StateFailed, s.State())
			require.Error(t, s.Err())

			_, _, err = s.ExtractReq()
			require.True(t, HasCode(err, ErrProtocol))
			require.ErrorIs(t, err, ErrSessionFailed)
		})
	}
}

// TestSessionDirectoryRefusal checks a well formed error status is
// retryable and keeps the session.
func TestSessionDirectoryRefusal(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	dir := newFakeDirectory(t)
	s := newTestSession(t, dir, w)

	dir.status = http.StatusServiceUnavailable
	_, err := dir.roundTrip(s)
	require.True(t, IsRetryable(err))
	require.Equal(t, StatePolling, s.State())

	dir.status = 0
	_, err = dir.roundTrip(s)
	require.NoError(t, err)
}

// TestSessionSnapshotRestore checks an enrolled session survives a
// restart.
func TestSessionSnapshotRestore(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	dir := newFakeDirectory(t)
	s := newTestSession(t, dir, w)

	rec, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, StatePolling, rec.State)

	restored, err := RestoreSession(
		rec, &chaincfg.RegressionNetParams, nil,
	)
	require.NoError(t, err)
	require.Equal(t, s.ID(), restored.ID())
	require.Equal(t, StatePolling, restored.State())
	require.True(t, s.Expiry().Equal(restored.Expiry()))

	// The restored session reads what was sent to the original.
	dir.postOriginal(s, payload(t, w.defaultOriginal(t), "v=2"))
	proposal, err := dir.roundTrip(restored)
	require.NoError(t, err)
	require.NotNil(t, proposal)

	_, err = restored.Snapshot()
	require.True(t, HasCode(err, ErrInvalidState))

	rec.SecretKey[0] ^= 1
	_, err = RestoreSession(rec, &chaincfg.RegressionNetParams, nil)
	require.Error(t, err)
}

// TestPjURI checks the payment URI carries the mailbox, keys and expiry.
func TestPjURI(t *testing.T) {
	t.Parallel()

	w := newTestWallet(t)
	dir := newFakeDirectory(t)
	s := newTestSession(t, dir, w)

	uri := s.PjURIBuilder().Amount(12_345).Label("coffee").
		DisableOutputSubstitution(true).Build()

	prefix := "bitcoin:" + w.receiverAddr.EncodeAddress() + "?"
	require.True(t, strings.HasPrefix(uri, prefix))

	query, err := url.ParseQuery(strings.TrimPrefix(uri, prefix))
	require.NoError(t, err)
	require.Equal(t, "0.00012345", query.Get("amount"))
	require.Equal(t, "coffee", query.Get("label"))
	require.Equal(t, s.MailboxURL().String(), query.Get("pj"))
	require.Equal(t, "0", query.Get("pjos"))
	require.Equal(t, strconv.FormatInt(s.Expiry().Unix(), 10),
		query.Get("exp"))
	require.NotEmpty(t, query.Get("ohttp"))

	plain, err := url.ParseQuery(strings.TrimPrefix(s.PjURI(), prefix))
	require.NoError(t, err)
	require.Empty(t, plain.Get("amount"))
	require.Empty(t, plain.Get("pjos"))
}
