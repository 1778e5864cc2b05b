// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/btcsuite/btcpayjoin/ohttp"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// receiverHarness wires a Receiver to a fake directory.
type receiverHarness struct {
	w     *testWallet
	dir   *fakeDirectory
	tick  *ticker.Force
	store *mockSessionStore
	clock *clock.TestClock
	r     *Receiver
}

func newReceiverHarness(t *testing.T) *receiverHarness {
	t.Helper()

	dir := newFakeDirectory(t)
	keys := NewKeyCacheWithFetcher(
		func(context.Context, *url.URL, *url.URL) (*ohttp.KeyConfig,
			error) {

			return dir.keys(), nil
		}, time.Hour, nil,
	)

	tick := ticker.NewForce(time.Hour)
	t.Cleanup(tick.Stop)

	store := &mockSessionStore{}
	store.On("PutSession", mock.Anything).Return(nil)
	store.On("DeleteSession", mock.Anything).Return(nil)

	clk := clock.NewTestClock(testTime)

	return &receiverHarness{
		w:     newTestWallet(t),
		dir:   dir,
		tick:  tick,
		store: store,
		clock: clk,
		r: NewReceiver(ReceiverConfig{
			Transport:  dir,
			Keys:       keys,
			Directory:  testDirectory,
			Relay:      testRelay,
			Lifetime:   time.Hour,
			Clock:      clk,
			PollTicker: tick,
			Store:      store,
		}),
	}
}

// pumpTicks delivers ticks until the test ends.
func (h *receiverHarness) pumpTicks(t *testing.T) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		for {
			select {
			case h.tick.Force <- time.Now():
			case <-done:
				return
			}
		}
	}()
}

// establish enrolls a session.
func (h *receiverHarness) establish(t *testing.T) *Session {
	t.Helper()

	s, err := h.r.Establish(context.Background(), h.w.receiverAddr)
	require.NoError(t, err)
	require.Equal(t, StatePolling, h.r.State())
	h.store.AssertCalled(t, "PutSession", mock.Anything)

	return s
}

// TestReceiverPayjoin runs a whole payjoin: three empty polls, a proposal,
// and the signed payjoin read back by the sender.
func TestReceiverPayjoin(t *testing.T) {
	t.Parallel()

	h := newReceiverHarness(t)
	s := h.establish(t)

	original := h.w.defaultOriginal(t)
	msgA, reply, err := encryptMessageA(
		payload(t, original, "v=2"), s.PublicKey(),
	)
	require.NoError(t, err)
	h.dir.onPoll = func(n int) {
		if n == 3 {
			h.dir.postOriginalLocked(s.ID(), msgA)
		}
	}
	h.pumpTicks(t)

	unchecked, err := h.r.PollForProposal(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateProposalReceived, h.r.State())

	h.dir.mu.Lock()
	require.Equal(t, 3, h.dir.polls)
	h.dir.mu.Unlock()

	pp := checkProposal(t, h.w, unchecked)
	c := h.w.contributed()
	outPoint, err := pp.TryPreservingPrivacy([]CandidateInput{
		h.w.candidate(2, 30_000), c,
	})
	require.NoError(t, err)
	require.Equal(t, c.OutPoint, outPoint)
	require.NoError(t, pp.ContributeWitnessInput(c.TxOut(), outPoint))

	pj, err := pp.FinalizeProposal(h.w.sign(t), satPerVByte(1))
	require.NoError(t, err)

	final, err := h.r.Submit(context.Background(), pj)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, h.r.State())
	h.store.AssertCalled(t, "DeleteSession", s.ID())

	// The sender reads the same transaction from its mailbox.
	msgB := h.dir.reply(s.ID())
	require.NotEmpty(t, msgB)
	b64, err := decryptMessageB(msgB, reply)
	require.NoError(t, err)

	sent := decodeProposal(t, b64)
	require.Equal(t, final.UnsignedTx.TxHash(), sent.UnsignedTx.TxHash())
	require.Len(t, sent.UnsignedTx.TxIn, 2)
	findInput(t, sent, original.UnsignedTx.TxIn[0].PreviousOutPoint)
	findInput(t, sent, c.OutPoint)

	// The session is done.
	_, err = h.r.PollForProposal(context.Background())
	require.True(t, HasCode(err, ErrInvalidState))
}

// TestReceiverPollCancel checks polling can be abandoned and resumed.
func TestReceiverPollCancel(t *testing.T) {
	t.Parallel()

	h := newReceiverHarness(t)
	s := h.establish(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.dir.onPoll = func(n int) {
		if n == 1 {
			cancel()
		}
	}

	_, err := h.r.PollForProposal(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StatePolling, h.r.State())

	h.dir.onPoll = nil
	h.dir.postOriginal(s, payload(t, h.w.defaultOriginal(t), "v=2"))

	proposal, err := h.r.PollForProposal(context.Background())
	require.NoError(t, err)
	require.NotNil(t, proposal)
}

// TestReceiverPollRetriesTransport checks relay outages are retried.
func TestReceiverPollRetriesTransport(t *testing.T) {
	t.Parallel()

	h := newReceiverHarness(t)
	s := h.establish(t)

	h.dir.failures = 2
	h.dir.postOriginal(s, payload(t, h.w.defaultOriginal(t), "v=2"))
	h.pumpTicks(t)

	proposal, err := h.r.PollForProposal(context.Background())
	require.NoError(t, err)
	require.NotNil(t, proposal)

	h.dir.mu.Lock()
	require.Zero(t, h.dir.failures)
	h.dir.mu.Unlock()
}

// TestReceiverPollExpiry checks polling stops once the session expires.
func TestReceiverPollExpiry(t *testing.T) {
	t.Parallel()

	h := newReceiverHarness(t)
	s := h.establish(t)

	h.dir.onPoll = func(n int) {
		h.clock.SetTime(testTime.Add(2 * time.Hour))
	}
	h.pumpTicks(t)

	_, err := h.r.PollForProposal(context.Background())
	require.True(t, HasCode(err, ErrExpiredSession))
	require.Equal(t, StateExpired, h.r.State())
	h.store.AssertCalled(t, "DeleteSession", s.ID())
}

// TestReceiverPollProtocolError checks a malformed response ends polling.
func TestReceiverPollProtocolError(t *testing.T) {
	t.Parallel()

	h := newReceiverHarness(t)
	h.establish(t)

	h.dir.garbage = true

	_, err := h.r.PollForProposal(context.Background())
	require.True(t, HasCode(err, ErrProtocol))
	require.Equal(t, StateFailed, h.r.State())
}

// TestReceiverSubmitInFlight checks a failed submission is reported as
// possibly delivered and can be sent again.
func TestReceiverSubmitInFlight(t *testing.T) {
	t.Parallel()

	h := newReceiverHarness(t)
	s := h.establish(t)

	h.dir.postOriginal(s, payload(t, h.w.defaultOriginal(t), "v=2"))
	unchecked, err := h.r.PollForProposal(context.Background())
	require.NoError(t, err)

	pj, err := checkProposal(t, h.w, unchecked).FinalizeProposal(
		h.w.sign(t), noRate(),
	)
	require.NoError(t, err)

	h.dir.failures = 1
	_, err = h.r.Submit(context.Background(), pj)
	require.True(t, IsInFlight(err))
	require.False(t, IsRetryable(err))
	require.Equal(t, StateSubmitting, h.r.State())

	_, err = h.r.Submit(context.Background(), pj)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, h.r.State())
}

// TestReceiverEstablishKeysFailure checks a key fetch failure leaves no
// session.
func TestReceiverEstablishKeysFailure(t *testing.T) {
	t.Parallel()

	keys := NewKeyCacheWithFetcher(
		func(context.Context, *url.URL, *url.URL) (*ohttp.KeyConfig,
			error) {

			return nil, recvError(ErrTransport, "down", errRelayDown)
		}, time.Hour, nil,
	)
	r := NewReceiver(ReceiverConfig{
		Keys:      keys,
		Directory: testDirectory,
		Relay:     testRelay,
	})

	_, err := r.Establish(context.Background(), p2wpkhAddress(t))
	require.True(t, IsRetryable(err))
	require.Equal(t, StateUninitialized, r.State())
	require.Nil(t, r.Session())
}

// TestHTTPTransport checks requests reach the relay as sent.
func TestHTTPTransport(t *testing.T) {
	t.Parallel()

	relay := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Content-Type") !=
				ohttp.RequestContentType {

				http.Error(w, "bad type", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", ohttp.ResponseContentType)
			_, _ = w.Write([]byte("encapsulated"))
		},
	))
	defer relay.Close()

	tr := NewHTTPTransport(time.Second)
	body, err := tr.Post(context.Background(), relay.URL,
		ohttp.RequestContentType, []byte("request"))
	require.NoError(t, err)
	require.Equal(t, []byte("encapsulated"), body)

	_, err = tr.Post(context.Background(), relay.URL, "text/plain", nil)
	require.Error(t, err)
}
