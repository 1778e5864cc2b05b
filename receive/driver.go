// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// maxRelayResponse bounds the size of a relay response. Mailbox messages
// are padded to a fixed size well below it.
const maxRelayResponse = 1 << 20

// Transport delivers encapsulated requests to the relay.
type Transport interface {
	Post(ctx context.Context, url, contentType string,
		body []byte) ([]byte, error)
}

// HTTPTransport is a Transport over an http.Client.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a transport whose requests time out after
// timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: timeout}}
}

// Post sends body to url and returns the response body.
func (t *HTTPTransport) Post(ctx context.Context, url, contentType string,
	body []byte) ([]byte, error) {

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay answered %s", resp.Status)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxRelayResponse))
}

// SessionStore persists enrolled sessions so polling can resume after a
// restart.
type SessionStore interface {
	PutSession(rec *SessionRecord) error
	DeleteSession(id string) error
}

// ReceiverConfig holds the collaborators of a Receiver.
type ReceiverConfig struct {
	// Transport carries requests to the relay.
	Transport Transport

	// Keys supplies the directory's OHTTP keys.
	Keys *KeyCache

	// Directory and Relay locate the payjoin directory and the OHTTP
	// relay in front of it.
	Directory *url.URL
	Relay     *url.URL

	// Lifetime is the session lifetime. Zero means
	// DefaultSessionLifetime.
	Lifetime time.Duration

	// Clock is used for session expiry.
	Clock clock.Clock

	// PollTicker spaces consecutive polls. It is resumed while polling
	// and paused otherwise.
	PollTicker ticker.Ticker

	// Store persists enrolled sessions. It may be nil.
	Store SessionStore
}

// Receiver drives a session through the relay: it enrolls the mailbox,
// polls for a proposal and submits the payjoin. A Receiver owns its
// session exclusively and is not safe for concurrent use, except for
// State.
type Receiver struct {
	cfg     ReceiverConfig
	session *Session
	state   atomic.Uint32
}

// NewReceiver creates a receiver with no session.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	return &Receiver{cfg: cfg}
}

// State returns the phase of the receiver's session.
func (r *Receiver) State() State {
	return State(r.state.Load())
}

// Session returns the current session, if any.
func (r *Receiver) Session() *Session {
	return r.session
}

func (r *Receiver) setState(s State) {
	r.state.Store(uint32(s))
}

// sync publishes the session's state and forgets sessions that ended.
func (r *Receiver) sync() {
	s := r.session.State()
	r.setState(s)

	if s.Terminal() && r.cfg.Store != nil {
		if err := r.cfg.Store.DeleteSession(r.session.ID()); err != nil {
			log.Errorf("Unable to delete session %s: %v",
				r.session.ID(), err)
		}
	}
}

// Establish fetches the directory's keys, creates a session paying addr
// and enrolls its mailbox.
func (r *Receiver) Establish(ctx context.Context,
	addr btcutil.Address) (*Session, error) {

	r.setState(StateAwaitingKeys)
	keys, err := r.cfg.Keys.Fetch(ctx, r.cfg.Relay, r.cfg.Directory)
	if err != nil {
		r.setState(StateUninitialized)
		return nil, err
	}

	session, err := NewSession(SessionConfig{
		Address:   addr,
		Directory: r.cfg.Directory,
		Relay:     r.cfg.Relay,
		Keys:      keys,
		Lifetime:  r.cfg.Lifetime,
		Clock:     r.cfg.Clock,
	})
	if err != nil {
		r.setState(StateUninitialized)
		return nil, recvError(ErrImplementation,
			"cannot create session", err)
	}
	r.session = session
	r.sync()

	if err := r.Enroll(ctx); err != nil {
		return session, err
	}
	return session, nil
}

// Resume adopts a restored session.
func (r *Receiver) Resume(session *Session) {
	r.session = session
	r.sync()
}

// Enroll registers the session's mailbox with the directory. It does
// nothing once the session is enrolled.
func (r *Receiver) Enroll(ctx context.Context) error {
	if r.session == nil {
		return recvError(ErrInvalidState, "cannot enroll",
			ErrWrongPhase)
	}
	if r.session.State() != StateEstablished {
		return nil
	}

	req, rctx, err := r.session.ExtractReq()
	if err != nil {
		r.sync()
		return err
	}
	body, err := r.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	if _, err := r.session.ProcessRes(body, rctx); err != nil {
		r.sync()
		return err
	}
	r.sync()

	r.persist()

	return nil
}

// persist stores the session record if a store is configured.
func (r *Receiver) persist() {
	if r.cfg.Store == nil {
		return
	}
	rec, err := r.session.Snapshot()
	if err == nil {
		err = r.cfg.Store.PutSession(rec)
	}
	if err != nil {
		log.Errorf("Unable to persist session %s: %v",
			r.session.ID(), err)
	}
}

func (r *Receiver) roundTrip(ctx context.Context,
	req *EncryptedRequest) ([]byte, error) {

	body, err := r.cfg.Transport.Post(ctx, req.URL, req.ContentType,
		req.Body)
	if err != nil {
		return nil, recvError(ErrTransport, "relay request failed", err)
	}
	return body, nil
}

// PollForProposal polls the mailbox until a proposal arrives, the session
// ends or ctx is cancelled. Transport failures are logged and retried on
// the next tick. Cancelling leaves the session Polling so a later call
// resumes where this one stopped.
func (r *Receiver) PollForProposal(
	ctx context.Context) (*UncheckedProposal, error) {

	if r.session == nil {
		return nil, recvError(ErrInvalidState, "cannot poll",
			ErrWrongPhase)
	}
	if err := r.Enroll(ctx); err != nil {
		return nil, err
	}

	r.cfg.PollTicker.Resume()
	defer r.cfg.PollTicker.Pause()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		proposal, err := r.pollOnce(ctx)
		switch {
		case err == nil && proposal != nil:
			return proposal, nil

		case err == nil:
			log.Tracef("Session %s: poll %d found nothing",
				r.session.ID(), attempt)

		case ctx.Err() != nil:
			return nil, ctx.Err()

		case IsRetryable(err):
			log.Warnf("Session %s: poll %d failed: %v",
				r.session.ID(), attempt, err)

		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.cfg.PollTicker.Ticks():
		}
	}
}

func (r *Receiver) pollOnce(ctx context.Context) (*UncheckedProposal,
	error) {

	defer r.sync()

	req, rctx, err := r.session.ExtractReq()
	if err != nil {
		return nil, err
	}
	body, err := r.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.session.ProcessRes(body, rctx)
}

// Submit posts the payjoin proposal to the sender's mailbox and returns the
// authoritative payjoin PSBT. A failure flagged by IsInFlight may have
// reached the directory.
func (r *Receiver) Submit(ctx context.Context,
	proposal *PayjoinProposal) (*psbt.Packet, error) {

	defer r.sync()

	req, rctx, err := proposal.ExtractReq()
	if err != nil {
		return nil, err
	}
	r.setState(StateSubmitting)

	body, err := r.cfg.Transport.Post(ctx, req.URL, req.ContentType,
		req.Body)
	if err != nil {
		return nil, Error{
			Code:        ErrTransport,
			Description: "cannot post payjoin proposal",
			Err:         err,
			InFlight:    true,
		}
	}

	packet, err := proposal.ProcessRes(body, rctx)
	if err != nil {
		var e Error
		if errors.As(err, &e) && e.Code == ErrTransport {
			e.InFlight = true
			return nil, e
		}
		return nil, err
	}

	return packet, nil
}
