// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcpayjoin/ohttp"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultSessionLifetime is how long a session accepts proposals when no
// lifetime is configured.
const DefaultSessionLifetime = 24 * time.Hour

// State is the phase of a receive session.
type State uint8

// These constants enumerate the phases of a receive session.
const (
	StateUninitialized State = iota
	StateAwaitingKeys
	StateEstablished
	StatePolling
	StateProposalReceived
	StateSubmitting
	StateCompleted
	StateExpired
	StateFailed
)

var stateStrings = [...]string{
	StateUninitialized:    "uninitialized",
	StateAwaitingKeys:     "awaiting keys",
	StateEstablished:      "established",
	StatePolling:          "polling",
	StateProposalReceived: "proposal received",
	StateSubmitting:       "submitting",
	StateCompleted:        "completed",
	StateExpired:          "expired",
	StateFailed:           "failed",
}

// String returns the name of the state.
func (s State) String() string {
	if int(s) < len(stateStrings) {
		return stateStrings[s]
	}
	return fmt.Sprintf("unknown state (%d)", uint8(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateExpired || s == StateFailed
}

// SessionConfig holds the parameters of a new session.
type SessionConfig struct {
	// Address receives the payment.
	Address btcutil.Address

	// Directory is the payjoin directory hosting the mailbox.
	Directory *url.URL

	// Relay is the OHTTP relay all directory traffic goes through.
	Relay *url.URL

	// Keys is the directory's OHTTP key configuration.
	Keys *ohttp.KeyConfig

	// Lifetime bounds how long proposals are accepted. Zero means
	// DefaultSessionLifetime.
	Lifetime time.Duration

	// Clock is used for expiry. Nil means the system clock.
	Clock clock.Clock
}

// Session is one receive attempt: a mailbox on the directory, the key
// senders encrypt to, and an expiry. A Session is not safe for concurrent
// use.
type Session struct {
	address   btcutil.Address
	directory *url.URL
	relay     *url.URL
	keys      *ohttp.KeyConfig
	key       *btcec.PrivateKey
	id        string
	expiry    time.Time
	clock     clock.Clock

	state   State
	failure error

	// replyKey is the key the payjoin proposal is sealed to. It is nil
	// for senders that posted an unencrypted original.
	replyKey *btcec.PublicKey
}

// NewSession creates a session with a fresh mailbox key. The session starts
// Established and must be enrolled with the directory before it can be
// polled.
func NewSession(cfg SessionConfig) (*Session, error) {
	switch {
	case cfg.Address == nil:
		return nil, errors.New("session needs a receive address")
	case cfg.Directory == nil:
		return nil, errors.New("session needs a directory")
	case cfg.Relay == nil:
		return nil, errors.New("session needs a relay")
	case cfg.Keys == nil:
		return nil, errors.New("session needs ohttp keys")
	}

	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	lifetime := cfg.Lifetime
	if lifetime == 0 {
		lifetime = DefaultSessionLifetime
	}

	s := &Session{
		address:   cfg.Address,
		directory: cfg.Directory,
		relay:     cfg.Relay,
		keys:      cfg.Keys,
		key:       key,
		id:        mailboxID(key.PubKey()),
		expiry:    clk.Now().Add(lifetime),
		clock:     clk,
		state:     StateEstablished,
	}

	log.Debugf("Created session %s expiring at %v", s.id, s.expiry)

	return s, nil
}

// mailboxID derives the mailbox identifier from the session public key.
func mailboxID(pub *btcec.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub.SerializeCompressed())
}

// ID returns the mailbox identifier.
func (s *Session) ID() string { return s.id }

// State returns the current phase.
func (s *Session) State() State { return s.state }

// Expiry returns the time after which the session accepts nothing.
func (s *Session) Expiry() time.Time { return s.expiry }

// Address returns the address the sender pays.
func (s *Session) Address() btcutil.Address { return s.address }

// Keys returns the directory's OHTTP key configuration.
func (s *Session) Keys() *ohttp.KeyConfig { return s.keys }

// PublicKey returns the key senders encrypt their original to.
func (s *Session) PublicKey() *btcec.PublicKey { return s.key.PubKey() }

// Err returns the error that failed the session, if any.
func (s *Session) Err() error { return s.failure }

// MailboxURL returns the directory resource senders post originals to.
func (s *Session) MailboxURL() *url.URL {
	return s.directory.JoinPath(s.id)
}

// fail moves the session to Failed and returns the protocol error.
func (s *Session) fail(desc string, err error) error {
	e := recvError(ErrProtocol, desc, err)
	s.state = StateFailed
	s.failure = e

	log.Warnf("Session %s failed: %v", s.id, e)

	return e
}

// checkLive returns an error if the session has ended, moving it to Expired
// when its lifetime has elapsed.
func (s *Session) checkLive() error {
	switch s.state {
	case StateCompleted:
		return recvError(ErrInvalidState, "session completed",
			ErrWrongPhase)
	case StateFailed:
		return recvError(ErrProtocol, "session unusable",
			fmt.Errorf("%w: %w", ErrSessionFailed, s.failure))
	case StateExpired:
		return recvError(ErrExpiredSession, "session unusable",
			ErrSessionExpired)
	}

	if s.clock.Now().After(s.expiry) {
		s.state = StateExpired
		log.Infof("Session %s expired at %v", s.id, s.expiry)

		return recvError(ErrExpiredSession, "session unusable",
			ErrSessionExpired)
	}

	return nil
}

// ExtractReq builds the next request to the directory. While Established
// this enrolls the mailbox. While Polling it asks for a pending proposal.
func (s *Session) ExtractReq() (*EncryptedRequest, *ResponseContext, error) {
	if err := s.checkLive(); err != nil {
		return nil, nil, err
	}

	switch s.state {
	case StateEstablished:
		return s.encapsulate(
			http.MethodPost, s.directory.String(), []byte(s.id),
			kindEnroll,
		)

	case StatePolling:
		return s.encapsulate(
			http.MethodGet, s.MailboxURL().String(), nil, kindPoll,
		)

	default:
		return nil, nil, recvError(ErrInvalidState,
			fmt.Sprintf("cannot extract request while %v", s.state),
			ErrWrongPhase)
	}
}

// ProcessRes handles the relay's reply to a request from ExtractReq. A poll
// that found no proposal returns nil and nil; the caller should poll again.
func (s *Session) ProcessRes(body []byte,
	ctx *ResponseContext) (*UncheckedProposal, error) {

	if err := s.checkLive(); err != nil {
		return nil, err
	}

	// A context from a finished phase is misuse, not a protocol error.
	var want requestKind
	switch s.state {
	case StateEstablished:
		want = kindEnroll
	case StatePolling:
		want = kindPoll
	default:
		return nil, recvError(ErrInvalidState,
			fmt.Sprintf("cannot process response while %v", s.state),
			ErrWrongPhase)
	}
	if err := s.claim(ctx, want); err != nil {
		return nil, err
	}

	resp, err := s.openResponse(body, ctx)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, recvError(ErrTransport, "directory refused request",
			fmt.Errorf("status %d", resp.StatusCode))
	}

	if want == kindEnroll {
		s.state = StatePolling
		log.Infof("Session %s enrolled with %v", s.id, s.directory)

		return nil, nil
	}

	if len(resp.Body) == 0 || resp.StatusCode == http.StatusAccepted {
		log.Tracef("Session %s: no proposal yet", s.id)
		return nil, nil
	}

	proposal, err := s.readOriginal(resp.Body)
	if err != nil {
		return nil, err
	}
	s.state = StateProposalReceived

	log.Infof("Session %s received a proposal spending %d %s", s.id,
		len(proposal.p.original.UnsignedTx.TxIn),
		pickNoun(len(proposal.p.original.UnsignedTx.TxIn), "input",
			"inputs"))

	return proposal, nil
}

// readOriginal decodes a mailbox payload. Text payloads come from senders
// that do not encrypt; anything else is an encrypted message.
func (s *Session) readOriginal(body []byte) (*UncheckedProposal, error) {
	payload := body
	if !utf8.Valid(body) {
		plaintext, reply, err := decryptMessageA(body, s.key)
		if err != nil {
			return nil, s.fail("cannot decrypt original proposal", err)
		}
		payload = plaintext
		s.replyKey = reply
	}

	proposal, err := parseOriginal(s, payload)
	if err != nil {
		s.replyKey = nil
		return nil, s.fail("cannot parse original proposal", err)
	}

	return proposal, nil
}

// beginSubmit wraps the payjoin proposal for posting to the mailbox.
func (s *Session) beginSubmit(psbtB64 string) (*EncryptedRequest,
	*ResponseContext, error) {

	if err := s.checkLive(); err != nil {
		return nil, nil, err
	}
	if s.state != StateProposalReceived && s.state != StateSubmitting {
		return nil, nil, recvError(ErrInvalidState,
			fmt.Sprintf("cannot submit while %v", s.state),
			ErrWrongPhase)
	}

	body := []byte(psbtB64)
	if s.replyKey != nil {
		sealed, err := encryptMessageB(body, s.replyKey)
		if err != nil {
			return nil, nil, recvError(ErrImplementation,
				"cannot encrypt payjoin proposal", err)
		}
		body = sealed
	}

	req, ctx, err := s.encapsulate(
		http.MethodPost, s.MailboxURL().String(), body, kindSubmit,
	)
	if err != nil {
		return nil, nil, err
	}
	s.state = StateSubmitting

	return req, ctx, nil
}

// endSubmit handles the directory's answer to the payjoin proposal.
func (s *Session) endSubmit(body []byte, ctx *ResponseContext) error {
	if err := s.checkLive(); err != nil {
		return err
	}
	if s.state != StateSubmitting {
		return recvError(ErrInvalidState,
			fmt.Sprintf("cannot finish submit while %v", s.state),
			ErrWrongPhase)
	}
	if err := s.claim(ctx, kindSubmit); err != nil {
		return err
	}

	resp, err := s.openResponse(body, ctx)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return Error{
			Code:        ErrTransport,
			Description: "directory refused payjoin proposal",
			Err:         fmt.Errorf("status %d", resp.StatusCode),
			InFlight:    true,
		}
	}

	s.state = StateCompleted
	log.Infof("Session %s posted payjoin proposal", s.id)

	return nil
}

// SessionRecord is the persisted form of an enrolled session.
type SessionRecord struct {
	ID        string
	State     State
	Address   string
	Directory string
	Relay     string
	OhttpKeys []byte
	SecretKey []byte
	Expiry    time.Time
}

// Snapshot returns a record from which the session can be restored. Only
// sessions that have not received a proposal can be snapshotted.
func (s *Session) Snapshot() (*SessionRecord, error) {
	if s.state != StateEstablished && s.state != StatePolling {
		return nil, recvError(ErrInvalidState,
			fmt.Sprintf("cannot snapshot session while %v", s.state),
			ErrWrongPhase)
	}

	keys, err := s.keys.MarshalBinary()
	if err != nil {
		return nil, recvError(ErrImplementation,
			"cannot encode ohttp keys", err)
	}

	return &SessionRecord{
		ID:        s.id,
		State:     s.state,
		Address:   s.address.EncodeAddress(),
		Directory: s.directory.String(),
		Relay:     s.relay.String(),
		OhttpKeys: keys,
		SecretKey: s.key.Serialize(),
		Expiry:    s.expiry,
	}, nil
}

// RestoreSession rebuilds a session from its record.
func RestoreSession(rec *SessionRecord, params *chaincfg.Params,
	clk clock.Clock) (*Session, error) {

	if rec.State != StateEstablished && rec.State != StatePolling {
		return nil, fmt.Errorf("cannot restore session in state %v",
			rec.State)
	}

	addr, err := btcutil.DecodeAddress(rec.Address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid session address: %w", err)
	}
	directory, err := url.Parse(rec.Directory)
	if err != nil {
		return nil, fmt.Errorf("invalid session directory: %w", err)
	}
	relay, err := url.Parse(rec.Relay)
	if err != nil {
		return nil, fmt.Errorf("invalid session relay: %w", err)
	}
	keys, err := ohttp.ParseKeyConfig(rec.OhttpKeys)
	if err != nil {
		return nil, fmt.Errorf("invalid session keys: %w", err)
	}

	key, pub := btcec.PrivKeyFromBytes(rec.SecretKey)
	if id := mailboxID(pub); id != rec.ID {
		return nil, fmt.Errorf("session key does not match mailbox %s",
			rec.ID)
	}

	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &Session{
		address:   addr,
		directory: directory,
		relay:     relay,
		keys:      keys,
		key:       key,
		id:        rec.ID,
		expiry:    rec.Expiry,
		clock:     clk,
		state:     rec.State,
	}, nil
}
