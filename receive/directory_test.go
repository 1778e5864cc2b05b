// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcpayjoin/ohttp"
	"github.com/stretchr/testify/require"
)

var (
	testDirectory, _ = url.Parse("https://directory.example/")
	testRelay, _     = url.Parse("https://relay.example/")

	errRelayDown = errors.New("relay unreachable")
)

// fakeDirectory is an in-memory payjoin directory behind an OHTTP gateway.
// It implements Transport so a receiver can talk to it directly.
type fakeDirectory struct {
	t       *testing.T
	gateway *ohttp.Gateway

	mu       sync.Mutex
	enrolled map[string]bool
	pending  map[string][]byte
	replies  map[string][]byte
	requests int

	// failures is the number of upcoming requests that fail at the
	// transport level.
	failures int

	// garbage makes the relay answer with undecodable bytes.
	garbage bool

	// status, when set, is the inner status of every answer.
	status int

	// onPoll is called with the number of empty polls so far.
	onPoll func(n int)
	polls  int
}

var _ Transport = (*fakeDirectory)(nil)

func newFakeDirectory(t *testing.T) *fakeDirectory {
	t.Helper()

	// Same KEM as the public payjoin directories.
	gateway, err := ohttp.NewGatewayForKEM(1, ohttp.KEMSecp256k1)
	require.NoError(t, err)

	return &fakeDirectory{
		t:        t,
		gateway:  gateway,
		enrolled: make(map[string]bool),
		pending:  make(map[string][]byte),
		replies:  make(map[string][]byte),
	}
}

// keys returns the gateway's key configuration.
func (d *fakeDirectory) keys() *ohttp.KeyConfig {
	return d.gateway.Config()
}

// Post implements Transport.
func (d *fakeDirectory) Post(ctx context.Context, rawURL, contentType string,
	body []byte) ([]byte, error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.failures > 0 {
		d.failures--
		return nil, errRelayDown
	}
	if rawURL != testRelay.String() ||
		contentType != ohttp.RequestContentType {

		return nil, errors.New("bad relay request")
	}

	bhttp, sctx, err := d.gateway.DecapsulateRequest(body)
	if err != nil {
		return nil, err
	}
	req, err := ohttp.ParseRequest(bhttp)
	if err != nil {
		return nil, err
	}

	resp := d.handle(req)
	if d.status != 0 {
		resp.StatusCode = d.status
	}
	inner, err := resp.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if d.garbage {
		return []byte("definitely not an ohttp response"), nil
	}

	return sctx.EncapsulateResponse(inner)
}

func (d *fakeDirectory) handle(req *ohttp.Request) *ohttp.Response {
	id := strings.TrimPrefix(req.Path, "/")

	switch {
	case req.Method == http.MethodPost && id == "":
		d.enrolled[string(req.Body)] = true
		return &ohttp.Response{StatusCode: http.StatusOK}

	case req.Method == http.MethodGet && d.enrolled[id]:
		msg, ok := d.pending[id]
		if !ok {
			d.polls++
			if d.onPoll != nil {
				d.onPoll(d.polls)
			}
			return &ohttp.Response{StatusCode: http.StatusAccepted}
		}
		delete(d.pending, id)
		return &ohttp.Response{StatusCode: http.StatusOK, Body: msg}

	case req.Method == http.MethodPost && d.enrolled[id]:
		d.replies[id] = req.Body
		return &ohttp.Response{StatusCode: http.StatusOK}

	default:
		return &ohttp.Response{StatusCode: http.StatusNotFound}
	}
}

// postOriginalLocked stores a sender's message. The caller holds d.mu.
func (d *fakeDirectory) postOriginalLocked(id string, msg []byte) {
	d.pending[id] = msg
}

// postOriginal encrypts payload to the session and stores it in its
// mailbox. It returns the sender's reply key.
func (d *fakeDirectory) postOriginal(s *Session,
	payload []byte) *btcec.PrivateKey {

	d.t.Helper()

	msg, reply, err := encryptMessageA(payload, s.PublicKey())
	require.NoError(d.t, err)

	d.mu.Lock()
	d.postOriginalLocked(s.ID(), msg)
	d.mu.Unlock()

	return reply
}

// reply returns what the receiver posted to the mailbox.
func (d *fakeDirectory) reply(id string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.replies[id]
}

// roundTrip sends req and processes the answer on s.
func (d *fakeDirectory) roundTrip(s *Session) (*UncheckedProposal, error) {
	d.t.Helper()

	req, ctx, err := s.ExtractReq()
	if err != nil {
		return nil, err
	}
	body, err := d.Post(
		context.Background(), req.URL, req.ContentType, req.Body,
	)
	require.NoError(d.t, err)

	return s.ProcessRes(body, ctx)
}
