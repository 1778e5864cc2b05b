// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"net/http"

	"github.com/btcsuite/btcpayjoin/ohttp"
)

// requestKind tells a ResponseContext which request it answers.
type requestKind uint8

const (
	kindEnroll requestKind = iota
	kindPoll
	kindSubmit
)

func (k requestKind) String() string {
	switch k {
	case kindEnroll:
		return "enroll"
	case kindPoll:
		return "poll"
	case kindSubmit:
		return "submit"
	default:
		return "unknown"
	}
}

// EncryptedRequest is a request ready to be POSTed to the relay.
type EncryptedRequest struct {
	URL         string
	ContentType string
	Body        []byte
}

// ResponseContext is the state needed to open the reply to one
// EncryptedRequest. It is single use.
type ResponseContext struct {
	session *Session
	kind    requestKind
	ohttp   *ohttp.ClientContext
	used    bool
}

// encapsulate wraps an HTTP request to the directory for delivery through
// the relay.
func (s *Session) encapsulate(method, target string, body []byte,
	kind requestKind) (*EncryptedRequest, *ResponseContext, error) {

	inner, err := ohttp.NewRequest(method, target, body)
	if err != nil {
		return nil, nil, recvError(ErrImplementation,
			"cannot build directory request", err)
	}
	if body != nil {
		inner.Header.Set("Content-Type", "text/plain")
	}
	bhttp, err := inner.MarshalBinary()
	if err != nil {
		return nil, nil, recvError(ErrImplementation,
			"cannot encode directory request", err)
	}

	encapsulated, octx, err := ohttp.EncapsulateRequest(s.keys, bhttp)
	if err != nil {
		return nil, nil, recvError(ErrImplementation,
			"cannot encapsulate directory request", err)
	}

	log.Tracef("Session %s: extracted %v request %s %s", s.id, kind,
		method, target)

	req := &EncryptedRequest{
		URL:         s.relay.String(),
		ContentType: ohttp.RequestContentType,
		Body:        encapsulated,
	}
	return req, &ResponseContext{session: s, kind: kind, ohttp: octx}, nil
}

// claim checks ctx may open a reply of the given kind on this session and
// marks it used.
func (s *Session) claim(ctx *ResponseContext, kind requestKind) error {
	switch {
	case ctx == nil || ctx.session != s:
		return recvError(ErrInvalidState, "cannot process response",
			ErrForeignContext)

	case ctx.used:
		return recvError(ErrInvalidState, "cannot process response",
			ErrContextReused)

	case ctx.kind != kind:
		return recvError(ErrInvalidState, "cannot process response",
			ErrWrongPhase)
	}

	ctx.used = true
	return nil
}

// openResponse decapsulates the relay's reply. Any failure to decode it
// fails the session.
func (s *Session) openResponse(body []byte,
	ctx *ResponseContext) (*ohttp.Response, error) {

	bhttp, err := ctx.ohttp.DecapsulateResponse(body)
	if err != nil {
		return nil, s.fail("cannot decapsulate directory response", err)
	}
	resp, err := ohttp.ParseResponse(bhttp)
	if err != nil {
		return nil, s.fail("cannot decode directory response", err)
	}

	log.Tracef("Session %s: directory answered %d %s", s.id,
		resp.StatusCode, http.StatusText(resp.StatusCode))

	return resp, nil
}
