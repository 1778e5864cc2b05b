// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ohttp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/quic-go/quic-go/quicvarint"
)

const (
	framingKnownLengthRequest  = 0
	framingKnownLengthResponse = 1
)

// ErrMalformedBHTTP is returned for binary HTTP messages that cannot be
// decoded.
var ErrMalformedBHTTP = errors.New("malformed binary http message")

// Request is a binary HTTP request.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Header    http.Header
	Body      []byte
}

// NewRequest builds a request for an absolute URL.
func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("url %q is not absolute", rawURL)
	}

	return &Request{
		Method:    method,
		Scheme:    u.Scheme,
		Authority: u.Host,
		Path:      u.RequestURI(),
		Header:    make(http.Header),
		Body:      body,
	}, nil
}

// URL reassembles the request target.
func (r *Request) URL() string {
	return r.Scheme + "://" + r.Authority + r.Path
}

// MarshalBinary encodes the request in known-length form.
func (r *Request) MarshalBinary() ([]byte, error) {
	b := quicvarint.Append(nil, framingKnownLengthRequest)
	for _, s := range []string{r.Method, r.Scheme, r.Authority, r.Path} {
		b = appendBytes(b, []byte(s))
	}
	b = appendFields(b, r.Header)
	b = appendBytes(b, r.Body)

	// Empty trailer section.
	return quicvarint.Append(b, 0), nil
}

// ParseRequest decodes a known-length binary HTTP request.
func ParseRequest(b []byte) (*Request, error) {
	d := newDecoder(b)
	framing, err := d.varint()
	if err != nil {
		return nil, err
	}
	if framing != framingKnownLengthRequest {
		return nil, fmt.Errorf("%w: framing indicator %d",
			ErrMalformedBHTTP, framing)
	}

	var control [4]string
	for i := range control {
		v, err := d.bytes()
		if err != nil {
			return nil, err
		}
		control[i] = string(v)
	}

	r := &Request{
		Method:    control[0],
		Scheme:    control[1],
		Authority: control[2],
		Path:      control[3],
	}
	if r.Header, err = d.fields(); err != nil {
		return nil, err
	}
	if r.Body, err = d.optionalBytes(); err != nil {
		return nil, err
	}
	if _, err := d.fields(); err != nil {
		return nil, err
	}

	return r, d.padding()
}

// Response is a binary HTTP response. Informational responses are dropped
// when parsing.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Success reports whether the status code is in the 2xx range.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// MarshalBinary encodes the response in known-length form.
func (r *Response) MarshalBinary() ([]byte, error) {
	if r.StatusCode < 200 || r.StatusCode > 599 {
		return nil, fmt.Errorf("invalid final status %d", r.StatusCode)
	}

	b := quicvarint.Append(nil, framingKnownLengthResponse)
	b = quicvarint.Append(b, uint64(r.StatusCode))
	b = appendFields(b, r.Header)
	b = appendBytes(b, r.Body)

	return quicvarint.Append(b, 0), nil
}

// ParseResponse decodes a known-length binary HTTP response.
func ParseResponse(b []byte) (*Response, error) {
	d := newDecoder(b)
	framing, err := d.varint()
	if err != nil {
		return nil, err
	}
	if framing != framingKnownLengthResponse {
		return nil, fmt.Errorf("%w: framing indicator %d",
			ErrMalformedBHTTP, framing)
	}

	r := &Response{}
	for {
		status, err := d.varint()
		if err != nil {
			return nil, err
		}
		if status < 100 || status > 599 {
			return nil, fmt.Errorf("%w: status %d",
				ErrMalformedBHTTP, status)
		}

		header, err := d.fields()
		if err != nil {
			return nil, err
		}
		if status >= 200 {
			r.StatusCode = int(status)
			r.Header = header
			break
		}
	}

	if r.Body, err = d.optionalBytes(); err != nil {
		return nil, err
	}
	if _, err := d.fields(); err != nil {
		return nil, err
	}

	return r, d.padding()
}

// appendBytes appends a length prefixed byte string.
func appendBytes(b, v []byte) []byte {
	b = quicvarint.Append(b, uint64(len(v)))
	return append(b, v...)
}

// appendFields appends a known-length field section. Names are lower cased
// and sorted so the encoding is stable.
func appendFields(b []byte, h http.Header) []byte {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var section []byte
	for _, name := range names {
		for _, v := range h[name] {
			section = appendBytes(section, []byte(strings.ToLower(name)))
			section = appendBytes(section, []byte(v))
		}
	}

	return appendBytes(b, section)
}

// decoder reads the primitives of a binary HTTP message.
type decoder struct {
	r *bytes.Reader
}

func newDecoder(b []byte) *decoder {
	return &decoder{r: bytes.NewReader(b)}
}

func (d *decoder) varint() (uint64, error) {
	v, err := quicvarint.Read(d.r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedBHTTP, err)
	}

	return v, nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.varint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.r.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d",
			ErrMalformedBHTTP, n, d.r.Len())
	}

	v := make([]byte, n)
	if _, err := io.ReadFull(d.r, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBHTTP, err)
	}

	return v, nil
}

// optionalBytes reads a length prefixed value that may be absent because
// the message was truncated.
func (d *decoder) optionalBytes() ([]byte, error) {
	if d.r.Len() == 0 {
		return nil, nil
	}

	return d.bytes()
}

// fields reads a known-length field section. A truncated message yields an
// empty section.
func (d *decoder) fields() (http.Header, error) {
	h := make(http.Header)
	if d.r.Len() == 0 {
		return h, nil
	}

	section, err := d.bytes()
	if err != nil {
		return nil, err
	}

	fd := newDecoder(section)
	for fd.r.Len() > 0 {
		name, err := fd.bytes()
		if err != nil {
			return nil, err
		}
		value, err := fd.bytes()
		if err != nil {
			return nil, err
		}
		h.Add(string(name), string(value))
	}

	return h, nil
}

// padding checks that anything after the message is zero padding.
func (d *decoder) padding() error {
	for d.r.Len() > 0 {
		b, _ := d.r.ReadByte()
		if b != 0 {
			return fmt.Errorf("%w: trailing data", ErrMalformedBHTTP)
		}
	}

	return nil
}
