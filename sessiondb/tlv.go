// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sessiondb

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcpayjoin/receive"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeSessionState     tlv.Type = 1
	typeSessionAddress   tlv.Type = 2
	typeSessionDirectory tlv.Type = 3
	typeSessionRelay     tlv.Type = 4
	typeSessionKeys      tlv.Type = 5
	typeSessionSecret    tlv.Type = 6
	typeSessionExpiry    tlv.Type = 7
)

// tlvEncodeSession encodes a session record as a TLV stream. The mailbox
// id is the record's key and is not part of the value.
func tlvEncodeSession(rec *receive.SessionRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot encode nil session")
	}

	var (
		state     = uint8(rec.State)
		address   = []byte(rec.Address)
		directory = []byte(rec.Directory)
		relay     = []byte(rec.Relay)
		keys      = rec.OhttpKeys
		secret    = rec.SecretKey
		expiry    = uint64(rec.Expiry.UnixNano())
	)

	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeSessionState, &state),
		tlv.MakePrimitiveRecord(typeSessionAddress, &address),
		tlv.MakePrimitiveRecord(typeSessionDirectory, &directory),
		tlv.MakePrimitiveRecord(typeSessionRelay, &relay),
		tlv.MakePrimitiveRecord(typeSessionKeys, &keys),
		tlv.MakePrimitiveRecord(typeSessionSecret, &secret),
		tlv.MakePrimitiveRecord(typeSessionExpiry, &expiry),
	)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tlvStream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// tlvDecodeSession decodes a session record stored under id.
func tlvDecodeSession(id string, tlvData []byte) (*receive.SessionRecord,
	error) {

	var (
		state     uint8
		address   []byte
		directory []byte
		relay     []byte
		expiry    uint64
		rec       = &receive.SessionRecord{ID: id}
	)

	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeSessionState, &state),
		tlv.MakePrimitiveRecord(typeSessionAddress, &address),
		tlv.MakePrimitiveRecord(typeSessionDirectory, &directory),
		tlv.MakePrimitiveRecord(typeSessionRelay, &relay),
		tlv.MakePrimitiveRecord(typeSessionKeys, &rec.OhttpKeys),
		tlv.MakePrimitiveRecord(typeSessionSecret, &rec.SecretKey),
		tlv.MakePrimitiveRecord(typeSessionExpiry, &expiry),
	)
	if err != nil {
		return nil, err
	}

	parsedTypes, err := tlvStream.DecodeWithParsedTypes(
		bytes.NewReader(tlvData),
	)
	if err != nil {
		return nil, err
	}
	for _, typ := range []tlv.Type{
		typeSessionAddress, typeSessionDirectory, typeSessionRelay,
		typeSessionKeys, typeSessionSecret, typeSessionExpiry,
	} {
		if _, ok := parsedTypes[typ]; !ok {
			return nil, fmt.Errorf("session record missing type %d",
				typ)
		}
	}

	rec.State = receive.State(state)
	rec.Address = string(address)
	rec.Directory = string(directory)
	rec.Relay = string(relay)
	rec.Expiry = time.Unix(0, int64(expiry))

	return rec, nil
}
