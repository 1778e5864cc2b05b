// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package ohttp implements the client and gateway halves of Oblivious HTTP
(RFC 9458) together with the known-length Binary HTTP message format
(RFC 9292) it carries.

A client obtains a KeyConfig from the gateway, wraps a binary HTTP request
with EncapsulateRequest and hands the resulting bytes to a relay. The relay
forwards them to the gateway without being able to read them. The gateway
answers with an encapsulated response which only the ClientContext returned
by EncapsulateRequest can open.

	req, _ := ohttp.NewRequest("GET", "https://directory.example/abc", nil)
	plain, _ := req.MarshalBinary()
	enc, ctx, _ := ohttp.EncapsulateRequest(cfg, plain)
	// POST enc to the relay with RequestContentType ...
	respPlain, _ := ctx.DecapsulateResponse(body)
	resp, _ := ohttp.ParseResponse(respPlain)

Only HPKE suites built from HKDF and the AES-GCM or ChaCha20-Poly1305 AEADs
are supported. Besides the KEMs of circl's hpke package, KEMSecp256k1 is
accepted, since payjoin directories publish secp256k1 keys.
*/
package ohttp
