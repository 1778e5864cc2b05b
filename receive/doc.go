// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package receive implements the receiving side of an asynchronous payjoin.

A receiver creates a Session, which owns a mailbox on a payjoin directory.
All traffic to the directory is wrapped with oblivious HTTP and sent through
a relay, so neither party learns the other's network address. The session
hands out a bitcoin URI; a sender pays to it by posting an encrypted
original transaction to the mailbox.

The original is checked by a chain of single use stages:

	proposal, err := session.ProcessRes(body, ctx)
	owned, err := proposal.CheckBroadcastSuitability(minRate, wallet)
	mixed, err := owned.CheckInputsNotOwned(wallet)
	seen, err := mixed.CheckNoMixedInputScripts()
	outputs, err := seen.CheckNoInputsSeenBefore(store)
	provisional, err := outputs.IdentifyReceiverOutputs(wallet)

The receiver then contributes one of its own coins, chosen so that the
payjoin does not reveal which inputs are its own, has its wallet sign it
and posts the result back to the sender's mailbox.

Receiver wraps these steps with a Transport and a polling loop.
*/
package receive
