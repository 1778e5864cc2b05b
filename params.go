// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import "github.com/btcsuite/btcpayjoin/netparams"

// activeNet is the network the receiver and its bitcoind wallet run on. It
// is set by loadConfig.
var activeNet = &netparams.MainNetParams
