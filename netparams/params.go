// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// RPCClientPort is the default bitcoind RPC port of the network.
	RPCClientPort string
}

// MainNetParams contains parameters specific to running btcpayjoin against
// bitcoind on the main network (wire.MainNet).
var MainNetParams = Params{
	Params:        &chaincfg.MainNetParams,
	RPCClientPort: "8332",
}

// TestNet3Params contains parameters specific to running btcpayjoin against
// bitcoind on the test network (version 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:        &chaincfg.TestNet3Params,
	RPCClientPort: "18332",
}

// TestNet4Params contains parameters specific to running btcpayjoin against
// bitcoind on the test network (version 4).
var TestNet4Params = Params{
	Params:        &TestNet4ChainParams,
	RPCClientPort: "48332",
}

// SigNetParams contains parameters specific to running btcpayjoin against
// bitcoind on the default signet.
var SigNetParams = Params{
	Params:        &chaincfg.SigNetParams,
	RPCClientPort: "38332",
}

// RegressionNetParams contains parameters specific to running btcpayjoin
// against bitcoind in regtest mode.
var RegressionNetParams = Params{
	Params:        &chaincfg.RegressionNetParams,
	RPCClientPort: "18443",
}

// all lists every network a bitcoind node can run on.
var all = []*Params{
	&MainNetParams,
	&TestNet3Params,
	&TestNet4Params,
	&SigNetParams,
	&RegressionNetParams,
}

// ByGenesisHash returns the network whose genesis block hashes to hash.
func ByGenesisHash(hash *chainhash.Hash) (*Params, bool) {
	for _, p := range all {
		if p.GenesisHash.IsEqual(hash) {
			return p, true
		}
	}

	return nil, false
}
