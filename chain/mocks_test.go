// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
)

// mockRPCClient mocks the RPCClient interface.
type mockRPCClient struct {
	mock.Mock
}

// Compile time assert the implementation.
var _ RPCClient = (*mockRPCClient)(nil)

func (m *mockRPCClient) GetBlockHash(height int64) (*chainhash.Hash, error) {
	args := m.Called(height)

	hash := args.Get(0)
	if hash == nil {
		return nil, args.Error(1)
	}

	return hash.(*chainhash.Hash), args.Error(1)
}

func (m *mockRPCClient) GetNewAddress(account string) (btcutil.Address,
	error) {

	args := m.Called(account)

	addr := args.Get(0)
	if addr == nil {
		return nil, args.Error(1)
	}

	return addr.(btcutil.Address), args.Error(1)
}

func (m *mockRPCClient) GetAddressInfo(
	address string) (*btcjson.GetAddressInfoResult, error) {

	args := m.Called(address)

	info := args.Get(0)
	if info == nil {
		return nil, args.Error(1)
	}

	return info.(*btcjson.GetAddressInfoResult), args.Error(1)
}

func (m *mockRPCClient) ListUnspent() ([]btcjson.ListUnspentResult, error) {
	args := m.Called()

	unspent := args.Get(0)
	if unspent == nil {
		return nil, args.Error(1)
	}

	return unspent.([]btcjson.ListUnspentResult), args.Error(1)
}

func (m *mockRPCClient) LockUnspent(unlock bool,
	ops []*wire.OutPoint) error {

	args := m.Called(unlock, ops)
	return args.Error(0)
}

func (m *mockRPCClient) TestMempoolAccept(txns []*wire.MsgTx,
	maxFeeRate float64) ([]*btcjson.TestMempoolAcceptResult, error) {

	args := m.Called(txns, maxFeeRate)

	results := args.Get(0)
	if results == nil {
		return nil, args.Error(1)
	}

	return results.([]*btcjson.TestMempoolAcceptResult), args.Error(1)
}

func (m *mockRPCClient) WalletProcessPsbt(psbt string, sign *bool,
	sighashType rpcclient.SigHashType,
	bip32Derivs *bool) (*btcjson.WalletProcessPsbtResult, error) {

	args := m.Called(psbt, sign, sighashType, bip32Derivs)

	result := args.Get(0)
	if result == nil {
		return nil, args.Error(1)
	}

	return result.(*btcjson.WalletProcessPsbtResult), args.Error(1)
}

func (m *mockRPCClient) Shutdown() {
	m.Called()
}
