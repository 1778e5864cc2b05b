// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package receive

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
)

// mockWallet is a mock implementation of the Wallet interface.
type mockWallet struct {
	mock.Mock
}

// A compile-time assertion to ensure that mockWallet implements the Wallet
// interface.
var _ Wallet = (*mockWallet)(nil)

// CanBroadcast implements the MempoolChecker interface.
func (m *mockWallet) CanBroadcast(tx *wire.MsgTx) (bool, error) {
	args := m.Called(tx)
	return args.Bool(0), args.Error(1)
}

// IsMine implements the OwnershipChecker interface. The expectation may
// return a predicate instead of a fixed answer.
func (m *mockWallet) IsMine(pkScript []byte) (bool, error) {
	args := m.Called(pkScript)
	if f, ok := args.Get(0).(func([]byte) bool); ok {
		return f(pkScript), args.Error(1)
	}

	return args.Bool(0), args.Error(1)
}

// SignPsbt implements the Signer interface. A function returned by the
// expectation is applied to the packet.
func (m *mockWallet) SignPsbt(packet *psbt.Packet) (*psbt.Packet, error) {
	args := m.Called(packet)
	if f, ok := args.Get(0).(func(*psbt.Packet) (*psbt.Packet, error)); ok {
		return f(packet)
	}

	p, _ := args.Get(0).(*psbt.Packet)
	return p, args.Error(1)
}

// NewReceiveAddress implements the Wallet interface.
func (m *mockWallet) NewReceiveAddress() (btcutil.Address, error) {
	args := m.Called()
	addr, _ := args.Get(0).(btcutil.Address)
	return addr, args.Error(1)
}

// ListUnspent implements the Wallet interface.
func (m *mockWallet) ListUnspent() ([]CandidateInput, error) {
	args := m.Called()
	cs, _ := args.Get(0).([]CandidateInput)
	return cs, args.Error(1)
}

// mockSeenStore is a mock implementation of the SeenInputChecker
// interface.
type mockSeenStore struct {
	mock.Mock
}

var _ SeenInputChecker = (*mockSeenStore)(nil)

// SeenBefore implements the SeenInputChecker interface.
func (m *mockSeenStore) SeenBefore(op wire.OutPoint) (bool, error) {
	args := m.Called(op)
	return args.Bool(0), args.Error(1)
}

// mockSessionStore is a mock implementation of the SessionStore interface.
type mockSessionStore struct {
	mock.Mock
}

var _ SessionStore = (*mockSessionStore)(nil)

// PutSession implements the SessionStore interface.
func (m *mockSessionStore) PutSession(rec *SessionRecord) error {
	args := m.Called(rec)
	return args.Error(0)
}

// DeleteSession implements the SessionStore interface.
func (m *mockSessionStore) DeleteSession(id string) error {
	args := m.Called(id)
	return args.Error(0)
}
