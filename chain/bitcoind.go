// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcpayjoin/netparams"
	"github.com/btcsuite/btcpayjoin/receive"
)

const (
	// errStillLoadingCode is the error code returned when an RPC request
	// is made but bitcoind is still in the process of loading or verifying
	// blocks.
	errStillLoadingCode = "-28"

	// bitcoindStartTimeout is the time we wait for bitcoind to finish
	// loading and verifying blocks and become ready to serve RPC requests.
	bitcoindStartTimeout = 30 * time.Second
)

var (
	// ErrBitcoindStartTimeout is returned when the bitcoind daemon fails
	// to load and verify blocks under 30s during startup.
	ErrBitcoindStartTimeout = errors.New("bitcoind start timeout")

	// ErrUnexpectedResult is returned when bitcoind answers a wallet call
	// with a result that does not fit the request.
	ErrUnexpectedResult = errors.New("unexpected bitcoind result")
)

// startupRetryInterval is how long to wait between getblockhash calls while
// bitcoind is still warming up.
var startupRetryInterval = time.Second

// RPCClient is the part of rpcclient.Client the wallet oracle needs.
type RPCClient interface {
	GetBlockHash(blockHeight int64) (*chainhash.Hash, error)
	GetNewAddress(account string) (btcutil.Address, error)
	GetAddressInfo(address string) (*btcjson.GetAddressInfoResult, error)
	ListUnspent() ([]btcjson.ListUnspentResult, error)
	LockUnspent(unlock bool, ops []*wire.OutPoint) error
	TestMempoolAccept(txns []*wire.MsgTx,
		maxFeeRate float64) ([]*btcjson.TestMempoolAcceptResult, error)
	WalletProcessPsbt(psbt string, sign *bool,
		sighashType rpcclient.SigHashType,
		bip32Derivs *bool) (*btcjson.WalletProcessPsbtResult, error)
	Shutdown()
}

// Compile time assert the implementation.
var _ RPCClient = (*rpcclient.Client)(nil)

// BitcoindConfig contains all of the parameters required to reach a bitcoind
// wallet over RPC.
type BitcoindConfig struct {
	// ChainParams are the chain parameters the bitcoind server is running
	// on.
	ChainParams *chaincfg.Params

	// Host is the IP address and port of the bitcoind's RPC server.
	Host string

	// Wallet names the loaded bitcoind wallet to use. It is required
	// when bitcoind has more than one wallet loaded.
	Wallet string

	// User is the username to use to authenticate to bitcoind's RPC
	// server.
	User string

	// Pass is the passphrase to use to authenticate to bitcoind's RPC
	// server.
	Pass string

	// CookiePath is read for credentials instead of User and Pass when
	// set.
	CookiePath string

	// DisableTLS talks plain HTTP to the RPC server.
	DisableTLS bool

	// Certificates holds the PEM encoded RPC server certificate when TLS
	// is used.
	Certificates []byte
}

// BitcoindWallet answers the receiver's wallet questions with a bitcoind
// wallet. It implements receive.Wallet.
type BitcoindWallet struct {
	client      RPCClient
	chainParams *chaincfg.Params
}

// Compile time assert the implementation.
var (
	_ receive.Wallet     = (*BitcoindWallet)(nil)
	_ receive.UTXOLocker = (*BitcoindWallet)(nil)
)

// NewBitcoindWallet connects to the bitcoind wallet described by cfg. If the
// node does not operate on the network of cfg.ChainParams the connection is
// dropped and an error returned.
func NewBitcoindWallet(cfg *BitcoindConfig) (*BitcoindWallet, error) {
	host := cfg.Host
	if cfg.Wallet != "" {
		host = strings.TrimSuffix(host, "/") + "/wallet/" + cfg.Wallet
	}

	// The RPC client only decodes addresses with the networks it knows.
	// Testnet4 shares the address encoding of testnet3.
	clientNet := cfg.ChainParams.Name
	if cfg.ChainParams.Net == netparams.TestNet4 {
		clientNet = chaincfg.TestNet3Params.Name
	}

	connCfg := &rpcclient.ConnConfig{
		Host:                host,
		User:                cfg.User,
		Pass:                cfg.Pass,
		CookiePath:          cfg.CookiePath,
		Params:              clientNet,
		DisableConnectOnNew: true,
		DisableTLS:          cfg.DisableTLS,
		Certificates:        cfg.Certificates,
		HTTPPostMode:        true,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	w := NewBitcoindWalletFromClient(client, cfg.ChainParams)
	if err := w.CheckNetwork(); err != nil {
		client.Shutdown()
		return nil, err
	}

	return w, nil
}

// NewBitcoindWalletFromClient wraps an already configured RPC client.
func NewBitcoindWalletFromClient(client RPCClient,
	chainParams *chaincfg.Params) *BitcoindWallet {

	return &BitcoindWallet{
		client:      client,
		chainParams: chainParams,
	}
}

// CheckNetwork verifies that the node runs on the wallet's network.
func (w *BitcoindWallet) CheckNetwork() error {
	net, err := getCurrentNet(w.client)
	if err != nil {
		return err
	}
	if net != w.chainParams.Net {
		return fmt.Errorf("expected network %v, got %v",
			w.chainParams.Net, net)
	}

	return nil
}

// Close shuts down the RPC client.
func (w *BitcoindWallet) Close() {
	w.client.Shutdown()
}

// NewReceiveAddress returns a fresh address of the bitcoind wallet.
func (w *BitcoindWallet) NewReceiveAddress() (btcutil.Address, error) {
	addr, err := w.client.GetNewAddress("")
	if err != nil {
		return nil, err
	}
	if !addr.IsForNet(w.chainParams) {
		return nil, fmt.Errorf("%w: address %v is not for %s",
			ErrUnexpectedResult, addr, w.chainParams.Name)
	}

	log.Debugf("Using new receive address %v", addr)

	return addr, nil
}

// CanBroadcast asks bitcoind whether tx would be accepted to its mempool.
// A rejection is reported as false with a nil error.
func (w *BitcoindWallet) CanBroadcast(tx *wire.MsgTx) (bool, error) {
	// Use a max feerate of 0 means the default value will be used when
	// testing mempool acceptance. The default max feerate is 0.10
	// BTC/kvb, or 10,000 sat/vb.
	results, err := w.client.TestMempoolAccept([]*wire.MsgTx{tx}, 0)
	if err != nil {
		return false, err
	}

	// Sanity check that the expected single result is returned.
	if len(results) != 1 {
		return false, fmt.Errorf("%w: expected 1 mempool acceptance "+
			"result, got %d", ErrUnexpectedResult, len(results))
	}

	result := results[0]
	if !result.Allowed {
		log.Infof("Original transaction %v rejected by mempool: %s",
			tx.TxHash(), result.RejectReason)

		return false, nil
	}

	return true, nil
}

// IsMine reports whether pkScript pays an address the bitcoind wallet
// controls. Scripts that do not decode to exactly one address are not ours.
func (w *BitcoindWallet) IsMine(pkScript []byte) (bool, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		pkScript, w.chainParams,
	)
	if err != nil || len(addrs) != 1 {
		return false, nil
	}

	info, err := w.client.GetAddressInfo(addrs[0].EncodeAddress())
	if err != nil {
		return false, err
	}

	return info.IsMine, nil
}

// ListUnspent returns the spendable outputs of the bitcoind wallet as
// contribution candidates.
func (w *BitcoindWallet) ListUnspent() ([]receive.CandidateInput, error) {
	unspent, err := w.client.ListUnspent()
	if err != nil {
		return nil, err
	}

	candidates := make([]receive.CandidateInput, 0, len(unspent))
	for _, u := range unspent {
		if !u.Spendable {
			continue
		}

		candidate, err := candidateFromUnspent(u)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}

	log.Debugf("Wallet has %d spendable outputs", len(candidates))

	return candidates, nil
}

// candidateFromUnspent converts one listunspent entry.
func candidateFromUnspent(u btcjson.ListUnspentResult) (
	receive.CandidateInput, error) {

	hash, err := chainhash.NewHashFromStr(u.TxID)
	if err != nil {
		return receive.CandidateInput{}, fmt.Errorf("%w: txid %q: %v",
			ErrUnexpectedResult, u.TxID, err)
	}
	pkScript, err := hex.DecodeString(u.ScriptPubKey)
	if err != nil {
		return receive.CandidateInput{}, fmt.Errorf("%w: script of "+
			"%v:%d: %v", ErrUnexpectedResult, hash, u.Vout, err)
	}
	amount, err := btcutil.NewAmount(u.Amount)
	if err != nil {
		return receive.CandidateInput{}, fmt.Errorf("%w: amount of "+
			"%v:%d: %v", ErrUnexpectedResult, hash, u.Vout, err)
	}

	return receive.CandidateInput{
		Amount:   amount,
		OutPoint: *wire.NewOutPoint(hash, u.Vout),
		PkScript: pkScript,
	}, nil
}

// LockUnspent keeps bitcoind from listing ops as spendable. The locks live
// in bitcoind's memory and are dropped when it restarts.
func (w *BitcoindWallet) LockUnspent(ops []wire.OutPoint) error {
	return w.lockUnspent(false, ops)
}

// UnlockUnspent releases locks taken by LockUnspent.
func (w *BitcoindWallet) UnlockUnspent(ops []wire.OutPoint) error {
	return w.lockUnspent(true, ops)
}

func (w *BitcoindWallet) lockUnspent(unlock bool, ops []wire.OutPoint) error {
	if len(ops) == 0 {
		return nil
	}

	ptrs := make([]*wire.OutPoint, len(ops))
	for i := range ops {
		ptrs[i] = &ops[i]
	}
	if err := w.client.LockUnspent(unlock, ptrs); err != nil {
		return err
	}

	log.Debugf("Changed lock of %d outputs (unlock=%v)", len(ops), unlock)

	return nil
}

// SignPsbt has bitcoind sign and finalize the inputs of packet it owns.
func (w *BitcoindWallet) SignPsbt(packet *psbt.Packet) (*psbt.Packet, error) {
	b64, err := packet.B64Encode()
	if err != nil {
		return nil, err
	}

	sign, bip32Derivs := true, true
	result, err := w.client.WalletProcessPsbt(
		b64, &sign, rpcclient.SigHashAll, &bip32Derivs,
	)
	if err != nil {
		return nil, err
	}

	signed, err := psbt.NewFromRawBytes(
		bytes.NewReader([]byte(result.Psbt)), true,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: processed psbt: %v",
			ErrUnexpectedResult, err)
	}

	log.Debugf("bitcoind processed payjoin psbt (complete=%v)",
		result.Complete)

	return signed, nil
}

// getCurrentNet returns the network the node behind client operates on.
func getCurrentNet(client RPCClient) (wire.BitcoinNet, error) {
	hash, err := getBlockHashDuringStartup(client)
	if err != nil {
		return 0, err
	}

	params, ok := netparams.ByGenesisHash(hash)
	if !ok {
		return 0, fmt.Errorf("unknown network with genesis hash %v", hash)
	}

	return params.Net, nil
}

// getBlockHashDuringStartup fetches the genesis hash, retrying while
// bitcoind reports it is still loading.
func getBlockHashDuringStartup(client RPCClient) (*chainhash.Hash, error) {
	hash, err := client.GetBlockHash(0)

	// Exit early if there's no error.
	if err == nil {
		return hash, nil
	}

	// If the error doesn't start with "-28", it's an unexpected error so
	// we exit with it.
	if !strings.Contains(err.Error(), errStillLoadingCode) {
		return nil, err
	}

	timeout := time.After(bitcoindStartTimeout)
	for {
		select {
		case <-timeout:
			return nil, ErrBitcoindStartTimeout

		case <-time.After(startupRetryInterval):
			hash, err = client.GetBlockHash(0)
			if err == nil {
				return hash, nil
			}

			if !strings.Contains(err.Error(), errStillLoadingCode) {
				return nil, err
			}
		}
	}
}
