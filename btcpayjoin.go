// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcpayjoin/chain"
	"github.com/btcsuite/btcpayjoin/internal/jitter"
	"github.com/btcsuite/btcpayjoin/pkg/unit"
	"github.com/btcsuite/btcpayjoin/receive"
	"github.com/btcsuite/btcpayjoin/sessiondb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var cfg *config

// payjoinWallet is the wallet the command drives. Besides answering the
// receiver's questions it locks the coins it contributes.
type payjoinWallet interface {
	receive.Wallet
	receive.UTXOLocker
}

func main() {
	// Work around defer not working after os.Exit.
	if err := payjoinMain(); err != nil {
		os.Exit(1)
	}
}

// payjoinMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func payjoinMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s on %s", version(), activeNet.Params.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addInterruptHandler(cancel)

	wallet, err := connectWallet()
	if err != nil {
		log.Errorf("Unable to connect to bitcoind: %v", err)
		return err
	}
	defer wallet.Close()

	store, err := sessiondb.Open(cfg.DataDir, cfg.NoFreelistSync,
		cfg.DBTimeout)
	if err != nil {
		log.Errorf("Unable to open session database: %v", err)
		return err
	}
	defer store.Close()

	pollTicker := jitter.New(cfg.PollInterval, cfg.PollJitter)
	defer pollTicker.Stop()

	clk := clock.NewDefaultClock()
	receiver := receive.NewReceiver(receive.ReceiverConfig{
		Transport:  receive.NewHTTPTransport(cfg.HTTPTimeout),
		Keys:       receive.NewKeyCache(receive.DefaultKeysTTL, clk),
		Directory:  cfg.Directory.URL,
		Relay:      cfg.Relay.URL,
		Lifetime:   cfg.Expiry,
		Clock:      clk,
		PollTicker: pollTicker,
		Store:      store,
	})

	session, err := startSession(ctx, receiver, store, wallet, clk)
	if err != nil {
		log.Errorf("Unable to start payjoin session: %v", err)
		return err
	}

	uri := session.PjURIBuilder().
		Amount(cfg.Amount.Amount).
		Label(cfg.Label).
		Message(cfg.Message).
		DisableOutputSubstitution(cfg.NoPjos).
		Build()
	fmt.Printf("Payjoin URI:\n%s\n", uri)
	log.Infof("Session %s expires at %v", session.ID(), session.Expiry())

	proposal, err := receiver.PollForProposal(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Infof("Stopped polling; session %s can be resumed",
				session.ID())
			return nil
		}
		log.Errorf("Polling failed: %v", err)
		return err
	}

	// Inputs are recorded as they are checked so a replayed original is
	// refused.
	seen := receive.SeenInputCheckerFunc(store.InsertInputSeenBefore)
	payjoin, err := processProposal(proposal, wallet, seen)
	if err != nil {
		log.Errorf("Payjoin proposal rejected: %v", err)
		logFallback(proposal)
		return err
	}

	packet, err := receiver.Submit(ctx, payjoin)
	if err != nil {
		if receive.IsInFlight(err) {
			log.Warnf("Payjoin proposal may have reached the "+
				"directory: %v", err)
		} else {
			releaseCoins(wallet, payjoin.UTXOsToBeLocked())
		}
		log.Errorf("Unable to submit payjoin proposal: %v", err)
		logFallback(proposal)
		return err
	}

	fmt.Printf("Response successful. Watch mempool for successful "+
		"payjoin. TXID: %v\n", packet.UnsignedTx.TxHash())

	return nil
}

// connectWallet connects to the configured bitcoind wallet.
func connectWallet() (*chain.BitcoindWallet, error) {
	var certs []byte
	if !cfg.DisableClientTLS && cfg.CAFile != "" {
		var err error
		certs, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
	}

	bitcoindCfg := &chain.BitcoindConfig{
		ChainParams:  activeNet.Params,
		Host:         cfg.RPCConnect,
		Wallet:       cfg.RPCWallet,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		DisableTLS:   cfg.DisableClientTLS,
		Certificates: certs,
	}
	if cfg.RPCUser == "" {
		bitcoindCfg.CookiePath = cfg.RPCCookie
	}

	return chain.NewBitcoindWallet(bitcoindCfg)
}

// startSession resumes the enrolled session expiring last or, if there is
// none or a new one was requested, establishes a fresh session paying a new
// wallet address.
func startSession(ctx context.Context, receiver *receive.Receiver,
	store *sessiondb.Store, wallet receive.Wallet,
	clk clock.Clock) (*receive.Session, error) {

	if !cfg.NewSession {
		var records []*receive.SessionRecord
		collect := func(rec *receive.SessionRecord) error {
			records = append(records, rec)
			return nil
		}
		if err := store.ForEachSession(collect); err != nil {
			return nil, err
		}

		rec, stale := pickSession(records, clk.Now())
		for _, id := range stale {
			log.Infof("Forgetting expired session %s", id)
			if err := store.DeleteSession(id); err != nil {
				return nil, err
			}
		}

		if rec != nil {
			session, err := receive.RestoreSession(
				rec, activeNet.Params, clk,
			)
			if err == nil {
				log.Infof("Resuming session %s", session.ID())
				receiver.Resume(session)
				return session, nil
			}

			log.Warnf("Unable to restore session %s: %v", rec.ID,
				err)
			if err := store.DeleteSession(rec.ID); err != nil {
				return nil, err
			}
		}
	}

	addr, err := wallet.NewReceiveAddress()
	if err != nil {
		return nil, err
	}

	return receiver.Establish(ctx, addr)
}

// pickSession returns the unexpired record that expires last, if any, and
// the ids of the expired ones.
func pickSession(records []*receive.SessionRecord,
	now time.Time) (*receive.SessionRecord, []string) {

	var (
		best  *receive.SessionRecord
		stale []string
	)
	for _, rec := range records {
		if !now.Before(rec.Expiry) {
			stale = append(stale, rec.ID)
			continue
		}
		if best == nil || rec.Expiry.After(best.Expiry) {
			best = rec
		}
	}

	return best, stale
}

// processProposal runs a received proposal through every check, contributes
// a wallet coin when one can be picked without revealing the receiver's
// outputs and returns the signed payjoin proposal.
func processProposal(proposal *receive.UncheckedProposal,
	wallet payjoinWallet,
	seen receive.SeenInputChecker) (*receive.PayjoinProposal, error) {

	minFeeRate := fn.None[unit.SatPerVByte]()
	if cfg.MinFeeRate.Set {
		minFeeRate = fn.Some(cfg.MinFeeRate.SatPerVByte)
	}

	inputsOwned, err := proposal.CheckBroadcastSuitability(
		minFeeRate, wallet,
	)
	if err != nil {
		return nil, err
	}
	mixedScripts, err := inputsOwned.CheckInputsNotOwned(wallet)
	if err != nil {
		return nil, err
	}
	inputsSeen, err := mixedScripts.CheckNoMixedInputScripts()
	if err != nil {
		return nil, err
	}

	outputs, err := inputsSeen.CheckNoInputsSeenBefore(seen)
	if err != nil {
		return nil, err
	}
	provisional, err := outputs.IdentifyReceiverOutputs(wallet)
	if err != nil {
		return nil, err
	}

	candidates, err := wallet.ListUnspent()
	if err != nil {
		return nil, err
	}
	selected, err := provisional.TryPreservingPrivacy(candidates)
	switch {
	case err == nil:
		for _, c := range candidates {
			if c.OutPoint != selected {
				continue
			}
			err := provisional.ContributeWitnessInput(
				c.TxOut(), c.OutPoint,
			)
			if err != nil {
				return nil, err
			}
			log.Infof("Contributing %v from %v", c.Amount,
				c.OutPoint)
		}

	case receive.HasCode(err, receive.ErrNoSuitableInput):
		log.Warnf("Not contributing an input: %v", err)

	default:
		return nil, err
	}

	payjoin, err := provisional.FinalizeProposal(wallet, minFeeRate)
	if err != nil {
		return nil, err
	}

	locked := payjoin.UTXOsToBeLocked()
	if err := wallet.LockUnspent(locked); err != nil {
		return nil, fmt.Errorf("unable to lock contributed coins: %w",
			err)
	}
	log.Infof("Payjoin proposal pays %v (%v) and spends %d wallet %s",
		payjoin.Fee(), payjoin.FeeRate(), len(locked),
		pickNoun(len(locked), "coin", "coins"))

	return payjoin, nil
}

// releaseCoins unlocks contributed coins of a payjoin that was certainly
// not delivered.
func releaseCoins(wallet receive.UTXOLocker, ops []wire.OutPoint) {
	if err := wallet.UnlockUnspent(ops); err != nil {
		log.Warnf("Unable to unlock contributed coins: %v", err)
	}
}

// logFallback prints the sender's original transaction so it can be
// broadcast when the payjoin cannot be completed.
func logFallback(proposal *receive.UncheckedProposal) {
	tx, err := proposal.ExtractTxToScheduleBroadcast()
	if err != nil {
		log.Errorf("Unable to extract original transaction: %v", err)
		return
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		log.Errorf("Unable to serialize original transaction: %v", err)
		return
	}

	log.Infof("Original transaction %v can be broadcast instead: %s",
		tx.TxHash(), hex.EncodeToString(buf.Bytes()))
}
