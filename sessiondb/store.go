// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sessiondb persists payjoin receive sessions and the inputs of
// every proposal the receiver has seen.
package sessiondb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcpayjoin/internal/zero"
	"github.com/btcsuite/btcpayjoin/receive"
	"github.com/btcsuite/btcwallet/walletdb"

	// Register the bolt database driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

const (
	// DBName is the file name of the session database.
	DBName = "payjoin.db"

	// LatestVersion is the most recent store version.
	LatestVersion = 1
)

// Bucket names
var (
	bucketMeta       = []byte("meta")
	bucketSessions   = []byte("sessions")
	bucketSeenInputs = []byte("seeninputs")

	keyVersion = []byte("version")
)

// outPointSize is the size of a serialized outpoint key.
const outPointSize = chainhash.HashSize + 4

// Store is a walletdb backed session store.
type Store struct {
	db walletdb.DB
}

// A compile-time assertion that Store serves the receiver.
var (
	_ receive.SeenInputChecker = (*Store)(nil)
	_ receive.SessionStore     = (*Store)(nil)
)

// Open opens or creates the session database in dir.
func Open(dir string, noFreelistSync bool,
	timeout time.Duration) (*Store, error) {

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storeError(ErrDatabase, "cannot create db dir", err)
	}

	dbPath := filepath.Join(dir, DBName)
	var (
		db  walletdb.DB
		err error
	)
	if _, statErr := os.Stat(dbPath); os.IsNotExist(statErr) {
		db, err = walletdb.Create("bdb", dbPath, noFreelistSync, timeout)
	} else {
		db, err = walletdb.Open("bdb", dbPath, noFreelistSync, timeout)
	}
	if err != nil {
		return nil, storeError(ErrDatabase, "cannot open db", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Opened session database %s", dbPath)

	return s, nil
}

// New creates the store's buckets in db if needed and returns the store.
func New(db walletdb.DB) (*Store, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		meta, err := tx.CreateTopLevelBucket(bucketMeta)
		if err != nil {
			return err
		}

		if v := meta.Get(keyVersion); v != nil {
			if len(v) != 4 {
				return storeError(ErrData,
					"malformed version", nil)
			}
			if version := byteOrder.Uint32(v); version >
				LatestVersion {

				return storeError(ErrUnknownVersion,
					"database is newer than supported", nil)
			}
		} else {
			var v [4]byte
			byteOrder.PutUint32(v[:], LatestVersion)
			if err := meta.Put(keyVersion, v[:]); err != nil {
				return err
			}
		}

		if _, err := tx.CreateTopLevelBucket(bucketSessions); err != nil {
			return err
		}
		_, err = tx.CreateTopLevelBucket(bucketSeenInputs)
		return err
	})
	if err != nil {
		if _, ok := err.(StoreError); ok {
			return nil, err
		}
		return nil, storeError(ErrDatabase, "cannot create buckets", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func keyOutPoint(op wire.OutPoint) []byte {
	k := make([]byte, outPointSize)
	copy(k, op.Hash[:])
	byteOrder.PutUint32(k[chainhash.HashSize:], op.Index)
	return k
}

// InsertInputSeenBefore records op and reports whether it was already
// recorded. The check and the insert are one transaction.
func (s *Store) InsertInputSeenBefore(op wire.OutPoint) (bool, error) {
	var seen bool
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(bucketSeenInputs)
		k := keyOutPoint(op)
		if b.Get(k) != nil {
			seen = true
			return nil
		}

		var v [8]byte
		byteOrder.PutUint64(v[:], uint64(time.Now().Unix()))
		return b.Put(k, v[:])
	})
	if err != nil {
		return false, storeError(ErrDatabase, "cannot record input", err)
	}

	if seen {
		log.Debugf("Input %v was seen before", op)
	}
	return seen, nil
}

// SeenBefore implements receive.SeenInputChecker. It records op as a side
// effect, including when a later input of the same proposal is refused.
func (s *Store) SeenBefore(op wire.OutPoint) (bool, error) {
	return s.InsertInputSeenBefore(op)
}

// PutSession inserts or replaces a session record.
func (s *Store) PutSession(rec *receive.SessionRecord) error {
	v, err := tlvEncodeSession(rec)
	if err != nil {
		return storeError(ErrData, "cannot encode session", err)
	}

	// The encoding carries the session key and is only needed until the
	// transaction commits.
	defer zero.Bytes(v)

	err = walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return tx.ReadWriteBucket(bucketSessions).Put([]byte(rec.ID), v)
	})
	if err != nil {
		return storeError(ErrDatabase, "cannot put session", err)
	}

	log.Debugf("Stored session %s", rec.ID)
	return nil
}

// FetchSession returns the record of session id.
func (s *Store) FetchSession(id string) (*receive.SessionRecord, error) {
	var rec *receive.SessionRecord
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		v := tx.ReadBucket(bucketSessions).Get([]byte(id))
		if v == nil {
			return storeError(ErrSessionNotFound,
				"session "+id+" not found", nil)
		}

		var err error
		rec, err = tlvDecodeSession(id, v)
		if err != nil {
			return storeError(ErrData, "cannot decode session", err)
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(StoreError); ok {
			return nil, err
		}
		return nil, storeError(ErrDatabase, "cannot fetch session", err)
	}

	return rec, nil
}

// DeleteSession removes session id. Deleting an unknown session is not an
// error.
func (s *Store) DeleteSession(id string) error {
	err := walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return tx.ReadWriteBucket(bucketSessions).Delete([]byte(id))
	})
	if err != nil {
		return storeError(ErrDatabase, "cannot delete session", err)
	}

	log.Debugf("Deleted session %s", id)
	return nil
}

// ForEachSession calls f with every stored session.
func (s *Store) ForEachSession(f func(*receive.SessionRecord) error) error {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		return tx.ReadBucket(bucketSessions).ForEach(func(k, v []byte) error {
			rec, err := tlvDecodeSession(string(k), v)
			if err != nil {
				return storeError(ErrData,
					"cannot decode session", err)
			}
			return f(rec)
		})
	})
}
