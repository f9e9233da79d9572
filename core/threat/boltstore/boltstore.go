// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltstore implements a threat.Store on top of a bbolt database.
package boltstore

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ghostwire/ghostwire/core/threat"
)

const (
	metadataBucket  = "metadata"
	blacklistBucket = "blacklist"
	versionKey      = "version"

	schemaVersion = 0
)

type boltStore struct {
	db *bolt.DB
}

// Load implements threat.Store.  Undecodable records are skipped.
func (s *boltStore) Load() ([]*threat.BlacklistEntry, error) {
	var entries []*threat.BlacklistEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(blacklistBucket)).ForEach(func(k, v []byte) error {
			e, err := threat.UnmarshalEntry(v)
			if err != nil {
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// Put implements threat.Store.
func (s *boltStore) Put(e *threat.BlacklistEntry) error {
	if e.Identifier == "" {
		return fmt.Errorf("boltstore: empty identifier")
	}
	b, err := threat.MarshalEntry(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(blacklistBucket)).Put([]byte(e.Identifier), b)
	})
}

// Delete implements threat.Store.
func (s *boltStore) Delete(identifier string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(blacklistBucket)).Delete([]byte(identifier))
	})
}

// Close implements threat.Store.
func (s *boltStore) Close() error {
	s.db.Sync()
	return s.db.Close()
}

// New creates (or loads) a blacklist database with the file name f.
func New(f string) (threat.Store, error) {
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(blacklistBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != schemaVersion {
				return fmt.Errorf("boltstore: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{schemaVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}
