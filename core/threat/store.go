// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package threat

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Store persists blacklist entries across restarts.  The Engine never
// calls a Store while holding its lock.
type Store interface {
	// Load returns every stored entry, expired ones included.
	Load() ([]*BlacklistEntry, error)

	// Put inserts or replaces the entry keyed by its Identifier.
	Put(*BlacklistEntry) error

	// Delete removes the entry for identifier, if any.
	Delete(identifier string) error

	Close() error
}

type entryRecord struct {
	Identifier string `cbor:"1,keyasint"`
	Kind       int    `cbor:"2,keyasint"`
	Reason     string `cbor:"3,keyasint"`
	CreatedAt  int64  `cbor:"4,keyasint"`
	ExpiresAt  int64  `cbor:"5,keyasint,omitempty"`
	Level      int    `cbor:"6,keyasint"`
}

// MarshalEntry serializes a blacklist entry for storage.
func MarshalEntry(e *BlacklistEntry) ([]byte, error) {
	r := &entryRecord{
		Identifier: e.Identifier,
		Kind:       int(e.Kind),
		Reason:     e.Reason,
		CreatedAt:  e.CreatedAt.UnixNano(),
		Level:      int(e.Level),
	}
	if e.ExpiresAt != nil {
		r.ExpiresAt = e.ExpiresAt.UnixNano()
	}
	return cbor.Marshal(r)
}

// UnmarshalEntry deserializes a blacklist entry written by MarshalEntry.
func UnmarshalEntry(b []byte) (*BlacklistEntry, error) {
	r := new(entryRecord)
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, err
	}
	e := &BlacklistEntry{
		Identifier: r.Identifier,
		Kind:       EntityKind(r.Kind),
		Reason:     r.Reason,
		CreatedAt:  time.Unix(0, r.CreatedAt),
		Level:      Level(r.Level),
	}
	if r.ExpiresAt != 0 {
		t := time.Unix(0, r.ExpiresAt)
		e.ExpiresAt = &t
	}
	return e, nil
}
