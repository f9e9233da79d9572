// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/nike"
	"golang.org/x/crypto/hkdf"

	"github.com/ghostwire/ghostwire/core/identity"
)

const sessionKeySalt = "ghostwire/onion/v1"

type sessionKey struct {
	key       []byte
	expiresAt time.Time
}

// SessionCache caches the symmetric keys shared with each peer.
type SessionCache struct {
	sync.Mutex

	local    *identity.Identity
	clock    clock.Clock
	lifetime time.Duration
	keys     *lru.Cache[string, *sessionKey]
}

// NewSessionCache returns a cache of at most size keys, each valid for
// lifetime.
func NewSessionCache(local *identity.Identity, size int, lifetime time.Duration, clk clock.Clock) (*SessionCache, error) {
	keys, err := lru.New[string, *sessionKey](size)
	if err != nil {
		return nil, err
	}
	return &SessionCache{
		local:    local,
		clock:    clk,
		lifetime: lifetime,
		keys:     keys,
	}, nil
}

// Key returns the session key shared with peerID, deriving it on a miss.
func (c *SessionCache) Key(peerID string, peer nike.PublicKey) ([]byte, error) {
	now := c.clock.Now()

	c.Lock()
	defer c.Unlock()

	if sk, ok := c.keys.Get(peerID); ok && now.Before(sk.expiresAt) {
		return sk.key, nil
	}
	key, err := DeriveSessionKey(c.local, peerID, peer)
	if err != nil {
		return nil, err
	}
	c.keys.Add(peerID, &sessionKey{key: key, expiresAt: now.Add(c.lifetime)})
	return key, nil
}

// Forget drops the key shared with peerID.
func (c *SessionCache) Forget(peerID string) {
	c.Lock()
	defer c.Unlock()
	c.keys.Remove(peerID)
}

// Prune evicts expired keys and returns how many were removed.
func (c *SessionCache) Prune() int {
	now := c.clock.Now()

	c.Lock()
	defer c.Unlock()

	n := 0
	for _, id := range c.keys.Keys() {
		if sk, ok := c.keys.Peek(id); ok && !now.Before(sk.expiresAt) {
			c.keys.Remove(id)
			n++
		}
	}
	return n
}

// Len returns the number of cached keys.
func (c *SessionCache) Len() int {
	return c.keys.Len()
}

// DeriveSessionKey derives the key shared by local and the peer, which
// both sides compute identically.
func DeriveSessionKey(local *identity.Identity, peerID string, peer nike.PublicKey) ([]byte, error) {
	if peer == nil {
		return nil, fmt.Errorf("%w: no public key for %v", ErrCryptoFailure, peerID)
	}
	secret, err := local.SharedSecret(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}

	ids := []string{local.ID(), peerID}
	sort.Strings(ids)
	info := []byte(ids[0] + ids[1])

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(sessionKeySalt), info), key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return key, nil
}
