// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package redisstore implements a threat.Store backed by Redis, so that
// several nodes can share one blacklist.  Entry expiry is mapped onto
// the native key TTL.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ghostwire/ghostwire/core/threat"
)

const (
	// DefaultPrefix is the key namespace used for blacklist entries.
	DefaultPrefix = "ghostwire:blacklist:"

	opTimeout = 5 * time.Second
	scanCount = 256
)

type redisStore struct {
	client *redis.Client
	prefix string
}

func (s *redisStore) key(identifier string) string {
	return s.prefix + identifier
}

// Load implements threat.Store.
func (s *redisStore) Load() ([]*threat.BlacklistEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var entries []*threat.BlacklistEntry
	iter := s.client.Scan(ctx, 0, s.prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		b, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e, err := threat.UnmarshalEntry(b)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, iter.Err()
}

// Put implements threat.Store.
func (s *redisStore) Put(e *threat.BlacklistEntry) error {
	if e.Identifier == "" {
		return fmt.Errorf("redisstore: empty identifier")
	}
	ttl, ok := ttlFor(e, time.Now())
	if !ok {
		return s.Delete(e.Identifier)
	}
	b, err := threat.MarshalEntry(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.client.Set(ctx, s.key(e.Identifier), b, ttl).Err()
}

// Delete implements threat.Store.
func (s *redisStore) Delete(identifier string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.client.Del(ctx, s.key(identifier)).Err()
}

// Close implements threat.Store.
func (s *redisStore) Close() error {
	return s.client.Close()
}

// ttlFor returns the key TTL for an entry, 0 meaning none.  ok is false
// if the entry has already expired.
func ttlFor(e *threat.BlacklistEntry, now time.Time) (ttl time.Duration, ok bool) {
	if e.ExpiresAt == nil {
		return 0, true
	}
	ttl = e.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return 0, false
	}
	// Redis rounds to milliseconds, never let that turn into "no TTL".
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl, true
}

// New connects to the Redis server at url (e.g. redis://localhost:6379/0)
// and returns a Store using keys under prefix, or DefaultPrefix if empty.
func New(url, prefix string) (threat.Store, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: invalid url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisstore: %w", err)
	}
	return NewWithClient(client, prefix), nil
}

// NewWithClient returns a Store using an existing client.
func NewWithClient(client *redis.Client, prefix string) threat.Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &redisStore{client: client, prefix: prefix}
}
