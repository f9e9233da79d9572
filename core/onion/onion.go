// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package onion implements layered envelope routing.
//
// An envelope for the route h_1..h_N carries N layers, one per hop,
// outermost first.  Each layer is sealed with ChaCha20-Poly1305 under the
// session key shared by the origin and that hop, and decrypts to the
// identifier of the next hop followed by the remaining ciphertext.  The
// last layer names its own hop, which tells the final recipient that the
// remainder is the plaintext.
package onion

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultTTL is the default envelope lifetime.
	DefaultTTL = 300 * time.Second

	// DefaultMaxHops is the default upper bound on route length.
	DefaultMaxHops = 5

	// DefaultSessionKeyLifetime is the default session key cache expiry.
	DefaultSessionKeyLifetime = time.Hour

	// DefaultMaxEnvelopeSize is the default framed envelope size limit.
	DefaultMaxEnvelopeSize = 1 << 20

	defaultSessionCacheSize = 4096
	defaultReplayFilterBits = 23
	defaultReplayFPRate     = 0.001
)

var (
	// ErrEnvelopeExpired is an envelope past its TTL.
	ErrEnvelopeExpired = errors.New("onion: envelope expired")

	// ErrEnvelopeMalformed is a structurally invalid envelope or layer.
	ErrEnvelopeMalformed = errors.New("onion: envelope malformed")

	// ErrCryptoFailure is a key derivation or AEAD failure.
	ErrCryptoFailure = errors.New("onion: cryptographic failure")

	// ErrNoRoute is returned when no route to a destination exists.
	ErrNoRoute = errors.New("onion: no route")

	errReplay   = errors.New("onion: replayed layer")
	errHopLimit = errors.New("onion: hop limit exceeded")
)

// Config is the onion router configuration.
type Config struct {
	// TTL is the lifetime of envelopes created by this node.
	TTL time.Duration

	// MaxHops bounds the length of routes built by this node.
	MaxHops int

	// SessionKeyLifetime is how long a derived session key is cached.
	SessionKeyLifetime time.Duration

	// SessionCacheSize is the maximum number of cached session keys.
	SessionCacheSize int

	// ReplayFilterBits is log2 of the replay filter size in bits.
	ReplayFilterBits int

	// MaxEnvelopeSize bounds a framed envelope on the wire.
	MaxEnvelopeSize int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := new(Config)
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	if cfg.SessionKeyLifetime <= 0 {
		cfg.SessionKeyLifetime = DefaultSessionKeyLifetime
	}
	if cfg.SessionCacheSize <= 0 {
		cfg.SessionCacheSize = defaultSessionCacheSize
	}
	if cfg.ReplayFilterBits <= 0 {
		cfg.ReplayFilterBits = defaultReplayFilterBits
	}
	if cfg.MaxEnvelopeSize <= 0 {
		cfg.MaxEnvelopeSize = DefaultMaxEnvelopeSize
	}
}

func (cfg *Config) validate() error {
	if cfg.TTL < time.Second {
		return fmt.Errorf("onion: TTL %v is shorter than a second", cfg.TTL)
	}
	if cfg.MaxHops > 255 {
		return fmt.Errorf("onion: MaxHops %v is too large", cfg.MaxHops)
	}
	if cfg.ReplayFilterBits < 10 || cfg.ReplayFilterBits > 32 {
		return fmt.Errorf("onion: ReplayFilterBits %v is out of range", cfg.ReplayFilterBits)
	}
	return nil
}
