// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package stealth implements the obfuscated connection handshake.
//
// The initiator sends a version byte and a magic marker.  In stealth mode
// the responder then sends a random challenge which the initiator must
// answer with HMAC-SHA256 keyed by the shared handshake secret:
//
//	-> version (1) || magic
//	<- challenge (16)            stealth mode only
//	-> HMAC(secret, challenge)   stealth mode only
//
// Admission checks run before a single byte is read, and every step is
// bounded by its own deadline.
package stealth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// Version is the current protocol version.
	Version = 0x01

	// DefaultMagic is the default magic marker.
	DefaultMagic = "GWSTH"

	// ChallengeSize is the size of the responder's challenge.
	ChallengeSize = 16

	// ResponseSize is the size of the initiator's challenge response.
	ResponseSize = sha256.Size

	// MinSecretSize is the minimum handshake secret size.
	MinSecretSize = 32

	defaultHandshakeTimeout     = time.Second
	defaultConnectionsPerMinute = 10
	defaultMaxAcceptAttempts    = 3
)

// Config is the StealthGate configuration.
type Config struct {
	// Version is the version byte expected from and sent to peers.
	Version byte

	// Magic is the marker following the version byte.
	Magic []byte

	// StealthMode enables the challenge-response step.
	StealthMode bool

	// Secret is the shared handshake secret, required in stealth mode.
	Secret []byte

	// HandshakeTimeout bounds each individual handshake step.
	HandshakeTimeout time.Duration

	// ConnectionsPerMinute is the per-address inbound connection rate,
	// which is also the burst size.
	ConnectionsPerMinute int

	// MaxAcceptAttempts bounds the AcceptSecure loop.
	MaxAcceptAttempts int

	// AllowList, if not empty, restricts inbound connections to the
	// listed networks.
	AllowList []netip.Prefix
}

// DefaultConfig returns the default configuration, with stealth mode off.
func DefaultConfig() *Config {
	cfg := new(Config)
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Version == 0 {
		cfg.Version = Version
	}
	if len(cfg.Magic) == 0 {
		cfg.Magic = []byte(DefaultMagic)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ConnectionsPerMinute <= 0 {
		cfg.ConnectionsPerMinute = defaultConnectionsPerMinute
	}
	if cfg.MaxAcceptAttempts <= 0 {
		cfg.MaxAcceptAttempts = defaultMaxAcceptAttempts
	}
}

func (cfg *Config) validate() error {
	if cfg.StealthMode && len(cfg.Secret) < MinSecretSize {
		return fmt.Errorf("stealth: secret must be at least %d bytes in stealth mode", MinSecretSize)
	}
	for _, p := range cfg.AllowList {
		if !p.IsValid() {
			return errors.New("stealth: invalid allow list prefix")
		}
	}
	return nil
}

// GenerateSecret returns a fresh random handshake secret, for self-test
// and for provisioning new deployments.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, MinSecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// ChallengeResponse returns HMAC-SHA256(secret, challenge).
func ChallengeResponse(secret, challenge []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(challenge)
	return m.Sum(nil)
}
