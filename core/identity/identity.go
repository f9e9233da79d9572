// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity provides the long-term node identity: an X25519 key
// pair and the public identifier derived from it.
package identity

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/pem"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
)

const (
	// PrivateKeyFile is the identity private key file name within a
	// data directory.
	PrivateKeyFile = "identity.private.pem"

	// PublicKeyFile is the identity public key file name within a data
	// directory.
	PublicKeyFile = "identity.public.pem"
)

// ErrBadPublicKey is the error returned when a peer public key cannot be
// used for key agreement.
var ErrBadPublicKey = errors.New("identity: invalid public key")

var scheme = x25519.Scheme(rand.Reader)

// Scheme returns the NIKE scheme used for identities.
func Scheme() nike.Scheme {
	return scheme
}

// Identity is a node's long-term key pair.
type Identity struct {
	priv nike.PrivateKey
	pub  nike.PublicKey
	id   string
}

// ID returns the node identifier, the hex encoded blake2b-256 digest of
// the public key.
func (i *Identity) ID() string {
	return i.id
}

// PublicKey returns the identity public key.
func (i *Identity) PublicKey() nike.PublicKey {
	return i.pub
}

// PublicKeyBytes returns the raw identity public key.
func (i *Identity) PublicKeyBytes() []byte {
	return i.pub.Bytes()
}

// SharedSecret performs X25519 with the peer's public key.  Low order
// peer keys yield ErrBadPublicKey.
func (i *Identity) SharedSecret(peer nike.PublicKey) (secret []byte, err error) {
	if peer == nil {
		return nil, ErrBadPublicKey
	}
	defer func() {
		if r := recover(); r != nil {
			secret, err = nil, fmt.Errorf("%w: %v", ErrBadPublicKey, r)
		}
	}()
	secret = scheme.DeriveSecret(i.priv, peer)
	if subtle.ConstantTimeCompare(secret, make([]byte, len(secret))) == 1 {
		return nil, ErrBadPublicKey
	}
	return secret, nil
}

// Reset scrubs the private key.
func (i *Identity) Reset() {
	i.priv.Reset()
}

// New generates a fresh Identity from the entropy source rng.
func New(rng io.Reader) (*Identity, error) {
	pub, priv, err := scheme.GenerateKeyPairFromEntropy(rng)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, pub: pub, id: IDFromPublicKey(pub)}, nil
}

// FromPrivateKey returns the Identity for an existing private key.
func FromPrivateKey(priv nike.PrivateKey) *Identity {
	pub := scheme.DerivePublicKey(priv)
	return &Identity{priv: priv, pub: pub, id: IDFromPublicKey(pub)}
}

// Load reads the identity key pair from dataDir, generating and writing a
// new one if none exists.
func Load(dataDir string, rng io.Reader) (*Identity, error) {
	privFile := filepath.Join(dataDir, PrivateKeyFile)
	pubFile := filepath.Join(dataDir, PublicKeyFile)

	if _, err := os.Stat(privFile); err == nil {
		priv, err := pem.FromPrivatePEMFile(privFile, scheme)
		if err != nil {
			return nil, fmt.Errorf("identity: failed to load private key: %w", err)
		}
		return FromPrivateKey(priv), nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	id, err := New(rng)
	if err != nil {
		return nil, err
	}
	if err = pem.PrivateKeyToFile(privFile, id.priv, scheme); err != nil {
		return nil, fmt.Errorf("identity: failed to write private key: %w", err)
	}
	if err = pem.PublicKeyToFile(pubFile, id.pub, scheme); err != nil {
		return nil, fmt.Errorf("identity: failed to write public key: %w", err)
	}
	return id, nil
}

// IDFromPublicKey derives the node identifier for a public key.
func IDFromPublicKey(pub nike.PublicKey) string {
	digest := hash.Sum256(pub.Bytes())
	return hex.EncodeToString(digest[:])
}

// ParsePublicKey parses a raw X25519 public key.
func ParsePublicKey(b []byte) (nike.PublicKey, error) {
	if len(b) != scheme.PublicKeySize() {
		return nil, ErrBadPublicKey
	}
	pub, err := scheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	return pub, nil
}
