// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretAgreement(t *testing.T) {
	require := require.New(t)

	alice, err := New(rand.Reader)
	require.NoError(err)
	bob, err := New(rand.Reader)
	require.NoError(err)

	ab, err := alice.SharedSecret(bob.PublicKey())
	require.NoError(err)
	ba, err := bob.SharedSecret(alice.PublicKey())
	require.NoError(err)
	require.Equal(ab, ba)

	require.Len(alice.ID(), 64)
	require.NotEqual(alice.ID(), bob.ID())
	require.Equal(alice.ID(), IDFromPublicKey(alice.PublicKey()))
}

func TestSharedSecretRejectsLowOrder(t *testing.T) {
	require := require.New(t)

	alice, err := New(rand.Reader)
	require.NoError(err)

	zero, err := ParsePublicKey(make([]byte, 32))
	require.NoError(err)
	_, err = alice.SharedSecret(zero)
	require.ErrorIs(err, ErrBadPublicKey)

	_, err = alice.SharedSecret(nil)
	require.ErrorIs(err, ErrBadPublicKey)

	_, err = ParsePublicKey([]byte{1, 2, 3})
	require.ErrorIs(err, ErrBadPublicKey)
}

func TestLoadPersists(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	first, err := Load(dir, rand.Reader)
	require.NoError(err)
	second, err := Load(dir, rand.Reader)
	require.NoError(err)
	require.Equal(first.ID(), second.ID())
	require.Equal(first.PublicKeyBytes(), second.PublicKeyBytes())
}
