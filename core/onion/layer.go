// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/rand"
)

// A layer body is [4 byte little endian id length][next hop id][rest].
const bodyHeaderSize = 4

func encodeBody(next string, rest []byte) []byte {
	b := make([]byte, bodyHeaderSize, bodyHeaderSize+len(next)+len(rest))
	binary.LittleEndian.PutUint32(b, uint32(len(next)))
	b = append(b, next...)
	return append(b, rest...)
}

func decodeBody(b []byte) (next string, rest []byte, err error) {
	if len(b) < bodyHeaderSize {
		return "", nil, fmt.Errorf("%w: short layer body", ErrEnvelopeMalformed)
	}
	n := binary.LittleEndian.Uint32(b)
	if n == 0 || uint64(n) > uint64(len(b)-bodyHeaderSize) {
		return "", nil, fmt.Errorf("%w: bad next hop length %d", ErrEnvelopeMalformed, n)
	}
	b = b[bodyHeaderSize:]
	return string(b[:n]), b[n:], nil
}

func seal(key, plaintext, ad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, ad), nil
}

func open(key, nonce, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}
