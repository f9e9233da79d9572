// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/katzenpost/chacha20poly1305"
)

// Envelope is an onion routed message.
type Envelope struct {
	ID uuid.UUID `cbor:"1,keyasint"`

	// Sender is the origin's node ID.
	Sender string `cbor:"2,keyasint"`

	// Recipient is the node that is to peel the next layer.
	Recipient string `cbor:"3,keyasint"`

	// Content is the ciphertext of the outermost remaining layer.
	Content []byte `cbor:"4,keyasint"`

	// Layers holds the nonce of every remaining layer, outermost first.
	Layers [][]byte `cbor:"5,keyasint"`

	// Timestamp is the creation time in seconds since the epoch.
	Timestamp int64 `cbor:"6,keyasint"`

	// TTL is the lifetime in seconds.
	TTL uint32 `cbor:"7,keyasint"`

	HopCount uint8 `cbor:"8,keyasint"`
	MaxHops  uint8 `cbor:"9,keyasint"`
}

// Expired returns true if the envelope's lifetime ended before now.
func (e *Envelope) Expired(now time.Time) bool {
	return now.Unix() > e.Timestamp+int64(e.TTL)
}

func (e *Envelope) validate() error {
	switch {
	case e.Sender == "" || e.Recipient == "":
		return fmt.Errorf("%w: missing node id", ErrEnvelopeMalformed)
	case len(e.Layers) == 0:
		return fmt.Errorf("%w: no layers", ErrEnvelopeMalformed)
	case e.HopCount > e.MaxHops:
		return fmt.Errorf("%w: hop count %d exceeds %d", ErrEnvelopeMalformed, e.HopCount, e.MaxHops)
	case len(e.Content) < chacha20poly1305.Overhead+bodyHeaderSize:
		return fmt.Errorf("%w: content too short", ErrEnvelopeMalformed)
	}
	for _, nonce := range e.Layers {
		if len(nonce) != chacha20poly1305.NonceSize {
			return fmt.Errorf("%w: bad layer nonce", ErrEnvelopeMalformed)
		}
	}
	return nil
}

// associatedData is the data every layer is bound to: the envelope
// header minus the fields that change per hop.
//
// [16 byte id][8 byte timestamp][4 byte ttl][1 byte max hops][sender]
func (e *Envelope) associatedData() []byte {
	ad := make([]byte, 0, len(e.ID)+8+4+1+len(e.Sender))
	ad = append(ad, e.ID[:]...)
	ad = binary.BigEndian.AppendUint64(ad, uint64(e.Timestamp))
	ad = binary.BigEndian.AppendUint32(ad, e.TTL)
	ad = append(ad, e.MaxHops)
	return append(ad, e.Sender...)
}

// hop advances the hop count, returning false if that would exceed
// MaxHops.
func (e *Envelope) hop() bool {
	if e.HopCount >= e.MaxHops {
		return false
	}
	e.HopCount++
	return true
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	return cbor.Marshal((*envelope)(e))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	return cbor.Unmarshal(data, (*envelope)(e))
}

// envelope sheds the marshaler methods so cbor encodes the struct fields.
type envelope Envelope

// WriteEnvelope writes env to w as a length prefixed frame.
func WriteEnvelope(w io.Writer, env *Envelope, maxSize int) error {
	b, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	if len(b) > maxSize {
		return fmt.Errorf("onion: envelope of %d bytes exceeds %d", len(b), maxSize)
	}
	frame := make([]byte, 4, 4+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	frame = append(frame, b...)
	_, err = w.Write(frame)
	return err
}

// ReadEnvelope reads a length prefixed frame from r.  A frame that
// exceeds maxSize or does not decode is ErrEnvelopeMalformed.
func ReadEnvelope(r io.Reader, maxSize int) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrEnvelopeMalformed, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	env := new(Envelope)
	if err := env.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeMalformed, err)
	}
	return env, nil
}
