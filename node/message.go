// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Message is an application message carried inside an envelope.
type Message struct {
	Sender    string `cbor:"1,keyasint"`
	Recipient string `cbor:"2,keyasint"`
	Payload   []byte `cbor:"3,keyasint"`

	// Timestamp is the send time in Unix nanoseconds.
	Timestamp int64 `cbor:"4,keyasint"`
}

// Time returns the send time.
func (m *Message) Time() time.Time {
	return time.Unix(0, m.Timestamp)
}

func (m *Message) marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

func unmarshalMessage(b []byte) (*Message, error) {
	m := new(Message)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, err
	}
	if m.Sender == "" || m.Recipient == "" {
		return nil, errors.New("node: message is missing sender or recipient")
	}
	return m, nil
}
