// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package stealth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ghostwire/ghostwire/core/threat"
)

var (
	// ErrAdmissionDenied is returned when a peer fails admission.
	ErrAdmissionDenied = errors.New("stealth: admission denied")

	// ErrHandshakeFailed is matched by every *HandshakeError.
	ErrHandshakeFailed = errors.New("stealth: handshake failed")

	// ErrConnectionRefused is returned by AcceptSecure once the bounded
	// number of accept attempts has been used up.
	ErrConnectionRefused = errors.New("stealth: connection refused")
)

// State is a handshake state.
type State string

const (
	StatePending           State = "pending"
	StateVersionChecked    State = "version_checked"
	StateMagicChecked      State = "magic_checked"
	StateChallengeIssued   State = "challenge_issued"
	StateChallengeVerified State = "challenge_verified"
	StateAccepted          State = "accepted"
	StateRejected          State = "rejected"
)

// HandshakeError describes a failed handshake.  State is the state the
// handshake was in when it failed.
type HandshakeError struct {
	State     State
	Outcome   threat.Outcome
	Remote    string
	Initiator bool
	Err       error
}

func (e *HandshakeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stealth: handshake failed at %s", e.State)
	if e.Initiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}
	if e.Remote != "" {
		fmt.Fprintf(&b, " with peer %s", e.Remote)
	}
	fmt.Fprintf(&b, ": %s", e.Outcome)
	if e.Err != nil {
		fmt.Fprintf(&b, " (%v)", e.Err)
	}
	return b.String()
}

func (e *HandshakeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrHandshakeFailed}
	}
	return []error{ErrHandshakeFailed, e.Err}
}

// AdmissionError describes a peer turned away before the handshake.
type AdmissionError struct {
	Remote string
	Reason string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("stealth: admission denied for %s: %s", e.Remote, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return ErrAdmissionDenied
}
