// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package threat

import "time"

// Event is a security event.  The concrete types are ConnectionAttempt,
// RateLimitExceeded, InvalidHandshake, SuspiciousActivity and
// PeerBlacklisted.
type Event interface {
	// Time returns when the event was recorded.
	Time() time.Time

	// Adverse returns true if the event counts toward the threat level.
	Adverse() bool
}

// ConnectionAttempt records the outcome of an attempt from an address.
type ConnectionAttempt struct {
	Address string
	Success bool
	Reason  string
	At      time.Time
}

func (e *ConnectionAttempt) Time() time.Time { return e.At }
func (e *ConnectionAttempt) Adverse() bool { return !e.Success }

// RateLimitExceeded records an address crossing the failure threshold.
type RateLimitExceeded struct {
	Address  string
	Attempts int
	At       time.Time
}

func (e *RateLimitExceeded) Time() time.Time { return e.At }
func (e *RateLimitExceeded) Adverse() bool { return true }

// InvalidHandshake records a handshake that failed after admission.
type InvalidHandshake struct {
	Address string
	Outcome Outcome
	At      time.Time
}

func (e *InvalidHandshake) Time() time.Time { return e.At }
func (e *InvalidHandshake) Adverse() bool { return true }

// SuspiciousActivity records anything else worth scoring, such as an
// envelope that fails authentication.
type SuspiciousActivity struct {
	Address string
	Kind    string
	Detail  string
	At      time.Time
}

func (e *SuspiciousActivity) Time() time.Time { return e.At }
func (e *SuspiciousActivity) Adverse() bool { return true }

// PeerBlacklisted records a blacklist insertion.
type PeerBlacklisted struct {
	ID     string
	Reason string
	At     time.Time
}

func (e *PeerBlacklisted) Time() time.Time { return e.At }
func (e *PeerBlacklisted) Adverse() bool { return true }
