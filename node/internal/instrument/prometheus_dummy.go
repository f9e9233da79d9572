//go:build noprometheus
// +build noprometheus

// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import goLog "log"

type nopListener struct{}

func (nopListener) Close() error { return nil }

// Init is a no-op.
func Init() {}

// StartListener is a no-op.
func StartListener(address string, errorLog *goLog.Logger) (Listener, error) {
	return nopListener{}, nil
}

// Handshake is a no-op.
func Handshake(outcome string) {}

// AdmissionDenied is a no-op.
func AdmissionDenied() {}

// Envelope is a no-op.
func Envelope(disposition string) {}

// ForwardRetry is a no-op.
func ForwardRetry() {}

// ThreatLevel is a no-op.
func ThreatLevel(level int) {}

// BlacklistSize is a no-op.
func BlacklistSize(n int) {}

// ActiveConnections is a no-op.
func ActiveConnections(n int) {}
