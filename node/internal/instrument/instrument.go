// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the node's prometheus metrics.  Building
// with the noprometheus tag replaces every function with a no-op.
package instrument

// Listener is a running metrics endpoint.
type Listener interface {
	Close() error
}
