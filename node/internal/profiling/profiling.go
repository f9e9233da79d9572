// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package profiling hooks up continuous profiling.
package profiling

// Stopper stops a running profiler.
type Stopper interface {
	Stop() error
}
