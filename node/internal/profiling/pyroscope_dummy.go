//go:build !pyroscope
// +build !pyroscope

// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package profiling

import (
	"gopkg.in/op/go-logging.v1"

	"github.com/ghostwire/ghostwire/node/config"
)

type nopStopper struct{}

func (nopStopper) Stop() error { return nil }

// Start does nothing unless built with the pyroscope tag.
func Start(log *logging.Logger, cfg *config.Profiling) (Stopper, error) {
	log.Debug("Pyroscope is disabled")
	return nopStopper{}, nil
}
