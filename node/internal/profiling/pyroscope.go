//go:build pyroscope
// +build pyroscope

// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/ghostwire/ghostwire/node/config"
)

// Start initializes Pyroscope profiling.  Unset config fields fall back
// to the PYROSCOPE_* environment variables.
func Start(log *logging.Logger, cfg *config.Profiling) (Stopper, error) {
	log.Info("Starting Pyroscope")

	serverAddress := firstOf(cfg.ServerAddress, os.Getenv("PYROSCOPE_SERVER_ADDRESS"))
	if serverAddress == "" {
		return nil, errors.New("profiling: no pyroscope server address")
	}
	appName := firstOf(cfg.ApplicationName, os.Getenv("PYROSCOPE_APP_NAME"), "ghostwired")
	serviceTag := firstOf(cfg.ServiceTag, os.Getenv("PYROSCOPE_SERVICE_TAG"), "node")

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": serviceTag,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Pyroscope started at %s, app name: %s, service tag: %s", serverAddress, appName, serviceTag)
	return p, nil
}

func firstOf(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
