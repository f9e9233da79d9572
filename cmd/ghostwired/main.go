// main.go - GhostWire node binary.
// Copyright (C) 2025  GhostWire Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/ghostwire/ghostwire/core/stealth"
	"github.com/ghostwire/ghostwire/node"
	"github.com/ghostwire/ghostwire/node/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "ghostwired",
		Short: "GhostWire secure transport node",
		Long: `ghostwired runs a GhostWire node.

The node accepts connections through an obfuscated handshake, screens
peers with its threat engine and relays onion wrapped envelopes between
peers.  Blacklist entries survive restarts when a persistence backend is
configured.

Send SIGHUP to reopen the log file.`,
		Example: `  # Start the node
  ghostwired -f /etc/ghostwire/ghostwire.toml

  # Generate the node identity and exit
  ghostwired -f /etc/ghostwire/ghostwire.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "ghostwire.toml",
		"path to the node configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the node identity and exit without starting the node")

	cmd.AddCommand(&cobra.Command{
		Use:   "gensecret",
		Short: "Print a fresh hex encoded stealth handshake secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := stealth.GenerateSecret()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(secret))
			return nil
		},
	})

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runNode(cfg Config) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	nodeCfg, err := config.LoadFile(cfg.ConfigFile, cfg.GenOnly)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the node.
	n, err := node.New(nodeCfg)
	if err != nil {
		if errors.Is(err, node.ErrGenerateOnly) {
			return nil
		}
		return fmt.Errorf("failed to spawn node instance: %v", err)
	}
	defer n.Shutdown()

	// Halt the node gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		n.Shutdown()
	}()

	// Rotate the log upon SIGHUP.
	go func() {
		for range rotateCh {
			n.RotateLog()
		}
	}()

	// Wait for the node to explode or be terminated.
	n.Wait()
	return nil
}
