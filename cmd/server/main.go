// main.go - udpconn host binary.
// Copyright (C) 2017  Yawning Angel.
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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katzenpost/udpconn/common"
	"github.com/katzenpost/udpconn/server"
	"github.com/katzenpost/udpconn/server/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile   string
	ValidateOnly bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "server",
		Short: "udpconn echo host",
		Long: `The udpconn server is a host that accepts authenticated datagram sessions
over UDP and echoes every payload it receives back to its sender.

Peers connect with a challenge-response handshake.  Once connected, every
datagram carries an 8 bit connection identifier and a Murmur3 checksum keyed
by a per session seed, which lets the host demultiplex up to 256 peers on a
single socket and drop corrupted or forged traffic.`,
		Example: `  # Start the host with the default configuration file
  server

  # Start the host with a custom configuration file
  server --config /etc/udpconn/server.toml

  # Validate configuration without starting the host
  server -f /etc/udpconn/server.toml --validate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "udpconn.toml",
		"path to the server configuration file (TOML format)")
	cmd.Flags().BoolVar(&cfg.ValidateOnly, "validate-only", false,
		"validate the configuration file and exit")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func echo(l *server.Listener, in *server.Inbound) {
	if err := l.Send(in.ConnectionID, in.Payload); err != nil {
		l.Log().Warningf("Failed to echo to connection id %d (%v): %v", in.ConnectionID, in.Addr, err)
	}
}

func runServer(cfg Config) error {
	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.ValidateOnly {
		fmt.Printf("Configuration file '%v' is valid.\n", cfg.ConfigFile)
		return nil
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := server.New(serverCfg, server.HandlerFunc(echo))
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
