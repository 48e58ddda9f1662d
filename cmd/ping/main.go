// main.go - udpconn ping tool
// Copyright (C) 2018, 2019  David Stainton
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
	"errors"
	"fmt"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/katzenpost/udpconn/client"
	"github.com/katzenpost/udpconn/client/config"
	"github.com/katzenpost/udpconn/common"
	"github.com/katzenpost/udpconn/core/log"
)

// Color styles for ping output
var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true) // Bright green
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)  // Bright red
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true) // Bright cyan
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true) // Bright yellow
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	HostAddr   string
	Count      int
	Interval   time.Duration
	Timeout    time.Duration
	Size       int
	Retries    int
	LogFile    string
	LogLevel   string
}

type pingPayload struct {
	Seq     uint64
	Padding []byte
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "udpconn ping tool",
		Long: `A ping tool for testing and debugging udpconn connectivity.

The ping tool connects to a udpconn host running the echo server, sends
numbered payloads over the session and measures the round trip time of each
echoed reply.`,
		Example: `  # Ping the host named in a client configuration file
  ping -c client.toml

  # Ping a host directly, ten times with 512 byte payloads
  ping --host 127.0.0.1:3219 -n 10 --size 512`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPing(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "c", "", "client configuration file")
	cmd.Flags().StringVar(&cfg.HostAddr, "host", "", "host address, overrides the configuration file")
	cmd.Flags().IntVarP(&cfg.Count, "count", "n", 5, "number of ping messages to send")
	cmd.Flags().DurationVarP(&cfg.Interval, "interval", "i", time.Second, "interval between pings")
	cmd.Flags().DurationVarP(&cfg.Timeout, "timeout", "t", 5*time.Second, "time to wait for each reply")
	cmd.Flags().IntVar(&cfg.Size, "size", 64, "random padding bytes per ping")
	cmd.Flags().IntVarP(&cfg.Retries, "retries", "r", 0, "handshake attempts, overrides the configuration file")
	cmd.Flags().StringVar(&cfg.LogFile, "log-file", "", "log file, logging is disabled if unset")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "NOTICE", "logging level (DEBUG, INFO, NOTICE, WARNING, ERROR)")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func loadClientConfig(cfg Config) (*config.Config, error) {
	var clientCfg *config.Config
	switch {
	case cfg.ConfigFile != "":
		var err error
		if clientCfg, err = config.LoadFile(cfg.ConfigFile); err != nil {
			return nil, fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
		}
	case cfg.HostAddr != "":
		clientCfg = &config.Config{Client: &config.Client{}}
	default:
		return nil, errors.New("config file must be specified with -c/--config, or a host with --host")
	}
	if cfg.HostAddr != "" {
		clientCfg.Client.HostAddress = cfg.HostAddr
	}
	if cfg.Retries > 0 {
		if clientCfg.Handshake == nil {
			clientCfg.Handshake = &config.Handshake{}
		}
		clientCfg.Handshake.MaxAttempts = cfg.Retries
	}
	clientCfg.Logging = &config.Logging{
		Disable: cfg.LogFile == "",
		File:    cfg.LogFile,
		Level:   cfg.LogLevel,
	}
	if err := clientCfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return clientCfg, nil
}

func runPing(cfg Config) error {
	clientCfg, err := loadClientConfig(cfg)
	if err != nil {
		return err
	}
	logBackend, err := log.New(clientCfg.Logging.File, clientCfg.Logging.Level, clientCfg.Logging.Disable)
	if err != nil {
		return err
	}

	start := time.Now()
	conn, err := client.DialWithConfig(context.Background(), clientCfg, logBackend)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Println(headerStyle.Render(fmt.Sprintf("Connected to %s as connection id %d in %v",
		clientCfg.Client.HostAddress, conn.ConnectionID(), time.Since(start).Round(time.Microsecond))))

	passed, failed := 0, 0
	var total time.Duration
	for seq := 0; seq < cfg.Count; seq++ {
		if seq > 0 {
			time.Sleep(cfg.Interval)
		}
		rtt, err := sendPing(conn, uint64(seq), cfg.Size, cfg.Timeout)
		if err != nil {
			failed++
			fmt.Println(failureStyle.Render(fmt.Sprintf("seq=%d: %v", seq, err)))
			continue
		}
		passed++
		total += rtt
		fmt.Println(successStyle.Render(fmt.Sprintf("seq=%d time=%v", seq, rtt.Round(time.Microsecond))))
	}

	summary := fmt.Sprintf("%d sent, %d received, %d lost", cfg.Count, passed, failed)
	if passed > 0 {
		summary += fmt.Sprintf(", avg rtt %v", (total / time.Duration(passed)).Round(time.Microsecond))
	}
	fmt.Println(infoStyle.Render(summary))
	if passed == 0 && cfg.Count > 0 {
		return errors.New("no replies received")
	}
	return nil
}

func sendPing(conn *client.Conn, seq uint64, size int, timeout time.Duration) (time.Duration, error) {
	p := &pingPayload{
		Seq:     seq,
		Padding: make([]byte, size),
	}
	if _, err := rand.Reader.Read(p.Padding); err != nil {
		return 0, err
	}
	b, err := cbor.Marshal(p)
	if err != nil {
		return 0, err
	}

	sent := time.Now()
	if err := conn.Send(b); err != nil {
		return 0, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case reply, ok := <-conn.RecvCh():
			if !ok {
				return 0, errors.New("connection closed")
			}
			var echoed pingPayload
			if err := cbor.Unmarshal(reply, &echoed); err != nil || echoed.Seq != seq {
				// A late reply to an earlier ping.
				continue
			}
			return time.Since(sent), nil
		case <-timer.C:
			return 0, errors.New("timed out")
		}
	}
}
