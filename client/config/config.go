// config.go - udpconn client configuration.
// Copyright (C) 2018  Yawning Angel, David Stainton.
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

// Package config implements the configuration for the udpconn client.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel          = "NOTICE"
	defaultBindAddress       = ":0"
	defaultHandshakeTimeout  = 5 * 1000 // 5 sec.
	defaultMaxVerifyFailures = 3
	defaultMaxAttempts       = 1
	defaultRetryBaseDelay    = 500       // 500 ms.
	defaultRetryMaxDelay     = 10 * 1000 // 10 sec.
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Client is the peer configuration.
type Client struct {
	// HostAddress is the UDP address of the host.
	HostAddress string

	// BindAddress is the local UDP address, an ephemeral port if unset.
	BindAddress string
}

func (cCfg *Client) validate() error {
	if cCfg.HostAddress == "" {
		return errors.New("config: Client: HostAddress is not set")
	}
	if _, err := net.ResolveUDPAddr("udp", cCfg.HostAddress); err != nil {
		return fmt.Errorf("config: Client: HostAddress '%v' is invalid: %v", cCfg.HostAddress, err)
	}
	if cCfg.BindAddress == "" {
		cCfg.BindAddress = defaultBindAddress
	}
	if _, err := net.ResolveUDPAddr("udp", cCfg.BindAddress); err != nil {
		return fmt.Errorf("config: Client: BindAddress '%v' is invalid: %v", cCfg.BindAddress, err)
	}
	return nil
}

// Handshake is the client handshake configuration.
type Handshake struct {
	// Timeout bounds each handshake step in milliseconds.
	Timeout int

	// MaxVerifyFailures is the number of ConnectResponses that may fail
	// verification before the handshake is abandoned.
	MaxVerifyFailures int

	// MaxAttempts is the number of handshakes to attempt before giving up
	// on a host that does not answer.
	MaxAttempts int

	// RetryBaseDelay is the initial backoff between attempts in
	// milliseconds, doubled after each attempt.
	RetryBaseDelay int

	// RetryMaxDelay caps the backoff between attempts in milliseconds.
	RetryMaxDelay int
}

func (h *Handshake) fixup() {
	if h.Timeout <= 0 {
		h.Timeout = defaultHandshakeTimeout
	}
	if h.MaxVerifyFailures <= 0 {
		h.MaxVerifyFailures = defaultMaxVerifyFailures
	}
	if h.MaxAttempts <= 0 {
		h.MaxAttempts = defaultMaxAttempts
	}
	if h.RetryBaseDelay <= 0 {
		h.RetryBaseDelay = defaultRetryBaseDelay
	}
	if h.RetryMaxDelay < h.RetryBaseDelay {
		h.RetryMaxDelay = max(defaultRetryMaxDelay, h.RetryBaseDelay)
	}
}

// TimeoutDuration returns Timeout as a time.Duration.
func (h *Handshake) TimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Millisecond
}

// Config is the top level client configuration.
type Config struct {
	Client    *Client
	Logging   *Logging
	Handshake *Handshake
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Client == nil {
		return errors.New("config: No Client block was present")
	}
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Handshake == nil {
		c.Handshake = &Handshake{}
	}
	c.Handshake.fixup()

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	return c.Client.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
