// config.go - udpconn host configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config provides the udpconn host configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/BurntSushi/toml"
	"github.com/fxamacker/cbor/v2"
)

const (
	defaultAddress             = ":3219"
	defaultLogLevel            = "NOTICE"
	defaultPendingTimeout      = 30 * 1000 // 30 sec.
	defaultSweepInterval       = 5 * 1000  // 5 sec.
	defaultMaxDecodeFailures   = 16
	defaultReplayFilterEntries = 1 << 16
	defaultProfilingAddress    = "http://127.0.0.1:4040"

	// SnapshotFile is the name of the CBOR snapshot of the effective
	// configuration written into DataDir.
	SnapshotFile = "config.cbor"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the udpconn host configuration.
type Server struct {
	// Identifier is the human readable identifier for the host (eg: FQDN).
	Identifier string

	// Address is the UDP address the host binds to.
	Address string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.  Metrics are not served if unset.
	MetricsAddress string

	// DataDir is the optional absolute path to the host's state files.
	DataDir string
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}

	if sCfg.Address == "" {
		sCfg.Address = defaultAddress
	}
	if _, err := net.ResolveUDPAddr("udp", sCfg.Address); err != nil {
		return fmt.Errorf("config: Server: Address '%v' is invalid: %v", sCfg.Address, err)
	}

	if sCfg.DataDir != "" && !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Handshake is the udpconn host handshake configuration.
type Handshake struct {
	// PendingTimeout is the lifetime of an unanswered challenge in
	// milliseconds.
	PendingTimeout int

	// SweepInterval is the interval at which expired pending challenges are
	// removed in milliseconds.
	SweepInterval int

	// MaxDecodeFailures is the number of consecutive undecodable datagrams
	// a session tolerates before it is torn down.
	MaxDecodeFailures int

	// ReplayFilterEntries is the number of consumed client nonces the
	// replay filter remembers before it is rotated.
	ReplayFilterEntries int
}

func (hCfg *Handshake) applyDefaults() {
	if hCfg.PendingTimeout <= 0 {
		hCfg.PendingTimeout = defaultPendingTimeout
	}
	if hCfg.SweepInterval <= 0 {
		hCfg.SweepInterval = defaultSweepInterval
	}
	if hCfg.MaxDecodeFailures <= 0 {
		hCfg.MaxDecodeFailures = defaultMaxDecodeFailures
	}
	if hCfg.ReplayFilterEntries <= 0 {
		hCfg.ReplayFilterEntries = defaultReplayFilterEntries
	}
}

// PendingTimeoutDuration returns PendingTimeout as a time.Duration.
func (hCfg *Handshake) PendingTimeoutDuration() time.Duration {
	return time.Duration(hCfg.PendingTimeout) * time.Millisecond
}

// SweepIntervalDuration returns SweepInterval as a time.Duration.
func (hCfg *Handshake) SweepIntervalDuration() time.Duration {
	return time.Duration(hCfg.SweepInterval) * time.Millisecond
}

// Debug is the udpconn host debug configuration.
type Debug struct {
	// EnableProfiling starts the pyroscope profiler, when built with the
	// pyroscope tag.
	EnableProfiling bool

	// ProfilingAddress is the pyroscope server address.
	ProfilingAddress string
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.ProfilingAddress == "" {
		dCfg.ProfilingAddress = defaultProfilingAddress
	}
}

// Logging is the udpconn host logging configuration.
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
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Config is the top level udpconn host configuration.
type Config struct {
	Server    *Server
	Logging   *Logging
	Handshake *Handshake

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Handshake == nil {
		cfg.Handshake = &Handshake{}
	}

	// Perform basic validation.
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Handshake.applyDefaults()
	cfg.Debug.applyDefaults()

	var err error
	cfg.Server.Identifier, err = idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}

	return nil
}

// Store writes a CBOR snapshot of cfg to fileName on disk.
func Store(cfg *Config, fileName string) error {
	serialized, err := cbor.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(fileName, serialized, 0600)
}

// LoadCBOR reads a snapshot written by Store and validates it.
func LoadCBOR(fileName string) (*Config, error) {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := cbor.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	err := toml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
