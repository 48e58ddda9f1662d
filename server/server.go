// server.go - udpconn host.
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

// Package server implements the responding side of the udpconn handshake.
//
// Host is a pure state machine holding the pending challenges and the
// sessions.  Listener drives a Host over a net.PacketConn, and Server wires a
// Listener to a configuration file, logging and metrics.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/udpconn/core/log"
	"github.com/katzenpost/udpconn/server/config"
	"github.com/katzenpost/udpconn/server/internal/instrument"
	"github.com/katzenpost/udpconn/server/internal/profiling"
)

// Server is a udpconn host instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	metrics    *instrument.Metrics
	metricsSrv *http.Server
	listener   *Listener

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir
	if d == "" {
		return nil
	}

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && p != "" && s.cfg.Server.DataDir != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// LogBackend returns the server's log backend.
func (s *Server) LogBackend() *log.Backend {
	return s.logBackend
}

// Listener returns the server's listener.
func (s *Server) Listener() *Listener {
	return s.listener
}

// RotateLog rotates the log file
// if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		select {
		case s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server: %w", err):
		case <-s.haltedCh:
		}
		return
	}
	s.log.Notice("Log rotated.")
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	if s.listener != nil {
		s.listener.Halt()
		s.listener = nil
	}
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.log.Warningf("Metrics listener shutdown: %v", err)
		}
		cancel()
		s.metricsSrv = nil
	}
	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration, echoing nothing unless handler is set.
func New(cfg *config.Config, handler Handler) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled, datagrams will be dumped.")
	}

	if s.cfg.Server.DataDir != "" {
		fn := filepath.Join(s.cfg.Server.DataDir, config.SnapshotFile)
		if err := config.Store(s.cfg, fn); err != nil {
			s.log.Errorf("Failed to store configuration snapshot: %v", err)
			return nil, err
		}
	}

	if s.cfg.Debug.EnableProfiling {
		if err := profiling.Start(s.cfg.Server.Identifier, s.cfg.Debug.ProfilingAddress, s.logBackend.GetLogger("profiling")); err != nil {
			s.log.Errorf("Failed to start profiling: %v", err)
			return nil, err
		}
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		select {
		case err := <-s.fatalErrCh:
			s.log.Warningf("Shutting down due to error: %v", err)
			s.Shutdown()
		case <-s.haltedCh:
		}
	}()

	s.metrics = instrument.New()
	if addr := s.cfg.Server.MetricsAddress; addr != "" {
		var err error
		s.metricsSrv, err = s.metrics.Serve(addr, s.logBackend.GetGoLogger("metrics", "WARNING"))
		if err != nil {
			s.log.Errorf("Failed to start metrics listener '%v': %v", addr, err)
			return nil, err
		}
		s.log.Noticef("Serving metrics on: %v", s.metricsSrv.Addr)
	}

	host, err := NewHost(&HostConfig{
		PendingTimeout:      s.cfg.Handshake.PendingTimeoutDuration(),
		MaxDecodeFailures:   s.cfg.Handshake.MaxDecodeFailures,
		ReplayFilterEntries: s.cfg.Handshake.ReplayFilterEntries,
		Log:                 s.logBackend.GetLogger("server/host"),
		Metrics:             s.metrics,
	})
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket("udp", s.cfg.Server.Address)
	if err != nil {
		s.log.Errorf("Failed to start listener '%v': %v", s.cfg.Server.Address, err)
		return nil, err
	}
	s.listener = NewListener(conn, host, handler, s.cfg.Handshake.SweepIntervalDuration(), s.logBackend.GetLogger("server/listener"), s.metrics)

	isOk = true
	return s, nil
}
