// listener.go - udpconn host listener.
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

package server

import (
	"errors"
	"net"
	"os"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/udpconn/core/wire"
	"github.com/katzenpost/udpconn/core/worker"
	"github.com/katzenpost/udpconn/server/internal/instrument"
)

const (
	maxDatagramSize = 65535
	readPollTimeout = 250 * time.Millisecond
)

// Handler is notified of application payloads received by a Listener.  It is
// called from the listener's read worker, one datagram at a time, and
// in.Payload is only valid for the duration of the call.
type Handler interface {
	OnPayload(l *Listener, in *Inbound)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(l *Listener, in *Inbound)

// OnPayload calls f(l, in).
func (f HandlerFunc) OnPayload(l *Listener, in *Inbound) {
	f(l, in)
}

// Listener drives a Host over a net.PacketConn.
type Listener struct {
	worker.Worker

	log     *logging.Logger
	host    *Host
	conn    net.PacketConn
	handler Handler
	metrics *instrument.Metrics
}

// NewListener starts serving host on conn.  The listener owns conn and closes
// it on Halt.  Expired challenges are swept every sweepInterval.
func NewListener(conn net.PacketConn, host *Host, handler Handler, sweepInterval time.Duration, log *logging.Logger, metrics *instrument.Metrics) *Listener {
	l := &Listener{
		log:     log,
		host:    host,
		conn:    conn,
		handler: handler,
		metrics: metrics,
	}
	l.Go(l.worker)
	l.Every(sweepInterval, func() { l.host.Sweep() })
	return l
}

// Halt stops the listener and closes its socket.
func (l *Listener) Halt() {
	l.Worker.Halt()
	l.conn.Close()
}

// Host returns the Host served by the listener.
func (l *Listener) Host() *Host {
	return l.host
}

// Log returns the listener's logger, for handlers to report through.
func (l *Listener) Log() *logging.Logger {
	return l.log
}

// LocalAddr returns the address the listener is bound to.
func (l *Listener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Send sends payload to the peer of the session id.
func (l *Listener) Send(id wire.ConnectionID, payload []byte) error {
	b, addr, err := l.host.SendPayload(id, payload)
	if err != nil {
		return err
	}
	return l.writeTo(b, addr)
}

func (l *Listener) writeTo(b []byte, addr net.Addr) error {
	if _, err := l.conn.WriteTo(b, addr); err != nil {
		return err
	}
	l.metrics.DatagramOut()
	return nil
}

func (l *Listener) worker() {
	addr := l.conn.LocalAddr()
	l.log.Noticef("Listening on: %v", addr)
	defer l.log.Noticef("Stopping listening on: %v", addr)

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-l.HaltCh():
			return
		default:
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(readPollTimeout)); err != nil {
			l.log.Errorf("Failed to set read deadline: %v", err)
			return
		}
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warningf("Read failure: %v", err)
			continue
		}

		reply, in, err := l.host.Receive(buf[:n], from)
		if err != nil {
			continue
		}
		if reply != nil {
			if err := l.writeTo(reply, from); err != nil {
				l.log.Warningf("Failed to reply to %v: %v", from, err)
			}
		}
		if in != nil && l.handler != nil {
			l.handler.OnPayload(l, in)
		}
	}

	// NOTREACHED
}
