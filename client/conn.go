// conn.go - udpconn client connection.
// Copyright (C) 2018  David Stainton.
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

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/udpconn/client/config"
	"github.com/katzenpost/udpconn/core/log"
	"github.com/katzenpost/udpconn/core/retry"
	"github.com/katzenpost/udpconn/core/wire"
	"github.com/katzenpost/udpconn/core/worker"
)

const (
	maxDatagramSize = 65535
	readPollTimeout = 250 * time.Millisecond
	recvQueueLength = 64
)

// Conn is a connected Client driven over a net.PacketConn.
type Conn struct {
	sync.Mutex
	worker.Worker

	log      *logging.Logger
	client   *Client
	pc       net.PacketConn
	hostAddr net.Addr

	recvCh chan []byte
}

// Dial runs the handshake with the host at hostAddr over pc, and returns the
// connected Conn.  The handshake is bounded by the handshake deadlines only.
// The returned Conn owns pc.
func Dial(pc net.PacketConn, hostAddr net.Addr, cfg *SessionConfig) (*Conn, error) {
	cl, err := New(cfg)
	if err != nil {
		return nil, err
	}
	clock := cl.clock

	c := &Conn{
		log:      cfg.Log,
		client:   cl,
		pc:       pc,
		hostAddr: hostAddr,
		recvCh:   make(chan []byte, recvQueueLength),
	}

	challenge, err := cl.Start()
	if err != nil {
		return nil, err
	}
	if _, err = pc.WriteTo(challenge, hostAddr); err != nil {
		return nil, err
	}
	c.log.Debugf("Sent Challenge to %v.", hostAddr)

	buf := make([]byte, maxDatagramSize)
	for cl.State() != StateConnected {
		if err := cl.CheckDeadline(); err != nil {
			return nil, err
		}
		deadline, _ := cl.Deadline()
		if err := pc.SetReadDeadline(time.Now().Add(deadline - clock())); err != nil {
			return nil, err
		}

		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return nil, err
		}
		if from.String() != hostAddr.String() {
			c.log.Debugf("Ignoring datagram from %v.", from)
			continue
		}

		reply, _, err := cl.Receive(buf[:n])
		if cl.State() == StateFailed {
			return nil, cl.Err()
		}
		if err != nil {
			continue
		}
		if reply != nil {
			if _, err = pc.WriteTo(reply, hostAddr); err != nil {
				return nil, err
			}
		}
	}
	if err := pc.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	c.Go(c.worker)
	return c, nil
}

// DialWithConfig binds a UDP socket as described by cfg and dials the
// configured host, retrying expired handshakes as the Handshake section
// allows.
func DialWithConfig(ctx context.Context, cfg *config.Config, logBackend *log.Backend) (*Conn, error) {
	hostAddr, err := net.ResolveUDPAddr("udp", cfg.Client.HostAddress)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenPacket("udp", cfg.Client.BindAddress)
	if err != nil {
		return nil, err
	}

	clientLog := logBackend.GetLogger("client/conn")
	policy := &retry.Policy{
		MaxAttempts: cfg.Handshake.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Handshake.RetryBaseDelay) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Handshake.RetryMaxDelay) * time.Millisecond,
		Jitter:      retry.DefaultJitter,
	}

	var c *Conn
	err = retry.Do(ctx, policy, func(attempt int) error {
		if attempt > 0 {
			clientLog.Noticef("Retrying handshake with %v (attempt %d/%d).", hostAddr, attempt+1, policy.MaxAttempts)
		}
		var dErr error
		c, dErr = Dial(pc, hostAddr, &SessionConfig{
			HandshakeTimeout:  cfg.Handshake.TimeoutDuration(),
			MaxVerifyFailures: cfg.Handshake.MaxVerifyFailures,
			Log:               clientLog,
		})
		return dErr
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("client: failed to connect to %v: %w", hostAddr, err)
	}
	return c, nil
}

// ConnectionID returns the identifier the host assigned to this connection.
func (c *Conn) ConnectionID() wire.ConnectionID {
	c.Lock()
	defer c.Unlock()
	id, _ := c.client.ConnectionID()
	return id
}

// LocalAddr returns the local address of the underlying socket.
func (c *Conn) LocalAddr() net.Addr {
	return c.pc.LocalAddr()
}

// Send sends payload to the host.
func (c *Conn) Send(payload []byte) error {
	c.Lock()
	b, err := c.client.SendPayload(payload)
	c.Unlock()
	if err != nil {
		return err
	}
	_, err = c.pc.WriteTo(b, c.hostAddr)
	return err
}

// RecvCh returns the channel of payloads received from the host.  It is
// closed when the Conn is closed.
func (c *Conn) RecvCh() <-chan []byte {
	return c.recvCh
}

// Close halts the Conn and closes the underlying socket.
func (c *Conn) Close() error {
	c.Halt()
	return c.pc.Close()
}

func (c *Conn) worker() {
	defer close(c.recvCh)

	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}

		if err := c.pc.SetReadDeadline(time.Now().Add(readPollTimeout)); err != nil {
			c.log.Errorf("Failed to set read deadline: %v", err)
			return
		}
		n, from, err := c.pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				c.log.Warningf("Read failure: %v", err)
			}
			return
		}
		if from.String() != c.hostAddr.String() {
			continue
		}

		c.Lock()
		_, payload, err := c.client.Receive(buf[:n])
		c.Unlock()
		if err != nil || payload == nil {
			continue
		}

		select {
		case c.recvCh <- append([]byte(nil), payload...):
		default:
			c.log.Debugf("Receive queue full, dropping %d byte payload.", len(payload))
		}
	}
}
