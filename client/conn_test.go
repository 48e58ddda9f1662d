// conn_test.go - udpconn client connection tests.
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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/udpconn/client/config"
	"github.com/katzenpost/udpconn/core/log"
	"github.com/katzenpost/udpconn/core/wire"
	"github.com/katzenpost/udpconn/server"
)

func startEchoListener(t *testing.T) *server.Listener {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	host := newTestHost(t, testHostNonce)
	echo := server.HandlerFunc(func(l *server.Listener, in *server.Inbound) {
		assert.NoError(t, l.Send(in.ConnectionID, in.Payload))
	})
	l := server.NewListener(pc, host, echo, time.Second, testLogger(t, "server/listener"), nil)
	t.Cleanup(l.Halt)
	return l
}

func TestDialEcho(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	l := startEchoListener(t)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(err)
	conn, err := Dial(pc, l.LocalAddr(), &SessionConfig{
		HandshakeTimeout: 5 * time.Second,
		Log:              testLogger(t, "client/conn"),
	})
	require.NoError(err)
	defer conn.Close()

	require.Equal(wire.ConnectionID(0), conn.ConnectionID())
	require.Len(l.Host().Sessions(), 1)

	for _, msg := range []string{"ping", "", "a somewhat longer payload"} {
		require.NoError(conn.Send([]byte(msg)))
		select {
		case got := <-conn.RecvCh():
			require.Equal(msg, string(got))
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for echo of %q", msg)
		}
	}
}

func TestDialTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// A socket that never answers.
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(err)
	defer silent.Close()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(err)
	defer pc.Close()

	start := time.Now()
	_, err = Dial(pc, silent.LocalAddr(), &SessionConfig{
		HandshakeTimeout: 300 * time.Millisecond,
		Log:              testLogger(t, "client/conn"),
	})
	require.ErrorIs(err, wire.ErrExpired)
	require.Less(time.Since(start), 5*time.Second)
}

func TestDialWithConfig(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	l := startEchoListener(t)

	cfg := &config.Config{
		Client: &config.Client{
			HostAddress: l.LocalAddr().String(),
			BindAddress: "127.0.0.1:0",
		},
	}
	require.NoError(cfg.FixupAndValidate())

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	conn, err := DialWithConfig(context.Background(), cfg, logBackend)
	require.NoError(err)
	require.NoError(conn.Close())

	// The host sees the closed client's session until it is disconnected.
	require.NoError(l.Host().Disconnect(0))
	require.Empty(l.Host().Sessions())
}

func TestDialWithConfigRetry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(err)
	defer silent.Close()

	cfg := &config.Config{
		Client: &config.Client{
			HostAddress: silent.LocalAddr().String(),
			BindAddress: "127.0.0.1:0",
		},
		Handshake: &config.Handshake{
			Timeout:        100,
			MaxAttempts:    3,
			RetryBaseDelay: 10,
			RetryMaxDelay:  20,
		},
	}
	require.NoError(cfg.FixupAndValidate())

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	start := time.Now()
	_, err = DialWithConfig(context.Background(), cfg, logBackend)
	require.ErrorIs(err, wire.ErrExpired)
	require.GreaterOrEqual(time.Since(start), 300*time.Millisecond)

	// Every attempt sends a fresh Challenge.
	require.NoError(silent.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 64)
	for i := 0; i < 3; i++ {
		_, _, err := silent.ReadFrom(buf)
		require.NoError(err)
	}
}
