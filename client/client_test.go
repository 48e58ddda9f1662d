// client_test.go - udpconn client state machine tests.
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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/udpconn/core/crypto/rand"
	"github.com/katzenpost/udpconn/core/log"
	"github.com/katzenpost/udpconn/core/monotime"
	"github.com/katzenpost/udpconn/core/wire"
	"github.com/katzenpost/udpconn/core/wire/commands"
	"github.com/katzenpost/udpconn/server"
)

const (
	testClientNonce = 0x1111111111111111
	testHostNonce   = 0x2222222222222222
)

var testPeer = &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 40000}

func testLogger(t *testing.T, module string) *logging.Logger {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return logBackend.GetLogger(module)
}

func newTestClient(t *testing.T, clock *monotime.Fake, nonces ...uint64) *Client {
	cfg := &SessionConfig{
		HandshakeTimeout:  30 * time.Second,
		MaxVerifyFailures: 2,
		Rand:              rand.NewFixedSource(nonces...),
		Log:               testLogger(t, "client"),
	}
	if clock != nil {
		cfg.Clock = clock.Now
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func newTestHost(t *testing.T, nonces ...uint64) *server.Host {
	h, err := server.NewHost(&server.HostConfig{
		Rand: rand.NewFixedSource(nonces...),
		Log:  testLogger(t, "server/host"),
	})
	require.NoError(t, err)
	return h
}

func TestNewRequiresLogger(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
	_, err = New(&SessionConfig{})
	require.Error(t, err)
}

func TestHandshakeScenario(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := newTestClient(t, nil, testClientNonce)
	h := newTestHost(t, testHostNonce)
	require.Equal(StateIdle, c.State())

	challenge, err := c.Start()
	require.NoError(err)
	require.Equal(StateChallenging, c.State())
	require.Len(challenge, commands.ChallengeLength)

	challengeResp, in, err := h.Receive(challenge, testPeer)
	require.NoError(err)
	require.Nil(in)
	require.Equal(1, h.Pending())
	require.Equal((&commands.ChallengeResponse{
		ClientNonce: testClientNonce,
		HostNonce:   testHostNonce,
	}).ToBytes(), challengeResp)

	connectReq, payload, err := c.Receive(challengeResp)
	require.NoError(err)
	require.Nil(payload)
	require.Equal(StateConnecting, c.State())

	connectResp, _, err := h.Receive(connectReq, testPeer)
	require.NoError(err)
	require.Zero(h.Pending())

	reply, _, err := c.Receive(connectResp)
	require.NoError(err)
	require.Nil(reply)
	require.Equal(StateConnected, c.State())
	require.NoError(c.Err())

	id, ok := c.ConnectionID()
	require.True(ok)
	require.Equal(wire.ConnectionID(0), id)

	sessions := h.Sessions()
	require.Len(sessions, 1)
	require.Equal(wire.ConnectionID(0), sessions[0].ConnectionID)
	require.Equal(testPeer.String(), sessions[0].Addr.String())

	// Client to host.
	data, err := c.SendPayload([]byte("hello host"))
	require.NoError(err)
	reply, in, err = h.Receive(data, testPeer)
	require.NoError(err)
	require.Nil(reply)
	require.Equal(wire.ConnectionID(0), in.ConnectionID)
	require.Equal([]byte("hello host"), in.Payload)

	// Host to client.
	data, addr, err := h.SendPayload(0, []byte("hello client"))
	require.NoError(err)
	require.Equal(testPeer.String(), addr.String())
	_, payload, err = c.Receive(data)
	require.NoError(err)
	require.Equal([]byte("hello client"), payload)

	// A Data message naming another connection is rejected.
	_, _, err = c.Receive(commands.NewData(true, 1, wire.DeriveSeed(testClientNonce, testHostNonce), []byte("x")))
	require.ErrorIs(err, wire.ErrUnknownConnection)
	require.Equal(StateConnected, c.State())
}

func TestStaleResponses(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := newTestClient(t, nil, testClientNonce)
	_, err := c.Start()
	require.NoError(err)

	stale := (&commands.ChallengeResponse{ClientNonce: testClientNonce + 1, HostNonce: testHostNonce}).ToBytes()
	reply, _, err := c.Receive(stale)
	require.ErrorIs(err, ErrStaleResponse)
	require.Nil(reply)
	require.Equal(StateChallenging, c.State())

	resp := (&commands.ChallengeResponse{ClientNonce: testClientNonce, HostNonce: testHostNonce}).ToBytes()
	_, _, err = c.Receive(resp)
	require.NoError(err)
	require.Equal(StateConnecting, c.State())

	// A duplicated ChallengeResponse is not valid while Connecting.
	_, _, err = c.Receive(resp)
	require.ErrorIs(err, wire.ErrInvalidState)

	seed := wire.DeriveSeed(testClientNonce, testHostNonce)
	staleConnect := (&commands.ConnectResponse{
		ClientNonce:  testClientNonce + 1,
		ConnectionID: 3,
		Proof:        wire.HostProof(3, seed),
	}).ToBytes()
	_, _, err = c.Receive(staleConnect)
	require.ErrorIs(err, ErrStaleResponse)
	require.Equal(StateConnecting, c.State())
}

func TestHandshakeDeadline(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clock := new(monotime.Fake)
	c := newTestClient(t, clock, 1, 2)

	first, err := c.Start()
	require.NoError(err)
	deadline, ok := c.Deadline()
	require.True(ok)
	require.Equal(30*time.Second, deadline)

	clock.Advance(29 * time.Second)
	require.NoError(c.CheckDeadline())
	require.Equal(StateChallenging, c.State())

	clock.Advance(time.Second)
	err = c.CheckDeadline()
	require.ErrorIs(err, wire.ErrExpired)
	require.Equal(StateFailed, c.State())
	require.ErrorIs(c.Err(), wire.ErrExpired)
	he, ok := wire.GetHandshakeError(c.Err())
	require.True(ok)
	require.True(he.IsInitiator)
	require.Equal(wire.HandshakeStateChallenging, he.State)

	// Anything received after the deadline is dropped.
	_, _, err = c.Receive((&commands.ChallengeResponse{ClientNonce: 1, HostNonce: 2}).ToBytes())
	require.ErrorIs(err, wire.ErrInvalidState)

	// Restarting draws a fresh nonce.
	second, err := c.Start()
	require.NoError(err)
	require.NotEqual(first, second)
	require.Equal((&commands.Challenge{ClientNonce: 2}).ToBytes(), second)
	require.Equal(StateChallenging, c.State())
	require.NoError(c.Err())
}

func TestConnectingDeadline(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clock := new(monotime.Fake)
	c := newTestClient(t, clock, testClientNonce)
	_, err := c.Start()
	require.NoError(err)

	// The deadline is re-armed on entering Connecting.
	clock.Advance(20 * time.Second)
	_, _, err = c.Receive((&commands.ChallengeResponse{ClientNonce: testClientNonce, HostNonce: testHostNonce}).ToBytes())
	require.NoError(err)
	clock.Advance(20 * time.Second)
	require.NoError(c.CheckDeadline())
	clock.Advance(10 * time.Second)

	_, _, err = c.Receive((&commands.ConnectResponse{
		ClientNonce: testClientNonce,
		Proof:       wire.HostProof(0, wire.DeriveSeed(testClientNonce, testHostNonce)),
	}).ToBytes())
	require.ErrorIs(err, wire.ErrExpired)
	require.Equal(StateFailed, c.State())
}

func TestVerifyFailureBudget(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := newTestClient(t, nil, testClientNonce)
	_, err := c.Start()
	require.NoError(err)
	_, _, err = c.Receive((&commands.ChallengeResponse{ClientNonce: testClientNonce, HostNonce: testHostNonce}).ToBytes())
	require.NoError(err)

	wrongSeed := wire.DeriveSeed(testClientNonce, testHostNonce+1)
	forged := (&commands.ConnectResponse{
		ClientNonce:  testClientNonce,
		ConnectionID: 9,
		Proof:        wire.HostProof(9, wrongSeed),
	}).ToBytes()

	reply, _, err := c.Receive(forged)
	require.ErrorIs(err, wire.ErrIntegrityMismatch)
	require.Nil(reply)
	require.Equal(StateConnecting, c.State())

	reply, _, err = c.Receive(forged)
	require.ErrorIs(err, wire.ErrFailed)
	require.Nil(reply)
	require.Equal(StateFailed, c.State())
	require.ErrorIs(c.Err(), wire.ErrFailed)

	_, ok := c.ConnectionID()
	require.False(ok)
}

func TestInvalidCalls(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	c := newTestClient(t, nil, testClientNonce)

	_, err := c.SendPayload([]byte("early"))
	require.ErrorIs(err, wire.ErrInvalidState)

	_, _, err = c.Receive([]byte{0x11, 0x00})
	require.ErrorIs(err, wire.ErrMalformed)

	_, _, err = c.Receive((&commands.ChallengeResponse{ClientNonce: testClientNonce}).ToBytes())
	require.ErrorIs(err, wire.ErrInvalidState)
	require.Equal(StateIdle, c.State())

	_, err = c.Start()
	require.NoError(err)
	_, err = c.Start()
	require.ErrorIs(err, wire.ErrInvalidState)

	// Host bound messages are never valid at the client.
	_, _, err = c.Receive((&commands.Challenge{ClientNonce: testClientNonce}).ToBytes())
	require.ErrorIs(err, wire.ErrInvalidState)
	_, _, err = c.Receive(commands.NewData(false, 0, 0, []byte("x")))
	require.ErrorIs(err, wire.ErrInvalidState)

	_, _, err = c.Receive((&commands.ConnectResponse{
		ClientNonce: testClientNonce,
		Proof:       make([]byte, wire.ProofLength),
	}).ToBytes())
	require.ErrorIs(err, wire.ErrInvalidState)
	require.Equal(StateChallenging, c.State())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Connected", StateConnected.String())
	require.Equal(t, "[Unknown State: 42]", State(42).String())
}
