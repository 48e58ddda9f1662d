// client.go - udpconn client handshake state machine.
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

// Package client implements the initiating side of the udpconn handshake.
//
// Client is a pure state machine: it consumes datagrams and returns the
// datagrams to send, and never touches a socket.  Conn drives a Client over a
// net.PacketConn.
package client

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/udpconn/core/crypto/rand"
	"github.com/katzenpost/udpconn/core/monotime"
	"github.com/katzenpost/udpconn/core/wire"
	"github.com/katzenpost/udpconn/core/wire/commands"
)

const (
	defaultHandshakeTimeout  = 5 * time.Second
	defaultMaxVerifyFailures = 3
)

// ErrStaleResponse is returned for a response that echoes a nonce other than
// the one of the current handshake attempt.
var ErrStaleResponse = errors.New("client: stale response")

// State is the externally visible phase of a Client.
type State int

const (
	StateIdle State = iota
	StateChallenging
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateChallenging:
		return "Challenging"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("[Unknown State: %d]", int(s))
	}
}

func (s State) handshakeState() wire.HandshakeState {
	switch s {
	case StateChallenging:
		return wire.HandshakeStateChallenging
	case StateConnecting:
		return wire.HandshakeStateConnecting
	case StateConnected:
		return wire.HandshakeStateConnected
	case StateFailed:
		return wire.HandshakeStateFailed
	default:
		return wire.HandshakeStateIdle
	}
}

// phase is one of idle, challenging, connecting, connected or failed.  Each
// variant carries only the data valid in that phase.
type phase interface {
	state() State
}

type idle struct{}

type challenging struct {
	clientNonce wire.Nonce
	deadline    time.Duration
}

type connecting struct {
	clientNonce    wire.Nonce
	hostNonce      wire.Nonce
	seed           wire.Seed
	deadline       time.Duration
	verifyFailures int
}

type connected struct {
	id   wire.ConnectionID
	seed wire.Seed
}

type failed struct {
	err error
}

func (idle) state() State { return StateIdle }
func (*challenging) state() State { return StateChallenging }
func (*connecting) state() State { return StateConnecting }
func (*connected) state() State { return StateConnected }
func (*failed) state() State { return StateFailed }

// SessionConfig is the configuration of a Client.
type SessionConfig struct {
	// HandshakeTimeout bounds the Challenging and Connecting phases, each
	// armed separately.
	HandshakeTimeout time.Duration

	// MaxVerifyFailures is the number of ConnectResponses that may fail
	// verification before the handshake fails.
	MaxVerifyFailures int

	// Rand supplies the client nonces, a fresh ChaCha20 source if nil.
	Rand rand.Source

	// Clock measures the handshake deadlines, monotime.Now if nil.
	Clock monotime.Clock

	// Log is the logger, required.
	Log *logging.Logger
}

// Client is the client side handshake and connection state.  It is not safe
// for concurrent use.
type Client struct {
	log *logging.Logger

	rng   rand.Source
	clock monotime.Clock

	timeout           time.Duration
	maxVerifyFailures int

	phase phase
}

// New creates a new Client in the Idle state.
func New(cfg *SessionConfig) (*Client, error) {
	if cfg == nil || cfg.Log == nil {
		return nil, errors.New("client: no logger in SessionConfig")
	}
	c := &Client{
		log:               cfg.Log,
		rng:               cfg.Rand,
		clock:             cfg.Clock,
		timeout:           cfg.HandshakeTimeout,
		maxVerifyFailures: cfg.MaxVerifyFailures,
		phase:             idle{},
	}
	if c.rng == nil {
		c.rng = rand.NewSource()
	}
	if c.clock == nil {
		c.clock = monotime.Now
	}
	if c.timeout <= 0 {
		c.timeout = defaultHandshakeTimeout
	}
	if c.maxVerifyFailures <= 0 {
		c.maxVerifyFailures = defaultMaxVerifyFailures
	}
	return c, nil
}

// State returns the current phase.
func (c *Client) State() State {
	return c.phase.state()
}

// ConnectionID returns the assigned connection identifier, and true iff the
// client is Connected.
func (c *Client) ConnectionID() (wire.ConnectionID, bool) {
	if p, ok := c.phase.(*connected); ok {
		return p.id, true
	}
	return 0, false
}

// Err returns the reason the client is Failed, or nil.
func (c *Client) Err() error {
	if p, ok := c.phase.(*failed); ok {
		return p.err
	}
	return nil
}

// Start begins a handshake with a fresh client nonce and returns the
// Challenge to send.  It is valid from Idle or Failed.
func (c *Client) Start() ([]byte, error) {
	switch c.phase.(type) {
	case idle, *failed:
	default:
		return nil, fmt.Errorf("%w: Start called while %v", wire.ErrInvalidState, c.State())
	}

	nonce := wire.Nonce(c.rng.Uint64())
	c.phase = &challenging{
		clientNonce: nonce,
		deadline:    c.clock() + c.timeout,
	}
	c.log.Debugf("Starting handshake, client nonce %016x.", uint64(nonce))
	return (&commands.Challenge{ClientNonce: nonce}).ToBytes(), nil
}

// CheckDeadline fails the handshake with wire.ErrExpired if the current
// phase deadline has passed.
func (c *Client) CheckDeadline() error {
	var deadline time.Duration
	switch p := c.phase.(type) {
	case *challenging:
		deadline = p.deadline
	case *connecting:
		deadline = p.deadline
	default:
		return nil
	}
	if c.clock() < deadline {
		return nil
	}
	c.log.Infof("Handshake expired while %v.", c.State())
	return c.fail(wire.NewHandshakeError(c.State().handshakeState(), "no response before the deadline", wire.ErrExpired))
}

// Deadline returns the current phase deadline on the Clock, and true iff a
// handshake step is outstanding.
func (c *Client) Deadline() (time.Duration, bool) {
	switch p := c.phase.(type) {
	case *challenging:
		return p.deadline, true
	case *connecting:
		return p.deadline, true
	default:
		return 0, false
	}
}

// Receive processes one datagram from the host.  reply is the datagram to
// send back, if any.  payload is the application payload carried by a Data
// message and aliases b.  A non-nil err means the datagram was dropped; it
// is fatal only if the client transitioned to Failed.
func (c *Client) Receive(b []byte) (reply, payload []byte, err error) {
	if err = c.CheckDeadline(); err != nil {
		return nil, nil, err
	}

	cmd, err := commands.FromBytes(b)
	if err != nil {
		c.log.Debugf("Dropping malformed datagram: %v\n%s", err, hex.Dump(b))
		return nil, nil, err
	}

	switch m := cmd.(type) {
	case *commands.ChallengeResponse:
		reply, err = c.onChallengeResponse(m)
		return reply, nil, err
	case *commands.ConnectResponse:
		return nil, nil, c.onConnectResponse(m)
	case *commands.Data:
		if !m.FromHost {
			break
		}
		payload, err = c.onData(m)
		return nil, payload, err
	}
	c.log.Debugf("Dropping host bound message %T.", cmd)
	return nil, nil, fmt.Errorf("%w: unexpected %T", wire.ErrInvalidState, cmd)
}

func (c *Client) onChallengeResponse(m *commands.ChallengeResponse) ([]byte, error) {
	p, ok := c.phase.(*challenging)
	if !ok {
		c.log.Debugf("Dropping ChallengeResponse while %v.", c.State())
		return nil, fmt.Errorf("%w: ChallengeResponse while %v", wire.ErrInvalidState, c.State())
	}
	if m.ClientNonce != p.clientNonce {
		c.log.Debugf("Dropping ChallengeResponse for nonce %016x.", uint64(m.ClientNonce))
		return nil, ErrStaleResponse
	}

	seed := wire.DeriveSeed(p.clientNonce, m.HostNonce)
	c.phase = &connecting{
		clientNonce: p.clientNonce,
		hostNonce:   m.HostNonce,
		seed:        seed,
		deadline:    c.clock() + c.timeout,
	}
	c.log.Debugf("Challenged, host nonce %016x.", uint64(m.HostNonce))

	req := &commands.ConnectRequest{
		ClientNonce: p.clientNonce,
		HostNonce:   m.HostNonce,
		Proof:       wire.ClientProof(seed),
	}
	return req.ToBytes(), nil
}

func (c *Client) onConnectResponse(m *commands.ConnectResponse) error {
	p, ok := c.phase.(*connecting)
	if !ok {
		c.log.Debugf("Dropping ConnectResponse while %v.", c.State())
		return fmt.Errorf("%w: ConnectResponse while %v", wire.ErrInvalidState, c.State())
	}
	if m.ClientNonce != p.clientNonce {
		c.log.Debugf("Dropping ConnectResponse for nonce %016x.", uint64(m.ClientNonce))
		return ErrStaleResponse
	}

	if err := wire.VerifyHostProof(m.Proof, m.ConnectionID, p.seed); err != nil {
		p.verifyFailures++
		c.log.Debugf("ConnectResponse failed verification (%d/%d): %v", p.verifyFailures, c.maxVerifyFailures, err)
		if p.verifyFailures >= c.maxVerifyFailures {
			return c.fail(wire.NewHandshakeError(wire.HandshakeStateConnecting,
				fmt.Sprintf("%d ConnectResponses failed verification", p.verifyFailures), wire.ErrFailed))
		}
		return err
	}

	c.phase = &connected{
		id:   m.ConnectionID,
		seed: p.seed,
	}
	c.log.Infof("Connected with connection id %d.", m.ConnectionID)
	return nil
}

func (c *Client) onData(m *commands.Data) ([]byte, error) {
	p, ok := c.phase.(*connected)
	if !ok {
		return nil, fmt.Errorf("%w: Data while %v", wire.ErrInvalidState, c.State())
	}
	_, payload, err := wire.Decode(m.Frame, func(id wire.ConnectionID) (wire.Seed, bool) {
		return p.seed, id == p.id
	})
	if err != nil {
		c.log.Debugf("Dropping undecodable Data: %v", err)
		return nil, err
	}
	return payload, nil
}

// SendPayload frames payload into a Data datagram.  The client must be
// Connected.
func (c *Client) SendPayload(payload []byte) ([]byte, error) {
	p, ok := c.phase.(*connected)
	if !ok {
		return nil, fmt.Errorf("%w: SendPayload while %v", wire.ErrInvalidState, c.State())
	}
	return commands.NewData(false, p.id, p.seed, payload), nil
}

func (c *Client) fail(err *wire.HandshakeError) error {
	err.IsInitiator = true
	c.phase = &failed{err: err}
	return err
}
