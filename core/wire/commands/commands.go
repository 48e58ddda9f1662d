// SPDX-FileCopyrightText: Copyright (C) 2017  David Anthony Stainton, Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands implements the udpconn wire messages.
package commands

import (
	"encoding/binary"
	"fmt"

	"github.com/katzenpost/hpqc/util"

	"github.com/katzenpost/udpconn/core/wire"
)

type commandID byte

const (
	// Client to host.
	challenge      commandID = 0x01
	connectRequest commandID = 0x02
	clientData     commandID = 0x03

	// Host to client.
	challengeResponse commandID = 0x11
	connectResponse   commandID = 0x12
	hostData          commandID = 0x13

	nonceLength = 8

	// ChallengeLength is padded up to ChallengeResponseLength so that a host
	// never answers with more bytes than it received.
	ChallengeLength         = 1 + nonceLength + nonceLength
	ConnectRequestLength    = 1 + nonceLength + nonceLength + wire.ProofLength
	ChallengeResponseLength = 1 + nonceLength + nonceLength
	ConnectResponseLength   = 1 + nonceLength + 1 + wire.ProofLength

	// MinDataLength is the shortest Data message, a type byte and a frame
	// header with an empty payload.
	MinDataLength = 1 + wire.HeaderLength
)

// Command is the common interface exposed by all wire messages.
type Command interface {
	// ToBytes serializes the command and returns the resulting slice.
	ToBytes() []byte
}

// Challenge opens a handshake.
type Challenge struct {
	ClientNonce wire.Nonce
}

// ToBytes serializes the Challenge and returns the resulting slice.
func (c *Challenge) ToBytes() []byte {
	out := make([]byte, ChallengeLength)
	out[0] = byte(challenge)
	binary.BigEndian.PutUint64(out[1:], uint64(c.ClientNonce))
	return out
}

// ChallengeResponse answers a Challenge with the host's nonce.
type ChallengeResponse struct {
	ClientNonce wire.Nonce
	HostNonce   wire.Nonce
}

// ToBytes serializes the ChallengeResponse and returns the resulting slice.
func (c *ChallengeResponse) ToBytes() []byte {
	out := make([]byte, ChallengeResponseLength)
	out[0] = byte(challengeResponse)
	binary.BigEndian.PutUint64(out[1:], uint64(c.ClientNonce))
	binary.BigEndian.PutUint64(out[9:], uint64(c.HostNonce))
	return out
}

// ConnectRequest echoes both nonces and proves the client derived the
// session seed.
type ConnectRequest struct {
	ClientNonce wire.Nonce
	HostNonce   wire.Nonce
	Proof       []byte
}

// ToBytes serializes the ConnectRequest and returns the resulting slice.
func (c *ConnectRequest) ToBytes() []byte {
	if len(c.Proof) != wire.ProofLength {
		panic("commands: invalid ConnectRequest proof length")
	}
	out := make([]byte, 1+2*nonceLength, ConnectRequestLength)
	out[0] = byte(connectRequest)
	binary.BigEndian.PutUint64(out[1:], uint64(c.ClientNonce))
	binary.BigEndian.PutUint64(out[9:], uint64(c.HostNonce))
	return append(out, c.Proof...)
}

// ConnectResponse assigns the connection identifier and proves the host
// derived the same seed.
type ConnectResponse struct {
	ClientNonce  wire.Nonce
	ConnectionID wire.ConnectionID
	Proof        []byte
}

// ToBytes serializes the ConnectResponse and returns the resulting slice.
func (c *ConnectResponse) ToBytes() []byte {
	if len(c.Proof) != wire.ProofLength {
		panic("commands: invalid ConnectResponse proof length")
	}
	out := make([]byte, 1+nonceLength+1, ConnectResponseLength)
	out[0] = byte(connectResponse)
	binary.BigEndian.PutUint64(out[1:], uint64(c.ClientNonce))
	out[9] = byte(c.ConnectionID)
	return append(out, c.Proof...)
}

// Data carries one integrity codec frame.  FromHost selects the direction.
type Data struct {
	FromHost bool
	Frame    []byte
}

// ToBytes serializes the Data and returns the resulting slice.
func (c *Data) ToBytes() []byte {
	out := make([]byte, 1, 1+len(c.Frame))
	out[0] = byte(clientData)
	if c.FromHost {
		out[0] = byte(hostData)
	}
	return append(out, c.Frame...)
}

// NewData frames payload and wraps it in a Data message.
func NewData(fromHost bool, id wire.ConnectionID, seed wire.Seed, payload []byte) []byte {
	out := make([]byte, 1, 1+wire.HeaderLength+len(payload))
	out[0] = byte(clientData)
	if fromHost {
		out[0] = byte(hostData)
	}
	return wire.AppendFrame(out, id, seed, payload)
}

// FromBytes de-serializes the command in the buffer b, returning a Command or
// an error wrapping wire.ErrMalformed.  Byte slice fields alias b.
func FromBytes(b []byte) (Command, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", wire.ErrMalformed)
	}

	switch id := commandID(b[0]); id {
	case challenge:
		if err := checkLength(b, ChallengeLength, id); err != nil {
			return nil, err
		}
		// Ensure that it is zero padded.
		if !util.CtIsZero(b[1+nonceLength:]) {
			return nil, fmt.Errorf("%w: non-zero challenge padding", wire.ErrMalformed)
		}
		return &Challenge{
			ClientNonce: wire.Nonce(binary.BigEndian.Uint64(b[1:])),
		}, nil
	case challengeResponse:
		if err := checkLength(b, ChallengeResponseLength, id); err != nil {
			return nil, err
		}
		return &ChallengeResponse{
			ClientNonce: wire.Nonce(binary.BigEndian.Uint64(b[1:])),
			HostNonce:   wire.Nonce(binary.BigEndian.Uint64(b[9:])),
		}, nil
	case connectRequest:
		if err := checkLength(b, ConnectRequestLength, id); err != nil {
			return nil, err
		}
		return &ConnectRequest{
			ClientNonce: wire.Nonce(binary.BigEndian.Uint64(b[1:])),
			HostNonce:   wire.Nonce(binary.BigEndian.Uint64(b[9:])),
			Proof:       b[17:],
		}, nil
	case connectResponse:
		if err := checkLength(b, ConnectResponseLength, id); err != nil {
			return nil, err
		}
		return &ConnectResponse{
			ClientNonce:  wire.Nonce(binary.BigEndian.Uint64(b[1:])),
			ConnectionID: wire.ConnectionID(b[9]),
			Proof:        b[10:],
		}, nil
	case clientData, hostData:
		if len(b) < MinDataLength {
			return nil, fmt.Errorf("%w: short data message (%d bytes)", wire.ErrMalformed, len(b))
		}
		return &Data{
			FromHost: id == hostData,
			Frame:    b[1:],
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %#02x", wire.ErrMalformed, b[0])
	}
}

func checkLength(b []byte, want int, id commandID) error {
	if len(b) != want {
		return fmt.Errorf("%w: message type %#02x is %d bytes, expected %d", wire.ErrMalformed, byte(id), len(b), want)
	}
	return nil
}
