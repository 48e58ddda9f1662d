// codec.go - Connection layer datagram framing.
// Copyright (C) 2017  David Anthony Stainton, Yawning Angel
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

// Package wire implements the udpconn connection layer: the integrity codec
// that frames every post handshake datagram, the session seed derivation and
// the handshake proofs built on top of the codec.
//
// A frame is laid out as:
//
//	connection_id (1) || murmur3_32(payload, seed) (4, big endian) || payload
//
// The checksum is not a MAC.  It detects corruption and datagrams that name
// the wrong connection identifier; the only unforgeability comes from the
// seed being unpredictable to anyone who did not see both handshake nonces.
package wire

import (
	"bytes"
	"crypto/subtle"
	"encoding/binary"

	"github.com/twmb/murmur3"
	"golang.org/x/crypto/blake2b"
)

const (
	// HeaderLength is the length of the frame header in bytes.
	HeaderLength = 1 + checksumLength

	// MaxConnections is the number of distinct connection identifiers, and
	// thus the maximum number of simultaneously connected peers per host.
	MaxConnections = 256

	// ProofLength is the length of a handshake verifying frame.
	ProofLength = HeaderLength + sentinelLength

	checksumLength = 4
	sentinelLength = 8
)

var (
	seedDomain = []byte("udpconn session seed v1")

	clientSentinel = []byte("c2h-conn")
	hostSentinel   = []byte("h2c-conn")
)

// Nonce is a single use handshake value drawn from an entropy source.
type Nonce uint64

// ConnectionID is the compact per session identifier that prefixes every
// frame.
type ConnectionID uint8

// Seed keys the frame checksum of one session.
type Seed uint64

// SeedLookup resolves a connection identifier to its session seed.
type SeedLookup func(ConnectionID) (Seed, bool)

// DeriveSeed computes the session seed from the two handshake nonces.  Both
// peers MUST call it with the same argument order (client nonce first).
func DeriveSeed(clientNonce, hostNonce Nonce) Seed {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(clientNonce))
	binary.BigEndian.PutUint64(buf[8:], uint64(hostNonce))

	h, err := blake2b.New256(nil)
	if err != nil {
		panic("wire: blake2b.New256 failed: " + err.Error())
	}
	h.Write(seedDomain)
	h.Write(buf[:])
	digest := h.Sum(nil)
	return Seed(binary.BigEndian.Uint64(digest[:8]))
}

// Checksum returns the frame checksum of payload under seed.
func Checksum(seed Seed, payload []byte) uint32 {
	return murmur3.SeedSum32(uint32(seed)^uint32(seed>>32), payload)
}

// Encode frames payload for the connection id, keyed by seed.
func Encode(id ConnectionID, seed Seed, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderLength+len(payload)), id, seed, payload)
}

// AppendFrame appends the frame for payload to dst and returns the extended
// slice.
func AppendFrame(dst []byte, id ConnectionID, seed Seed, payload []byte) []byte {
	var hdr [HeaderLength]byte
	hdr[0] = byte(id)
	binary.BigEndian.PutUint32(hdr[1:], Checksum(seed, payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Decode parses and verifies frame.  The returned payload aliases frame.
func Decode(frame []byte, lookup SeedLookup) (ConnectionID, []byte, error) {
	if len(frame) < HeaderLength {
		return 0, nil, ErrMalformed
	}
	id := ConnectionID(frame[0])
	seed, ok := lookup(id)
	if !ok {
		return id, nil, ErrUnknownConnection
	}

	payload := frame[HeaderLength:]
	var expected [checksumLength]byte
	binary.BigEndian.PutUint32(expected[:], Checksum(seed, payload))
	if subtle.ConstantTimeCompare(expected[:], frame[1:HeaderLength]) != 1 {
		return id, nil, ErrIntegrityMismatch
	}
	return id, payload, nil
}

// ClientProof returns the verifying frame a client sends in its
// ConnectRequest.  It proves the client derived seed.
func ClientProof(seed Seed) []byte {
	return Encode(0, seed, clientSentinel)
}

// VerifyClientProof checks a client verifying frame against seed.
func VerifyClientProof(frame []byte, seed Seed) error {
	return verifyProof(frame, seed, clientSentinel, nil)
}

// HostProof returns the verifying frame a host sends in its ConnectResponse
// for the assigned connection id.
func HostProof(id ConnectionID, seed Seed) []byte {
	return Encode(id, seed, hostSentinel)
}

// VerifyHostProof checks a host verifying frame against seed and the
// advertised connection id.
func VerifyHostProof(frame []byte, id ConnectionID, seed Seed) error {
	return verifyProof(frame, seed, hostSentinel, &id)
}

func verifyProof(frame []byte, seed Seed, sentinel []byte, want *ConnectionID) error {
	if len(frame) != ProofLength {
		return ErrMalformed
	}
	id, payload, err := Decode(frame, func(ConnectionID) (Seed, bool) { return seed, true })
	if err != nil {
		return err
	}
	if want != nil && id != *want {
		return ErrIntegrityMismatch
	}
	if !bytes.Equal(payload, sentinel) {
		return ErrIntegrityMismatch
	}
	return nil
}
