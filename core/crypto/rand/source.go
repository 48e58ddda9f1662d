// source.go - Nonce entropy sources.
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

// Package rand provides the entropy sources used to mint handshake nonces.
package rand

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/katzenpost/chacha20"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/util"
)

const seedSize = chacha20.KeySize

var mNonce [chacha20.NonceSize]byte

// Source is a supplier of unpredictable 64 bit values.  Implementations
// MUST be safe for concurrent use by multiple handshakes.
type Source interface {
	// Uint64 returns the next random value.
	Uint64() uint64
}

type chachaSource struct {
	sync.Mutex
	s   *chacha20.Cipher
	off int
}

func (s *chachaSource) feedForward() {
	var seed [chacha20.KeySize]byte
	defer util.ExplicitBzero(seed[:])
	s.s.KeyStream(seed[:])
	if s.s.ReKey(seed[:], mNonce[:]) != nil {
		panic("rand: chacha20 ReKey failed, not expected")
	}
	s.off = 0
}

// Uint64 returns the next 8 bytes of keystream.  The key is ratcheted
// forward before the block is exhausted, so past outputs can not be
// recovered from a compromised state.
func (s *chachaSource) Uint64() uint64 {
	s.Lock()
	defer s.Unlock()

	if s.off+8 > chacha20.BlockSize-seedSize {
		s.feedForward()
	}
	s.off += 8

	var tmp [8]byte
	s.s.KeyStream(tmp[:])
	return binary.BigEndian.Uint64(tmp[:])
}

func (s *chachaSource) seed(r io.Reader) error {
	var seed [chacha20.KeySize]byte
	defer util.ExplicitBzero(seed[:])
	if _, err := io.ReadFull(r, seed[:]); err != nil {
		return err
	}
	if err := s.s.ReKey(seed[:], mNonce[:]); err != nil {
		return err
	}
	s.off = 0
	return nil
}

// NewSource returns a Source backed by a ChaCha20 keystream keyed from the
// system entropy pool.
func NewSource() Source {
	s, err := NewSourceFromReader(rand.Reader)
	if err != nil {
		panic("rand: failed to read entropy: " + err.Error())
	}
	return s
}

// NewSourceFromReader returns a Source keyed from r.  Given a deterministic
// reader the output is deterministic, which is only useful for testing.
func NewSourceFromReader(r io.Reader) (Source, error) {
	s := &chachaSource{s: new(chacha20.Cipher)}
	if err := s.seed(r); err != nil {
		return nil, err
	}
	return s, nil
}

// FixedSource replays a fixed list of values, then repeats the last one.  It
// exists so tests can pin nonces to known values.
type FixedSource struct {
	sync.Mutex

	values []uint64
	next   int
}

// NewFixedSource returns a FixedSource that yields values in order.
func NewFixedSource(values ...uint64) *FixedSource {
	if len(values) == 0 {
		panic("rand: FixedSource requires at least one value")
	}
	return &FixedSource{values: values}
}

// Uint64 returns the next fixed value.
func (s *FixedSource) Uint64() uint64 {
	s.Lock()
	defer s.Unlock()

	v := s.values[s.next]
	if s.next < len(s.values)-1 {
		s.next++
	}
	return v
}
