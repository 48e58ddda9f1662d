// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	crand "github.com/katzenpost/udpconn/core/crypto/rand"
	"github.com/katzenpost/udpconn/core/monotime"
	"github.com/katzenpost/udpconn/core/wire"
	"github.com/katzenpost/udpconn/core/wire/commands"
	"github.com/katzenpost/udpconn/server/internal/instrument"
)

const (
	defaultPendingTimeout      = 30 * time.Second
	defaultMaxDecodeFailures   = 16
	defaultReplayFilterEntries = 1 << 16

	replayFalsePositiveRate = 1e-6
)

// ErrReplay is returned for a handshake that reuses a client nonce consumed
// by an earlier completed handshake.
var ErrReplay = errors.New("server: replayed client nonce")

// HostConfig is the configuration of a Host.
type HostConfig struct {
	// PendingTimeout is the lifetime of an unanswered challenge.
	PendingTimeout time.Duration

	// MaxDecodeFailures is the number of consecutive undecodable datagrams
	// a session tolerates before it is torn down.
	MaxDecodeFailures int

	// ReplayFilterEntries sizes each generation of the consumed client
	// nonce filter.
	ReplayFilterEntries int

	// Rand supplies the host nonces, a fresh ChaCha20 source if nil.
	Rand crand.Source

	// Clock ages pending challenges, monotime.Now if nil.
	Clock monotime.Clock

	// Log is the logger, required.
	Log *logging.Logger

	// Metrics is optional.
	Metrics *instrument.Metrics
}

// Inbound is an application payload received on a session.
type Inbound struct {
	ConnectionID wire.ConnectionID
	Addr         net.Addr

	// Payload aliases the datagram passed to Receive.
	Payload []byte
}

// SessionInfo describes a connected peer.
type SessionInfo struct {
	ConnectionID wire.ConnectionID
	Addr         net.Addr
	Age          time.Duration
}

type pendingChallenge struct {
	clientNonce wire.Nonce
	hostNonce   wire.Nonce
	createdAt   time.Duration
}

type session struct {
	addr           net.Addr
	id             wire.ConnectionID
	seed           wire.Seed
	createdAt      time.Duration
	decodeFailures int
}

// Host is the responding side of the handshake, and the demultiplexer of the
// sessions it established.  It is a pure state machine: it consumes datagrams
// and returns the datagrams to send.  All methods are safe for concurrent
// use.
type Host struct {
	sync.Mutex

	log     *logging.Logger
	metrics *instrument.Metrics
	rng     crand.Source
	clock   monotime.Clock

	pendingTimeout    time.Duration
	maxDecodeFailures int
	replayEntries     int

	pending  map[string]*pendingChallenge
	sessions [wire.MaxConnections]*session
	byAddr   map[string]*session
	ids      idAllocator

	replay     *bloom.Filter
	replayPrev *bloom.Filter
}

// NewHost creates a new Host.
func NewHost(cfg *HostConfig) (*Host, error) {
	if cfg == nil || cfg.Log == nil {
		return nil, errors.New("server: no logger in HostConfig")
	}
	h := &Host{
		log:               cfg.Log,
		metrics:           cfg.Metrics,
		rng:               cfg.Rand,
		clock:             cfg.Clock,
		pendingTimeout:    cfg.PendingTimeout,
		maxDecodeFailures: cfg.MaxDecodeFailures,
		replayEntries:     cfg.ReplayFilterEntries,
		pending:           make(map[string]*pendingChallenge),
		byAddr:            make(map[string]*session),
	}
	if h.rng == nil {
		h.rng = crand.NewSource()
	}
	if h.clock == nil {
		h.clock = monotime.Now
	}
	if h.pendingTimeout <= 0 {
		h.pendingTimeout = defaultPendingTimeout
	}
	if h.maxDecodeFailures <= 0 {
		h.maxDecodeFailures = defaultMaxDecodeFailures
	}
	if h.replayEntries <= 0 {
		h.replayEntries = defaultReplayFilterEntries
	}

	var err error
	if h.replay, err = h.newReplayFilter(); err != nil {
		return nil, err
	}
	return h, nil
}

// Receive processes one datagram from the peer at from.  reply is the
// datagram to send back to from, if any.  in is set iff the datagram carried
// an application payload.  A non-nil err means the datagram was dropped, and
// no reply is ever produced for it.
func (h *Host) Receive(b []byte, from net.Addr) (reply []byte, in *Inbound, err error) {
	h.metrics.DatagramIn()

	cmd, err := commands.FromBytes(b)
	if err != nil {
		if h.log.IsEnabledFor(logging.DEBUG) {
			h.log.Debugf("Dropping malformed datagram from %v: %v\n%s", from, err, hex.Dump(b))
		}
		h.metrics.Drop(instrument.ReasonMalformed)
		return nil, nil, err
	}

	h.Lock()
	defer h.Unlock()

	switch m := cmd.(type) {
	case *commands.Challenge:
		reply, err = h.onChallenge(m, from)
	case *commands.ConnectRequest:
		reply, err = h.onConnectRequest(m, from)
	case *commands.Data:
		if m.FromHost {
			err = fmt.Errorf("%w: host to client Data from %v", wire.ErrInvalidState, from)
			break
		}
		in, err = h.onData(m, from)
	default:
		err = fmt.Errorf("%w: unexpected %T from %v", wire.ErrInvalidState, cmd, from)
	}
	h.metrics.SetTables(h.ids.len(), len(h.pending))
	if err != nil {
		h.onDrop(err)
		return nil, nil, err
	}
	return reply, in, nil
}

func (h *Host) onChallenge(m *commands.Challenge, from net.Addr) ([]byte, error) {
	if h.isReplay(m.ClientNonce) {
		return nil, fmt.Errorf("%w: %016x from %v", ErrReplay, uint64(m.ClientNonce), from)
	}

	hostNonce := wire.Nonce(h.rng.Uint64())
	h.pending[from.String()] = &pendingChallenge{
		clientNonce: m.ClientNonce,
		hostNonce:   hostNonce,
		createdAt:   h.clock(),
	}
	h.metrics.Challenge()
	h.log.Debugf("Challenged %v, client nonce %016x host nonce %016x.", from, uint64(m.ClientNonce), uint64(hostNonce))

	resp := &commands.ChallengeResponse{
		ClientNonce: m.ClientNonce,
		HostNonce:   hostNonce,
	}
	return resp.ToBytes(), nil
}

func (h *Host) onConnectRequest(m *commands.ConnectRequest, from net.Addr) ([]byte, error) {
	key := from.String()
	p, ok := h.pending[key]
	if !ok || p.clientNonce != m.ClientNonce || p.hostNonce != m.HostNonce {
		return nil, fmt.Errorf("%w: no pending challenge for %v matches", wire.ErrUnknownConnection, from)
	}

	now := h.clock()
	if age := now - p.createdAt; age > h.pendingTimeout {
		delete(h.pending, key)
		return nil, h.handshakeError(from, fmt.Sprintf("challenge is %v old", age), wire.ErrExpired)
	}

	seed := wire.DeriveSeed(p.clientNonce, p.hostNonce)
	if err := wire.VerifyClientProof(m.Proof, seed); err != nil {
		return nil, h.handshakeError(from, "client proof rejected", err)
	}
	if h.isReplay(p.clientNonce) {
		delete(h.pending, key)
		return nil, fmt.Errorf("%w: %016x from %v", ErrReplay, uint64(p.clientNonce), from)
	}

	// A completed handshake replaces any session already bound to the
	// address, and may reuse its identifier.
	if old, ok := h.byAddr[key]; ok {
		h.teardown(old, "replaced")
	}
	id, err := h.ids.allocate()
	if err != nil {
		return nil, h.handshakeError(from, fmt.Sprintf("all %d connection ids in use", wire.MaxConnections), err)
	}

	h.consumeNonce(p.clientNonce)
	s := &session{
		addr:      from,
		id:        id,
		seed:      seed,
		createdAt: now,
	}
	h.sessions[id] = s
	h.byAddr[key] = s
	delete(h.pending, key)
	h.metrics.Handshake((now - p.createdAt).Seconds())
	h.log.Infof("Peer %v connected with connection id %d.", from, id)

	resp := &commands.ConnectResponse{
		ClientNonce:  p.clientNonce,
		ConnectionID: id,
		Proof:        wire.HostProof(id, seed),
	}
	return resp.ToBytes(), nil
}

func (h *Host) onData(m *commands.Data, from net.Addr) (*Inbound, error) {
	var s *session
	id, payload, err := wire.Decode(m.Frame, func(id wire.ConnectionID) (wire.Seed, bool) {
		s = h.sessions[id]
		if s == nil || s.addr.String() != from.String() {
			s = nil
			return 0, false
		}
		return s.seed, true
	})
	switch {
	case err == nil:
		s.decodeFailures = 0
		return &Inbound{
			ConnectionID: id,
			Addr:         from,
			Payload:      payload,
		}, nil
	case s != nil && errors.Is(err, wire.ErrIntegrityMismatch):
		s.decodeFailures++
		if s.decodeFailures > h.maxDecodeFailures {
			h.log.Noticef("Tearing down connection id %d (%v): %d consecutive decode failures.", s.id, s.addr, s.decodeFailures)
			h.teardown(s, "decode_failures")
		}
	}
	return nil, err
}

// SendPayload frames payload into a Data datagram for the session id, and
// returns it along with the peer address to send it to.
func (h *Host) SendPayload(id wire.ConnectionID, payload []byte) ([]byte, net.Addr, error) {
	h.Lock()
	defer h.Unlock()

	s := h.sessions[id]
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %d", wire.ErrUnknownConnection, id)
	}
	return commands.NewData(true, id, s.seed, payload), s.addr, nil
}

// Disconnect tears down the session id and frees its identifier.
func (h *Host) Disconnect(id wire.ConnectionID) error {
	h.Lock()
	defer h.Unlock()

	s := h.sessions[id]
	if s == nil {
		return fmt.Errorf("%w: %d", wire.ErrUnknownConnection, id)
	}
	h.log.Infof("Disconnecting connection id %d (%v).", id, s.addr)
	h.teardown(s, "disconnect")
	h.metrics.SetTables(h.ids.len(), len(h.pending))
	return nil
}

// Sweep removes pending challenges older than the pending timeout, and
// returns how many were removed.
func (h *Host) Sweep() int {
	h.Lock()
	defer h.Unlock()

	now := h.clock()
	n := 0
	for k, p := range h.pending {
		if now-p.createdAt > h.pendingTimeout {
			delete(h.pending, k)
			n++
		}
	}
	if n > 0 {
		h.log.Debugf("Swept %d expired challenges.", n)
		h.metrics.PendingSwept(n)
	}
	h.metrics.SetTables(h.ids.len(), len(h.pending))
	return n
}

// Sessions returns the connected peers ordered by connection id.
func (h *Host) Sessions() []SessionInfo {
	h.Lock()
	defer h.Unlock()

	now := h.clock()
	ret := make([]SessionInfo, 0, h.ids.len())
	for _, s := range h.sessions {
		if s == nil {
			continue
		}
		ret = append(ret, SessionInfo{
			ConnectionID: s.id,
			Addr:         s.addr,
			Age:          now - s.createdAt,
		})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ConnectionID < ret[j].ConnectionID })
	return ret
}

// Pending returns the number of outstanding challenges.
func (h *Host) Pending() int {
	h.Lock()
	defer h.Unlock()
	return len(h.pending)
}

func (h *Host) teardown(s *session, cause string) {
	h.sessions[s.id] = nil
	if h.byAddr[s.addr.String()] == s {
		delete(h.byAddr, s.addr.String())
	}
	if err := h.ids.release(s.id); err != nil {
		h.log.Errorf("BUG: %v", err)
	}
	h.metrics.Teardown(cause)
}

func (h *Host) handshakeError(from net.Addr, msg string, err error) error {
	he := wire.NewHandshakeError(wire.HandshakeStateChallenged, msg, err)
	he.Connection = wire.ExtractConnectionInfo(nil, from)
	return he
}

func (h *Host) onDrop(err error) {
	reason := instrument.ReasonInvalidState
	switch {
	case errors.Is(err, wire.ErrMalformed):
		reason = instrument.ReasonMalformed
	case errors.Is(err, wire.ErrIntegrityMismatch):
		reason = instrument.ReasonIntegrity
	case errors.Is(err, wire.ErrUnknownConnection):
		reason = instrument.ReasonUnknownConnection
	case errors.Is(err, wire.ErrExpired):
		reason = instrument.ReasonExpired
	case errors.Is(err, ErrReplay):
		reason = instrument.ReasonReplay
	case errors.Is(err, wire.ErrExhausted):
		h.log.Warningf("Refusing handshake: %v", err)
		h.metrics.Drop(instrument.ReasonExhausted)
		return
	}
	h.log.Debugf("Dropping datagram: %v", err)
	h.metrics.Drop(reason)
}

func (h *Host) newReplayFilter() (*bloom.Filter, error) {
	mLn2 := bloom.DeriveSize(h.replayEntries, replayFalsePositiveRate)
	f, err := bloom.New(rand.Reader, mLn2, replayFalsePositiveRate)
	if err != nil {
		return nil, fmt.Errorf("server: failed to create replay filter: %w", err)
	}
	return f, nil
}

func (h *Host) isReplay(n wire.Nonce) bool {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	if h.replay.Test(b[:]) {
		return true
	}
	return h.replayPrev != nil && h.replayPrev.Test(b[:])
}

func (h *Host) consumeNonce(n wire.Nonce) {
	if h.replay.Entries() >= h.replayEntries {
		f, err := h.newReplayFilter()
		if err != nil {
			// Keep filling the current generation.
			h.log.Errorf("Failed to rotate replay filter: %v", err)
		} else {
			h.replayPrev, h.replay = h.replay, f
		}
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	h.replay.TestAndSet(b[:])
}
