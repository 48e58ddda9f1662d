// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrMalformed is returned for datagrams that are too short or otherwise
	// ill-formed.
	ErrMalformed = errors.New("wire: malformed datagram")

	// ErrIntegrityMismatch is returned when a checksum or a handshake proof
	// does not verify.
	ErrIntegrityMismatch = errors.New("wire: integrity mismatch")

	// ErrUnknownConnection is returned when a frame names a connection
	// identifier that has no session.
	ErrUnknownConnection = errors.New("wire: unknown connection")

	// ErrExhausted is returned when every connection identifier is in use.
	ErrExhausted = errors.New("wire: connection identifiers exhausted")

	// ErrExpired is returned when a handshake step outlives its deadline.
	ErrExpired = errors.New("wire: handshake expired")

	// ErrFailed is returned when a client gives up on a handshake.
	ErrFailed = errors.New("wire: handshake failed")

	// ErrInvalidState is returned when a message or call arrives in a phase
	// where it is not valid.
	ErrInvalidState = errors.New("wire: invalid state")
)

// HandshakeState names a phase of the handshake.
type HandshakeState string

const (
	HandshakeStateIdle        HandshakeState = "idle"
	HandshakeStateChallenging HandshakeState = "challenging"
	HandshakeStateChallenged  HandshakeState = "challenged"
	HandshakeStateConnecting  HandshakeState = "connecting"
	HandshakeStateConnected   HandshakeState = "connected"
	HandshakeStateFailed      HandshakeState = "failed"
)

// ConnectionInfo describes the datagram endpoint pair of a handshake.
type ConnectionInfo struct {
	Protocol   string // "udp", "udp4", "udp6", ...
	LocalAddr  string
	RemoteAddr string
	RemoteIP   string
	RemotePort string
}

// HandshakeError provides information about a handshake failure.  It unwraps
// to one of the package sentinel errors.
type HandshakeError struct {
	State           HandshakeState
	Message         string
	UnderlyingError error
	IsInitiator     bool

	Connection *ConnectionInfo
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "wire: handshake failed at %s", e.State)
	if e.IsInitiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}

	if e.Connection != nil && e.Connection.RemoteAddr != "" {
		fmt.Fprintf(&b, " with peer %s (%s)", e.Connection.RemoteAddr, e.Connection.Protocol)
	}

	fmt.Fprintf(&b, ": %s", e.Message)

	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, " (underlying error: %v)", e.UnderlyingError)
	}

	return b.String()
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.UnderlyingError
}

// Verbose returns a detailed multi-line description of the failure.
func (e *HandshakeError) Verbose() string {
	var b strings.Builder

	b.WriteString("=== HANDSHAKE FAILURE ===\n")
	fmt.Fprintf(&b, "State: %s\n", e.State)
	b.WriteString("Role: ")
	if e.IsInitiator {
		b.WriteString("initiator (client)\n")
	} else {
		b.WriteString("responder (host)\n")
	}

	if e.Connection != nil {
		b.WriteString("\n--- CONNECTION INFORMATION ---\n")
		fmt.Fprintf(&b, "Protocol: %s\n", e.Connection.Protocol)
		fmt.Fprintf(&b, "Local Address: %s\n", e.Connection.LocalAddr)
		fmt.Fprintf(&b, "Remote Address: %s (%s:%s)\n", e.Connection.RemoteAddr, e.Connection.RemoteIP, e.Connection.RemotePort)
	}

	fmt.Fprintf(&b, "Error Message: %s\n", e.Message)
	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, "Underlying Error: %v\n", e.UnderlyingError)
	}

	b.WriteString("=== END HANDSHAKE FAILURE ===")
	return b.String()
}

// NewHandshakeError creates a new HandshakeError with the given parameters.
func NewHandshakeError(state HandshakeState, message string, err error) *HandshakeError {
	return &HandshakeError{
		State:           state,
		Message:         message,
		UnderlyingError: err,
	}
}

// VerboseError interface for errors that can provide detailed information.
type VerboseError interface {
	error
	Verbose() string
}

// GetVerboseError returns verbose error information if available.
func GetVerboseError(err error) string {
	var ve VerboseError
	if errors.As(err, &ve) {
		return ve.Verbose()
	}
	return err.Error()
}

// GetHandshakeError returns the HandshakeError if err is or wraps one.
func GetHandshakeError(err error) (*HandshakeError, bool) {
	var he *HandshakeError
	ok := errors.As(err, &he)
	return he, ok
}

// ExtractConnectionInfo builds a ConnectionInfo for the endpoint pair.
// Either address may be nil.
func ExtractConnectionInfo(local, remote net.Addr) *ConnectionInfo {
	if remote == nil {
		return nil
	}
	info := &ConnectionInfo{
		Protocol:   remote.Network(),
		RemoteAddr: remote.String(),
	}
	if local != nil {
		info.LocalAddr = local.String()
	}
	if host, port, err := net.SplitHostPort(info.RemoteAddr); err == nil {
		info.RemoteIP = host
		info.RemotePort = port
	} else {
		info.RemoteIP = info.RemoteAddr
	}
	return info
}
