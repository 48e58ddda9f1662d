// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"fmt"
	"math/bits"

	"github.com/katzenpost/udpconn/core/wire"
)

// idAllocator hands out connection identifiers, lowest free first.  It is not
// safe for concurrent use; Host serializes access.
type idAllocator struct {
	used  [wire.MaxConnections / 64]uint64
	inUse int
}

// allocate returns the lowest unused identifier, or wire.ErrExhausted.
func (a *idAllocator) allocate() (wire.ConnectionID, error) {
	for i, w := range a.used {
		if w == ^uint64(0) {
			continue
		}
		bit := bits.TrailingZeros64(^w)
		a.used[i] |= 1 << uint(bit)
		a.inUse++
		return wire.ConnectionID(i*64 + bit), nil
	}
	return 0, wire.ErrExhausted
}

// release returns id to the free list.  Releasing an identifier that is not
// allocated is a bug in the caller.
func (a *idAllocator) release(id wire.ConnectionID) error {
	if !a.isAllocated(id) {
		return fmt.Errorf("server: double free of connection id %d", id)
	}
	a.used[int(id)/64] &^= uint64(1) << (uint(id) % 64)
	a.inUse--
	return nil
}

// isAllocated returns true iff id is currently handed out.
func (a *idAllocator) isAllocated(id wire.ConnectionID) bool {
	return a.used[int(id)/64]&(uint64(1)<<(uint(id)%64)) != 0
}

func (a *idAllocator) len() int {
	return a.inUse
}
