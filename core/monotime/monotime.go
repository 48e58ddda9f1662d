// monotime.go - Monotonic clock source.
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

// Package monotime implements a monotonic clock.
package monotime

import (
	"sync"
	"time"
)

var monoBase = time.Now()

// Now returns the current time as measured by a monotonic clock source.  The
// value is totally unrelated to civil time, and should only be used for
// measuring relative time intervals.
func Now() time.Duration {
	// time.Time carries a monotonic reading, so the delta from package
	// initialization is immune to wall clock steps.
	return time.Since(monoBase)
}

// Clock is a monotonic time source.  Handshake deadlines and pending record
// ages are computed against a Clock so that tests can control time.
type Clock func() time.Duration

// Fake is a manually advanced Clock for tests.
type Fake struct {
	sync.Mutex

	now time.Duration
}

// Now returns the fake clock's current reading.
func (f *Fake) Now() time.Duration {
	f.Lock()
	defer f.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.Lock()
	defer f.Unlock()
	f.now += d
}
