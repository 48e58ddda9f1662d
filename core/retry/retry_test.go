// retry_test.go - Tests for handshake retry logic.
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

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/udpconn/core/wire"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	baseDelay := 100 * time.Millisecond
	maxDelay := 1 * time.Second

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(100*time.Millisecond, Delay(baseDelay, maxDelay, 0, 0))
		require.Equal(200*time.Millisecond, Delay(baseDelay, maxDelay, 0, 1))
		require.Equal(400*time.Millisecond, Delay(baseDelay, maxDelay, 0, 2))
		require.Equal(800*time.Millisecond, Delay(baseDelay, maxDelay, 0, 3))
	})

	t.Run("max delay cap", func(t *testing.T) {
		require.Equal(maxDelay, Delay(baseDelay, maxDelay, 0, 10))
	})

	t.Run("jitter range", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			d := Delay(baseDelay, maxDelay, 0.2, 0)
			require.GreaterOrEqual(d, 80*time.Millisecond)
			require.LessOrEqual(d, 120*time.Millisecond)
		}
	})
}

// mockNetError implements net.Error for testing
type mockNetError struct {
	timeout bool
	msg     string
}

func (e *mockNetError) Error() string   { return e.msg }
func (e *mockNetError) Timeout() bool   { return e.timeout }
func (e *mockNetError) Temporary() bool { return false }

func TestIsTransientError(t *testing.T) {
	require := require.New(t)

	require.False(IsTransientError(nil))

	expired := wire.NewHandshakeError(wire.HandshakeStateChallenging, "handshake deadline reached", wire.ErrExpired)
	require.True(IsTransientError(expired))
	require.True(IsTransientError(fmt.Errorf("client: failed to connect: %w", expired)))

	require.False(IsTransientError(wire.ErrFailed))
	require.False(IsTransientError(wire.ErrInvalidState))

	require.True(IsTransientError(&mockNetError{timeout: true, msg: "operation timed out"}))
	require.False(IsTransientError(&mockNetError{msg: "permanent failure"}))

	require.True(IsTransientError(errors.New("read udp 127.0.0.1:4000: connection refused")))
	require.False(IsTransientError(errors.New("invalid address")))
}

func TestDo(t *testing.T) {
	t.Parallel()

	p := &Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, func(attempt int) error {
			require.Equal(t, calls, attempt)
			calls++
			if calls < 3 {
				return wire.ErrExpired
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, func(int) error {
			calls++
			return wire.ErrFailed
		})
		require.ErrorIs(t, err, wire.ErrFailed)
		require.Equal(t, 1, calls)
	})

	t.Run("gives up after MaxAttempts", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), p, func(int) error {
			calls++
			return wire.ErrExpired
		})
		require.ErrorIs(t, err, wire.ErrExpired)
		require.Equal(t, 3, calls)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := Do(ctx, &Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, func(int) error {
			calls++
			return wire.ErrExpired
		})
		require.ErrorIs(t, err, context.Canceled)
		require.ErrorIs(t, err, wire.ErrExpired)
		require.Equal(t, 1, calls)
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		calls := 0
		require.NoError(t, Do(context.Background(), &Policy{}, func(int) error {
			calls++
			return nil
		}))
		require.Equal(t, 1, calls)
	})
}
