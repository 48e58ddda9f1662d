// retry.go - Handshake retry logic with exponential backoff.
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

// Package retry provides retry logic with exponential backoff for
// handshake attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/udpconn/core/wire"
)

// Default retry configuration constants
const (
	// DefaultMaxAttempts is the default maximum number of attempts
	DefaultMaxAttempts = 1

	// DefaultBaseDelay is the default base delay between attempts
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between attempts
	DefaultMaxDelay = 10 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0)
	DefaultJitter = 0.2
)

// Policy bounds a sequence of attempts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultPolicy returns a Policy populated with the package defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))

	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// IsTransientError returns true if the error is likely transient and worth
// retrying.  An expired handshake is transient, a handshake abandoned after
// failed verification is not.
func IsTransientError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, wire.ErrExpired):
		return true
	case errors.Is(err, wire.ErrFailed), errors.Is(err, wire.ErrInvalidState):
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
	}
	lowerErr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}

// Do calls fn until it succeeds, returns a non-transient error, the policy
// runs out of attempts, or ctx is done.  The attempt number passed to fn
// starts at 0.
func Do(ctx context.Context, p *Policy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt-1))
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			case <-t.C:
			}
		}
		if err = fn(attempt); err == nil || !IsTransientError(err) {
			return err
		}
	}
	return err
}
