// Package clock abstracts wall time so retry and wait loops can be driven
// deterministically from tests.
package clock

import (
	"context"
	"math/rand/v2"
	"time"
)

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns clk, or Real when clk is nil.
func Or(clk Clock) Clock {
	if clk == nil {
		return Real{}
	}
	return clk
}

// Wait blocks for d on clk or until ctx is done. It returns ctx.Err() when the
// context ends first.
func Wait(ctx context.Context, clk Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-Or(clk).After(d):
		return nil
	}
}

// Backoff yields exponentially growing delays between Base and Max. Jitter is
// the fraction (0..1) of each delay that is randomised downwards.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	next time.Duration
}

// Next returns the delay to apply before the following attempt.
func (b *Backoff) Next() time.Duration {
	if b.Base <= 0 {
		b.Base = 10 * time.Millisecond
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	if b.next <= 0 {
		b.next = b.Base
	}
	current := b.next
	grown := time.Duration(float64(b.next) * b.Multiplier)
	if b.Max > 0 && grown > b.Max {
		grown = b.Max
	}
	b.next = grown
	if b.Max > 0 && current > b.Max {
		current = b.Max
	}
	if b.Jitter > 0 {
		jitter := b.Jitter
		if jitter > 1 {
			jitter = 1
		}
		cut := time.Duration(rand.Float64() * jitter * float64(current))
		current -= cut
	}
	return current
}

// Reset restarts the sequence at Base.
func (b *Backoff) Reset() {
	b.next = 0
}
