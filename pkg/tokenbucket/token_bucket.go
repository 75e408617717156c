// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements the basic token bucket rate limiting algorithm.
// It is safe for use by multiple threads at once. Rebuilds and backup
// exports use it with one token per byte.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float64
	capacity float64
	current  float64
	last     time.Time
}

// New returns a new token bucket that fills at the given rate
// (tokens per second) and has the given capacity (tokens).
// A rate of zero or less means unlimited.
func New(rate, capacity float64) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		current:  capacity,
		last:     time.Now(),
	}
}

// Wait consumes n tokens and blocks until the balance is non-negative again
// or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context, n float64) error {
	d := tb.TakeAndUpdate(n, time.Now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TakeAndUpdate updates the state of the bucket to a new time, consumes n tokens, leaving
// a negative balance if necessary, and returns how long the caller should sleep until
// there's a non-negative balance again (may be negative if there was enough capacity).
func (tb *TokenBucket) TakeAndUpdate(n float64, now time.Time) time.Duration {
	tb.lock.Lock()
	defer tb.lock.Unlock()

	if tb.rate <= 0 {
		return 0
	}

	// Add capacity based on elapsed time, capped at capacity.
	tb.current += tb.rate * now.Sub(tb.last).Seconds()
	tb.last = now
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
	tb.current -= n

	return time.Duration(-tb.current / tb.rate * float64(time.Second))
}

// SetRate allows you to change the rate and capacity of this TokenBucket after it's created.
func (tb *TokenBucket) SetRate(rate, capacity float64) {
	tb.lock.Lock()
	tb.rate = rate
	tb.capacity = capacity
	tb.lock.Unlock()
}
