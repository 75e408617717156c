// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"math/rand"
	"time"
)

// Task to execute with retries in the Do method.
// On every execution, it receives the attempt number, starting at zero.
// It should return true if it completes successfully and false if it should be retried.
type Task func(int) (done bool)

// Retrier runs a task until it succeeds, backing off exponentially with
// jitter between attempts.
type Retrier struct {
	// MinSleep is the shortest and initial sleep time to be
	// used during the retry loop.
	MinSleep time.Duration

	// MaxSleep is the longest sleep time to be used during
	// the retry loop.
	MaxSleep time.Duration

	// MaxRetry, if greater than zero, bounds the total time spent in the
	// retry loop. No attempt is started that couldn't begin before it.
	MaxRetry time.Duration

	// MaxNumRetries, if greater than zero, limits the number of attempts.
	MaxNumRetries int
}

// Do will execute the given Task, retrying when the task returns false.
// If task returns true, Do will return (true, false).
// If it hits the maximum retry count or time, it will return (false, false).
// If the context is cancelled, it will return (false, true).
func (r Retrier) Do(ctx context.Context, task Task) (success, cancelled bool) {
	start := time.Now()
	backoff := r.MinSleep
	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return false, true
		}
		if task(i) {
			return true, false
		}
		if r.MaxNumRetries > 0 && i+1 >= r.MaxNumRetries ||
			r.MaxRetry > 0 && time.Since(start)+backoff > r.MaxRetry {
			return false, false
		}

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false, true
		}
		backoff = r.next(backoff)
	}
}

// next grows the backoff by a factor between 1.75 and 2.25, capped at MaxSleep.
func (r Retrier) next(backoff time.Duration) time.Duration {
	max := r.MaxSleep
	if max < r.MinSleep {
		max = r.MinSleep
	}
	backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
	if backoff > max {
		backoff = max
	}
	return backoff
}
