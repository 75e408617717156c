// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestBasics(t *testing.T) {
	tb := New(100, 500)
	start := tb.last

	// t=1, take 100. expect no sleep.
	if tb.TakeAndUpdate(100, start.Add(1000*time.Millisecond)) > 0 {
		t.Errorf("a")
	}
	// t=3, take 500, no sleep (bucket was full again).
	if tb.TakeAndUpdate(500, start.Add(3000*time.Millisecond)) > 0 {
		t.Errorf("b")
	}
	// Still t=3, take 100. nothing is available, so we should have to wait 1s.
	if s := tb.TakeAndUpdate(100, start.Add(3000*time.Millisecond)); s < 900*time.Millisecond || s > 1100*time.Millisecond {
		t.Errorf("c: %s", s)
	}
	// t=100, taking 500 should always be possible with no waiting.
	if tb.TakeAndUpdate(500, start.Add(100*time.Second)) > 0 {
		t.Errorf("d")
	}
	// t=200, taking 501 should not be possible without waiting.
	if tb.TakeAndUpdate(501, start.Add(200*time.Second)) <= 0 {
		t.Errorf("e")
	}
}

// Streaming 'total' bytes in 'unit' chunks takes (total-capacity)/rate.
func TestSteadyRate(t *testing.T) {
	for _, unit := range []float64{1, 10, 100, 4096} {
		rate, capacity, total := 4096.0, 4096.0, 409600.0
		tb := New(rate, capacity)
		start := tb.last
		now := start
		for sent := 0.0; sent < total; sent += unit {
			if s := tb.TakeAndUpdate(unit, now); s > 0 {
				now = now.Add(s)
			}
		}
		expected := (total - capacity) / rate
		if elapsed := now.Sub(start).Seconds(); math.Abs(elapsed-expected)/expected > 0.02 {
			t.Errorf("unit %v: took %v, expected %v", unit, elapsed, expected)
		}
	}
}

func TestUnlimited(t *testing.T) {
	tb := New(0, 0)
	if s := tb.TakeAndUpdate(1e12, time.Now()); s != 0 {
		t.Fatalf("unlimited bucket asked for a sleep of %s", s)
	}
	if err := tb.Wait(context.Background(), 1e12); err != nil {
		t.Fatal(err)
	}
}

func TestWaitCancelled(t *testing.T) {
	tb := New(1, 1)
	tb.TakeAndUpdate(1, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx, 1000); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
