// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"testing"
	"time"
)

func TestSucceedsEventually(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxSleep: 5 * time.Millisecond}
	calls := 0
	ok, cancelled := r.Do(context.Background(), func(i int) bool {
		if i != calls {
			t.Fatalf("attempt number %d, expected %d", i, calls)
		}
		calls++
		return calls == 3
	})
	if !ok || cancelled || calls != 3 {
		t.Fatalf("ok=%v cancelled=%v calls=%d", ok, cancelled, calls)
	}
}

func TestMaxNumRetries(t *testing.T) {
	r := Retrier{MinSleep: time.Millisecond, MaxNumRetries: 4}
	calls := 0
	ok, cancelled := r.Do(context.Background(), func(int) bool { calls++; return false })
	if ok || cancelled || calls != 4 {
		t.Fatalf("ok=%v cancelled=%v calls=%d", ok, cancelled, calls)
	}
}

func TestMaxRetryTime(t *testing.T) {
	r := Retrier{MinSleep: 10 * time.Millisecond, MaxSleep: 10 * time.Millisecond, MaxRetry: 50 * time.Millisecond}
	start := time.Now()
	ok, _ := r.Do(context.Background(), func(int) bool { return false })
	if ok {
		t.Fatal("should have failed")
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("retry loop ran for %s", d)
	}
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := Retrier{MinSleep: time.Hour}
	ok, cancelled := r.Do(ctx, func(int) bool { cancel(); return false })
	if ok || !cancelled {
		t.Fatalf("ok=%v cancelled=%v", ok, cancelled)
	}
}
