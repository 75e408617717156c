// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"strings"
	"testing"
)

// A replica ID must lead back to its volume, even when the volume name has
// dashes in it.
func TestReplicaIDVolume(t *testing.T) {
	for _, vol := range []VolumeID{"pvc", "pvc-1234-r", "a-r-b"} {
		r := NewReplicaID(vol)
		got, err := r.Volume()
		if err != nil {
			t.Fatalf("error parsing %q: %s", r, err)
		}
		if got != vol {
			t.Fatalf("expected %q, got %q", vol, got)
		}
	}
	if _, err := ReplicaID("garbage").Volume(); err != ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestVolumeIDValid(t *testing.T) {
	if VolumeID("").Valid() || VolumeID("a/b").Valid() || VolumeID(strings.Repeat("x", 200)).Valid() {
		t.Fatal("invalid volume names accepted")
	}
	if !VolumeID("pvc-42").Valid() {
		t.Fatal("valid volume name rejected")
	}
}

func TestSnapshotIDsUnique(t *testing.T) {
	seen := make(map[SnapshotID]bool)
	for i := 0; i < 1000; i++ {
		id := NewSnapshotID("v")
		if seen[id] {
			t.Fatalf("duplicate snapshot id %s", id)
		}
		seen[id] = true
	}
}

func TestQuorum(t *testing.T) {
	for desired, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		if got := Quorum(desired); got != want {
			t.Errorf("Quorum(%d) = %d, want %d", desired, got, want)
		}
	}
}

func TestAligned(t *testing.T) {
	if !Aligned(0, BlockSize) || !Aligned(3*BlockSize, 2*BlockSize) {
		t.Fatal("aligned range rejected")
	}
	if Aligned(1, BlockSize) || Aligned(0, 0) || Aligned(0, 100) || Aligned(-BlockSize, BlockSize) {
		t.Fatal("unaligned range accepted")
	}
}

func TestErrorRoundTrip(t *testing.T) {
	if NoError.Error() != nil {
		t.Fatal("NoError should map to nil")
	}
	err := ErrStaleEpoch.Error()
	if !ErrStaleEpoch.Is(err) || ErrWriteFailed.Is(err) {
		t.Fatal("Is doesn't match")
	}
	if FromError(err) != ErrStaleEpoch {
		t.Fatal("FromError lost the error")
	}
	if FromError(context.DeadlineExceeded) != ErrCanceled {
		t.Fatal("deadline should map to ErrCanceled")
	}
	if IsRetriableError(ErrStaleEpoch) || IsRetriableError(ErrCapacityExceeded) {
		t.Fatal("structural errors must not be retriable")
	}
	if !IsRetriableVolError(ErrRPC.Error()) {
		t.Fatal("ErrRPC should be retriable")
	}
}
