// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package blockstore

import (
	"bytes"
	"io/ioutil"
	"sync"
	"syscall"
	"testing"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/pkg/testutil"
)

const testSize = 64 * core.BlockSize

// block returns one block filled with 'c'.
func block(c byte) []byte {
	return bytes.Repeat([]byte{c}, core.BlockSize)
}

func newMem(t *testing.T) *LocalStore {
	s, err := NewMemStore(testSize)
	if err != core.NoError {
		t.Fatalf("failed to create mem store: %s", err)
	}
	return s
}

func newFile(t *testing.T) (*LocalStore, string) {
	dir, err := ioutil.TempDir(testutil.TempDir(), "store")
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig
	cfg.Sync = false
	cfg.MinFreeBytes = 0
	s, berr := OpenFileStore(dir, testSize, cfg)
	if berr != core.NoError {
		t.Fatalf("failed to open file store: %s", berr)
	}
	return s, dir
}

// forEachStore runs a test against both store flavors.
func forEachStore(t *testing.T, test func(t *testing.T, s Store)) {
	t.Run("mem", func(t *testing.T) {
		test(t, newMem(t))
	})
	t.Run("file", func(t *testing.T) {
		s, _ := newFile(t)
		defer s.Close()
		test(t, s)
	})
}

func mustWrite(t *testing.T, s Store, blk int64, c byte) {
	if err := s.Write(blk*core.BlockSize, block(c)); err != core.NoError {
		t.Fatalf("write of block %d failed: %s", blk, err)
	}
}

func mustRead(t *testing.T, s Store, blk int64) []byte {
	b, err := s.Read(blk*core.BlockSize, core.BlockSize)
	if err != core.NoError {
		t.Fatalf("read of block %d failed: %s", blk, err)
	}
	return b
}

func TestReadUnwrittenIsZero(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustWrite(t, s, 1, 'a')
		b, err := s.Read(0, 3*core.BlockSize)
		if err != core.NoError {
			t.Fatal(err)
		}
		if !bytes.Equal(b[:core.BlockSize], make([]byte, core.BlockSize)) {
			t.Fatal("block 0 should read as zeros")
		}
		if !bytes.Equal(b[core.BlockSize:2*core.BlockSize], block('a')) {
			t.Fatal("block 1 has wrong contents")
		}
		if !bytes.Equal(b[2*core.BlockSize:], make([]byte, core.BlockSize)) {
			t.Fatal("block 2 should read as zeros")
		}
	})
}

func TestBadRanges(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if err := s.Write(1, block('a')); err != core.ErrInvalidArgument {
			t.Fatalf("unaligned write: expected ErrInvalidArgument, got %s", err)
		}
		if err := s.Write(testSize, block('a')); err != core.ErrCapacityExceeded {
			t.Fatalf("write past end: expected ErrCapacityExceeded, got %s", err)
		}
		if _, err := s.Read(testSize-core.BlockSize, 2*core.BlockSize); err != core.ErrCapacityExceeded {
			t.Fatalf("read past end: expected ErrCapacityExceeded, got %s", err)
		}
	})
}

// A full disk refuses new blocks but still lets existing ones be overwritten.
func TestFullDisk(t *testing.T) {
	be := newMemBackend()
	be.maxBlocks = 2
	s, _ := newLocalStore(testSize, be)
	mustWrite(t, s, 0, 'a')
	mustWrite(t, s, 1, 'b')
	if err := s.Write(2*core.BlockSize, block('c')); err != core.ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded, got %s", err)
	}
	mustWrite(t, s, 0, 'z')
	if !bytes.Equal(mustRead(t, s, 0), block('z')) {
		t.Fatal("overwrite lost")
	}
}

// Restoring the chain s0->s1->s2 reproduces the state at s2.
func TestSnapshotRestoreRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustWrite(t, s, 0, 'a')
		mustWrite(t, s, 1, 'b')
		if _, err := s.Snapshot("s0", ""); err != core.NoError {
			t.Fatal(err)
		}
		mustWrite(t, s, 1, 'c')
		mustWrite(t, s, 2, 'd')
		d1, err := s.Snapshot("s1", "s0")
		if err != core.NoError {
			t.Fatal(err)
		}
		if len(d1.Blocks) != 2 {
			t.Fatalf("s1 should have 2 blocks, has %d", len(d1.Blocks))
		}
		mustWrite(t, s, 3, 'e')
		if _, err = s.Snapshot("s2", "s1"); err != core.NoError {
			t.Fatal(err)
		}
		want, _ := s.Read(0, testSize)

		// Writes after s2 must not leak into the chain.
		mustWrite(t, s, 0, 'x')

		chain, err := s.Deltas("s2")
		if err != core.NoError {
			t.Fatal(err)
		}
		if len(chain) != 3 || chain[0].ID != "s0" || chain[2].ID != "s2" {
			t.Fatalf("bad chain %+v", chain)
		}

		dst := newMem(t)
		if err = dst.Restore(chain); err != core.NoError {
			t.Fatal(err)
		}
		got, _ := dst.Read(0, testSize)
		if !bytes.Equal(got, want) {
			t.Fatal("restored state differs from state at s2")
		}
		if _, err = dst.Deltas("s2"); err != core.NoError {
			t.Fatalf("restored store should catalog the chain: %s", err)
		}
	})
}

// Blocks written before a restore are newer than the replayed chain, and show
// up in the next delta.
func TestRestoreKeepsNewerBlocks(t *testing.T) {
	src := newMem(t)
	mustWrite(t, src, 0, 'a')
	mustWrite(t, src, 1, 'b')
	src.Snapshot("s0", "")
	chain, _ := src.Deltas("s0")

	dst := newMem(t)
	mustWrite(t, dst, 1, 'n')
	if err := dst.Restore(chain); err != core.NoError {
		t.Fatal(err)
	}
	if !bytes.Equal(mustRead(t, dst, 0), block('a')) || !bytes.Equal(mustRead(t, dst, 1), block('n')) {
		t.Fatal("restore should replay block 0 and keep the newer block 1")
	}

	d, err := dst.Snapshot("s1", "s0")
	if err != core.NoError {
		t.Fatal(err)
	}
	if len(d.Blocks) != 1 || !bytes.Equal(d.Blocks[1], block('n')) {
		t.Fatalf("next delta should carry exactly the kept block, got %d blocks", len(d.Blocks))
	}
}

func TestRestoreRejectsBrokenChain(t *testing.T) {
	s := newMem(t)
	chain := []*core.Delta{
		{ID: "s0", Blocks: map[int64][]byte{}},
		{ID: "s2", Parent: "s1", Blocks: map[int64][]byte{}},
	}
	if err := s.Restore(chain); err != core.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument, got %s", err)
	}
	if err := s.Restore(chain[1:]); err != core.ErrInvalidArgument {
		t.Fatalf("chain without base: expected ErrInvalidArgument, got %s", err)
	}
}

// A snapshot never contains a torn block, no matter how writes interleave.
func TestSnapshotAtomicWithWrites(t *testing.T) {
	s := newMem(t)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				// Two blocks per write, both filled with the same byte.
				c := byte('a' + (i+w)%26)
				s.Write(int64(w*2)*core.BlockSize, append(block(c), block(c)...))
			}
		}(w)
	}

	parent := core.SnapshotID("")
	for i := 0; i < 50; i++ {
		id := core.SnapshotID(string(rune('A' + i)))
		d, err := s.Snapshot(id, parent)
		if err != core.NoError {
			t.Fatal(err)
		}
		for idx, b := range d.Blocks {
			if !bytes.Equal(b, block(b[0])) {
				t.Fatalf("torn block %d in snapshot %s", idx, id)
			}
			if pair, ok := d.Blocks[idx^1]; ok && pair[0] != b[0] {
				t.Fatalf("snapshot %s split a write between blocks %d and %d", id, idx, idx^1)
			}
		}
		parent = id
	}
	close(stop)
	wg.Wait()
}

func TestSnapshotIdempotent(t *testing.T) {
	s := newMem(t)
	mustWrite(t, s, 0, 'a')
	d1, _ := s.Snapshot("s0", "")
	mustWrite(t, s, 1, 'b')
	d2, err := s.Snapshot("s0", "")
	if err != core.NoError {
		t.Fatal(err)
	}
	if len(d2.Blocks) != len(d1.Blocks) {
		t.Fatal("retried snapshot should return the original delta")
	}
	if _, err = s.Snapshot("s0", "other"); err != core.ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for a conflicting retry, got %s", err)
	}
}

func TestSnapshotUnknownParentCapturesAll(t *testing.T) {
	s := newMem(t)
	mustWrite(t, s, 0, 'a')
	mustWrite(t, s, 1, 'b')
	d, err := s.Snapshot("s5", "s4")
	if err != core.NoError {
		t.Fatal(err)
	}
	if len(d.Blocks) != 2 {
		t.Fatalf("expected all 2 blocks, got %d", len(d.Blocks))
	}
	if d.Parent != "" {
		t.Fatalf("expected a base delta, got parent %q", d.Parent)
	}
}

// A snapshot whose parent was unknown is still matched against the parent it
// was asked for, not the empty parent it was stored with.
func TestSnapshotUnknownParentRetry(t *testing.T) {
	s, dir := newFile(t)
	mustWrite(t, s, 0, 'a')
	if _, err := s.Snapshot("s5", "s4"); err != core.NoError {
		t.Fatal(err)
	}
	check := func(s *LocalStore) {
		if _, err := s.Snapshot("s5", "s4"); err != core.NoError {
			t.Fatalf("retry with the same parent: %s", err)
		}
		for _, p := range []core.SnapshotID{"", "other"} {
			if _, err := s.Snapshot("s5", p); err != core.ErrInvalidArgument {
				t.Fatalf("retry with parent %q: expected ErrInvalidArgument, got %s", p, err)
			}
		}
	}
	check(s)
	s.Close()

	s, err := OpenFileStore(dir, testSize, Config{})
	if err != core.NoError {
		t.Fatal(err)
	}
	defer s.Close()
	check(s)
}

func TestDeleteDelta(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		mustWrite(t, s, 0, 'a')
		s.Snapshot("s0", "")
		s.Snapshot("s1", "s0")
		if err := s.DeleteDelta("s0"); err != core.ErrInvalidState {
			t.Fatalf("deleting a parent: expected ErrInvalidState, got %s", err)
		}
		if err := s.DeleteDelta("s1"); err != core.NoError {
			t.Fatal(err)
		}
		if err := s.DeleteDelta("s0"); err != core.NoError {
			t.Fatal(err)
		}
		if err := s.DeleteDelta("s0"); err != core.ErrNoSuchSnapshot {
			t.Fatalf("expected ErrNoSuchSnapshot, got %s", err)
		}
		if len(s.Snapshots()) != 0 {
			t.Fatal("catalog should be empty")
		}
	})
}

// Block sequences and deltas survive a reopen, so the next delta is still
// relative to the right parent.
func TestFileStoreReopen(t *testing.T) {
	s, dir := newFile(t)
	mustWrite(t, s, 0, 'a')
	s.Snapshot("s0", "")
	mustWrite(t, s, 1, 'b')
	s.Close()

	if err := s.Write(0, block('x')); err != core.ErrStoreClosed {
		t.Fatalf("expected ErrStoreClosed, got %s", err)
	}

	cfg := Config{}
	s, err := OpenFileStore(dir, testSize, cfg)
	if err != core.NoError {
		t.Fatal(err)
	}
	if !bytes.Equal(mustRead(t, s, 1), block('b')) {
		t.Fatal("data lost across reopen")
	}
	d, err := s.Snapshot("s1", "s0")
	if err != core.NoError {
		t.Fatal(err)
	}
	if len(d.Blocks) != 1 || d.Blocks[1] == nil {
		t.Fatalf("s1 should only have block 1, has %d blocks", len(d.Blocks))
	}

	s.Close()

	if _, err = OpenFileStore(dir, 2*testSize, cfg); err != core.ErrInvalidArgument {
		t.Fatalf("opening with a different size: expected ErrInvalidArgument, got %s", err)
	}
}

func TestToVolError(t *testing.T) {
	if toVolError(syscall.ENOSPC) != core.ErrCapacityExceeded {
		t.Fatal("wrong translation of ENOSPC")
	}
	if toVolError(syscall.EIO) != core.ErrIOFault {
		t.Fatal("wrong translation of EIO")
	}
	if toVolError(core.ErrNoSuchSnapshot.Error()) != core.ErrNoSuchSnapshot {
		t.Fatal("core errors should pass through")
	}
	if toVolError(nil) != core.NoError {
		t.Fatal("nil should be NoError")
	}
}
