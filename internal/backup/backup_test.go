// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/pkg/testutil"
)

func block(c byte) []byte {
	return bytes.Repeat([]byte{c}, core.BlockSize)
}

func testChain() []*core.Delta {
	now := time.Now()
	return []*core.Delta{
		{ID: "v-s1", Created: now, Blocks: map[int64][]byte{0: block('a'), 3: block('b')}},
		{ID: "v-s2", Parent: "v-s1", Created: now, Blocks: map[int64][]byte{3: block('c')}},
		{ID: "v-s3", Parent: "v-s2", Created: now, Blocks: map[int64][]byte{}},
	}
}

func newFileTarget(t *testing.T) (*FileTarget, string) {
	dir, err := os.MkdirTemp(testutil.TempDir(), "backup")
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultFileConfig
	cfg.Dir = dir
	ft, err := NewFileTarget(cfg)
	if err != nil {
		t.Fatalf("failed to create target: %s", err)
	}
	t.Cleanup(func() { ft.Close() })
	return ft, dir
}

func sameChain(t *testing.T, got, want []*core.Delta) {
	if len(got) != len(want) {
		t.Fatalf("expected %d deltas, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Parent != want[i].Parent || len(got[i].Blocks) != len(want[i].Blocks) {
			t.Fatalf("delta %d: expected %s, got %s", i, want[i].ID, got[i].ID)
		}
		for idx, b := range want[i].Blocks {
			if !bytes.Equal(got[i].Blocks[idx], b) {
				t.Fatalf("delta %s: block %d differs", want[i].ID, idx)
			}
		}
	}
}

// Both targets must behave the same.
func testTarget(t *testing.T, tgt Target) {
	ctx := context.Background()
	chain := testChain()

	b2 := Backup{ID: "v-b2", Volume: "v", Snapshot: "v-s2", Size: 16 * core.BlockSize, Created: time.Unix(100, 0)}
	if err := tgt.Put(ctx, b2, chain[:2]); err != core.NoError {
		t.Fatalf("put failed: %s", err)
	}
	b3 := Backup{ID: "v-b3", Volume: "v", Snapshot: "v-s3", Size: 16 * core.BlockSize, Created: time.Unix(200, 0)}
	if err := tgt.Put(ctx, b3, chain); err != core.NoError {
		t.Fatalf("put failed: %s", err)
	}
	other := Backup{ID: "w-b1", Volume: "w", Snapshot: "v-s1", Created: time.Unix(50, 0)}
	if err := tgt.Put(ctx, other, chain[:1]); err != core.NoError {
		t.Fatalf("put failed: %s", err)
	}

	got, gchain, err := tgt.Get(ctx, "v-b3")
	if err != core.NoError {
		t.Fatalf("get failed: %s", err)
	}
	if got.Snapshot != "v-s3" || got.Size != b3.Size || len(got.Chain) != 3 || !got.Created.Equal(b3.Created) {
		t.Fatalf("bad backup %+v", got)
	}
	sameChain(t, gchain, chain)

	list, err := tgt.List("v")
	if err != core.NoError || len(list) != 2 || list[0].ID != "v-b2" || list[1].ID != "v-b3" {
		t.Fatalf("bad list %+v (%s)", list, err)
	}
	if all, _ := tgt.List(""); len(all) != 3 || all[0].ID != "w-b1" {
		t.Fatalf("bad list of everything %+v", all)
	}

	// Deltas still used by another backup survive a delete.
	if err := tgt.Delete(ctx, "v-b3"); err != core.NoError {
		t.Fatalf("delete failed: %s", err)
	}
	if _, _, err := tgt.Get(ctx, "v-b3"); err != core.ErrNoSuchBackup {
		t.Fatalf("expected no such backup, got %s", err)
	}
	if _, gchain, err = tgt.Get(ctx, "v-b2"); err != core.NoError {
		t.Fatalf("get failed after deleting another backup: %s", err)
	}
	sameChain(t, gchain, chain[:2])
	if err := tgt.Delete(ctx, "v-b3"); err != core.ErrNoSuchBackup {
		t.Fatalf("expected no such backup, got %s", err)
	}
}

func TestMemTarget(t *testing.T) {
	mt := NewMemTarget()
	testTarget(t, mt)
	// Only s1 and s2 are still used.
	if len(mt.deltas) != 2 {
		t.Fatalf("expected 2 deltas left, got %d", len(mt.deltas))
	}
}

func TestFileTarget(t *testing.T) {
	ft, dir := newFileTarget(t)
	testTarget(t, ft)
	// The shards of s3 are gone.
	if _, err := os.Stat(ft.shardPath("v-s3", 0)); !os.IsNotExist(err) {
		t.Fatalf("shards of an unused delta are still around: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, catalogFileName)); err != nil {
		t.Fatalf("catalog is missing: %s", err)
	}
}

func TestFileTargetBadChain(t *testing.T) {
	ft, _ := newFileTarget(t)
	chain := testChain()
	for _, c := range [][]*core.Delta{nil, chain[1:], {chain[0], chain[2]}} {
		b := Backup{ID: "v-b", Volume: "v", Snapshot: "v-s3"}
		if err := ft.Put(context.Background(), b, c); err != core.ErrInvalidArgument {
			t.Errorf("expected invalid argument, got %s", err)
		}
	}
}

// Losing up to ParityShards shard files of a delta is tolerated.
func TestFileTargetLostShards(t *testing.T) {
	ft, _ := newFileTarget(t)
	chain := testChain()
	b := Backup{ID: "v-b1", Volume: "v", Snapshot: "v-s2", Created: time.Now()}
	if err := ft.Put(context.Background(), b, chain[:2]); err != core.NoError {
		t.Fatalf("put failed: %s", err)
	}

	os.Remove(ft.shardPath("v-s1", 0))
	os.WriteFile(ft.shardPath("v-s1", 2), []byte("junk"), 0600)
	_, got, err := ft.Get(context.Background(), "v-b1")
	if err != core.NoError {
		t.Fatalf("get with lost shards failed: %s", err)
	}
	sameChain(t, got, chain[:2])

	os.Remove(ft.shardPath("v-s2", 0))
	os.Remove(ft.shardPath("v-s2", 1))
	os.Remove(ft.shardPath("v-s2", 2))
	if _, _, err := ft.Get(context.Background(), "v-b1"); err != core.ErrCorruptData {
		t.Fatalf("expected corrupt data with too many lost shards, got %s", err)
	}
}

// A reopened target sees what was stored before.
func TestFileTargetReopen(t *testing.T) {
	ft, dir := newFileTarget(t)
	chain := testChain()
	b := Backup{ID: "v-b1", Volume: "v", Snapshot: "v-s1", Created: time.Now()}
	if err := ft.Put(context.Background(), b, chain[:1]); err != core.NoError {
		t.Fatalf("put failed: %s", err)
	}
	ft.Close()

	cfg := DefaultFileConfig
	cfg.Dir = dir
	ft2, err := NewFileTarget(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %s", err)
	}
	defer ft2.Close()
	_, got, verr := ft2.Get(context.Background(), "v-b1")
	if verr != core.NoError {
		t.Fatalf("get after reopen failed: %s", verr)
	}
	sameChain(t, got, chain[:1])
}
