// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package volume

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/blockvol/internal/controller"
	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/node"
	"github.com/westerndigitalcorporation/blockvol/internal/replica"
	"github.com/westerndigitalcorporation/blockvol/pkg/testutil"
)

// startController runs a controller with 'n' in-process nodes behind a real
// RPC server and returns its address.
func startController(t *testing.T, n int) string {
	dir, err := os.MkdirTemp(testutil.TempDir(), "client")
	if err != nil {
		t.Fatal(err)
	}
	cfg := controller.DefaultTestConfig
	cfg.StatePath = filepath.Join(dir, "state.db")
	nt := controller.NewLocalNodeTalker()
	c, err := controller.NewController(cfg, nt)
	if err != nil {
		t.Fatalf("failed to create controller: %s", err)
	}
	t.Cleanup(c.Close)

	lt := replica.NewLocalTalker()
	ct := controller.NewLocalControllerTalker(c)
	for i := 0; i < n; i++ {
		ncfg := node.DefaultTestConfig
		ncfg.ID = core.NodeID(fmt.Sprintf("n%d", i))
		ncfg.Addr = string(ncfg.ID)
		nd := node.NewNode(ncfg, lt, ct)
		t.Cleanup(nd.Close)
		nt.Add(nd)
		nd.Start()
	}
	c.Start()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go c.Serve(l)

	want := fmt.Sprintf("%d healthy", n)
	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(c.NodeStatus(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("nodes never became healthy: %s", c.NodeStatus())
		}
		time.Sleep(10 * time.Millisecond)
	}
	return l.Addr().String()
}

func TestClientLifecycle(t *testing.T) {
	addr := startController(t, 3)
	c := NewClient(Options{Controller: addr})
	defer c.Close()
	ctx := context.Background()

	info, err := c.Create(ctx, "vol1", 16*core.BlockSize, 2)
	if err != core.NoError {
		t.Fatalf("create failed: %s", err)
	}
	if len(info.Replicas) != 2 || info.Degraded || info.State != core.VolumeDetached {
		t.Fatalf("bad volume %+v", info)
	}
	if _, err := c.Create(ctx, "vol1", 16*core.BlockSize, 2); err != core.ErrVolumeExists {
		t.Fatalf("expected volume exists, got %s", err)
	}
	if _, err := c.Snapshot(ctx, "vol1"); err != core.ErrNotAttached {
		t.Fatalf("expected not attached, got %s", err)
	}

	if err := c.Attach(ctx, "vol1", "n0"); err != core.NoError {
		t.Fatalf("attach failed: %s", err)
	}
	if info, _ = c.Get(ctx, "vol1"); info.EngineNode != "n0" || info.State != core.VolumeAttached {
		t.Fatalf("bad volume after attach %+v", info)
	}
	s, err := c.Snapshot(ctx, "vol1")
	if err != core.NoError {
		t.Fatalf("snapshot failed: %s", err)
	}
	snaps, err := c.Snapshots(ctx, "vol1")
	if err != core.NoError || len(snaps) != 1 || snaps[0].ID != s.ID {
		t.Fatalf("bad snapshots %+v (%s)", snaps, err)
	}
	// The controller has no backup target configured.
	if _, err := c.ExportBackup(ctx, s.ID); err != core.ErrBackupFailed {
		t.Fatalf("expected backup failed, got %s", err)
	}

	if err := c.WorkloadMoved(ctx, "vol1", "n1"); err != core.NoError {
		t.Fatalf("move failed: %s", err)
	}
	if info, _ = c.Get(ctx, "vol1"); info.EngineNode != "n1" || info.Epoch < 2 {
		t.Fatalf("engine didn't move %+v", info)
	}

	if vols, err := c.List(ctx, "vol"); err != core.NoError || len(vols) != 1 {
		t.Fatalf("bad list %+v (%s)", vols, err)
	}
	if vols, _ := c.List(ctx, "other"); len(vols) != 0 {
		t.Fatalf("prefix not applied: %+v", vols)
	}

	if err := c.Detach(ctx, "vol1"); err != core.NoError {
		t.Fatalf("detach failed: %s", err)
	}
	if err := c.Delete(ctx, "vol1"); err != core.NoError {
		t.Fatalf("delete failed: %s", err)
	}
	if _, err := c.Get(ctx, "vol1"); err != core.ErrNoSuchVolume {
		t.Fatalf("expected no such volume, got %s", err)
	}
}

// A dead address in the list is skipped.
func TestClientFailover(t *testing.T) {
	addr := startController(t, 1)
	c := NewClient(Options{Controller: "127.0.0.1:1," + addr})
	defer c.Close()
	if _, err := c.List(context.Background(), ""); err != core.NoError {
		t.Fatalf("list failed: %s", err)
	}
}

func TestClientNoController(t *testing.T) {
	c := NewClient(Options{Controller: "127.0.0.1:1", RetryTimeout: 300 * time.Millisecond})
	defer c.Close()
	start := time.Now()
	if _, err := c.Get(context.Background(), "vol1"); err != core.ErrRPC {
		t.Fatalf("expected rpc error, got %s", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("didn't retry")
	}
}
