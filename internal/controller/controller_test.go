// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/node"
	"github.com/westerndigitalcorporation/blockvol/internal/replica"
)

const (
	testVol  = core.VolumeID("vol1")
	testSize = 64 * core.BlockSize
)

// testCluster is a controller and a set of in-process nodes. Node i is
// called "n<i>" and is reachable at the address "n<i>".
type testCluster struct {
	t     *testing.T
	cfg   Config
	c     *Controller
	lt    *replica.LocalTalker
	nt    *LocalNodeTalker
	ct    *LocalControllerTalker
	nodes map[core.NodeID]*node.Node
}

func newTestCluster(t *testing.T, numNodes int) *testCluster {
	cfg := DefaultTestConfig
	cfg.StatePath = tempStatePath(t)
	tc := &testCluster{
		t:     t,
		cfg:   cfg,
		lt:    replica.NewLocalTalker(),
		nt:    NewLocalNodeTalker(),
		nodes: make(map[core.NodeID]*node.Node),
	}
	c, err := NewController(cfg, tc.nt)
	if err != nil {
		t.Fatalf("failed to create controller: %s", err)
	}
	t.Cleanup(c.Close)
	tc.c = c
	tc.ct = NewLocalControllerTalker(c)

	for i := 0; i < numNodes; i++ {
		ncfg := node.DefaultTestConfig
		ncfg.ID = core.NodeID(fmt.Sprintf("n%d", i))
		ncfg.Addr = string(ncfg.ID)
		n := node.NewNode(ncfg, tc.lt, tc.ct)
		t.Cleanup(n.Close)
		tc.nt.Add(n)
		tc.nodes[ncfg.ID] = n
		n.Start()
	}
	c.Start()
	tc.waitFor("nodes to beat", func() bool { return len(c.mon.healthy()) == numNodes })
	return tc
}

func (tc *testCluster) waitFor(what string, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tc.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (tc *testCluster) create(replicas int) core.VolumeInfo {
	info, err := tc.c.CreateVolume(context.Background(), core.CreateVolumeReq{Volume: testVol, Size: testSize, Replicas: replicas})
	if err != core.NoError {
		tc.t.Fatalf("create failed: %s", err)
	}
	return info
}

func (tc *testCluster) info() core.VolumeInfo {
	info, err := tc.c.GetVolume(testVol)
	if err != core.NoError {
		tc.t.Fatalf("get failed: %s", err)
	}
	return info
}

// cutOff makes a node unreachable for both heartbeats and replica traffic.
func (tc *testCluster) cutOff(id core.NodeID) {
	tc.ct.SetDown(id, true)
	tc.lt.SetDown(string(id), true)
}

func (tc *testCluster) write(n core.NodeID, blk int64, c byte) core.Error {
	e := tc.nodes[n].Engine(testVol)
	if e == nil {
		tc.t.Fatalf("no engine on %s", n)
	}
	return e.Write(context.Background(), blk*core.BlockSize, block(c))
}

func block(c byte) []byte {
	return bytes.Repeat([]byte{c}, core.BlockSize)
}

func healthyOn(info core.VolumeInfo) map[core.NodeID]bool {
	out := make(map[core.NodeID]bool)
	for _, r := range info.Replicas {
		if r.State == core.ReplicaHealthy {
			out[r.Node] = true
		}
	}
	return out
}

func TestCreateVolumeBadArguments(t *testing.T) {
	tc := newTestCluster(t, 1)
	for _, req := range []core.CreateVolumeReq{
		{Volume: "", Size: testSize, Replicas: 1},
		{Volume: "a/b", Size: testSize, Replicas: 1},
		{Volume: testVol, Size: testSize + 1, Replicas: 1},
		{Volume: testVol, Size: 0, Replicas: 1},
		{Volume: testVol, Size: testSize, Replicas: 0},
		{Volume: testVol, Size: testSize, Replicas: core.MaxReplicationFactor + 1},
	} {
		if _, err := tc.c.CreateVolume(context.Background(), req); err != core.ErrInvalidArgument {
			t.Errorf("%+v: expected invalid argument, got %s", req, err)
		}
	}
	tc.create(1)
	if _, err := tc.c.CreateVolume(context.Background(), core.CreateVolumeReq{Volume: testVol, Size: testSize, Replicas: 1}); err != core.ErrVolumeExists {
		t.Fatalf("expected volume exists, got %s", err)
	}
}

func TestCreateAttachWrite(t *testing.T) {
	tc := newTestCluster(t, 3)
	info := tc.create(2)
	if info.State != core.VolumeDetached || info.Degraded || len(healthyOn(info)) != 2 {
		t.Fatalf("bad volume after create %+v", info)
	}

	if err := tc.c.AttachVolume(context.Background(), testVol, "n2"); err != core.NoError {
		t.Fatalf("attach failed: %s", err)
	}
	if err := tc.c.AttachVolume(context.Background(), testVol, "n2"); err != core.NoError {
		t.Fatalf("repeated attach should succeed: %s", err)
	}
	if err := tc.c.AttachVolume(context.Background(), testVol, "n0"); err != core.ErrAlreadyAttached {
		t.Fatalf("expected already attached, got %s", err)
	}
	if info = tc.info(); info.State != core.VolumeAttached || info.Epoch != 1 || info.EngineNode != "n2" {
		t.Fatalf("bad volume after attach %+v", info)
	}
	if err := tc.write("n2", 3, 'w'); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}
	b, err := tc.nodes["n2"].Engine(testVol).Read(context.Background(), 3*core.BlockSize, core.BlockSize)
	if err != core.NoError || !bytes.Equal(b, block('w')) {
		t.Fatalf("bad read: %s", err)
	}

	if err := tc.c.DetachVolume(context.Background(), testVol); err != core.NoError {
		t.Fatalf("detach failed: %s", err)
	}
	if tc.nodes["n2"].Engine(testVol) != nil {
		t.Fatalf("engine still running after detach")
	}
	if info = tc.info(); info.State != core.VolumeDetached || info.EngineNode != "" {
		t.Fatalf("bad volume after detach %+v", info)
	}

	// Every attachment gets a new epoch.
	if err := tc.c.AttachVolume(context.Background(), testVol, "n0"); err != core.NoError {
		t.Fatalf("attach failed: %s", err)
	}
	if info = tc.info(); info.Epoch != 2 || info.EngineNode != "n0" {
		t.Fatalf("bad volume after second attach %+v", info)
	}
}

// A replica whose node goes away is failed, a new one is rebuilt elsewhere
// from a healthy peer, and the failed one is deleted.
func TestReplicaFailureRebuild(t *testing.T) {
	tc := newTestCluster(t, 4)
	info := tc.create(3)
	on := healthyOn(info)
	if !on["n0"] || !on["n1"] || !on["n2"] {
		t.Fatalf("expected replicas on n0, n1 and n2, got %+v", info.Replicas)
	}
	if err := tc.c.AttachVolume(context.Background(), testVol, "n0"); err != core.NoError {
		t.Fatalf("attach failed: %s", err)
	}
	if err := tc.write("n0", 0, 'a'); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}

	tc.cutOff("n1")
	if err := tc.write("n0", 1, 'b'); err != core.NoError {
		t.Fatalf("write with one replica gone failed: %s", err)
	}

	tc.waitFor("rebuild on n3", func() bool {
		info := tc.info()
		on := healthyOn(info)
		return !info.Degraded && len(info.Replicas) == 3 && on["n0"] && on["n2"] && on["n3"]
	})

	var rebuilt core.ReplicaID
	for _, r := range tc.info().Replicas {
		if r.Node == "n3" {
			rebuilt = r.ID
		}
	}
	a := tc.nodes["n3"].Agent(rebuilt)
	if a == nil || a.State() != core.ReplicaHealthy {
		t.Fatalf("rebuilt replica isn't healthy on n3")
	}
	for blk, c := range map[int64]byte{0: 'a', 1: 'b'} {
		b, err := a.Read(blk*core.BlockSize, core.BlockSize)
		if err != core.NoError || !bytes.Equal(b, block(c)) {
			t.Fatalf("rebuilt replica is missing block %d: %s", blk, err)
		}
	}

	// The rebuilt replica gets new writes too.
	if err := tc.write("n0", 2, 'c'); err != core.NoError {
		t.Fatalf("write after rebuild failed: %s", err)
	}
	tc.waitFor("write to reach the rebuilt replica", func() bool {
		b, err := a.Read(2*core.BlockSize, core.BlockSize)
		return err == core.NoError && bytes.Equal(b, block('c'))
	})
}

// A detached volume that lost a replica gets a new one rebuilt from a
// snapshot taken on its remaining replicas, without waiting to be attached.
func TestDetachedReplicaRebuild(t *testing.T) {
	tc := newTestCluster(t, 4)
	tc.create(3)
	if err := tc.c.AttachVolume(context.Background(), testVol, "n0"); err != core.NoError {
		t.Fatalf("attach failed: %s", err)
	}
	if err := tc.write("n0", 0, 'a'); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}
	if err := tc.c.DetachVolume(context.Background(), testVol); err != core.NoError {
		t.Fatalf("detach failed: %s", err)
	}

	tc.cutOff("n1")
	tc.waitFor("rebuild on n3", func() bool {
		info := tc.info()
		on := healthyOn(info)
		return !info.Degraded && len(info.Replicas) == 3 && on["n0"] && on["n2"] && on["n3"]
	})

	info := tc.info()
	if info.State != core.VolumeDetached || info.Epoch != 1 || info.Head == "" {
		t.Fatalf("bad volume after detached rebuild %+v", info)
	}
	var rebuilt core.ReplicaID
	for _, r := range info.Replicas {
		if r.Node == "n3" {
			rebuilt = r.ID
		}
	}
	a := tc.nodes["n3"].Agent(rebuilt)
	if a == nil || a.State() != core.ReplicaHealthy {
		t.Fatalf("rebuilt replica isn't healthy on n3")
	}
	if b, err := a.Read(0, core.BlockSize); err != core.NoError || !bytes.Equal(b, block('a')) {
		t.Fatalf("rebuilt replica is missing block 0: %s", err)
	}

	// The rebuilt replica serves the next attachment like the others.
	if err := tc.c.AttachVolume(context.Background(), testVol, "n3"); err != core.NoError {
		t.Fatalf("attach after rebuild failed: %s", err)
	}
	if info = tc.info(); info.Epoch != 2 || info.EngineNode != "n3" {
		t.Fatalf("bad volume after reattach %+v", info)
	}
	if err := tc.write("n3", 1, 'b'); err != core.NoError {
		t.Fatalf("write after reattach failed: %s", err)
	}
}

// With nowhere to put a new replica the volume stays degraded but usable.
func TestNoNodeForRebuild(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.create(3)
	if err := tc.c.AttachVolume(context.Background(), testVol, "n0"); err != core.NoError {
		t.Fatalf("attach failed: %s", err)
	}
	tc.cutOff("n1")

	tc.waitFor("failed replica to be dropped", func() bool {
		info := tc.info()
		return info.Degraded && len(info.Replicas) == 2
	})
	time.Sleep(10 * tc.cfg.ReconcileInterval)
	if info := tc.info(); !info.Degraded || len(healthyOn(info)) != 2 {
		t.Fatalf("expected a degraded volume with 2 healthy replicas, got %+v", info)
	}
	if err := tc.write("n0", 0, 'd'); err != core.NoError {
		t.Fatalf("degraded volume should still take writes: %s", err)
	}
}

// An engine on a node that's gone is replaced with one at a new epoch where
// the workload moved to. The old engine can't write anymore.
func TestEngineFailover(t *testing.T) {
	tc := newTestCluster(t, 4)
	tc.create(3)
	if err := tc.c.AttachVolume(context.Background(), testVol, "n3"); err != core.NoError {
		t.Fatalf("attach failed: %s", err)
	}
	old := tc.nodes["n3"].Engine(testVol)
	if err := old.Write(context.Background(), 0, block('o')); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}

	// n3 is partitioned from the controller but can still reach replicas.
	tc.ct.SetDown("n3", true)
	tc.nt.SetDown("n3", true)
	if err := tc.c.ReportNodeUnreachable("n3"); err != core.NoError {
		t.Fatalf("report failed: %s", err)
	}
	if err := tc.c.WorkloadMoved(context.Background(), testVol, "n0"); err != core.NoError {
		t.Fatalf("workload moved failed: %s", err)
	}
	tc.waitFor("engine on n0", func() bool {
		info := tc.info()
		return info.EngineNode == "n0" && info.Epoch == 2
	})

	if err := old.Write(context.Background(), core.BlockSize, block('x')); err != core.ErrStaleEpoch {
		t.Fatalf("expected stale epoch from the old engine, got %s", err)
	}
	if err := tc.write("n0", 1, 'n'); err != core.NoError {
		t.Fatalf("write through new engine failed: %s", err)
	}
	b, err := tc.nodes["n0"].Engine(testVol).Read(context.Background(), 0, 2*core.BlockSize)
	if err != core.NoError || !bytes.Equal(b, append(block('o'), block('n')...)) {
		t.Fatalf("bad read through new engine: %s", err)
	}
}

// Reports from an engine that's been replaced don't fail anything.
func TestStaleSuspectIgnored(t *testing.T) {
	tc := newTestCluster(t, 2)
	info := tc.create(2)
	if err := tc.c.AttachVolume(context.Background(), testVol, "n0"); err != core.NoError {
		t.Fatalf("attach failed: %s", err)
	}
	req := core.ReportSuspectReq{Volume: testVol, Epoch: 7, Replica: info.Replicas[0].ID, Err: core.ErrWriteFailed}
	if err := tc.c.ReportSuspect(req); err != core.NoError {
		t.Fatalf("report failed: %s", err)
	}
	tc.c.Reconcile(context.Background())
	if info = tc.info(); info.Degraded || len(healthyOn(info)) != 2 {
		t.Fatalf("stale report changed the volume %+v", info)
	}

	req.Epoch = 1
	tc.c.ReportSuspect(req)
	tc.waitFor("replica to be failed", func() bool { return tc.info().Degraded })
}

func TestDeleteVolume(t *testing.T) {
	tc := newTestCluster(t, 3)
	info := tc.create(3)
	if err := tc.c.AttachVolume(context.Background(), testVol, "n1"); err != core.NoError {
		t.Fatalf("attach failed: %s", err)
	}
	if err := tc.c.DeleteVolume(context.Background(), testVol); err != core.NoError {
		t.Fatalf("delete failed: %s", err)
	}
	if _, err := tc.c.GetVolume(testVol); err != core.ErrNoSuchVolume {
		t.Fatalf("expected no such volume, got %s", err)
	}
	if tc.nodes["n1"].Engine(testVol) != nil {
		t.Fatalf("engine still running")
	}
	for _, r := range info.Replicas {
		if tc.nodes[r.Node].Agent(r.ID) != nil {
			t.Fatalf("replica %s still on %s", r.ID, r.Node)
		}
	}
	if err := tc.c.DeleteVolume(context.Background(), testVol); err != core.ErrNoSuchVolume {
		t.Fatalf("expected no such volume, got %s", err)
	}
}

func TestSnapshotDAG(t *testing.T) {
	tc := newTestCluster(t, 2)
	tc.create(2)
	ctx := context.Background()
	if _, err := tc.c.TakeSnapshot(ctx, testVol, false); err != core.ErrNotAttached {
		t.Fatalf("expected not attached, got %s", err)
	}
	tc.c.AttachVolume(ctx, testVol, "n0")

	s1, err := tc.c.TakeSnapshot(ctx, testVol, false)
	if err != core.NoError || s1.Parent != "" {
		t.Fatalf("bad first snapshot %+v (%s)", s1, err)
	}
	s2, err := tc.c.TakeSnapshot(ctx, testVol, false)
	if err != core.NoError || s2.Parent != s1.ID {
		t.Fatalf("bad second snapshot %+v (%s)", s2, err)
	}
	if tc.c.Head(testVol) != s2.ID {
		t.Fatalf("head should be the latest snapshot")
	}
	if err := tc.c.ForgetSnapshot(s2.ID); err != core.ErrInvalidState {
		t.Fatalf("head can't be forgotten, got %s", err)
	}
	if err := tc.c.ForgetSnapshot(s1.ID); err != core.ErrInvalidState {
		t.Fatalf("a parent can't be forgotten, got %s", err)
	}

	s3, err := tc.c.TakeSnapshot(ctx, testVol, true)
	if err != core.NoError || s3.Parent != "" {
		t.Fatalf("base snapshot should have no parent %+v (%s)", s3, err)
	}
	snaps, _ := tc.c.Snapshots(testVol)
	if len(snaps) != 3 || snaps[0].ID != s1.ID || snaps[2].ID != s3.ID {
		t.Fatalf("bad snapshot list %+v", snaps)
	}
	if err := tc.c.ForgetSnapshot(s2.ID); err != core.NoError {
		t.Fatalf("forget failed: %s", err)
	}
	if err := tc.c.ForgetSnapshot(s1.ID); err != core.NoError {
		t.Fatalf("forget failed: %s", err)
	}
	if _, err := tc.c.Snapshot(s1.ID); err != core.ErrNoSuchSnapshot {
		t.Fatalf("expected no such snapshot, got %s", err)
	}
}

func TestRestartReloadsState(t *testing.T) {
	tc := newTestCluster(t, 2)
	tc.create(2)
	tc.c.AttachVolume(context.Background(), testVol, "n1")
	snap, err := tc.c.TakeSnapshot(context.Background(), testVol, false)
	if err != core.NoError {
		t.Fatalf("snapshot failed: %s", err)
	}
	before := tc.info()
	tc.c.Close()

	c, cerr := NewController(tc.cfg, tc.nt)
	if cerr != nil {
		t.Fatalf("restart failed: %s", cerr)
	}
	defer c.Close()
	after, verr := c.GetVolume(testVol)
	if verr != core.NoError {
		t.Fatalf("volume lost across restart: %s", verr)
	}
	if after.Epoch != before.Epoch || after.EngineNode != "n1" || after.Head != snap.ID || len(after.Replicas) != 2 {
		t.Fatalf("volume changed across restart: %+v vs %+v", after, before)
	}
	if _, err := c.Snapshot(snap.ID); err != core.NoError {
		t.Fatalf("snapshot lost across restart: %s", err)
	}
	// The nodes hosting things are expected to beat.
	if _, ok := c.mon.get("n0"); !ok {
		t.Fatalf("restarted controller doesn't know about n0")
	}
}

// A failed attachment leaves the workload node where it was, in memory and
// in the stored state.
func TestFailedAttachKeepsWorkloadNode(t *testing.T) {
	tc := newTestCluster(t, 2)
	tc.create(2)
	workload := func(c *Controller) core.NodeID {
		c.lock.Lock()
		defer c.lock.Unlock()
		return c.volumes[testVol].WorkloadNode
	}

	tc.nt.SetDown("n1", true)
	if err := tc.c.AttachVolume(context.Background(), testVol, "n1"); err == core.NoError {
		t.Fatalf("attach on an unreachable node succeeded")
	}
	if w := workload(tc.c); w != "" {
		t.Fatalf("failed attach set the workload node to %q", w)
	}
	if info := tc.info(); info.State != core.VolumeDetached || info.Epoch != 1 {
		t.Fatalf("unexpected volume after a failed attach: %+v", info)
	}
	tc.c.Close()

	c, cerr := NewController(tc.cfg, tc.nt)
	if cerr != nil {
		t.Fatalf("restart failed: %s", cerr)
	}
	defer c.Close()
	if w := workload(c); w != "" {
		t.Fatalf("stored workload node is %q after a failed attach", w)
	}
}

func TestListVolumesHandler(t *testing.T) {
	tc := newTestCluster(t, 1)
	for _, v := range []core.VolumeID{"a1", "a2", "b1"} {
		if _, err := tc.c.CreateVolume(context.Background(), core.CreateVolumeReq{Volume: v, Size: testSize, Replicas: 1}); err != core.NoError {
			t.Fatalf("create failed: %s", err)
		}
	}
	h := newControllerSrvHandler(tc.c)
	var reply core.ListVolumesReply
	h.ListVolumes("a", &reply)
	if reply.Err != core.NoError || len(reply.Volumes) != 2 || reply.Volumes[0].ID != "a1" || reply.Volumes[1].ID != "a2" {
		t.Fatalf("bad list %+v", reply)
	}

	var snap core.CreateSnapshotReply
	h.CreateSnapshot("b1", &snap)
	if snap.Err != core.ErrNotAttached {
		t.Fatalf("expected not attached, got %s", snap.Err)
	}
	var exp core.ExportBackupReply
	h.ExportBackup("nothing", &exp)
	if exp.Err != core.ErrBackupFailed {
		t.Fatalf("expected backup failed without a snapshot service, got %s", exp.Err)
	}
}
