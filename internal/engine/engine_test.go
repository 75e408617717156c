// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/blockvol/internal/blockstore"
	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/replica"
)

const (
	testVol  = core.VolumeID("vol1")
	testSize = 256 * core.BlockSize
)

// recordingTalker remembers which replicas got which writes and reads.
type recordingTalker struct {
	*replica.LocalTalker

	lock   sync.Mutex
	writes map[core.ReplicaID][]uint64
	reads  []core.ReplicaID
}

func (r *recordingTalker) Write(ctx context.Context, addr core.ReplicaAddr, req *core.ReplicaWriteReq) core.Error {
	seq := req.Seq
	err := r.LocalTalker.Write(ctx, addr, req)
	if err == core.NoError {
		r.lock.Lock()
		r.writes[addr.ID] = append(r.writes[addr.ID], seq)
		r.lock.Unlock()
	}
	return err
}

func (r *recordingTalker) Read(ctx context.Context, addr core.ReplicaAddr, offset int64, length int) ([]byte, core.Error) {
	r.lock.Lock()
	r.reads = append(r.reads, addr.ID)
	r.lock.Unlock()
	return r.LocalTalker.Read(ctx, addr, offset, length)
}

type fakeReporter struct {
	lock    sync.Mutex
	reports []core.ReportSuspectReq
}

func (f *fakeReporter) ReportSuspect(req core.ReportSuspectReq) {
	f.lock.Lock()
	f.reports = append(f.reports, req)
	f.lock.Unlock()
}

func (f *fakeReporter) suspects() map[core.ReplicaID]bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make(map[core.ReplicaID]bool)
	for _, r := range f.reports {
		out[r.Replica] = true
	}
	return out
}

type fixture struct {
	talker   *recordingTalker
	reporter *fakeReporter
	stores   []*blockstore.LocalStore
	agents   []*replica.Agent
	addrs    []core.ReplicaAddr
}

// newFixture creates n replicas, replica i on node "n<i>".
func newFixture(t *testing.T, n int) *fixture {
	f := &fixture{
		talker:   &recordingTalker{LocalTalker: replica.NewLocalTalker(), writes: make(map[core.ReplicaID][]uint64)},
		reporter: &fakeReporter{},
	}
	for i := 0; i < n; i++ {
		s, err := blockstore.NewMemStore(testSize)
		if err != core.NoError {
			t.Fatalf("failed to create store: %s", err)
		}
		a := replica.NewAgent(core.NewReplicaID(testVol), testVol, s, core.ReplicaHealthy, replica.DefaultTestConfig)
		node := core.NodeID(fmt.Sprintf("n%d", i))
		f.talker.Add(a)
		f.stores = append(f.stores, s)
		f.agents = append(f.agents, a)
		f.addrs = append(f.addrs, core.ReplicaAddr{ID: a.ID(), Node: node, Addr: string(node)})
	}
	return f
}

func (f *fixture) replicas(states ...core.ReplicaState) []core.EngineReplica {
	var out []core.EngineReplica
	for i, addr := range f.addrs {
		st := core.ReplicaHealthy
		if i < len(states) {
			st = states[i]
		}
		out = append(out, core.EngineReplica{Addr: addr, State: st})
	}
	return out
}

func (f *fixture) newEngine(t *testing.T, node core.NodeID, epoch core.Epoch, reps []core.EngineReplica) *Engine {
	e := New(DefaultTestConfig, testVol, node, testSize, 3, f.talker, f.reporter)
	t.Cleanup(e.Close)
	if err := e.Attach(context.Background(), reps, epoch); err != core.NoError {
		t.Fatalf("attach failed: %s", err)
	}
	return e
}

func block(c byte) []byte {
	return bytes.Repeat([]byte{c}, core.BlockSize)
}

// allApplied returns whether every replica of the engine has acknowledged
// everything the engine acknowledged to its callers.
func allApplied(e *Engine) func() bool {
	return func() bool {
		st := e.Status()
		for _, r := range st.Replicas {
			if r.Applied < st.AckedSeq {
				return false
			}
		}
		return true
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWriteRead(t *testing.T) {
	f := newFixture(t, 3)
	e := f.newEngine(t, "n0", 1, f.replicas())

	if err := e.Write(context.Background(), 5*core.BlockSize, block('a')); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}
	b, err := e.Read(context.Background(), 5*core.BlockSize, core.BlockSize)
	if err != core.NoError || !bytes.Equal(b, block('a')) {
		t.Fatalf("bad read: %s", err)
	}
}

// An acknowledged write is on at least a quorum of replicas.
func TestAckedWriteOnQuorum(t *testing.T) {
	f := newFixture(t, 3)
	f.talker.SetDelay(f.addrs[2].Addr, 200*time.Millisecond)
	e := f.newEngine(t, "n0", 1, f.replicas())

	if err := e.Write(context.Background(), 0, block('q')); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}
	have := 0
	for _, s := range f.stores {
		if b, _ := s.Read(0, core.BlockSize); bytes.Equal(b, block('q')) {
			have++
		}
	}
	if have < e.Quorum() {
		t.Fatalf("acked write is on %d replicas, quorum is %d", have, e.Quorum())
	}
}

// One slow replica doesn't hold up writes.
func TestSlowReplicaDoesNotBlock(t *testing.T) {
	f := newFixture(t, 3)
	e := f.newEngine(t, "n0", 1, f.replicas())
	f.talker.SetDelay(f.addrs[1].Addr, 500*time.Millisecond)

	start := time.Now()
	if err := e.Write(context.Background(), 0, block('s')); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}
	if d := time.Since(start); d >= 500*time.Millisecond {
		t.Fatalf("write waited for the slow replica (%s)", d)
	}
}

// Every replica applies writes in submission order.
func TestOrderPreserved(t *testing.T) {
	f := newFixture(t, 3)
	e := f.newEngine(t, "n0", 1, f.replicas())

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				blk := int64((g + i) % 4)
				if err := e.Write(context.Background(), blk*core.BlockSize, block(byte('a'+g))); err != core.NoError {
					t.Errorf("write failed: %s", err)
				}
			}
		}(g)
	}
	wg.Wait()

	// Let stragglers finish.
	waitFor(t, "all replicas", func() bool {
		f.talker.lock.Lock()
		defer f.talker.lock.Unlock()
		for _, a := range f.addrs {
			if len(f.talker.writes[a.ID]) != 100 {
				return false
			}
		}
		return true
	})

	f.talker.lock.Lock()
	for _, a := range f.addrs {
		seqs := f.talker.writes[a.ID]
		for i := 1; i < len(seqs); i++ {
			if seqs[i] <= seqs[i-1] {
				t.Fatalf("replica %s applied seq %d after %d", a.ID, seqs[i], seqs[i-1])
			}
		}
	}
	f.talker.lock.Unlock()

	for blk := int64(0); blk < 4; blk++ {
		want, _ := f.stores[0].Read(blk*core.BlockSize, core.BlockSize)
		for i, s := range f.stores[1:] {
			if got, _ := s.Read(blk*core.BlockSize, core.BlockSize); !bytes.Equal(got, want) {
				t.Fatalf("block %d differs between replica 0 and %d", blk, i+1)
			}
		}
	}
}

// With 1 of 3 replicas Healthy, writes fail without landing anywhere.
func TestWriteFailedBelowQuorum(t *testing.T) {
	f := newFixture(t, 3)
	e := f.newEngine(t, "n0", 1, f.replicas(core.ReplicaHealthy, core.ReplicaRebuilding, core.ReplicaRebuilding))
	f.agents[1].SetState(core.ReplicaRebuilding)
	f.agents[2].SetState(core.ReplicaRebuilding)

	if err := e.Write(context.Background(), 0, block('x')); err != core.ErrWriteFailed {
		t.Fatalf("expected write failed, got %s", err)
	}
	for i, s := range f.stores {
		if b, _ := s.Read(0, core.BlockSize); !bytes.Equal(b, block(0)) {
			t.Fatalf("failed write landed on replica %d", i)
		}
	}
}

// Losing two of three replicas fails the write and gets them reported.
func TestReplicasLostMidway(t *testing.T) {
	f := newFixture(t, 3)
	e := f.newEngine(t, "n0", 1, f.replicas())
	if err := e.Write(context.Background(), 0, block('a')); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}

	f.talker.SetDown(f.addrs[1].Addr, true)
	f.talker.SetDown(f.addrs[2].Addr, true)
	if err := e.Write(context.Background(), 0, block('b')); err != core.ErrWriteFailed {
		t.Fatalf("expected write failed, got %s", err)
	}
	waitFor(t, "suspect reports", func() bool {
		s := f.reporter.suspects()
		return s[f.addrs[1].ID] && s[f.addrs[2].ID] && !s[f.addrs[0].ID]
	})
	// Later writes fail right away.
	if err := e.Write(context.Background(), 0, block('c')); err != core.ErrWriteFailed {
		t.Fatalf("expected write failed, got %s", err)
	}
	// The surviving replica still serves reads. The failed write may or may
	// not have landed on it.
	b, err := e.Read(context.Background(), 0, core.BlockSize)
	if err != core.NoError || !(bytes.Equal(b, block('a')) || bytes.Equal(b, block('b'))) {
		t.Fatalf("bad read after losing replicas: %s", err)
	}
}

// A replica that stops answering pings is reported even when there's no I/O.
func TestMissedPings(t *testing.T) {
	f := newFixture(t, 3)
	e := f.newEngine(t, "n0", 1, f.replicas())
	f.talker.SetDown(f.addrs[2].Addr, true)

	waitFor(t, "suspect report", func() bool { return f.reporter.suspects()[f.addrs[2].ID] })
	for _, r := range e.Status().Replicas {
		if r.Suspect != (r.ID == f.addrs[2].ID) {
			t.Fatalf("unexpected suspect state %+v", r)
		}
	}
	// Two healthy replicas are still a quorum of three.
	if err := e.Write(context.Background(), 0, block('a')); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}
}

// A newer engine fences the old one: its in-flight and later requests get
// ErrStaleEpoch from every replica.
func TestStaleEpochFencing(t *testing.T) {
	f := newFixture(t, 3)
	old := f.newEngine(t, "n0", 1, f.replicas())
	if err := old.Write(context.Background(), 0, block('a')); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}

	fresh := f.newEngine(t, "n1", 2, f.replicas())
	if err := old.Write(context.Background(), 0, block('z')); err != core.ErrStaleEpoch {
		t.Fatalf("expected stale epoch, got %s", err)
	}
	if _, err := old.Read(context.Background(), 0, core.BlockSize); err != core.ErrStaleEpoch {
		t.Fatalf("fenced engine should not read, got %s", err)
	}
	if !old.Status().Fenced {
		t.Fatalf("old engine isn't fenced")
	}
	for i, a := range f.agents {
		if err := a.Write(&core.ReplicaWriteReq{Epoch: 1, Seq: 100, Offset: 0, B: block('z')}); err != core.ErrStaleEpoch {
			t.Fatalf("replica %d accepted epoch 1 after epoch 2: %s", i, err)
		}
	}

	if err := fresh.Write(context.Background(), 0, block('b')); err != core.NoError {
		t.Fatalf("write on new engine failed: %s", err)
	}
	b, _ := fresh.Read(context.Background(), 0, core.BlockSize)
	if !bytes.Equal(b, block('b')) {
		t.Fatalf("bad read from new engine")
	}
}

func TestAttachRejectsOldEpoch(t *testing.T) {
	f := newFixture(t, 3)
	e := f.newEngine(t, "n0", 5, f.replicas())
	if err := e.Attach(context.Background(), f.replicas(), 5); err != core.ErrStaleEpoch {
		t.Fatalf("expected stale epoch, got %s", err)
	}
	other := New(DefaultTestConfig, testVol, "n1", testSize, 3, f.talker, f.reporter)
	defer other.Close()
	if err := other.Attach(context.Background(), f.replicas(), 3); err != core.ErrStaleEpoch {
		t.Fatalf("expected stale epoch, got %s", err)
	}
}

// Reads go to the replica on the engine's node, and fall back to others.
func TestReadRouting(t *testing.T) {
	f := newFixture(t, 3)
	e := f.newEngine(t, "n1", 1, f.replicas())
	if err := e.Write(context.Background(), 0, block('r')); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}
	// The write returns on quorum; the local replica may still be behind.
	waitFor(t, "every replica to apply the write", allApplied(e))
	if _, err := e.Read(context.Background(), 0, core.BlockSize); err != core.NoError {
		t.Fatalf("read failed: %s", err)
	}
	f.talker.lock.Lock()
	first := f.talker.reads[0]
	f.talker.reads = nil
	f.talker.lock.Unlock()
	if first != f.addrs[1].ID {
		t.Fatalf("expected read from the local replica %s, went to %s", f.addrs[1].ID, first)
	}

	// The local replica fails reads now; we should get data from elsewhere.
	f.agents[1].SetState(core.ReplicaFailed)
	b, err := e.Read(context.Background(), 0, core.BlockSize)
	if err != core.NoError || !bytes.Equal(b, block('r')) {
		t.Fatalf("read didn't fall back: %s", err)
	}

	// Nothing left.
	f.agents[0].SetState(core.ReplicaFailed)
	f.agents[2].SetState(core.ReplicaFailed)
	if _, err := e.Read(context.Background(), 0, core.BlockSize); err != core.ErrReadFailed {
		t.Fatalf("expected read failed, got %s", err)
	}
}

func TestBadArguments(t *testing.T) {
	f := newFixture(t, 3)
	e := New(DefaultTestConfig, testVol, "n0", testSize, 3, f.talker, f.reporter)
	defer e.Close()
	if err := e.Write(context.Background(), 0, block('a')); err != core.ErrNotAttached {
		t.Fatalf("expected not attached, got %s", err)
	}
	e.Attach(context.Background(), f.replicas(), 1)
	if err := e.Write(context.Background(), 1, block('a')); err != core.ErrInvalidArgument {
		t.Fatalf("expected invalid argument, got %s", err)
	}
	if err := e.Write(context.Background(), testSize, block('a')); err != core.ErrInvalidArgument {
		t.Fatalf("expected invalid argument, got %s", err)
	}
	if _, err := e.Read(context.Background(), 0, 17); err != core.ErrInvalidArgument {
		t.Fatalf("expected invalid argument, got %s", err)
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, 3)
	e := f.newEngine(t, "n0", 1, f.replicas())
	e.Write(context.Background(), 0, block('a'))
	if err := e.Snapshot(context.Background(), "s1", ""); err != core.NoError {
		t.Fatalf("snapshot failed: %s", err)
	}
	e.Write(context.Background(), core.BlockSize, block('b'))
	if err := e.Snapshot(context.Background(), "s2", "s1"); err != core.NoError {
		t.Fatalf("snapshot failed: %s", err)
	}

	// Snapshot returns on quorum; the last replica catches up in order.
	waitFor(t, "every replica to take s2", func() bool {
		for _, s := range f.stores {
			if _, err := s.Deltas("s2"); err != core.NoError {
				return false
			}
		}
		return true
	})

	// Snapshots are ordered with writes, so every replica has the same deltas.
	for i, s := range f.stores {
		chain, err := s.Deltas("s2")
		if err != core.NoError || len(chain) != 2 {
			t.Fatalf("replica %d: bad chain (%s)", i, err)
		}
		if len(chain[0].Blocks) != 1 || len(chain[1].Blocks) != 1 {
			t.Fatalf("replica %d: unexpected delta contents", i)
		}
	}
}

// A replica added while Rebuilding gets new writes, but no snapshots and no
// reads until it's promoted.
func TestAddAndPromoteReplica(t *testing.T) {
	f := newFixture(t, 3)
	e := f.newEngine(t, "n2", 1, f.replicas()[:2])
	f.agents[2].SetState(core.ReplicaRebuilding)

	if err := e.AddReplica(context.Background(), core.EngineReplica{Addr: f.addrs[2], State: core.ReplicaRebuilding}); err != core.NoError {
		t.Fatalf("add failed: %s", err)
	}
	if err := e.Write(context.Background(), 0, block('n')); err != core.NoError {
		t.Fatalf("write failed: %s", err)
	}
	waitFor(t, "write on new replica", func() bool {
		b, _ := f.stores[2].Read(0, core.BlockSize)
		return bytes.Equal(b, block('n'))
	})
	if err := e.Snapshot(context.Background(), "s1", ""); err != core.NoError {
		t.Fatalf("snapshot failed: %s", err)
	}
	if len(f.stores[2].Snapshots()) != 0 {
		t.Fatalf("rebuilding replica took a snapshot")
	}
	// The new replica is on the engine's node but can't serve reads yet.
	e.Read(context.Background(), 0, core.BlockSize)
	f.talker.lock.Lock()
	for _, id := range f.talker.reads {
		if id == f.addrs[2].ID {
			t.Fatalf("read went to a rebuilding replica")
		}
	}
	f.talker.reads = nil
	f.talker.lock.Unlock()

	f.agents[2].SetState(core.ReplicaHealthy)
	if err := e.PromoteReplica(f.addrs[2].ID); err != core.NoError {
		t.Fatalf("promote failed: %s", err)
	}
	e.Write(context.Background(), core.BlockSize, block('p'))
	waitFor(t, "read from the promoted replica", func() bool {
		f.talker.lock.Lock()
		f.talker.reads = nil
		f.talker.lock.Unlock()
		e.Read(context.Background(), core.BlockSize, core.BlockSize)
		f.talker.lock.Lock()
		defer f.talker.lock.Unlock()
		return len(f.talker.reads) > 0 && f.talker.reads[0] == f.addrs[2].ID
	})

	if err := e.RemoveReplica(f.addrs[0].ID); err != core.NoError {
		t.Fatalf("remove failed: %s", err)
	}
	if err := e.RemoveReplica(f.addrs[0].ID); err != core.ErrNoSuchReplica {
		t.Fatalf("expected no such replica, got %s", err)
	}
	if n := len(e.Status().Replicas); n != 2 {
		t.Fatalf("expected 2 replicas, have %d", n)
	}
}
