// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replica

import (
	"context"
	"sync"
	"time"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// LocalTalker implements Talker by calling agents in the same process. Whole
// addresses can be made unreachable or slow, which is how tests simulate node
// failures and network trouble.
type LocalTalker struct {
	lock   sync.Mutex
	agents map[core.ReplicaID]*Agent
	down   map[string]bool
	delay  map[string]time.Duration
}

// NewLocalTalker returns an empty LocalTalker.
func NewLocalTalker() *LocalTalker {
	return &LocalTalker{
		agents: make(map[core.ReplicaID]*Agent),
		down:   make(map[string]bool),
		delay:  make(map[string]time.Duration),
	}
}

// Add makes an agent reachable.
func (t *LocalTalker) Add(a *Agent) {
	t.lock.Lock()
	t.agents[a.ID()] = a
	t.lock.Unlock()
}

// Remove makes an agent unreachable for good.
func (t *LocalTalker) Remove(id core.ReplicaID) {
	t.lock.Lock()
	delete(t.agents, id)
	t.lock.Unlock()
}

// SetDown makes every agent at addr unreachable, or reachable again.
func (t *LocalTalker) SetDown(addr string, down bool) {
	t.lock.Lock()
	t.down[addr] = down
	t.lock.Unlock()
}

// SetDelay delays every request to addr.
func (t *LocalTalker) SetDelay(addr string, d time.Duration) {
	t.lock.Lock()
	t.delay[addr] = d
	t.lock.Unlock()
}

// get finds the agent for r, waiting out any configured delay first.
func (t *LocalTalker) get(ctx context.Context, r core.ReplicaAddr) (*Agent, core.Error) {
	t.lock.Lock()
	a, down, d := t.agents[r.ID], t.down[r.Addr], t.delay[r.Addr]
	t.lock.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, core.ErrCanceled
		}
	}
	if down || a == nil {
		return nil, core.ErrRPC
	}
	return a, core.NoError
}

// Attach implements Talker.
func (t *LocalTalker) Attach(ctx context.Context, r core.ReplicaAddr, epoch core.Epoch) core.Error {
	a, err := t.get(ctx, r)
	if err != core.NoError {
		return err
	}
	return a.Attach(epoch)
}

// Write implements Talker.
func (t *LocalTalker) Write(ctx context.Context, r core.ReplicaAddr, req *core.ReplicaWriteReq) core.Error {
	a, err := t.get(ctx, r)
	if err != core.NoError {
		return err
	}
	req.ID = r.ID
	return a.Write(req)
}

// Read implements Talker.
func (t *LocalTalker) Read(ctx context.Context, r core.ReplicaAddr, offset int64, length int) ([]byte, core.Error) {
	a, err := t.get(ctx, r)
	if err != core.NoError {
		return nil, err
	}
	return a.Read(offset, length)
}

// Snapshot implements Talker.
func (t *LocalTalker) Snapshot(ctx context.Context, r core.ReplicaAddr, epoch core.Epoch, snap, parent core.SnapshotID) core.Error {
	a, err := t.get(ctx, r)
	if err != core.NoError {
		return err
	}
	return a.Snapshot(epoch, snap, parent)
}

// Deltas implements Talker.
func (t *LocalTalker) Deltas(ctx context.Context, r core.ReplicaAddr, upTo core.SnapshotID) ([]*core.Delta, core.Error) {
	a, err := t.get(ctx, r)
	if err != core.NoError {
		return nil, err
	}
	return a.Deltas(upTo)
}

// DeleteDelta implements Talker.
func (t *LocalTalker) DeleteDelta(ctx context.Context, r core.ReplicaAddr, snap core.SnapshotID) core.Error {
	a, err := t.get(ctx, r)
	if err != core.NoError {
		return err
	}
	return a.DeleteDelta(snap)
}

// Ping implements Talker.
func (t *LocalTalker) Ping(ctx context.Context, r core.ReplicaAddr, epoch core.Epoch) (core.ReplicaStatus, core.Error) {
	a, err := t.get(ctx, r)
	if err != core.NoError {
		return core.ReplicaStatus{}, err
	}
	return a.Ping(epoch)
}
