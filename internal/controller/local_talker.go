// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"context"
	"sync"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/node"
)

// LocalNodeTalker implements NodeTalker by calling node agents in this
// process. Nodes can be marked down to simulate partitions.
type LocalNodeTalker struct {
	lock  sync.Mutex
	nodes map[core.NodeID]*node.Node
	down  map[core.NodeID]bool
}

// NewLocalNodeTalker returns an empty LocalNodeTalker.
func NewLocalNodeTalker() *LocalNodeTalker {
	return &LocalNodeTalker{
		nodes: make(map[core.NodeID]*node.Node),
		down:  make(map[core.NodeID]bool),
	}
}

// Add makes a node reachable.
func (t *LocalNodeTalker) Add(n *node.Node) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.nodes[n.ID()] = n
}

// SetDown makes every request to a node fail, or stop failing.
func (t *LocalNodeTalker) SetDown(id core.NodeID, down bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.down[id] = down
}

func (t *LocalNodeTalker) get(ctx context.Context, id core.NodeID) (*node.Node, core.Error) {
	if ctx.Err() != nil {
		return nil, core.ErrCanceled
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	n, ok := t.nodes[id]
	if !ok || t.down[id] {
		return nil, core.ErrRPC
	}
	return n, core.NoError
}

// CreateReplica implements NodeTalker.
func (t *LocalNodeTalker) CreateReplica(ctx context.Context, addr string, req core.CreateReplicaReq) core.Error {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return err
	}
	return n.CreateReplica(req)
}

// DeleteReplica implements NodeTalker.
func (t *LocalNodeTalker) DeleteReplica(ctx context.Context, addr string, req core.DeleteReplicaReq) core.Error {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return err
	}
	return n.DeleteReplica(req)
}

// SetReplicaState implements NodeTalker.
func (t *LocalNodeTalker) SetReplicaState(ctx context.Context, addr string, req core.SetReplicaStateReq) core.Error {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return err
	}
	return n.SetReplicaState(req)
}

// RebuildReplica implements NodeTalker.
func (t *LocalNodeTalker) RebuildReplica(ctx context.Context, addr string, req core.RebuildReplicaReq) core.Error {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return err
	}
	return n.RebuildReplica(ctx, req)
}

// ReplicaSnapshot implements NodeTalker.
func (t *LocalNodeTalker) ReplicaSnapshot(ctx context.Context, r core.ReplicaAddr, req core.ReplicaSnapshotReq) core.Error {
	n, err := t.get(ctx, r.Node)
	if err != core.NoError {
		return err
	}
	a := n.Agent(req.ID)
	if a == nil {
		return core.ErrNoSuchReplica
	}
	return a.Snapshot(req.Epoch, req.Snap, req.Parent)
}

// StartEngine implements NodeTalker.
func (t *LocalNodeTalker) StartEngine(ctx context.Context, addr string, req core.StartEngineReq) core.Error {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return err
	}
	return n.StartEngine(ctx, req)
}

// StopEngine implements NodeTalker.
func (t *LocalNodeTalker) StopEngine(ctx context.Context, addr string, req core.StopEngineReq) core.Error {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return err
	}
	return n.StopEngine(req)
}

// EngineSnapshot implements NodeTalker.
func (t *LocalNodeTalker) EngineSnapshot(ctx context.Context, addr string, req core.EngineSnapshotReq) core.Error {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return err
	}
	return n.EngineSnapshot(ctx, req)
}

// EngineAddReplica implements NodeTalker.
func (t *LocalNodeTalker) EngineAddReplica(ctx context.Context, addr string, req core.EngineReplicaReq) core.Error {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return err
	}
	return n.EngineAddReplica(ctx, req)
}

// EnginePromoteReplica implements NodeTalker.
func (t *LocalNodeTalker) EnginePromoteReplica(ctx context.Context, addr string, req core.EngineReplicaReq) core.Error {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return err
	}
	return n.EnginePromoteReplica(req)
}

// EngineRemoveReplica implements NodeTalker.
func (t *LocalNodeTalker) EngineRemoveReplica(ctx context.Context, addr string, req core.EngineReplicaReq) core.Error {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return err
	}
	return n.EngineRemoveReplica(req)
}

// EngineStatus implements NodeTalker.
func (t *LocalNodeTalker) EngineStatus(ctx context.Context, addr string, req core.EngineStatusReq) (core.EngineStatus, core.Error) {
	n, err := t.get(ctx, req.Node)
	if err != core.NoError {
		return core.EngineStatus{}, err
	}
	return n.EngineStatus(req.Volume)
}

// LocalControllerTalker implements node.ControllerTalker by calling a
// controller in this process. It can be cut off per node.
type LocalControllerTalker struct {
	c    *Controller
	lock sync.Mutex
	down map[core.NodeID]bool
}

// NewLocalControllerTalker returns a talker that reaches 'c' directly.
func NewLocalControllerTalker(c *Controller) *LocalControllerTalker {
	return &LocalControllerTalker{c: c, down: make(map[core.NodeID]bool)}
}

// SetDown drops everything node 'id' sends, or stops dropping it.
func (t *LocalControllerTalker) SetDown(id core.NodeID, down bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.down[id] = down
}

func (t *LocalControllerTalker) isDown(id core.NodeID) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.down[id]
}

// NodeHeartbeat implements node.ControllerTalker.
func (t *LocalControllerTalker) NodeHeartbeat(ctx context.Context, req core.NodeHeartbeatReq) core.Error {
	if t.isDown(req.Node) {
		return core.ErrRPC
	}
	return t.c.NodeHeartbeat(req)
}

// ReportSuspect implements node.ControllerTalker.
func (t *LocalControllerTalker) ReportSuspect(ctx context.Context, req core.ReportSuspectReq) core.Error {
	return t.c.ReportSuspect(req)
}
