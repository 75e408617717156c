// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package node

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/replica"
	"github.com/westerndigitalcorporation/blockvol/internal/server"
)

var (
	ctlOpm = server.NewOpMetric("node_ctl_rpc", "Node agent control RPCs", "method")
	srvOpm = server.NewOpMetric("replica_rpc", "Replica RPCs", "method")
)

// NodeCtlHandler handles requests from the controller.
type NodeCtlHandler struct {
	node *Node
	opm  *server.OpMetric
}

func newNodeCtlHandler(n *Node) *NodeCtlHandler {
	return &NodeCtlHandler{node: n, opm: ctlOpm}
}

// CreateReplica creates a replica on this node.
func (h *NodeCtlHandler) CreateReplica(req core.CreateReplicaReq, reply *core.Error) error {
	op := h.opm.Start("CreateReplica")
	defer op.EndWithError(reply)
	*reply = h.node.CreateReplica(req)
	log.Infof("CreateReplica: req %+v reply %s", req, *reply)
	return nil
}

// DeleteReplica deletes a replica and its data.
func (h *NodeCtlHandler) DeleteReplica(req core.DeleteReplicaReq, reply *core.Error) error {
	op := h.opm.Start("DeleteReplica")
	defer op.EndWithError(reply)
	*reply = h.node.DeleteReplica(req)
	log.Infof("DeleteReplica: req %+v reply %s", req, *reply)
	return nil
}

// SetReplicaState changes the state of a replica.
func (h *NodeCtlHandler) SetReplicaState(req core.SetReplicaStateReq, reply *core.Error) error {
	op := h.opm.Start("SetReplicaState")
	defer op.EndWithError(reply)
	*reply = h.node.SetReplicaState(req)
	log.Infof("SetReplicaState: req %+v reply %s", req, *reply)
	return nil
}

// RebuildReplica rebuilds a replica from a healthy one.
func (h *NodeCtlHandler) RebuildReplica(req core.RebuildReplicaReq, reply *core.Error) error {
	op := h.opm.Start("RebuildReplica")
	defer op.EndWithError(reply)
	*reply = h.node.RebuildReplica(context.Background(), req)
	log.Infof("RebuildReplica: req %+v reply %s", req, *reply)
	return nil
}

// StartEngine starts the engine of a volume.
func (h *NodeCtlHandler) StartEngine(req core.StartEngineReq, reply *core.Error) error {
	op := h.opm.Start("StartEngine")
	defer op.EndWithError(reply)
	ctx, cancel := context.WithTimeout(context.Background(), core.RPCTimeout)
	defer cancel()
	*reply = h.node.StartEngine(ctx, req)
	log.Infof("StartEngine: volume %s epoch %d reply %s", req.Volume, req.Epoch, *reply)
	return nil
}

// StopEngine stops the engine of a volume.
func (h *NodeCtlHandler) StopEngine(req core.StopEngineReq, reply *core.Error) error {
	op := h.opm.Start("StopEngine")
	defer op.EndWithError(reply)
	*reply = h.node.StopEngine(req)
	log.Infof("StopEngine: req %+v reply %s", req, *reply)
	return nil
}

// EngineSnapshot takes a snapshot through an engine.
func (h *NodeCtlHandler) EngineSnapshot(req core.EngineSnapshotReq, reply *core.Error) error {
	op := h.opm.Start("EngineSnapshot")
	defer op.EndWithError(reply)
	ctx, cancel := context.WithTimeout(context.Background(), core.RPCTimeout)
	defer cancel()
	*reply = h.node.EngineSnapshot(ctx, req)
	log.Infof("EngineSnapshot: req %+v reply %s", req, *reply)
	return nil
}

// EngineAddReplica adds a rebuilding replica to an engine.
func (h *NodeCtlHandler) EngineAddReplica(req core.EngineReplicaReq, reply *core.Error) error {
	op := h.opm.Start("EngineAddReplica")
	defer op.EndWithError(reply)
	ctx, cancel := context.WithTimeout(context.Background(), core.RPCTimeout)
	defer cancel()
	*reply = h.node.EngineAddReplica(ctx, req)
	log.Infof("EngineAddReplica: req %+v reply %s", req, *reply)
	return nil
}

// EnginePromoteReplica promotes a rebuilt replica.
func (h *NodeCtlHandler) EnginePromoteReplica(req core.EngineReplicaReq, reply *core.Error) error {
	op := h.opm.Start("EnginePromoteReplica")
	defer op.EndWithError(reply)
	*reply = h.node.EnginePromoteReplica(req)
	log.Infof("EnginePromoteReplica: req %+v reply %s", req, *reply)
	return nil
}

// EngineRemoveReplica removes a replica from an engine.
func (h *NodeCtlHandler) EngineRemoveReplica(req core.EngineReplicaReq, reply *core.Error) error {
	op := h.opm.Start("EngineRemoveReplica")
	defer op.EndWithError(reply)
	*reply = h.node.EngineRemoveReplica(req)
	log.Infof("EngineRemoveReplica: req %+v reply %s", req, *reply)
	return nil
}

// EngineStatus returns the status of an engine.
func (h *NodeCtlHandler) EngineStatus(req core.EngineStatusReq, reply *core.EngineStatusReply) error {
	op := h.opm.Start("EngineStatus")
	defer op.EndWithError(&reply.Err)
	reply.Status, reply.Err = h.node.EngineStatus(req.Volume)
	return nil
}

// ReplicaSrvHandler handles data path requests from engines and rebuilding
// replicas.
type ReplicaSrvHandler struct {
	node *Node

	// Limits the number of pending requests.
	pendingSem server.Semaphore

	opm *server.OpMetric
}

func newReplicaSrvHandler(n *Node) *ReplicaSrvHandler {
	return &ReplicaSrvHandler{node: n, pendingSem: server.NewSemaphore(n.cfg.RejectReqThreshold), opm: srvOpm}
}

// begin looks up the agent for 'id' and takes a slot in the pending
// semaphore. The caller must call h.pendingSem.Release if err is NoError.
func (h *ReplicaSrvHandler) begin(op *server.Op, method string, id core.ReplicaID) (*replica.Agent, core.Error) {
	if !h.pendingSem.TryAcquire() {
		op.TooBusy()
		log.Errorf("%s: too busy, rejecting req", method)
		return nil, core.ErrTooBusy
	}
	a := h.node.Agent(id)
	if a == nil {
		h.pendingSem.Release()
		return nil, core.ErrNoSuchReplica
	}
	return a, core.NoError
}

// Attach raises the epoch of a replica.
func (h *ReplicaSrvHandler) Attach(req core.ReplicaAttachReq, reply *core.Error) error {
	op := h.opm.Start("Attach")
	defer op.EndWithError(reply)
	a, err := h.begin(op, "Attach", req.ID)
	if err != core.NoError {
		*reply = err
		return nil
	}
	defer h.pendingSem.Release()
	*reply = a.Attach(req.Epoch)
	log.Infof("Attach: replica %s epoch %d reply %s", req.ID, req.Epoch, *reply)
	return nil
}

// Write applies a write from an engine.
func (h *ReplicaSrvHandler) Write(req core.ReplicaWriteReq, reply *core.Error) error {
	op := h.opm.Start("Write")
	defer op.EndWithError(reply)
	a, err := h.begin(op, "Write", req.ID)
	if err != core.NoError {
		*reply = err
		return nil
	}
	defer h.pendingSem.Release()
	*reply = a.Write(&req)
	log.V(1).Infof("Write: replica %s epoch %d seq %d off %d len %d reply %s",
		req.ID, req.Epoch, req.Seq, req.Offset, len(req.B), *reply)
	return nil
}

// Read reads from a replica.
func (h *ReplicaSrvHandler) Read(req core.ReplicaReadReq, reply *core.ReplicaReadReply) error {
	op := h.opm.Start("Read")
	defer op.EndWithError(&reply.Err)
	a, err := h.begin(op, "Read", req.ID)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer h.pendingSem.Release()
	var b []byte
	b, reply.Err = a.Read(req.Offset, req.Length)
	reply.Set(b, true)
	log.V(1).Infof("Read: replica %s off %d len %d reply %s", req.ID, req.Offset, req.Length, reply.Err)
	return nil
}

// Snapshot takes a snapshot on a replica.
func (h *ReplicaSrvHandler) Snapshot(req core.ReplicaSnapshotReq, reply *core.Error) error {
	op := h.opm.Start("Snapshot")
	defer op.EndWithError(reply)
	a, err := h.begin(op, "Snapshot", req.ID)
	if err != core.NoError {
		*reply = err
		return nil
	}
	defer h.pendingSem.Release()
	*reply = a.Snapshot(req.Epoch, req.Snap, req.Parent)
	log.Infof("Snapshot: req %+v reply %s", req, *reply)
	return nil
}

// Deltas returns a delta chain of a replica.
func (h *ReplicaSrvHandler) Deltas(req core.ReplicaDeltasReq, reply *core.ReplicaDeltasReply) error {
	op := h.opm.Start("Deltas")
	defer op.EndWithError(&reply.Err)
	a, err := h.begin(op, "Deltas", req.ID)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer h.pendingSem.Release()
	reply.Chain, reply.Err = a.Deltas(req.UpTo)
	log.Infof("Deltas: req %+v returned %d deltas, reply %s", req, len(reply.Chain), reply.Err)
	return nil
}

// DeleteDelta removes a delta from a replica.
func (h *ReplicaSrvHandler) DeleteDelta(req core.ReplicaDeleteDeltaReq, reply *core.Error) error {
	op := h.opm.Start("DeleteDelta")
	defer op.EndWithError(reply)
	a, err := h.begin(op, "DeleteDelta", req.ID)
	if err != core.NoError {
		*reply = err
		return nil
	}
	defer h.pendingSem.Release()
	*reply = a.DeleteDelta(req.Snap)
	log.Infof("DeleteDelta: req %+v reply %s", req, *reply)
	return nil
}

// Ping returns the status of a replica.
func (h *ReplicaSrvHandler) Ping(req core.ReplicaPingReq, reply *core.ReplicaPingReply) error {
	op := h.opm.Start("Ping")
	defer op.EndWithError(&reply.Err)
	a, err := h.begin(op, "Ping", req.ID)
	if err != core.NoError {
		reply.Err = err
		return nil
	}
	defer h.pendingSem.Release()
	reply.Status, reply.Err = a.Ping(req.Epoch)
	return nil
}
