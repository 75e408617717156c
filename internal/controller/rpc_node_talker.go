// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/pkg/rpc"
)

const (
	// Upper bound for a single control RPC. Rebuilds copy a whole volume, so
	// callers pass tighter deadlines through the context for everything else.
	ntRPCDeadline = 6 * time.Hour

	// How long will the RPCNodeTalker wait to connect?
	ntDialTimeout = 10 * time.Second

	// How many connections should we cache?
	ntConnectionCacheSize = 100
)

// RPCNodeTalker implements NodeTalker using ConnectionCache.
type RPCNodeTalker struct {
	cc *rpc.ConnectionCache
}

// NewRPCNodeTalker returns a new Go RPC based implementation of NodeTalker.
func NewRPCNodeTalker() *RPCNodeTalker {
	return &RPCNodeTalker{cc: rpc.NewConnectionCache(ntDialTimeout, ntRPCDeadline, ntConnectionCacheSize)}
}

// call sends a request whose reply is a bare core.Error.
func (t *RPCNodeTalker) call(ctx context.Context, addr, method string, req interface{}) core.Error {
	var reply core.Error
	if err := t.cc.Send(ctx, addr, method, req, &reply); err != nil {
		log.Errorf("%s to node @%s failed: %s", method, addr, err)
		if ctx.Err() != nil {
			return core.ErrCanceled
		}
		return core.ErrRPC
	}
	return reply
}

// CreateReplica implements NodeTalker.
func (t *RPCNodeTalker) CreateReplica(ctx context.Context, addr string, req core.CreateReplicaReq) core.Error {
	return t.call(ctx, addr, core.CreateReplicaMethod, req)
}

// DeleteReplica implements NodeTalker.
func (t *RPCNodeTalker) DeleteReplica(ctx context.Context, addr string, req core.DeleteReplicaReq) core.Error {
	return t.call(ctx, addr, core.DeleteReplicaMethod, req)
}

// SetReplicaState implements NodeTalker.
func (t *RPCNodeTalker) SetReplicaState(ctx context.Context, addr string, req core.SetReplicaStateReq) core.Error {
	return t.call(ctx, addr, core.SetReplicaStateMethod, req)
}

// RebuildReplica implements NodeTalker.
func (t *RPCNodeTalker) RebuildReplica(ctx context.Context, addr string, req core.RebuildReplicaReq) core.Error {
	return t.call(ctx, addr, core.RebuildReplicaMethod, req)
}

// ReplicaSnapshot implements NodeTalker. Replicas are served by their
// node's RPC server.
func (t *RPCNodeTalker) ReplicaSnapshot(ctx context.Context, r core.ReplicaAddr, req core.ReplicaSnapshotReq) core.Error {
	return t.call(ctx, r.Addr, core.ReplicaSnapshotMethod, req)
}

// StartEngine implements NodeTalker.
func (t *RPCNodeTalker) StartEngine(ctx context.Context, addr string, req core.StartEngineReq) core.Error {
	return t.call(ctx, addr, core.StartEngineMethod, req)
}

// StopEngine implements NodeTalker.
func (t *RPCNodeTalker) StopEngine(ctx context.Context, addr string, req core.StopEngineReq) core.Error {
	return t.call(ctx, addr, core.StopEngineMethod, req)
}

// EngineSnapshot implements NodeTalker.
func (t *RPCNodeTalker) EngineSnapshot(ctx context.Context, addr string, req core.EngineSnapshotReq) core.Error {
	return t.call(ctx, addr, core.EngineSnapshotMethod, req)
}

// EngineAddReplica implements NodeTalker.
func (t *RPCNodeTalker) EngineAddReplica(ctx context.Context, addr string, req core.EngineReplicaReq) core.Error {
	return t.call(ctx, addr, core.EngineAddReplicaMethod, req)
}

// EnginePromoteReplica implements NodeTalker.
func (t *RPCNodeTalker) EnginePromoteReplica(ctx context.Context, addr string, req core.EngineReplicaReq) core.Error {
	return t.call(ctx, addr, core.EnginePromoteReplicaMethod, req)
}

// EngineRemoveReplica implements NodeTalker.
func (t *RPCNodeTalker) EngineRemoveReplica(ctx context.Context, addr string, req core.EngineReplicaReq) core.Error {
	return t.call(ctx, addr, core.EngineRemoveReplicaMethod, req)
}

// EngineStatus implements NodeTalker.
func (t *RPCNodeTalker) EngineStatus(ctx context.Context, addr string, req core.EngineStatusReq) (core.EngineStatus, core.Error) {
	var reply core.EngineStatusReply
	if err := t.cc.Send(ctx, addr, core.EngineStatusMethod, req, &reply); err != nil {
		log.Errorf("EngineStatus of %s on node @%s failed: %s", req.Volume, addr, err)
		return core.EngineStatus{}, core.ErrRPC
	}
	return reply.Status, reply.Err
}
