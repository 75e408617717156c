// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replica

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/pkg/rpc"
)

const (
	// How long to wait to connect to a replica.
	rtDialTimeout = 5 * time.Second

	// Upper bound for a single request. Callers pass tighter deadlines
	// through the context; delta fetches for a rebuild can be slow.
	rtRPCDeadline = 10 * time.Minute

	// How many connections should we cache?
	rtConnectionCacheSize = 200
)

// RPCTalker implements Talker using a ConnectionCache.
type RPCTalker struct {
	cc *rpc.ConnectionCache
}

// NewRPCTalker returns a new Go RPC based implementation of Talker.
func NewRPCTalker() *RPCTalker {
	return &RPCTalker{cc: rpc.NewConnectionCache(rtDialTimeout, rtRPCDeadline, rtConnectionCacheSize)}
}

func (t *RPCTalker) send(ctx context.Context, r core.ReplicaAddr, method string, req, reply interface{}) core.Error {
	if err := t.cc.Send(ctx, r.Addr, method, req, reply); err != nil {
		log.V(1).Infof("%s to %s (@%s) failed: %s", method, r.ID, r.Addr, err)
		if ctx.Err() != nil {
			return core.ErrCanceled
		}
		return core.ErrRPC
	}
	return core.NoError
}

// Attach implements Talker.
func (t *RPCTalker) Attach(ctx context.Context, r core.ReplicaAddr, epoch core.Epoch) core.Error {
	var reply core.Error
	if err := t.send(ctx, r, core.ReplicaAttachMethod, core.ReplicaAttachReq{ID: r.ID, Epoch: epoch}, &reply); err != core.NoError {
		return err
	}
	return reply
}

// Write implements Talker.
func (t *RPCTalker) Write(ctx context.Context, r core.ReplicaAddr, req *core.ReplicaWriteReq) core.Error {
	req.ID = r.ID
	var reply core.Error
	if err := t.send(ctx, r, core.ReplicaWriteMethod, req, &reply); err != core.NoError {
		return err
	}
	return reply
}

// Read implements Talker.
func (t *RPCTalker) Read(ctx context.Context, r core.ReplicaAddr, offset int64, length int) ([]byte, core.Error) {
	var reply core.ReplicaReadReply
	if err := t.send(ctx, r, core.ReplicaReadMethod, core.ReplicaReadReq{ID: r.ID, Offset: offset, Length: length}, &reply); err != core.NoError {
		return nil, err
	}
	return reply.B, reply.Err
}

// Snapshot implements Talker.
func (t *RPCTalker) Snapshot(ctx context.Context, r core.ReplicaAddr, epoch core.Epoch, snap, parent core.SnapshotID) core.Error {
	req := core.ReplicaSnapshotReq{ID: r.ID, Epoch: epoch, Snap: snap, Parent: parent}
	var reply core.Error
	if err := t.send(ctx, r, core.ReplicaSnapshotMethod, req, &reply); err != core.NoError {
		return err
	}
	return reply
}

// Deltas implements Talker.
func (t *RPCTalker) Deltas(ctx context.Context, r core.ReplicaAddr, upTo core.SnapshotID) ([]*core.Delta, core.Error) {
	var reply core.ReplicaDeltasReply
	if err := t.send(ctx, r, core.ReplicaDeltasMethod, core.ReplicaDeltasReq{ID: r.ID, UpTo: upTo}, &reply); err != core.NoError {
		return nil, err
	}
	return reply.Chain, reply.Err
}

// DeleteDelta implements Talker.
func (t *RPCTalker) DeleteDelta(ctx context.Context, r core.ReplicaAddr, snap core.SnapshotID) core.Error {
	var reply core.Error
	if err := t.send(ctx, r, core.ReplicaDeleteDeltaMethod, core.ReplicaDeleteDeltaReq{ID: r.ID, Snap: snap}, &reply); err != core.NoError {
		return err
	}
	return reply
}

// Ping implements Talker.
func (t *RPCTalker) Ping(ctx context.Context, r core.ReplicaAddr, epoch core.Epoch) (core.ReplicaStatus, core.Error) {
	var reply core.ReplicaPingReply
	if err := t.send(ctx, r, core.ReplicaPingMethod, core.ReplicaPingReq{ID: r.ID, Epoch: epoch}, &reply); err != core.NoError {
		return core.ReplicaStatus{}, err
	}
	return reply.Status, reply.Err
}
