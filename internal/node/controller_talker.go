// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package node

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/pkg/rpc"
)

// ControllerTalker carries heartbeats and reports to the controller.
type ControllerTalker interface {
	// NodeHeartbeat sends a heartbeat.
	NodeHeartbeat(ctx context.Context, req core.NodeHeartbeatReq) core.Error

	// ReportSuspect reports a replica an engine stopped trusting.
	ReportSuspect(ctx context.Context, req core.ReportSuspectReq) core.Error
}

const (
	// The RPC timeout should be less than the heartbeat interval so
	// goroutines don't pile up in case of error.
	ctRPCDeadline = 2 * time.Second

	// How long to wait to connect.
	ctDialTimeout = 2 * time.Second
)

// RPCControllerTalker implements ControllerTalker using a ConnectionCache.
type RPCControllerTalker struct {
	addr string
	cc   *rpc.ConnectionCache
}

// NewRPCControllerTalker returns a new RPCControllerTalker talking to the
// controller at 'addr'.
func NewRPCControllerTalker(addr string) *RPCControllerTalker {
	return &RPCControllerTalker{addr: addr, cc: rpc.NewConnectionCache(ctDialTimeout, ctRPCDeadline, 1)}
}

// NodeHeartbeat implements ControllerTalker.
func (ct *RPCControllerTalker) NodeHeartbeat(ctx context.Context, req core.NodeHeartbeatReq) core.Error {
	var reply core.NodeHeartbeatReply
	if err := ct.cc.Send(ctx, ct.addr, core.NodeHeartbeatMethod, req, &reply); err != nil {
		log.V(1).Infof("heartbeat to %s failed: %s", ct.addr, err)
		return core.ErrRPC
	}
	return reply.Err
}

// ReportSuspect implements ControllerTalker.
func (ct *RPCControllerTalker) ReportSuspect(ctx context.Context, req core.ReportSuspectReq) core.Error {
	var reply core.Error
	if err := ct.cc.Send(ctx, ct.addr, core.ReportSuspectMethod, req, &reply); err != nil {
		log.V(1).Infof("report to %s failed: %s", ct.addr, err)
		return core.ErrRPC
	}
	return reply
}
