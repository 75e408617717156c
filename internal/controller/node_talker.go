// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"context"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// NodeTalker is an abstraction of the transport layer between the controller
// and the node agents. 'addr' is where the node was last heard from; every
// request also names the node it's for.
type NodeTalker interface {
	// CreateReplica asks a node to host a new replica.
	CreateReplica(ctx context.Context, addr string, req core.CreateReplicaReq) core.Error

	// DeleteReplica asks a node to drop a replica and its data.
	DeleteReplica(ctx context.Context, addr string, req core.DeleteReplicaReq) core.Error

	// SetReplicaState tells a node about a replica's new state.
	SetReplicaState(ctx context.Context, addr string, req core.SetReplicaStateReq) core.Error

	// RebuildReplica makes a replica pull a delta chain. It returns when the
	// rebuild is done.
	RebuildReplica(ctx context.Context, addr string, req core.RebuildReplicaReq) core.Error

	// StartEngine starts an engine and attaches it to replicas.
	StartEngine(ctx context.Context, addr string, req core.StartEngineReq) core.Error

	// StopEngine stops an engine.
	StopEngine(ctx context.Context, addr string, req core.StopEngineReq) core.Error

	// ReplicaSnapshot takes a snapshot directly on one replica. Only safe
	// while the volume has no engine.
	ReplicaSnapshot(ctx context.Context, r core.ReplicaAddr, req core.ReplicaSnapshotReq) core.Error

	// EngineSnapshot takes a snapshot through an engine.
	EngineSnapshot(ctx context.Context, addr string, req core.EngineSnapshotReq) core.Error

	// EngineAddReplica adds a Rebuilding replica to an engine.
	EngineAddReplica(ctx context.Context, addr string, req core.EngineReplicaReq) core.Error

	// EnginePromoteReplica makes a rebuilt replica count in an engine.
	EnginePromoteReplica(ctx context.Context, addr string, req core.EngineReplicaReq) core.Error

	// EngineRemoveReplica detaches a replica from an engine.
	EngineRemoveReplica(ctx context.Context, addr string, req core.EngineReplicaReq) core.Error

	// EngineStatus returns the status of an engine.
	EngineStatus(ctx context.Context, addr string, req core.EngineStatusReq) (core.EngineStatus, core.Error)
}
