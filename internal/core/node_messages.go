// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// This file describes the control RPC interface exported by a node agent.
// These are sent by the controller only.

// CreateReplicaMethod creates a replica on a node.
const CreateReplicaMethod = "NodeCtlHandler.CreateReplica"

// CreateReplicaReq asks a node to host a new replica. State is the state the
// replica starts in: Creating for a fresh volume, Rebuilding for a
// replacement.
type CreateReplicaReq struct {
	Node    NodeID
	Replica ReplicaID
	Volume  VolumeID
	Size    int64
	State   ReplicaState
}

// DeleteReplicaMethod deletes a replica and its data.
const DeleteReplicaMethod = "NodeCtlHandler.DeleteReplica"

// DeleteReplicaReq names the replica to delete.
type DeleteReplicaReq struct {
	Node    NodeID
	Replica ReplicaID
}

// SetReplicaStateMethod moves a replica to a new state.
const SetReplicaStateMethod = "NodeCtlHandler.SetReplicaState"

// SetReplicaStateReq carries a controller-decided state transition.
type SetReplicaStateReq struct {
	Node    NodeID
	Replica ReplicaID
	State   ReplicaState
}

// RebuildReplicaMethod makes a replica pull a delta chain from a source.
const RebuildReplicaMethod = "NodeCtlHandler.RebuildReplica"

// RebuildReplicaReq asks Replica to pull the chain ending at UpTo from Source.
type RebuildReplicaReq struct {
	Node    NodeID
	Replica ReplicaID
	Source  ReplicaAddr
	UpTo    SnapshotID
}

// EngineReplica is a replica as seen by an engine.
type EngineReplica struct {
	Addr  ReplicaAddr
	State ReplicaState
}

// StartEngineMethod starts an engine on a node.
const StartEngineMethod = "NodeCtlHandler.StartEngine"

// StartEngineReq asks a node to start the engine of Volume at Epoch and attach
// it to Replicas.
type StartEngineReq struct {
	Node     NodeID
	Volume   VolumeID
	Size     int64
	Desired  int
	Epoch    Epoch
	Replicas []EngineReplica
}

// StopEngineMethod stops an engine.
const StopEngineMethod = "NodeCtlHandler.StopEngine"

// StopEngineReq names the engine to stop. An engine running a newer epoch is
// left alone.
type StopEngineReq struct {
	Node   NodeID
	Volume VolumeID
	Epoch  Epoch
}

// EngineSnapshotMethod takes a snapshot through an engine.
const EngineSnapshotMethod = "NodeCtlHandler.EngineSnapshot"

// EngineSnapshotReq asks the engine of Volume to take snapshot Snap.
type EngineSnapshotReq struct {
	Node   NodeID
	Volume VolumeID
	Epoch  Epoch
	Snap   SnapshotID
	Parent SnapshotID
}

// EngineAddReplicaMethod adds a rebuilding replica to an engine.
const EngineAddReplicaMethod = "NodeCtlHandler.EngineAddReplica"

// EnginePromoteReplicaMethod promotes a rebuilt replica to healthy.
const EnginePromoteReplicaMethod = "NodeCtlHandler.EnginePromoteReplica"

// EngineRemoveReplicaMethod detaches a replica from an engine.
const EngineRemoveReplicaMethod = "NodeCtlHandler.EngineRemoveReplica"

// EngineReplicaReq is used for the engine replica-set methods above.
type EngineReplicaReq struct {
	Node    NodeID
	Volume  VolumeID
	Epoch   Epoch
	Replica ReplicaAddr
}

// EngineStatusMethod returns the status of an engine.
const EngineStatusMethod = "NodeCtlHandler.EngineStatus"

// EngineStatusReq names the engine.
type EngineStatusReq struct {
	Node   NodeID
	Volume VolumeID
}

// EngineReplicaStatus is an engine's view of one replica.
type EngineReplicaStatus struct {
	ID      ReplicaID
	State   ReplicaState
	Suspect bool

	// Highest sequence the replica acknowledged at this epoch.
	Applied uint64

	// Smoothed round trip time of recent requests, in nanoseconds.
	Latency int64
}

// EngineStatus is the state of an engine.
type EngineStatus struct {
	Volume   VolumeID
	Node     NodeID
	Epoch    Epoch
	Desired  int
	Fenced   bool
	AckedSeq uint64
	Replicas []EngineReplicaStatus
}

// EngineStatusReply is the reply to an EngineStatusReq.
type EngineStatusReply struct {
	Err    Error
	Status EngineStatus
}
