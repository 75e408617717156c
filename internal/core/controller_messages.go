// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"time"
)

// This file describes the RPC interface exported by the controller.

// Reports from node agents and engines:

// NodeHeartbeatMethod is the method name for node agent to controller heartbeat.
const NodeHeartbeatMethod = "ControllerCtlHandler.NodeHeartbeat"

// NodeHeartbeatReq is sent periodically by every node agent.
type NodeHeartbeatReq struct {
	Node NodeID

	// Address of the node agent's RPC server.
	Addr string

	// Failure domain of the node, may be empty.
	Rack string

	// Capacity and free space of the replica disk, in bytes.
	Capacity int64
	Free     int64

	// Every replica hosted on the node.
	Replicas []ReplicaStatus
}

// NodeHeartbeatReply is the reply to a NodeHeartbeatReq.
type NodeHeartbeatReply struct {
	Err Error
}

// ReportSuspectMethod is used by an engine to report a replica that failed a request.
const ReportSuspectMethod = "ControllerCtlHandler.ReportSuspect"

// ReportSuspectReq is sent by an engine when a replica failed a write or
// missed too many pings.
type ReportSuspectReq struct {
	Volume  VolumeID
	Epoch   Epoch
	Replica ReplicaID
	Err     Error
}

// Provisioning requests:

// CreateVolumeMethod creates a volume.
const CreateVolumeMethod = "ControllerSrvHandler.CreateVolume"

// CreateVolumeReq is a provisioning request. The reply is a GetVolumeReply.
type CreateVolumeReq struct {
	Volume   VolumeID
	Size     int64
	Replicas int
}

// DeleteVolumeMethod deletes a volume. Request is a VolumeID, reply is an Error.
const DeleteVolumeMethod = "ControllerSrvHandler.DeleteVolume"

// AttachVolumeMethod attaches a volume on a node.
const AttachVolumeMethod = "ControllerSrvHandler.AttachVolume"

// WorkloadMovedMethod tells the controller that the consuming workload of a
// volume now runs on another node.
const WorkloadMovedMethod = "ControllerSrvHandler.WorkloadMoved"

// AttachVolumeReq is used for AttachVolume and WorkloadMoved.
type AttachVolumeReq struct {
	Volume VolumeID
	Node   NodeID
}

// DetachVolumeMethod detaches a volume. Request is a VolumeID, reply is an Error.
const DetachVolumeMethod = "ControllerSrvHandler.DetachVolume"

// ReplicaInfo is the controller's view of one replica.
type ReplicaInfo struct {
	ID    ReplicaID
	Node  NodeID
	State ReplicaState
}

// VolumeInfo is the controller's view of a volume.
type VolumeInfo struct {
	ID         VolumeID
	Size       int64
	Desired    int
	State      VolumeState
	Degraded   bool
	Epoch      Epoch
	EngineNode NodeID
	Head       SnapshotID
	Replicas   []ReplicaInfo
}

// GetVolumeMethod returns a volume's info. Request is a VolumeID.
const GetVolumeMethod = "ControllerSrvHandler.GetVolume"

// GetVolumeReply is the reply to GetVolume.
type GetVolumeReply struct {
	Err  Error
	Info VolumeInfo
}

// ListVolumesMethod lists volumes. Request is a string prefix of the volume
// names to list, empty for all.
const ListVolumesMethod = "ControllerSrvHandler.ListVolumes"

// ListVolumesReply is the reply to ListVolumes.
type ListVolumesReply struct {
	Err     Error
	Volumes []VolumeInfo
}

// SnapshotInfo describes one snapshot.
type SnapshotInfo struct {
	ID      SnapshotID
	Volume  VolumeID
	Parent  SnapshotID
	Created time.Time
}

// CreateSnapshotMethod takes a snapshot of a volume. Request is a VolumeID.
const CreateSnapshotMethod = "ControllerSrvHandler.CreateSnapshot"

// CreateSnapshotReply is the reply to CreateSnapshot.
type CreateSnapshotReply struct {
	Err  Error
	Snap SnapshotInfo
}

// ListSnapshotsMethod lists the snapshots of a volume. Request is a VolumeID.
const ListSnapshotsMethod = "ControllerSrvHandler.ListSnapshots"

// ListSnapshotsReply is the reply to ListSnapshots.
type ListSnapshotsReply struct {
	Err   Error
	Snaps []SnapshotInfo
}

// ExportBackupMethod starts exporting a snapshot to the backup target.
// Request is a SnapshotID.
const ExportBackupMethod = "ControllerSrvHandler.ExportBackup"

// ExportBackupReply is returned once the export has started, not when it's done.
type ExportBackupReply struct {
	Err    Error
	Backup BackupID
}
