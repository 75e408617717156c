// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// VolumeState is the lifecycle state of a volume. Degraded is tracked
// separately since it's orthogonal to the lifecycle.
type VolumeState int

const (
	// VolumeRequested means the volume was accepted but no replica exists yet.
	VolumeRequested VolumeState = iota
	// VolumeProvisioning means replicas are being created.
	VolumeProvisioning
	// VolumeAttached means an engine is serving I/O.
	VolumeAttached
	// VolumeDetached means replicas exist but no engine is active.
	VolumeDetached
	// VolumeDeleting means replicas are being torn down.
	VolumeDeleting
	// VolumeDeleted is terminal.
	VolumeDeleted
)

var volumeStateNames = map[VolumeState]string{
	VolumeRequested:    "Requested",
	VolumeProvisioning: "Provisioning",
	VolumeAttached:     "Attached",
	VolumeDetached:     "Detached",
	VolumeDeleting:     "Deleting",
	VolumeDeleted:      "Deleted",
}

func (s VolumeState) String() string {
	if n, ok := volumeStateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// ReplicaState is the lifecycle state of a replica. Transitions are always
// made by the controller, never by the replica itself.
type ReplicaState int

const (
	// ReplicaCreating means the replica is being set up on its node.
	ReplicaCreating ReplicaState = iota
	// ReplicaHealthy means the replica holds all acknowledged writes.
	ReplicaHealthy
	// ReplicaRebuilding means the replica is catching up from a healthy source.
	// It receives writes but doesn't count toward quorum or serve reads.
	ReplicaRebuilding
	// ReplicaFailed means the controller has given up on the replica.
	ReplicaFailed
	// ReplicaDeleted is terminal.
	ReplicaDeleted
)

var replicaStateNames = map[ReplicaState]string{
	ReplicaCreating:   "Creating",
	ReplicaHealthy:    "Healthy",
	ReplicaRebuilding: "Rebuilding",
	ReplicaFailed:     "Failed",
	ReplicaDeleted:    "Deleted",
}

func (s ReplicaState) String() string {
	if n, ok := replicaStateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// Writable returns whether a replica in this state receives writes.
func (s ReplicaState) Writable() bool {
	return s == ReplicaHealthy || s == ReplicaRebuilding
}
