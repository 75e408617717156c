// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

/*

Volumes are named by the provisioning caller. Everything derived from a
volume carries the volume name as a prefix so logs can be grepped per volume:

 - ReplicaID:  <volume>-r-<8 hex chars>
 - EngineID:   <volume>-e-<epoch>
 - SnapshotID: <volume>-s-<uuid>

NodeIDs are chosen by the node agent (usually the hostname) and are compared
lexically when placement needs a deterministic tie-break.

*/

// ErrInvalidID is the error returned when a string representation of an ID is invalid.
var ErrInvalidID = errors.New("invalid id format")

// VolumeID is the unique name of a volume.
type VolumeID string

// Valid returns whether this volume name can be used.
func (v VolumeID) Valid() bool {
	return len(v) > 0 && len(v) <= 128 && !strings.ContainsAny(string(v), "/ \t\n")
}

// NodeID identifies a node in the cluster.
type NodeID string

// ReplicaID identifies a replica of a volume.
type ReplicaID string

// Volume returns the volume this replica belongs to.
func (r ReplicaID) Volume() (VolumeID, error) {
	i := strings.LastIndex(string(r), "-r-")
	if i <= 0 {
		return "", ErrInvalidID
	}
	return VolumeID(r[:i]), nil
}

// NewReplicaID generates a fresh replica ID for the given volume.
func NewReplicaID(vol VolumeID) ReplicaID {
	return ReplicaID(fmt.Sprintf("%s-r-%s", vol, uuid.New().String()[:8]))
}

// EngineID identifies an engine instance. Each attachment gets a new engine
// and a new epoch, so the epoch is part of the ID.
type EngineID string

// MakeEngineID returns the ID of the engine for the given volume and epoch.
func MakeEngineID(vol VolumeID, epoch Epoch) EngineID {
	return EngineID(fmt.Sprintf("%s-e-%d", vol, epoch))
}

// SnapshotID identifies a snapshot. The zero value means "no snapshot" and is
// used as the parent of a base delta.
type SnapshotID string

// NewSnapshotID generates a fresh snapshot ID for the given volume.
func NewSnapshotID(vol VolumeID) SnapshotID {
	return SnapshotID(fmt.Sprintf("%s-s-%s", vol, uuid.New().String()))
}

// BackupID identifies a backup stored in a backup target.
type BackupID string

// NewBackupID generates a fresh backup ID.
func NewBackupID(vol VolumeID) BackupID {
	return BackupID(fmt.Sprintf("%s-b-%s", vol, uuid.New().String()))
}

// Epoch identifies the currently authoritative engine attachment for a
// volume. Replicas reject requests carrying an epoch lower than the highest
// one they have seen. Valid epochs start from 1.
type Epoch uint64

func (e Epoch) String() string {
	return fmt.Sprintf("%d", e)
}
