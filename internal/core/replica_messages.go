// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"time"

	"github.com/westerndigitalcorporation/blockvol/pkg/rpc"
)

// This file describes the RPC interface exported by a replica agent. All
// requests name the replica they're for, since one node hosts many replicas.

// Delta is the set of blocks changed between a snapshot and its parent.
// Deltas are immutable once created.
type Delta struct {
	// ID of the snapshot this delta belongs to.
	ID SnapshotID

	// Parent snapshot, empty for a base delta that holds every written block.
	Parent SnapshotID

	// Parent the snapshot was requested with, when it was unknown to the
	// store and the delta became a base instead.
	RequestedParent SnapshotID

	// Local write sequence of the store at capture time. Only meaningful on
	// the store that produced or replayed the delta.
	Seq uint64

	// When the snapshot was taken.
	Created time.Time

	// Block index to block contents. Each value is BlockSize bytes.
	Blocks map[int64][]byte
}

// Bytes returns the amount of block data carried by the delta.
func (d *Delta) Bytes() int64 {
	return int64(len(d.Blocks)) * BlockSize
}

// ReplicaAddr is where to find a replica.
type ReplicaAddr struct {
	ID   ReplicaID
	Node NodeID
	Addr string
}

// ReplicaStatus is what a replica reports about itself.
type ReplicaStatus struct {
	ID     ReplicaID
	Volume VolumeID
	State  ReplicaState

	// The highest epoch the replica has accepted.
	Epoch Epoch

	// The engine sequence number of the last write applied under Epoch.
	AppliedSeq uint64

	// Size of the replica in bytes.
	Size int64
}

// ReplicaAttachMethod attaches a replica to the engine with the given epoch.
const ReplicaAttachMethod = "ReplicaSrvHandler.Attach"

// ReplicaAttachReq raises the replica's epoch.
type ReplicaAttachReq struct {
	ID    ReplicaID
	Epoch Epoch
}

// ReplicaWriteMethod writes blocks to a replica.
const ReplicaWriteMethod = "ReplicaSrvHandler.Write"

// ReplicaWriteReq is a write from an engine. Seq is assigned by the engine
// in submission order and restarts at 1 for every epoch.
type ReplicaWriteReq struct {
	ID     ReplicaID
	Epoch  Epoch
	Seq    uint64
	Offset int64

	B          []byte
	bExclusive bool
}

// ReplicaReadMethod reads blocks from a replica.
const ReplicaReadMethod = "ReplicaSrvHandler.Read"

// ReplicaReadReq asks for Length bytes at Offset.
type ReplicaReadReq struct {
	ID     ReplicaID
	Offset int64
	Length int
}

// ReplicaReadReply is the reply to a ReplicaReadReq.
type ReplicaReadReply struct {
	Err Error

	B          []byte
	bExclusive bool
}

// ReplicaSnapshotMethod takes a snapshot on a replica.
const ReplicaSnapshotMethod = "ReplicaSrvHandler.Snapshot"

// ReplicaSnapshotReq asks the replica to capture a delta relative to Parent.
type ReplicaSnapshotReq struct {
	ID     ReplicaID
	Epoch  Epoch
	Snap   SnapshotID
	Parent SnapshotID
}

// ReplicaDeltasMethod fetches a delta chain from a replica.
const ReplicaDeltasMethod = "ReplicaSrvHandler.Deltas"

// ReplicaDeltasReq asks for the chain of deltas from a base up to UpTo.
type ReplicaDeltasReq struct {
	ID   ReplicaID
	UpTo SnapshotID
}

// ReplicaDeltasReply is the reply to a ReplicaDeltasReq. Chain is ordered
// base first.
type ReplicaDeltasReply struct {
	Err   Error
	Chain []*Delta
}

// ReplicaDeleteDeltaMethod removes a delta from a replica's catalog.
const ReplicaDeleteDeltaMethod = "ReplicaSrvHandler.DeleteDelta"

// ReplicaDeleteDeltaReq names a delta to delete.
type ReplicaDeleteDeltaReq struct {
	ID   ReplicaID
	Snap SnapshotID
}

// ReplicaPingMethod checks that a replica is alive and reports its status.
const ReplicaPingMethod = "ReplicaSrvHandler.Ping"

// ReplicaPingReq is a ping. An engine passes its epoch so that a fenced
// engine learns about it even when idle; the controller passes zero.
type ReplicaPingReq struct {
	ID    ReplicaID
	Epoch Epoch
}

// ReplicaPingReply is the reply to a ReplicaPingReq.
type ReplicaPingReply struct {
	Err    Error
	Status ReplicaStatus
}

// The following implement the rpc.BulkData interface:
func (w *ReplicaWriteReq) Get() ([]byte, bool)  { b := w.B; w.B = nil; return b, w.bExclusive }
func (w *ReplicaWriteReq) Set(b []byte, e bool) { w.B, w.bExclusive = b, e }
func (r *ReplicaReadReply) Get() ([]byte, bool) { b := r.B; r.B = nil; return b, r.bExclusive }
func (r *ReplicaReadReply) Set(b []byte, e bool) {
	r.B, r.bExclusive = b, e
}

var (
	// Assert that these implement rpc.BulkData.
	_ rpc.BulkData = (*ReplicaWriteReq)(nil)
	_ rpc.BulkData = (*ReplicaReadReply)(nil)
)
