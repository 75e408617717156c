// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replica

import (
	"context"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// Talker is an abstraction of the transport between engines (or rebuilding
// replicas) and replica agents. Transport failures are reported as ErrRPC.
type Talker interface {
	// Attach raises the epoch of the replica.
	Attach(ctx context.Context, r core.ReplicaAddr, epoch core.Epoch) core.Error

	// Write sends a write. req.ID is filled in from r.
	Write(ctx context.Context, r core.ReplicaAddr, req *core.ReplicaWriteReq) core.Error

	// Read reads from the replica.
	Read(ctx context.Context, r core.ReplicaAddr, offset int64, length int) ([]byte, core.Error)

	// Snapshot takes a snapshot on the replica.
	Snapshot(ctx context.Context, r core.ReplicaAddr, epoch core.Epoch, snap, parent core.SnapshotID) core.Error

	// Deltas fetches the delta chain ending at upTo.
	Deltas(ctx context.Context, r core.ReplicaAddr, upTo core.SnapshotID) ([]*core.Delta, core.Error)

	// DeleteDelta removes a delta from the replica.
	DeleteDelta(ctx context.Context, r core.ReplicaAddr, snap core.SnapshotID) core.Error

	// Ping returns the replica's status.
	Ping(ctx context.Context, r core.ReplicaAddr, epoch core.Epoch) (core.ReplicaStatus, core.Error)
}
