// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package backup holds the external targets that snapshot deltas are exported
// to. A backup is the delta chain of one snapshot, base first. Deltas are
// shared between backups of the same volume, so exporting a snapshot whose
// ancestors were already exported only stores what's new.
package backup

import (
	"context"
	"time"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// Backup describes one backup in a target.
type Backup struct {
	ID       core.BackupID
	Volume   core.VolumeID
	Snapshot core.SnapshotID

	// Size of the volume when the snapshot was taken.
	Size int64

	Created time.Time

	// The snapshots whose deltas make up the backup, base first. The last
	// one is Snapshot.
	Chain []core.SnapshotID
}

// Target is where backups go.
type Target interface {
	// Put stores a backup made of 'chain'. Deltas the target already has are
	// not stored again.
	Put(ctx context.Context, b Backup, chain []*core.Delta) core.Error

	// Get returns a backup and its delta chain.
	Get(ctx context.Context, id core.BackupID) (Backup, []*core.Delta, core.Error)

	// List returns the backups of a volume, oldest first. An empty volume
	// lists everything.
	List(vol core.VolumeID) ([]Backup, core.Error)

	// Delete removes a backup and whatever deltas no other backup uses.
	Delete(ctx context.Context, id core.BackupID) core.Error
}

// checkChain validates a chain against the backup it's stored as, and fills
// in b.Chain.
func checkChain(b *Backup, chain []*core.Delta) core.Error {
	if b.ID == "" || len(chain) == 0 || chain[0].Parent != "" || chain[len(chain)-1].ID != b.Snapshot {
		return core.ErrInvalidArgument
	}
	b.Chain = make([]core.SnapshotID, len(chain))
	for i, d := range chain {
		if i > 0 && d.Parent != chain[i-1].ID {
			return core.ErrInvalidArgument
		}
		b.Chain[i] = d.ID
	}
	return core.NoError
}
