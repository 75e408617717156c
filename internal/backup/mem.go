// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"context"
	"sort"
	"sync"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// MemTarget keeps backups in memory.
type MemTarget struct {
	lock    sync.Mutex
	backups map[core.BackupID]Backup
	deltas  map[core.SnapshotID]*core.Delta

	// If set, Put fails with this.
	failPuts core.Error
}

// NewMemTarget returns an empty MemTarget.
func NewMemTarget() *MemTarget {
	return &MemTarget{
		backups: make(map[core.BackupID]Backup),
		deltas:  make(map[core.SnapshotID]*core.Delta),
	}
}

// FailPuts makes every Put fail with 'err' until called with NoError.
func (t *MemTarget) FailPuts(err core.Error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.failPuts = err
}

// Put implements Target.
func (t *MemTarget) Put(ctx context.Context, b Backup, chain []*core.Delta) core.Error {
	if err := checkChain(&b, chain); err != core.NoError {
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.failPuts != core.NoError {
		return t.failPuts
	}
	for _, d := range chain {
		if _, ok := t.deltas[d.ID]; !ok {
			t.deltas[d.ID] = d
		}
	}
	t.backups[b.ID] = b
	return core.NoError
}

// Get implements Target.
func (t *MemTarget) Get(ctx context.Context, id core.BackupID) (Backup, []*core.Delta, core.Error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	b, ok := t.backups[id]
	if !ok {
		return Backup{}, nil, core.ErrNoSuchBackup
	}
	chain := make([]*core.Delta, len(b.Chain))
	for i, s := range b.Chain {
		if chain[i] = t.deltas[s]; chain[i] == nil {
			return Backup{}, nil, core.ErrCorruptData
		}
	}
	return b, chain, core.NoError
}

// List implements Target.
func (t *MemTarget) List(vol core.VolumeID) ([]Backup, core.Error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	var out []Backup
	for _, b := range t.backups {
		if vol == "" || b.Volume == vol {
			out = append(out, b)
		}
	}
	sortBackups(out)
	return out, core.NoError
}

// Delete implements Target.
func (t *MemTarget) Delete(ctx context.Context, id core.BackupID) core.Error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.backups[id]; !ok {
		return core.ErrNoSuchBackup
	}
	delete(t.backups, id)

	used := make(map[core.SnapshotID]bool)
	for _, b := range t.backups {
		for _, s := range b.Chain {
			used[s] = true
		}
	}
	for s := range t.deltas {
		if !used[s] {
			delete(t.deltas, s)
		}
	}
	return core.NoError
}

func sortBackups(bs []Backup) {
	sort.Slice(bs, func(i, j int) bool {
		if !bs[i].Created.Equal(bs[j].Created) {
			return bs[i].Created.Before(bs[j].Created)
		}
		return bs[i].ID < bs[j].ID
	})
}
