// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"context"
	"sort"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// The controller keeps the snapshot DAG of every volume. A snapshot's parent
// is the volume's head at the time it was taken, or nothing for a base.

// TakeSnapshot takes a snapshot of an attached volume through its engine and
// makes it the volume's head. A base snapshot has no parent and holds every
// written block.
func (c *Controller) TakeSnapshot(ctx context.Context, vol core.VolumeID, base bool) (core.SnapshotInfo, core.Error) {
	c.lockMgr.LockVolume(vol)
	defer c.lockMgr.UnlockVolume(vol)

	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return core.SnapshotInfo{}, core.ErrNoSuchVolume
	}
	var parent core.SnapshotID
	if !base {
		parent = v.Head
	}
	c.lock.Unlock()

	eng, addr, err := c.engineAddr(vol)
	if err != core.NoError {
		return core.SnapshotInfo{}, err
	}
	s := &SnapshotRecord{ID: core.NewSnapshotID(vol), Volume: vol, Parent: parent}
	nctx, cancel := c.nodeCtx(ctx)
	defer cancel()
	req := core.EngineSnapshotReq{Node: eng.Node, Volume: vol, Epoch: eng.Epoch, Snap: s.ID, Parent: parent}
	if err = c.nt.EngineSnapshot(nctx, addr, req); err != core.NoError {
		log.Errorf("snapshot of %s through %s failed: %s", vol, eng.ID, err)
		return core.SnapshotInfo{}, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	s.Created = c.getTime()
	if e := c.state.PutSnapshot(s); e != nil {
		log.Errorf("failed to persist snapshot %s: %s", s.ID, e)
		return core.SnapshotInfo{}, core.ErrUnknown
	}
	c.snapshots[s.ID] = s
	v.Head = s.ID
	c.putVolumeLocked(v)
	log.Infof("@@@ snapshot %s of %s taken, parent %q", s.ID, vol, parent)
	return s.Info(), core.NoError
}

// snapshotDetached takes a snapshot of a volume with no engine by asking its
// Healthy replicas directly, at the volume's current epoch. Nothing writes to
// the replicas without an engine, so they all capture the same blocks. A
// quorum of the desired count must succeed; the replicas that did are
// returned. The volume lock must be held.
func (c *Controller) snapshotDetached(ctx context.Context, vol core.VolumeID, epoch core.Epoch) (core.SnapshotInfo, []core.ReplicaAddr, core.Error) {
	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return core.SnapshotInfo{}, nil, core.ErrNoSuchVolume
	}
	if v.State != core.VolumeDetached || v.Engine != nil || v.Epoch != epoch {
		c.lock.Unlock()
		return core.SnapshotInfo{}, nil, core.ErrStaleEpoch
	}
	var reps []core.ReplicaAddr
	for _, r := range c.replicasLocked(v) {
		if r.State == core.ReplicaHealthy {
			reps = append(reps, c.replicaAddrLocked(r))
		}
	}
	need := core.Quorum(v.Desired)
	s := &SnapshotRecord{ID: core.NewSnapshotID(vol), Volume: vol, Parent: v.Head}
	c.lock.Unlock()

	var took []core.ReplicaAddr
	for _, r := range reps {
		nctx, cancel := c.nodeCtx(ctx)
		req := core.ReplicaSnapshotReq{ID: r.ID, Epoch: epoch, Snap: s.ID, Parent: s.Parent}
		err := c.nt.ReplicaSnapshot(nctx, r, req)
		cancel()
		if err != core.NoError {
			log.Errorf("snapshot %s on %s failed: %s", s.ID, r.ID, err)
			continue
		}
		took = append(took, r)
	}
	if len(took) < need {
		log.Errorf("snapshot of detached %s reached %d of %d replicas", vol, len(took), need)
		return core.SnapshotInfo{}, nil, core.ErrWriteFailed
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	s.Created = c.getTime()
	if e := c.state.PutSnapshot(s); e != nil {
		log.Errorf("failed to persist snapshot %s: %s", s.ID, e)
		return core.SnapshotInfo{}, nil, core.ErrUnknown
	}
	c.snapshots[s.ID] = s
	v.Head = s.ID
	c.putVolumeLocked(v)
	log.Infof("@@@ snapshot %s of detached %s taken on %d replicas, parent %q", s.ID, vol, len(took), s.Parent)
	return s.Info(), took, core.NoError
}

// Snapshots returns the snapshots of a volume, oldest first.
func (c *Controller) Snapshots(vol core.VolumeID) ([]core.SnapshotInfo, core.Error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.volumes[vol]; !ok {
		return nil, core.ErrNoSuchVolume
	}
	var out []core.SnapshotInfo
	for _, s := range c.snapshots {
		if s.Volume == vol {
			out = append(out, s.Info())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out, core.NoError
}

// Snapshot returns one snapshot.
func (c *Controller) Snapshot(id core.SnapshotID) (core.SnapshotInfo, core.Error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	s, ok := c.snapshots[id]
	if !ok {
		return core.SnapshotInfo{}, core.ErrNoSuchSnapshot
	}
	return s.Info(), core.NoError
}

// Head returns the most recent snapshot of a volume, empty if none.
func (c *Controller) Head(vol core.VolumeID) core.SnapshotID {
	c.lock.Lock()
	defer c.lock.Unlock()
	if v, ok := c.volumes[vol]; ok {
		return v.Head
	}
	return ""
}

// ForgetSnapshot drops a snapshot from the DAG. The head of a volume and a
// snapshot that's the parent of another can't be dropped.
func (c *Controller) ForgetSnapshot(id core.SnapshotID) core.Error {
	c.lock.Lock()
	defer c.lock.Unlock()
	s, ok := c.snapshots[id]
	if !ok {
		return core.ErrNoSuchSnapshot
	}
	if v, ok := c.volumes[s.Volume]; ok && v.Head == id {
		return core.ErrInvalidState
	}
	for _, o := range c.snapshots {
		if o.Parent == id {
			return core.ErrInvalidState
		}
	}
	if err := c.state.DeleteSnapshot(id); err != nil {
		log.Errorf("failed to delete snapshot record %s: %s", id, err)
		return core.ErrUnknown
	}
	delete(c.snapshots, id)
	log.Infof("snapshot %s of %s forgotten", id, s.Volume)
	return core.NoError
}
