// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"context"
	"sort"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// reconcileLoop runs Reconcile every ReconcileInterval, and sooner when
// reports come in.
func (c *Controller) reconcileLoop() {
	defer c.loops.Done()
	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		case <-c.kick:
		}
		c.Reconcile(context.Background())
	}
}

// Reconcile makes one pass over every volume, comparing what is with what
// should be and acting on the difference. It only acts on what it sees now,
// so running it again with stale or repeated information is harmless.
func (c *Controller) Reconcile(ctx context.Context) {
	c.drainReports(ctx)

	c.lock.Lock()
	vols := make([]core.VolumeID, 0, len(c.volumes))
	for id := range c.volumes {
		vols = append(vols, id)
	}
	c.lock.Unlock()
	sort.Slice(vols, func(i, j int) bool { return vols[i] < vols[j] })

	for _, vol := range vols {
		c.reconcileVolume(ctx, vol)
	}

	c.lock.Lock()
	degraded := 0
	for _, v := range c.volumes {
		if v.Degraded {
			degraded++
		}
	}
	mDegraded.Set(float64(degraded))
	mRebuilds.Set(float64(len(c.rebuilding)))
	c.lock.Unlock()
}

// drainReports takes everything queued by engines and nodes.
func (c *Controller) drainReports(ctx context.Context) {
	for {
		select {
		case node := <-c.nodeReports:
			log.Infof("@@@ node %s reported unreachable", node)
			c.mon.markDown(node)
		case req := <-c.suspects:
			c.handleSuspect(ctx, req)
		default:
			return
		}
	}
}

// handleSuspect fails a replica an engine stopped trusting. Reports from an
// engine that's no longer current are ignored.
func (c *Controller) handleSuspect(ctx context.Context, req core.ReportSuspectReq) {
	c.lockMgr.LockVolume(req.Volume)
	defer c.lockMgr.UnlockVolume(req.Volume)

	c.lock.Lock()
	v, ok := c.volumes[req.Volume]
	r, rok := c.replicas[req.Replica]
	if !ok || !rok || r.Volume != req.Volume || req.Epoch != v.Epoch {
		c.lock.Unlock()
		log.Infof("ignoring stale suspect report %+v", req)
		return
	}
	if r.State == core.ReplicaFailed || r.State == core.ReplicaDeleted {
		c.lock.Unlock()
		return
	}
	c.lock.Unlock()

	log.Infof("@@@ engine of %s at epoch %d reports %s: %s", req.Volume, req.Epoch, req.Replica, req.Err)
	c.failReplica(ctx, req.Replica)
}

// failReplica marks a replica Failed and takes it out of its engine. The
// volume lock must be held.
func (c *Controller) failReplica(ctx context.Context, id core.ReplicaID) {
	c.setReplicaState(ctx, id, core.ReplicaFailed)

	c.lock.Lock()
	r, ok := c.replicas[id]
	if !ok {
		c.lock.Unlock()
		return
	}
	addr := c.replicaAddrLocked(r)
	vol := r.Volume
	c.lock.Unlock()
	c.removeFromEngine(ctx, vol, addr)
}

// removeFromEngine tells the volume's engine to stop using a replica, best effort.
func (c *Controller) removeFromEngine(ctx context.Context, vol core.VolumeID, r core.ReplicaAddr) {
	eng, addr, err := c.engineAddr(vol)
	if err != core.NoError {
		return
	}
	nctx, cancel := c.nodeCtx(ctx)
	defer cancel()
	req := core.EngineReplicaReq{Node: eng.Node, Volume: vol, Epoch: eng.Epoch, Replica: r}
	if err = c.nt.EngineRemoveReplica(nctx, addr, req); err != core.NoError {
		log.Errorf("failed to remove %s from engine %s: %s", r.ID, eng.ID, err)
	}
}

// reconcileVolume runs one pass over one volume. A volume busy with a
// provisioning request is skipped until the next pass.
func (c *Controller) reconcileVolume(ctx context.Context, vol core.VolumeID) {
	if !c.lockMgr.TryLockVolume(vol) {
		return
	}
	defer c.lockMgr.UnlockVolume(vol)

	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return
	}
	state := v.State
	if state == core.VolumeRequested || state == core.VolumeProvisioning {
		// A create that was cut short by a restart.
		log.Infof("volume %s was left %s, finishing it", vol, state)
		v.State = core.VolumeDetached
		c.putVolumeLocked(v)
	}
	c.lock.Unlock()

	if state == core.VolumeDeleting {
		c.teardown(ctx, vol)
		return
	}
	c.checkEngine(ctx, vol)
	c.checkReplicas(ctx, vol)
	c.heal(ctx, vol)
	c.prune(ctx, vol)

	c.lock.Lock()
	if v, ok := c.volumes[vol]; ok {
		c.setDegradedLocked(v)
	}
	c.lock.Unlock()
}

// checkEngine makes sure an attached volume has an engine on a live node.
// An engine on a down node is dropped and restarted on the workload's node
// with a new epoch once the scheduler tells us where that is.
func (c *Controller) checkEngine(ctx context.Context, vol core.VolumeID) {
	c.lock.Lock()
	v := c.volumes[vol]
	if v.State != core.VolumeAttached {
		c.lock.Unlock()
		return
	}
	var engNode core.NodeID
	if v.Engine != nil {
		engNode = v.Engine.Node
	}
	workload := v.WorkloadNode
	c.lock.Unlock()

	if engNode != "" {
		if c.mon.status(engNode) != statusDown {
			return
		}
		log.Infof("@@@ engine node %s of %s is down", engNode, vol)
		c.stopEngine(ctx, vol)
	}
	if workload == "" || c.mon.status(workload) != statusHealthy {
		log.V(1).Infof("volume %s: waiting for a live workload node, have %q", vol, workload)
		return
	}
	if engNode != "" && workload != engNode {
		c.failover(ctx, vol, workload)
		return
	}
	c.startEngine(ctx, vol, workload)
}

// checkReplicas fails replicas that stopped showing up in heartbeats, and
// cleans up after work that was cut short.
func (c *Controller) checkReplicas(ctx context.Context, vol core.VolumeID) {
	now := c.getTime()
	var fail []core.ReplicaID

	c.lock.Lock()
	for _, r := range c.replicasLocked(c.volumes[vol]) {
		switch r.State {
		case core.ReplicaFailed, core.ReplicaDeleted:
			continue
		case core.ReplicaCreating:
			// Creation happens under the volume lock we hold, so this one
			// was abandoned.
			fail = append(fail, r.ID)
			continue
		case core.ReplicaRebuilding:
			if !c.rebuilding[r.ID] {
				fail = append(fail, r.ID)
				continue
			}
		}
		seen := r.LastSeen
		if seen.IsZero() || seen.Before(c.start) {
			seen = c.start
		}
		if now.Sub(seen) > c.cfg.ReplicaHeartbeatTimeout || c.mon.status(r.Node) == statusDown {
			log.Infof("@@@ replica %s on %s last seen %s ago", r.ID, r.Node, now.Sub(seen))
			fail = append(fail, r.ID)
		}
	}
	c.lock.Unlock()

	for _, id := range fail {
		c.failReplica(ctx, id)
	}
}

// heal adds replicas to a volume that has fewer than desired. A volume that
// holds data gets rebuilt replicas, through its engine if it's attached and
// straight from its replicas if it's detached. One that never held data gets
// fresh ones. An attached volume waiting for its engine is left alone.
func (c *Controller) heal(ctx context.Context, vol core.VolumeID) {
	c.lock.Lock()
	v := c.volumes[vol]
	healthy, pending := c.countLocked(v)
	need := v.Desired - healthy - pending
	attached := v.State == core.VolumeAttached && v.Engine != nil
	fresh := v.Epoch == 0 && v.State == core.VolumeDetached
	detached := v.Epoch > 0 && v.State == core.VolumeDetached && v.Engine == nil
	size, existing := v.Size, c.liveNodesLocked(v)
	c.lock.Unlock()

	if need <= 0 || (healthy == 0 && !fresh) {
		return
	}
	switch {
	case fresh:
		c.provision(ctx, vol, need)
	case attached, detached:
		picked := pickNodes(c.mon, need, size, existing)
		if len(picked) == 0 {
			log.Warningf("volume %s needs %d replicas: %s", vol, need, core.ErrNoEligibleNode)
			return
		}
		for _, nd := range picked {
			if !c.rebuildSem.TryAcquire() {
				log.V(1).Infof("volume %s: too many rebuilds running", vol)
				return
			}
			c.lock.Lock()
			r, err := c.addReplicaLocked(c.volumes[vol], nd.ID, core.ReplicaRebuilding)
			if err == core.NoError {
				c.rebuilding[r.ID] = true
			}
			c.lock.Unlock()
			if err != core.NoError {
				c.rebuildSem.Release()
				return
			}
			log.Infof("@@@ rebuilding a replica of %s on %s as %s", vol, nd.ID, r.ID)
			go c.rebuild(vol, r.ID, nd)
		}
	default:
		log.V(1).Infof("volume %s is degraded and waiting for its engine", vol)
	}
}

// prune deletes Failed replicas once the volume has enough Healthy ones
// again. Failed replicas on down nodes are deleted right away, since their
// data is gone anyway.
func (c *Controller) prune(ctx context.Context, vol core.VolumeID) {
	c.lock.Lock()
	v := c.volumes[vol]
	healthy, _ := c.countLocked(v)
	var victims []*ReplicaRecord
	for _, r := range c.replicasLocked(v) {
		if r.State != core.ReplicaFailed && r.State != core.ReplicaDeleted {
			continue
		}
		if healthy >= v.Desired || c.mon.status(r.Node) == statusDown {
			victims = append(victims, r)
		}
	}
	c.lock.Unlock()

	for _, r := range victims {
		c.deleteReplica(ctx, r)
	}
}

// rebuild brings a new Rebuilding replica up to date and promotes it. It
// runs without the volume lock; every step that changes the volume takes it.
func (c *Controller) rebuild(vol core.VolumeID, id core.ReplicaID, nd nodeData) {
	defer c.rebuildSem.Release()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RebuildTimeout)
	defer cancel()

	err := c.doRebuild(ctx, vol, id, nd)

	c.lock.Lock()
	delete(c.rebuilding, id)
	c.lock.Unlock()

	if err != core.NoError {
		log.Errorf("@@@ rebuild of %s on %s failed: %s", id, nd.ID, err)
		// The rebuild's context may be what ran out.
		c.abandonRebuild(context.Background(), vol, id)
	} else {
		log.Infof("@@@ rebuild of %s on %s succeeded", id, nd.ID)
	}
	c.poke()
}

func (c *Controller) doRebuild(ctx context.Context, vol core.VolumeID, id core.ReplicaID, nd nodeData) core.Error {
	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return core.ErrNoSuchVolume
	}
	size, epoch := v.Size, v.Epoch
	c.lock.Unlock()
	self := core.ReplicaAddr{ID: id, Node: nd.ID, Addr: nd.Addr}

	// 1. The replica exists, empty.
	nctx, cancel := c.nodeCtx(ctx)
	err := c.nt.CreateReplica(nctx, nd.Addr, core.CreateReplicaReq{Node: nd.ID, Replica: id, Volume: vol, Size: size, State: core.ReplicaRebuilding})
	cancel()
	if err != core.NoError {
		return err
	}

	eng, engAddr, err := c.engineAddr(vol)
	if err == core.ErrNotAttached {
		return c.rebuildDetached(ctx, vol, self, epoch)
	}
	if err != core.NoError {
		return err
	}

	// 2. It gets every write from now on.
	nctx, cancel = c.nodeCtx(ctx)
	err = c.nt.EngineAddReplica(nctx, engAddr, core.EngineReplicaReq{Node: eng.Node, Volume: vol, Epoch: eng.Epoch, Replica: self})
	cancel()
	if err != core.NoError {
		return err
	}

	// 3. Everything before that is in a snapshot.
	snap, err := c.TakeSnapshot(ctx, vol, false)
	if err != core.NoError {
		return err
	}

	// 4. Which it pulls from a Healthy replica.
	srcs, err := c.HealthyReplicas(vol)
	if err != core.NoError {
		return err
	}
	if err = c.pull(ctx, self, snap.ID, srcs); err != core.NoError {
		return err
	}

	// 5. Then it's Healthy.
	return c.promote(ctx, vol, self, eng)
}

// rebuildDetached rebuilds a replica of a volume with no engine. Nothing
// writes to the volume, so a snapshot taken on the replicas directly covers
// all of its data. Attaching the volume meanwhile bumps the epoch, and the
// rebuild is then abandoned at promotion.
func (c *Controller) rebuildDetached(ctx context.Context, vol core.VolumeID, self core.ReplicaAddr, epoch core.Epoch) core.Error {
	c.lockMgr.LockVolume(vol)
	snap, srcs, err := c.snapshotDetached(ctx, vol, epoch)
	c.lockMgr.UnlockVolume(vol)
	if err != core.NoError {
		return err
	}
	if err = c.pull(ctx, self, snap.ID, srcs); err != core.NoError {
		return err
	}
	return c.promote(ctx, vol, self, EngineRecord{Epoch: epoch})
}

// pull makes 'self' pull the chain up to 'upTo' from the first source that
// can serve it.
func (c *Controller) pull(ctx context.Context, self core.ReplicaAddr, upTo core.SnapshotID, srcs []core.ReplicaAddr) core.Error {
	err := core.ErrNotHealthy
	for _, src := range srcs {
		if src.ID == self.ID {
			continue
		}
		err = c.nt.RebuildReplica(ctx, self.Addr, core.RebuildReplicaReq{Node: self.Node, Replica: self.ID, Source: src, UpTo: upTo})
		if err == core.NoError || err == core.ErrCanceled {
			break
		}
		log.Errorf("rebuild of %s from %s failed: %s", self.ID, src.ID, err)
	}
	return err
}

// promote makes a rebuilt replica Healthy on its node, in the engine, and in
// our records. The engine must still be the one the rebuild started with. An
// 'eng' without an ID stands for a detached volume at eng.Epoch, which must
// still be detached at that epoch.
func (c *Controller) promote(ctx context.Context, vol core.VolumeID, self core.ReplicaAddr, eng EngineRecord) core.Error {
	c.lockMgr.LockVolume(vol)
	defer c.lockMgr.UnlockVolume(vol)

	var engAddr string
	if eng.ID != "" {
		cur, addr, err := c.engineAddr(vol)
		if err != core.NoError {
			return err
		}
		if cur.Epoch != eng.Epoch {
			return core.ErrStaleEpoch
		}
		engAddr = addr
	}
	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return core.ErrNoSuchVolume
	}
	if eng.ID == "" && (v.State != core.VolumeDetached || v.Engine != nil || v.Epoch != eng.Epoch) {
		c.lock.Unlock()
		return core.ErrStaleEpoch
	}
	r, ok := c.replicas[self.ID]
	if !ok || r.State != core.ReplicaRebuilding {
		c.lock.Unlock()
		return core.ErrInvalidState
	}
	c.lock.Unlock()

	nctx, cancel := c.nodeCtx(ctx)
	defer cancel()
	if err := c.nt.SetReplicaState(nctx, self.Addr, core.SetReplicaStateReq{Node: self.Node, Replica: self.ID, State: core.ReplicaHealthy}); err != core.NoError {
		return err
	}
	if eng.ID != "" {
		if err := c.nt.EnginePromoteReplica(nctx, engAddr, core.EngineReplicaReq{Node: eng.Node, Volume: vol, Epoch: eng.Epoch, Replica: self}); err != core.NoError {
			return err
		}
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	r.State = core.ReplicaHealthy
	r.LastSeen = c.getTime()
	c.putReplicaLocked(r)
	c.setDegradedLocked(v)
	return core.NoError
}

// abandonRebuild removes a replica whose rebuild failed. It never held a
// complete copy, so there's nothing to keep.
func (c *Controller) abandonRebuild(ctx context.Context, vol core.VolumeID, id core.ReplicaID) {
	c.lockMgr.LockVolume(vol)
	defer c.lockMgr.UnlockVolume(vol)

	c.lock.Lock()
	r, ok := c.replicas[id]
	if !ok {
		c.lock.Unlock()
		return
	}
	addr := c.replicaAddrLocked(r)
	c.lock.Unlock()

	c.removeFromEngine(ctx, vol, addr)
	if c.deleteReplica(ctx, r) != core.NoError {
		c.setReplicaState(ctx, id, core.ReplicaFailed)
	}
}
