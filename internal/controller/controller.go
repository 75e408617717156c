// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/server"
	"github.com/westerndigitalcorporation/blockvol/pkg/failures"
	"github.com/westerndigitalcorporation/blockvol/pkg/rpc"
)

var (
	mDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "controller",
		Name:      "degraded_volumes",
		Help:      "volumes with fewer healthy replicas than desired",
	})
	mRebuilds = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "controller",
		Name:      "rebuilds_active",
		Help:      "replica rebuilds in progress",
	})
	mSuspects = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "controller",
		Name:      "suspect_reports",
		Help:      "suspect replica reports received from engines",
	})
	mFailovers = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "controller",
		Name:      "engine_failovers",
		Help:      "engines restarted on another node",
	})
)

// Reports sit in channels until the reconcile loop drains them.
const reportQueueSize = 1000

// SnapshotService takes snapshots and exports backups on behalf of the
// controller's RPC interface.
type SnapshotService interface {
	CreateSnapshot(ctx context.Context, vol core.VolumeID) (core.SnapshotInfo, core.Error)
	StartExport(snap core.SnapshotID) (core.BackupID, core.Error)
}

// Controller is the control plane. It owns every volume, replica and
// snapshot record, decides placement, and drives rebuilds and engine
// failover from a reconcile loop.
//
// Records live in arena maps keyed by ID and are written through to the
// durable state on every change. Changes to one volume's replica set or
// engine are serialized by the volume's lock in lockMgr; c.lock only guards
// the maps and is never held across a call to a node.
type Controller struct {
	// Configuration parameters. Read-only.
	cfg Config

	// Does its own locking.
	state *State
	mon   *nodeMonitor
	nt    NodeTalker

	// Provides exclusive access to volumes.
	lockMgr server.LockManager

	// Engine reports and node reports, drained by the reconcile loop.
	suspects    chan core.ReportSuspectReq
	nodeReports chan core.NodeID
	kick        chan struct{}

	// Bounds concurrent rebuilds.
	rebuildSem server.Semaphore

	// Set once before serving.
	snaps SnapshotService

	// Lock synchronizes everything below.
	lock sync.Mutex

	volumes   map[core.VolumeID]*VolumeRecord
	replicas  map[core.ReplicaID]*ReplicaRecord
	snapshots map[core.SnapshotID]*SnapshotRecord

	// Replicas with a rebuild in flight.
	rebuilding map[core.ReplicaID]bool

	// When the controller started, the baseline for replicas never seen.
	start time.Time

	stop     chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup

	getTime func() time.Time
}

// NewController opens the durable state and returns a controller. The
// reconcile loop doesn't run until Start is called.
func NewController(cfg Config, nt NodeTalker) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := OpenState(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	vols, reps, snaps, err := st.Load()
	if err != nil {
		st.Close()
		return nil, err
	}

	c := &Controller{
		cfg:         cfg,
		state:       st,
		nt:          nt,
		lockMgr:     server.NewFineGrainedLock(),
		suspects:    make(chan core.ReportSuspectReq, reportQueueSize),
		nodeReports: make(chan core.NodeID, reportQueueSize),
		kick:        make(chan struct{}, 1),
		rebuildSem:  server.NewSemaphore(cfg.MaxConcurrentRebuilds),
		volumes:     vols,
		replicas:    reps,
		snapshots:   snaps,
		rebuilding:  make(map[core.ReplicaID]bool),
		stop:        make(chan struct{}),
		getTime:     time.Now,
	}
	c.start = c.getTime()
	c.mon = newNodeMonitor(&c.cfg, c.getTime)

	// Every node hosting something should beat to us, or be declared down.
	var expected []core.NodeID
	for _, r := range reps {
		r.LastSeen = time.Time{}
		expected = append(expected, r.Node)
	}
	for _, v := range vols {
		if v.Engine != nil {
			expected = append(expected, v.Engine.Node)
		}
	}
	c.mon.expect(expected)
	log.Infof("@@@ controller loaded %d volumes, %d replicas, %d snapshots", len(vols), len(reps), len(snaps))
	return c, nil
}

// SetSnapshotService sets who serves snapshot and backup requests.
func (c *Controller) SetSnapshotService(s SnapshotService) {
	c.snaps = s
}

// Start starts the reconcile loop.
func (c *Controller) Start() {
	c.loops.Add(1)
	go c.reconcileLoop()
}

// Serve serves the controller's RPC interface, metrics and the failure
// service on l. It blocks until l is closed.
func (c *Controller) Serve(l net.Listener) error {
	s := rpc.NewServer()
	if err := s.RegisterName("ControllerSrvHandler", newControllerSrvHandler(c)); err != nil {
		return err
	}
	if err := s.RegisterName("ControllerCtlHandler", newControllerCtlHandler(c)); err != nil {
		return err
	}
	s.Mux().Handle("/metrics", promhttp.Handler())
	if c.cfg.UseFailure {
		s.Mux().HandleFunc(failures.DefaultFailureServicePath, failures.ServeHTTP)
	}
	log.Infof("controller listening on address %s", l.Addr())
	return s.Serve(l)
}

// Close stops the reconcile loop and closes the durable state.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.loops.Wait()
		c.state.Close()
	})
}

// nodeCtx bounds a control RPC to a node.
func (c *Controller) nodeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.NodeRPCTimeout)
}

// putVolumeLocked writes a volume record through. c.lock must be held.
func (c *Controller) putVolumeLocked(v *VolumeRecord) core.Error {
	if err := c.state.PutVolume(v); err != nil {
		log.Errorf("failed to persist volume %s: %s", v.ID, err)
		return core.ErrUnknown
	}
	return core.NoError
}

// putReplicaLocked writes a replica record through. c.lock must be held.
func (c *Controller) putReplicaLocked(r *ReplicaRecord) core.Error {
	if err := c.state.PutReplica(r); err != nil {
		log.Errorf("failed to persist replica %s: %s", r.ID, err)
		return core.ErrUnknown
	}
	return core.NoError
}

// replicasLocked returns the records of a volume's replicas. c.lock must be held.
func (c *Controller) replicasLocked(v *VolumeRecord) []*ReplicaRecord {
	out := make([]*ReplicaRecord, 0, len(v.Replicas))
	for _, id := range v.Replicas {
		if r, ok := c.replicas[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// countLocked counts a volume's Healthy replicas, and the ones that will be
// Healthy once their rebuild completes. c.lock must be held.
func (c *Controller) countLocked(v *VolumeRecord) (healthy, pending int) {
	for _, r := range c.replicasLocked(v) {
		switch {
		case r.State == core.ReplicaHealthy:
			healthy++
		case r.State == core.ReplicaRebuilding && c.rebuilding[r.ID]:
			pending++
		}
	}
	return
}

// setDegradedLocked recomputes the Degraded flag. c.lock must be held.
func (c *Controller) setDegradedLocked(v *VolumeRecord) {
	healthy, _ := c.countLocked(v)
	degraded := healthy < v.Desired
	if degraded != v.Degraded {
		log.Infof("@@@ volume %s degraded: %t (%d/%d healthy)", v.ID, degraded, healthy, v.Desired)
		v.Degraded = degraded
		c.putVolumeLocked(v)
	}
}

// addReplicaLocked creates the record of a new replica. c.lock must be held.
func (c *Controller) addReplicaLocked(v *VolumeRecord, node core.NodeID, state core.ReplicaState) (*ReplicaRecord, core.Error) {
	r := &ReplicaRecord{
		ID:       core.NewReplicaID(v.ID),
		Volume:   v.ID,
		Node:     node,
		State:    state,
		LastSeen: c.getTime(),
	}
	if err := c.putReplicaLocked(r); err != core.NoError {
		return nil, err
	}
	c.replicas[r.ID] = r
	v.Replicas = append(v.Replicas, r.ID)
	if err := c.putVolumeLocked(v); err != core.NoError {
		return nil, err
	}
	return r, core.NoError
}

// removeReplicaLocked drops the record of a replica. c.lock must be held.
func (c *Controller) removeReplicaLocked(id core.ReplicaID) {
	r, ok := c.replicas[id]
	if !ok {
		return
	}
	delete(c.replicas, id)
	if err := c.state.DeleteReplica(id); err != nil {
		log.Errorf("failed to delete replica record %s: %s", id, err)
	}
	if v, ok := c.volumes[r.Volume]; ok {
		for i, rid := range v.Replicas {
			if rid == id {
				v.Replicas = append(v.Replicas[:i:i], v.Replicas[i+1:]...)
				break
			}
		}
		c.putVolumeLocked(v)
	}
}

// setReplicaState changes a replica's recorded state and tells its node,
// best effort. The record is what counts.
func (c *Controller) setReplicaState(ctx context.Context, id core.ReplicaID, state core.ReplicaState) {
	c.lock.Lock()
	r, ok := c.replicas[id]
	if !ok || r.State == state {
		c.lock.Unlock()
		return
	}
	log.Infof("@@@ replica %s on %s: %s -> %s", id, r.Node, r.State, state)
	r.State = state
	c.putReplicaLocked(r)
	if v, ok := c.volumes[r.Volume]; ok {
		c.setDegradedLocked(v)
	}
	node := r.Node
	c.lock.Unlock()

	addr, _ := c.mon.addr(node)
	nctx, cancel := c.nodeCtx(ctx)
	defer cancel()
	if err := c.nt.SetReplicaState(nctx, addr, core.SetReplicaStateReq{Node: node, Replica: id, State: state}); err != core.NoError {
		log.Errorf("failed to tell %s about replica %s becoming %s: %s", node, id, state, err)
	}
}

// replicaAddr returns where to find a replica. c.lock must be held.
func (c *Controller) replicaAddrLocked(r *ReplicaRecord) core.ReplicaAddr {
	addr, _ := c.mon.addr(r.Node)
	return core.ReplicaAddr{ID: r.ID, Node: r.Node, Addr: addr}
}

// infoLocked converts a volume record. c.lock must be held.
func (c *Controller) infoLocked(v *VolumeRecord) core.VolumeInfo {
	info := core.VolumeInfo{
		ID:       v.ID,
		Size:     v.Size,
		Desired:  v.Desired,
		State:    v.State,
		Degraded: v.Degraded,
		Epoch:    v.Epoch,
		Head:     v.Head,
	}
	if v.Engine != nil {
		info.EngineNode = v.Engine.Node
	}
	for _, r := range c.replicasLocked(v) {
		info.Replicas = append(info.Replicas, core.ReplicaInfo{ID: r.ID, Node: r.Node, State: r.State})
	}
	return info
}

//
// Provisioning.
//

// CreateVolume creates a volume and places its replicas. Replicas that can't
// be placed leave the volume Degraded; the reconcile loop keeps trying.
func (c *Controller) CreateVolume(ctx context.Context, req core.CreateVolumeReq) (core.VolumeInfo, core.Error) {
	if !req.Volume.Valid() || req.Size <= 0 || req.Size%core.BlockSize != 0 ||
		req.Replicas < 1 || req.Replicas > core.MaxReplicationFactor {
		return core.VolumeInfo{}, core.ErrInvalidArgument
	}

	c.lockMgr.LockVolume(req.Volume)
	defer c.lockMgr.UnlockVolume(req.Volume)

	c.lock.Lock()
	if _, ok := c.volumes[req.Volume]; ok {
		c.lock.Unlock()
		return core.VolumeInfo{}, core.ErrVolumeExists
	}
	v := &VolumeRecord{
		ID:      req.Volume,
		Size:    req.Size,
		Desired: req.Replicas,
		State:   core.VolumeRequested,
		Created: c.getTime(),
	}
	if err := c.putVolumeLocked(v); err != core.NoError {
		c.lock.Unlock()
		return core.VolumeInfo{}, err
	}
	c.volumes[v.ID] = v
	v.State = core.VolumeProvisioning
	c.putVolumeLocked(v)
	c.lock.Unlock()

	log.Infof("@@@ creating volume %s: %d bytes, %d replicas", v.ID, v.Size, v.Desired)
	c.provision(ctx, v.ID, v.Desired)

	c.lock.Lock()
	defer c.lock.Unlock()
	v.State = core.VolumeDetached
	c.setDegradedLocked(v)
	c.putVolumeLocked(v)
	return c.infoLocked(v), core.NoError
}

// provision places up to 'num' fresh replicas of a volume that holds no
// data yet, so they start out Healthy. The volume lock must be held.
func (c *Controller) provision(ctx context.Context, vol core.VolumeID, num int) {
	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return
	}
	size, existing := v.Size, c.liveNodesLocked(v)
	c.lock.Unlock()

	for _, nd := range pickNodes(c.mon, num, size, existing) {
		c.lock.Lock()
		r, err := c.addReplicaLocked(v, nd.ID, core.ReplicaCreating)
		c.lock.Unlock()
		if err != core.NoError {
			return
		}

		nctx, cancel := c.nodeCtx(ctx)
		req := core.CreateReplicaReq{Node: nd.ID, Replica: r.ID, Volume: vol, Size: size, State: core.ReplicaCreating}
		err = c.nt.CreateReplica(nctx, nd.Addr, req)
		cancel()
		if err != core.NoError {
			log.Errorf("failed to create replica %s on %s: %s", r.ID, nd.ID, err)
			c.setReplicaState(ctx, r.ID, core.ReplicaFailed)
			continue
		}
		c.setReplicaState(ctx, r.ID, core.ReplicaHealthy)
	}
}

// liveNodesLocked returns the nodes hosting replicas of 'v' that aren't
// Failed. c.lock must be held.
func (c *Controller) liveNodesLocked(v *VolumeRecord) []core.NodeID {
	var out []core.NodeID
	for _, r := range c.replicasLocked(v) {
		if r.State != core.ReplicaFailed && r.State != core.ReplicaDeleted {
			out = append(out, r.Node)
		}
	}
	return out
}

// DeleteVolume tears a volume down. Replicas that can't be deleted right now
// are retried by the reconcile loop; the volume stays Deleting until then.
func (c *Controller) DeleteVolume(ctx context.Context, vol core.VolumeID) core.Error {
	c.lockMgr.LockVolume(vol)
	defer c.lockMgr.UnlockVolume(vol)

	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return core.ErrNoSuchVolume
	}
	if v.State != core.VolumeDeleting {
		log.Infof("@@@ deleting volume %s", vol)
		v.State = core.VolumeDeleting
		c.putVolumeLocked(v)
	}
	c.lock.Unlock()

	c.teardown(ctx, vol)
	return core.NoError
}

// teardown stops the engine and deletes the replicas of a Deleting volume,
// and drops the volume once nothing is left. The volume lock must be held.
func (c *Controller) teardown(ctx context.Context, vol core.VolumeID) {
	c.stopEngine(ctx, vol)

	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return
	}
	reps := c.replicasLocked(v)
	c.lock.Unlock()

	for _, r := range reps {
		c.deleteReplica(ctx, r)
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if len(v.Replicas) > 0 {
		log.Infof("volume %s: %d replicas left to delete", vol, len(v.Replicas))
		return
	}
	for id, s := range c.snapshots {
		if s.Volume == vol {
			delete(c.snapshots, id)
			c.state.DeleteSnapshot(id)
		}
	}
	delete(c.volumes, vol)
	if err := c.state.DeleteVolume(vol); err != nil {
		log.Errorf("failed to delete volume record %s: %s", vol, err)
	}
	log.Infof("@@@ volume %s deleted", vol)
}

// deleteReplica deletes a replica from its node and drops its record. A
// replica on a node that's down is dropped anyway; the node deletes it when
// it comes back and reports it.
func (c *Controller) deleteReplica(ctx context.Context, r *ReplicaRecord) core.Error {
	addr, _ := c.mon.addr(r.Node)
	nctx, cancel := c.nodeCtx(ctx)
	err := c.nt.DeleteReplica(nctx, addr, core.DeleteReplicaReq{Node: r.Node, Replica: r.ID})
	cancel()
	if err != core.NoError && c.mon.status(r.Node) != statusDown {
		log.Errorf("failed to delete replica %s on %s: %s", r.ID, r.Node, err)
		return err
	}
	c.lock.Lock()
	c.removeReplicaLocked(r.ID)
	c.lock.Unlock()
	log.Infof("@@@ replica %s on %s removed", r.ID, r.Node)
	return core.NoError
}

//
// Attachment.
//

// AttachVolume starts the volume's engine on 'node' with a new epoch.
// Attaching again to the same node does nothing.
func (c *Controller) AttachVolume(ctx context.Context, vol core.VolumeID, node core.NodeID) core.Error {
	c.lockMgr.LockVolume(vol)
	defer c.lockMgr.UnlockVolume(vol)

	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return core.ErrNoSuchVolume
	}
	switch v.State {
	case core.VolumeAttached:
		same := v.Engine != nil && v.Engine.Node == node
		c.lock.Unlock()
		if same {
			return core.NoError
		}
		return core.ErrAlreadyAttached
	case core.VolumeDetached:
	default:
		c.lock.Unlock()
		return core.ErrInvalidState
	}
	c.lock.Unlock()

	return c.startEngine(ctx, vol, node)
}

// startEngine starts a new engine of 'vol' on 'node' at the next epoch and
// attaches it to every Healthy replica. The volume lock must be held.
func (c *Controller) startEngine(ctx context.Context, vol core.VolumeID, node core.NodeID) core.Error {
	addr, ok := c.mon.addr(node)
	if !ok || c.mon.status(node) == statusDown {
		log.Errorf("can't start engine of %s on %s: node is unreachable", vol, node)
		return core.ErrNodeUnreachable
	}

	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return core.ErrNoSuchVolume
	}
	var reps []core.EngineReplica
	for _, r := range c.replicasLocked(v) {
		if r.State == core.ReplicaHealthy {
			reps = append(reps, core.EngineReplica{Addr: c.replicaAddrLocked(r), State: r.State})
		}
	}
	if len(reps) == 0 {
		c.lock.Unlock()
		log.Errorf("can't start engine of %s: no healthy replicas", vol)
		return core.ErrNotHealthy
	}

	// The epoch is burned even if the start fails, so it never goes back.
	v.Epoch++
	epoch := v.Epoch
	if err := c.putVolumeLocked(v); err != core.NoError {
		c.lock.Unlock()
		return err
	}
	req := core.StartEngineReq{Node: node, Volume: vol, Size: v.Size, Desired: v.Desired, Epoch: epoch, Replicas: reps}
	c.lock.Unlock()

	nctx, cancel := c.nodeCtx(ctx)
	err := c.nt.StartEngine(nctx, addr, req)
	cancel()
	if err != core.NoError {
		log.Errorf("@@@ failed to start engine of %s on %s at epoch %d: %s", vol, node, epoch, err)
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	v.Engine = &EngineRecord{ID: core.MakeEngineID(vol, epoch), Node: node, Epoch: epoch}
	v.State = core.VolumeAttached
	v.WorkloadNode = node
	c.putVolumeLocked(v)
	log.Infof("@@@ volume %s attached on %s at epoch %d with %d replicas", vol, node, epoch, len(reps))
	return core.NoError
}

// stopEngine stops the volume's engine, best effort, and forgets it. An
// engine we can't reach is fenced by the next attachment's epoch. The volume
// lock must be held.
func (c *Controller) stopEngine(ctx context.Context, vol core.VolumeID) {
	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok || v.Engine == nil {
		c.lock.Unlock()
		return
	}
	eng := *v.Engine
	v.Engine = nil
	c.putVolumeLocked(v)
	c.lock.Unlock()

	addr, _ := c.mon.addr(eng.Node)
	nctx, cancel := c.nodeCtx(ctx)
	defer cancel()
	if err := c.nt.StopEngine(nctx, addr, core.StopEngineReq{Node: eng.Node, Volume: vol, Epoch: eng.Epoch}); err != core.NoError {
		log.Errorf("failed to stop engine %s on %s: %s", eng.ID, eng.Node, err)
	}
}

// DetachVolume stops the volume's engine.
func (c *Controller) DetachVolume(ctx context.Context, vol core.VolumeID) core.Error {
	c.lockMgr.LockVolume(vol)
	defer c.lockMgr.UnlockVolume(vol)

	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return core.ErrNoSuchVolume
	}
	if v.State != core.VolumeAttached {
		c.lock.Unlock()
		return core.NoError
	}
	c.lock.Unlock()

	c.stopEngine(ctx, vol)

	c.lock.Lock()
	defer c.lock.Unlock()
	v.State = core.VolumeDetached
	c.putVolumeLocked(v)
	log.Infof("@@@ volume %s detached", vol)
	return core.NoError
}

// WorkloadMoved is how the scheduler tells us that the workload of a volume
// now runs on 'node'. An attached volume's engine follows it there.
func (c *Controller) WorkloadMoved(ctx context.Context, vol core.VolumeID, node core.NodeID) core.Error {
	c.lockMgr.LockVolume(vol)
	defer c.lockMgr.UnlockVolume(vol)

	c.lock.Lock()
	v, ok := c.volumes[vol]
	if !ok {
		c.lock.Unlock()
		return core.ErrNoSuchVolume
	}
	v.WorkloadNode = node
	c.putVolumeLocked(v)
	move := v.State == core.VolumeAttached && (v.Engine == nil || v.Engine.Node != node)
	c.lock.Unlock()

	if !move {
		return core.NoError
	}
	return c.failover(ctx, vol, node)
}

// failover replaces the engine of an attached volume with one on 'node'.
// The new engine's epoch fences the old one on every replica, whether or
// not we manage to stop it. The volume lock must be held.
func (c *Controller) failover(ctx context.Context, vol core.VolumeID, node core.NodeID) core.Error {
	log.Infof("@@@ failing over engine of %s to %s", vol, node)
	mFailovers.Inc()
	c.stopEngine(ctx, vol)
	return c.startEngine(ctx, vol, node)
}

// Engine returns the engine currently attached to a volume.
func (c *Controller) Engine(vol core.VolumeID) (EngineRecord, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	v, ok := c.volumes[vol]
	if !ok || v.Engine == nil {
		return EngineRecord{}, false
	}
	return *v.Engine, true
}

// engineAddr returns the engine of a volume and where its node is.
func (c *Controller) engineAddr(vol core.VolumeID) (EngineRecord, string, core.Error) {
	eng, ok := c.Engine(vol)
	if !ok {
		return eng, "", core.ErrNotAttached
	}
	addr, ok := c.mon.addr(eng.Node)
	if !ok {
		return eng, "", core.ErrNodeUnreachable
	}
	return eng, addr, core.NoError
}

//
// Reports.
//

// NodeHeartbeat records a node's heartbeat along with the replicas it hosts.
func (c *Controller) NodeHeartbeat(req core.NodeHeartbeatReq) core.Error {
	if req.Node == "" {
		return core.ErrInvalidArgument
	}
	c.mon.recvHeartbeat(req)
	for _, st := range req.Replicas {
		c.ReplicaHeartbeat(req.Node, st)
	}
	return core.NoError
}

// ReplicaHeartbeat records that a replica is alive on 'node'. A replica we
// have no record of is deleted.
func (c *Controller) ReplicaHeartbeat(node core.NodeID, st core.ReplicaStatus) {
	c.lock.Lock()
	r, ok := c.replicas[st.ID]
	if ok && r.Node == node {
		r.LastSeen = c.getTime()
		c.lock.Unlock()
		return
	}
	c.lock.Unlock()

	log.Infof("node %s hosts unknown replica %s, deleting it", node, st.ID)
	go func() {
		addr, _ := c.mon.addr(node)
		ctx, cancel := c.nodeCtx(context.Background())
		defer cancel()
		c.nt.DeleteReplica(ctx, addr, core.DeleteReplicaReq{Node: node, Replica: st.ID})
	}()
}

// ReportSuspect queues an engine's report about a replica.
func (c *Controller) ReportSuspect(req core.ReportSuspectReq) core.Error {
	mSuspects.Inc()
	select {
	case c.suspects <- req:
		c.poke()
		return core.NoError
	default:
		return core.ErrTooBusy
	}
}

// ReportNodeUnreachable tells the controller that a node is gone, ahead of
// its heartbeats timing out.
func (c *Controller) ReportNodeUnreachable(node core.NodeID) core.Error {
	select {
	case c.nodeReports <- node:
		c.poke()
		return core.NoError
	default:
		return core.ErrTooBusy
	}
}

// poke makes the reconcile loop run soon.
func (c *Controller) poke() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

//
// Queries.
//

// GetVolume returns a volume's info.
func (c *Controller) GetVolume(vol core.VolumeID) (core.VolumeInfo, core.Error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	v, ok := c.volumes[vol]
	if !ok {
		return core.VolumeInfo{}, core.ErrNoSuchVolume
	}
	return c.infoLocked(v), core.NoError
}

// ListVolumes returns the info of every volume, sorted by ID.
func (c *Controller) ListVolumes() []core.VolumeInfo {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]core.VolumeInfo, 0, len(c.volumes))
	for _, v := range c.volumes {
		out = append(out, c.infoLocked(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthyReplicas returns where the Healthy replicas of a volume are.
func (c *Controller) HealthyReplicas(vol core.VolumeID) ([]core.ReplicaAddr, core.Error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	v, ok := c.volumes[vol]
	if !ok {
		return nil, core.ErrNoSuchVolume
	}
	var out []core.ReplicaAddr
	for _, r := range c.replicasLocked(v) {
		if r.State == core.ReplicaHealthy {
			out = append(out, c.replicaAddrLocked(r))
		}
	}
	return out, core.NoError
}

// NodeStatus returns a summary of node health.
func (c *Controller) NodeStatus() string {
	return c.mon.String()
}
