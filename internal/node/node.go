// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package node

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/blockvol/internal/blockstore"
	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/engine"
	"github.com/westerndigitalcorporation/blockvol/internal/replica"
	"github.com/westerndigitalcorporation/blockvol/internal/server"
	"github.com/westerndigitalcorporation/blockvol/pkg/failures"
	"github.com/westerndigitalcorporation/blockvol/pkg/rpc"
)

// How long to wait for the controller to take a report.
const reportTimeout = 5 * time.Second

var (
	// Injected replica failures are keyed by replica ID, which is unique
	// across nodes, so one table serves every node in the process.
	replicaFaults     = server.NewOpFailure()
	replicaFaultsOnce sync.Once
)

// agentRegistry is implemented by talkers that reach agents in this process.
type agentRegistry interface {
	Add(a *replica.Agent)
	Remove(id core.ReplicaID)
}

// Node hosts the replica agents and engines of one machine. It does what the
// controller tells it to and reports what it has through heartbeats.
type Node struct {
	cfg Config

	// Used by engines and rebuilds to reach replicas.
	talker replica.Talker

	// Used to send heartbeats and reports to the controller.
	ct ControllerTalker

	faults *server.OpFailure

	lock    sync.Mutex
	agents  map[core.ReplicaID]*replica.Agent
	engines map[core.VolumeID]*engine.Engine

	stop     chan struct{}
	stopOnce sync.Once
}

// NewNode creates a new node agent. It doesn't serve requests or send
// heartbeats until Serve and Start are called.
func NewNode(cfg Config, t replica.Talker, ct ControllerTalker) *Node {
	n := &Node{
		cfg:     cfg,
		talker:  t,
		ct:      ct,
		faults:  replicaFaults,
		agents:  make(map[core.ReplicaID]*replica.Agent),
		engines: make(map[core.VolumeID]*engine.Engine),
		stop:    make(chan struct{}),
	}
	if cfg.UseFailure {
		replicaFaultsOnce.Do(func() {
			if err := failures.Register("replica_faults", replicaFaults.Handler); err != nil {
				log.Errorf("failed to register failure service: %s", err)
			}
		})
	}
	return n
}

// ID returns the node's identity.
func (n *Node) ID() core.NodeID {
	return n.cfg.ID
}

// Start starts sending heartbeats to the controller.
func (n *Node) Start() {
	go n.heartbeatLoop()
}

// Serve serves the node's RPC interface, metrics and the failure service on
// l. It blocks until l is closed.
func (n *Node) Serve(l net.Listener) error {
	s := rpc.NewServer()
	if err := s.RegisterName("NodeCtlHandler", newNodeCtlHandler(n)); err != nil {
		return err
	}
	if err := s.RegisterName("ReplicaSrvHandler", newReplicaSrvHandler(n)); err != nil {
		return err
	}
	s.Mux().Handle("/metrics", promhttp.Handler())
	if n.cfg.UseFailure {
		s.Mux().HandleFunc(failures.DefaultFailureServicePath, failures.ServeHTTP)
	}
	log.Infof("node %s listening on address %s", n.cfg.ID, l.Addr())
	return s.Serve(l)
}

// Close stops heartbeats, engines and agents.
func (n *Node) Close() {
	n.stopOnce.Do(func() { close(n.stop) })

	n.lock.Lock()
	engines, agents := n.engines, n.agents
	n.engines = make(map[core.VolumeID]*engine.Engine)
	n.agents = make(map[core.ReplicaID]*replica.Agent)
	n.lock.Unlock()

	for _, e := range engines {
		e.Close()
	}
	for id, a := range agents {
		n.unregister(id)
		a.Close()
	}
}

func (n *Node) register(a *replica.Agent) {
	if r, ok := n.talker.(agentRegistry); ok {
		r.Add(a)
	}
}

func (n *Node) unregister(id core.ReplicaID) {
	if r, ok := n.talker.(agentRegistry); ok {
		r.Remove(id)
	}
}

func (n *Node) replicaDir(id core.ReplicaID) string {
	return filepath.Join(n.cfg.DataDir, string(id))
}

func (n *Node) openStore(id core.ReplicaID, size int64) (blockstore.Store, core.Error) {
	if n.cfg.DataDir == "" {
		return blockstore.NewMemStore(size)
	}
	return blockstore.OpenFileStore(n.replicaDir(id), size, n.cfg.Store)
}

// Agent returns the agent serving replica 'id', or nil.
func (n *Node) Agent(id core.ReplicaID) *replica.Agent {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.agents[id]
}

// CreateReplica starts hosting a new replica. Creating a replica that's
// already here succeeds without doing anything.
func (n *Node) CreateReplica(req core.CreateReplicaReq) core.Error {
	if req.Node != n.cfg.ID || !req.Volume.Valid() || req.Size <= 0 || req.Size%core.BlockSize != 0 {
		return core.ErrInvalidArgument
	}
	if vol, err := req.Replica.Volume(); err != nil || vol != req.Volume {
		return core.ErrInvalidArgument
	}

	n.lock.Lock()
	defer n.lock.Unlock()
	if _, ok := n.agents[req.Replica]; ok {
		return core.NoError
	}
	if _, free := n.capacityLocked(); free < req.Size {
		log.Errorf("CreateReplica %s: %d bytes requested, %d free", req.Replica, req.Size, free)
		return core.ErrCapacityExceeded
	}

	store, err := n.openStore(req.Replica, req.Size)
	if err != core.NoError {
		log.Errorf("CreateReplica %s: failed to open store: %s", req.Replica, err)
		return err
	}
	a := replica.NewAgent(req.Replica, req.Volume, store, req.State, n.cfg.Replica)
	a.SetFaults(n.faults)
	n.agents[req.Replica] = a
	n.register(a)
	log.Infof("created replica %s of %s (%d bytes) as %s", req.Replica, req.Volume, req.Size, req.State)
	return core.NoError
}

// DeleteReplica stops hosting a replica and removes its data.
func (n *Node) DeleteReplica(req core.DeleteReplicaReq) core.Error {
	n.lock.Lock()
	a, ok := n.agents[req.Replica]
	delete(n.agents, req.Replica)
	n.lock.Unlock()
	if !ok {
		return core.NoError
	}

	n.unregister(req.Replica)
	a.SetState(core.ReplicaDeleted)
	a.Close()
	if n.cfg.DataDir != "" {
		if err := os.RemoveAll(n.replicaDir(req.Replica)); err != nil {
			log.Errorf("DeleteReplica %s: failed to remove data: %s", req.Replica, err)
		}
	}
	log.Infof("deleted replica %s", req.Replica)
	return core.NoError
}

// SetReplicaState moves a replica to a state decided by the controller.
func (n *Node) SetReplicaState(req core.SetReplicaStateReq) core.Error {
	a := n.Agent(req.Replica)
	if a == nil {
		return core.ErrNoSuchReplica
	}
	return a.SetState(req.State)
}

// RebuildReplica makes a Rebuilding replica pull the chain ending at req.UpTo
// from req.Source. It returns when the rebuild is done.
func (n *Node) RebuildReplica(ctx context.Context, req core.RebuildReplicaReq) core.Error {
	a := n.Agent(req.Replica)
	if a == nil {
		return core.ErrNoSuchReplica
	}
	return a.Rebuild(ctx, n.talker, req.Source, req.UpTo)
}

// StartEngine starts the engine of a volume and attaches it at req.Epoch. A
// running engine of an older epoch is replaced; one of the same epoch is
// left alone.
func (n *Node) StartEngine(ctx context.Context, req core.StartEngineReq) core.Error {
	if req.Node != n.cfg.ID {
		return core.ErrInvalidArgument
	}

	n.lock.Lock()
	old := n.engines[req.Volume]
	if old != nil {
		if ep := old.Epoch(); ep == req.Epoch {
			n.lock.Unlock()
			return core.NoError
		} else if ep > req.Epoch {
			n.lock.Unlock()
			return core.ErrStaleEpoch
		}
	}
	e := engine.New(n.cfg.Engine, req.Volume, n.cfg.ID, req.Size, req.Desired, n.talker, n)
	n.engines[req.Volume] = e
	n.lock.Unlock()

	if old != nil {
		old.Close()
	}
	if err := e.Attach(ctx, req.Replicas, req.Epoch); err != core.NoError {
		log.Errorf("StartEngine %s at epoch %d: %s", req.Volume, req.Epoch, err)
		n.lock.Lock()
		if n.engines[req.Volume] == e {
			delete(n.engines, req.Volume)
		}
		n.lock.Unlock()
		e.Close()
		return err
	}
	return core.NoError
}

// StopEngine stops the engine of a volume unless it runs a newer epoch than
// req.Epoch. A zero epoch stops any engine.
func (n *Node) StopEngine(req core.StopEngineReq) core.Error {
	n.lock.Lock()
	e := n.engines[req.Volume]
	if e == nil || (req.Epoch != 0 && e.Epoch() > req.Epoch) {
		n.lock.Unlock()
		return core.NoError
	}
	delete(n.engines, req.Volume)
	n.lock.Unlock()

	e.Close()
	return core.NoError
}

// Engine returns the engine of a volume, or nil.
func (n *Node) Engine(vol core.VolumeID) *engine.Engine {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.engines[vol]
}

// Volumes returns the volumes with an engine on this node, sorted.
func (n *Node) Volumes() []core.VolumeID {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make([]core.VolumeID, 0, len(n.engines))
	for vol := range n.engines {
		out = append(out, vol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// engineAt returns the engine of 'vol' if it runs at 'epoch'.
func (n *Node) engineAt(vol core.VolumeID, epoch core.Epoch) (*engine.Engine, core.Error) {
	e := n.Engine(vol)
	if e == nil {
		return nil, core.ErrNotAttached
	}
	if epoch != 0 && e.Epoch() != epoch {
		return nil, core.ErrStaleEpoch
	}
	return e, core.NoError
}

// EngineSnapshot takes a snapshot through a volume's engine.
func (n *Node) EngineSnapshot(ctx context.Context, req core.EngineSnapshotReq) core.Error {
	e, err := n.engineAt(req.Volume, req.Epoch)
	if err != core.NoError {
		return err
	}
	return e.Snapshot(ctx, req.Snap, req.Parent)
}

// EngineAddReplica adds a Rebuilding replica to a volume's engine.
func (n *Node) EngineAddReplica(ctx context.Context, req core.EngineReplicaReq) core.Error {
	e, err := n.engineAt(req.Volume, req.Epoch)
	if err != core.NoError {
		return err
	}
	return e.AddReplica(ctx, core.EngineReplica{Addr: req.Replica, State: core.ReplicaRebuilding})
}

// EnginePromoteReplica lets a rebuilt replica count in a volume's engine.
func (n *Node) EnginePromoteReplica(req core.EngineReplicaReq) core.Error {
	e, err := n.engineAt(req.Volume, req.Epoch)
	if err != core.NoError {
		return err
	}
	return e.PromoteReplica(req.Replica.ID)
}

// EngineRemoveReplica detaches a replica from a volume's engine.
func (n *Node) EngineRemoveReplica(req core.EngineReplicaReq) core.Error {
	e, err := n.engineAt(req.Volume, req.Epoch)
	if err != core.NoError {
		return err
	}
	if err = e.RemoveReplica(req.Replica.ID); err == core.ErrNoSuchReplica {
		return core.NoError
	}
	return err
}

// EngineStatus returns the status of a volume's engine.
func (n *Node) EngineStatus(vol core.VolumeID) (core.EngineStatus, core.Error) {
	e, err := n.engineAt(vol, 0)
	if err != core.NoError {
		return core.EngineStatus{}, err
	}
	return e.Status(), core.NoError
}

// ReportSuspect implements engine.Reporter by passing the report on to the
// controller.
func (n *Node) ReportSuspect(req core.ReportSuspectReq) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := n.ct.ReportSuspect(ctx, req); err != core.NoError {
		log.Errorf("failed to report suspect replica %s: %s", req.Replica, err)
	}
}

// Replicas returns the status of every hosted replica.
func (n *Node) Replicas() []core.ReplicaStatus {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make([]core.ReplicaStatus, 0, len(n.agents))
	for _, a := range n.agents {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// capacityLocked returns the total and free bytes for replica data. n.lock
// must be held.
func (n *Node) capacityLocked() (total, free int64) {
	if n.cfg.DataDir == "" {
		total, free = n.cfg.Capacity, n.cfg.Capacity
		for _, a := range n.agents {
			free -= a.Status().Size
		}
		return
	}
	total, free, err := blockstore.Capacity(n.cfg.DataDir)
	if err != nil {
		log.Errorf("failed to get capacity of %s: %s", n.cfg.DataDir, err)
	}
	return total, free
}

func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		n.beat()
		select {
		case <-n.stop:
			return
		case <-ticker.C:
		}
	}
}

// beat sends one heartbeat to the controller.
func (n *Node) beat() {
	n.lock.Lock()
	total, free := n.capacityLocked()
	n.lock.Unlock()

	req := core.NodeHeartbeatReq{
		Node:     n.cfg.ID,
		Addr:     n.cfg.Addr,
		Rack:     n.cfg.Rack,
		Capacity: total,
		Free:     free,
		Replicas: n.Replicas(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval)
	defer cancel()
	if err := n.ct.NodeHeartbeat(ctx, req); err != core.NoError {
		log.Errorf("failed to beat to controller: %s", err)
		return
	}
	log.V(2).Infof("beat to controller with %d replicas, %d/%d bytes free", len(req.Replicas), free, total)
}
