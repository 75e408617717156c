// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package snapshot manages the snapshots of volumes beyond taking them: when
// to start a new base, exporting chains to a backup target, retention, and
// restoring backups.
package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/blockvol/internal/backup"
	"github.com/westerndigitalcorporation/blockvol/internal/blockstore"
	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/replica"
	"github.com/westerndigitalcorporation/blockvol/internal/server"
	"github.com/westerndigitalcorporation/blockvol/pkg/tokenbucket"
)

var (
	opm = server.NewOpMetric("snapshot_ops", "Snapshot manager operations", "op")

	mExports = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "snapshot",
		Name:      "exports_active",
		Help:      "backup exports in progress",
	})
	mPruned = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "snapshot",
		Name:      "pruned",
		Help:      "snapshots removed by retention",
	})
)

// Controller is what the manager needs from the controller, which owns the
// snapshot DAG and knows where replicas are.
type Controller interface {
	TakeSnapshot(ctx context.Context, vol core.VolumeID, base bool) (core.SnapshotInfo, core.Error)
	Snapshots(vol core.VolumeID) ([]core.SnapshotInfo, core.Error)
	Snapshot(id core.SnapshotID) (core.SnapshotInfo, core.Error)
	ForgetSnapshot(id core.SnapshotID) core.Error
	HealthyReplicas(vol core.VolumeID) ([]core.ReplicaAddr, core.Error)
	GetVolume(vol core.VolumeID) (core.VolumeInfo, core.Error)
	ListVolumes() []core.VolumeInfo
}

// BackupJob is an export in progress.
type BackupJob struct {
	ID       core.BackupID
	Snapshot core.SnapshotID

	done chan struct{}
	err  core.Error
}

// Done is closed when the export has finished.
func (j *BackupJob) Done() <-chan struct{} {
	return j.done
}

// Err returns how the export ended. Only meaningful once Done is closed.
func (j *BackupJob) Err() core.Error {
	<-j.done
	return j.err
}

// Manager is the snapshot manager.
type Manager struct {
	cfg    Config
	c      Controller
	talker replica.Talker

	// Where StartExport sends backups. May be nil.
	target backup.Target

	// Shared by every export.
	tb *tokenbucket.TokenBucket

	// Bounds concurrent exports.
	exportSem server.Semaphore

	lock sync.Mutex
	jobs map[core.BackupID]*BackupJob

	// Snapshots being exported, which retention leaves alone.
	exporting map[core.SnapshotID]int

	stop     chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup

	getTime func() time.Time
}

// NewManager returns a new snapshot manager. Exports started through
// StartExport go to 'target'.
func NewManager(cfg Config, c Controller, t replica.Talker, target backup.Target) *Manager {
	return &Manager{
		cfg:       cfg,
		c:         c,
		talker:    t,
		target:    target,
		tb:        tokenbucket.New(cfg.ExportRate, cfg.ExportRate),
		exportSem: server.NewSemaphore(cfg.MaxConcurrentExports),
		jobs:      make(map[core.BackupID]*BackupJob),
		exporting: make(map[core.SnapshotID]int),
		stop:      make(chan struct{}),
		getTime:   time.Now,
	}
}

// Start starts the retention loop.
func (m *Manager) Start() {
	m.loops.Add(1)
	go m.pruneLoop()
}

// Close stops the retention loop. Exports in progress run to completion.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.loops.Wait()
	})
}

func (m *Manager) pruneLoop() {
	defer m.loops.Done()
	ticker := time.NewTicker(m.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Prune(context.Background(), m.getTime())
		}
	}
}

// chainLength returns how many snapshots lead from 'head' back to a base,
// both included.
func (m *Manager) chainLength(head core.SnapshotID) int {
	n := 0
	for id := head; id != ""; n++ {
		s, err := m.c.Snapshot(id)
		if err != core.NoError {
			return n
		}
		id = s.Parent
	}
	return n
}

// CreateSnapshot takes a snapshot of an attached volume. Its parent is the
// volume's head, unless the chain is long enough that it's time for a base.
func (m *Manager) CreateSnapshot(ctx context.Context, vol core.VolumeID) (info core.SnapshotInfo, err core.Error) {
	op := opm.Start("create")
	defer op.EndWithError(&err)

	v, err := m.c.GetVolume(vol)
	if err != core.NoError {
		return info, err
	}
	base := m.cfg.MaxChainLength > 0 && m.chainLength(v.Head) >= m.cfg.MaxChainLength
	if info, err = m.c.TakeSnapshot(ctx, vol, base); err != core.NoError {
		log.Errorf("snapshot of %s failed: %s", vol, err)
		return
	}
	log.Infof("snapshot %s of %s taken (base: %t)", info.ID, vol, base)
	return
}

// StartExport starts exporting a snapshot to the configured target and
// returns the ID the backup will have.
func (m *Manager) StartExport(snap core.SnapshotID) (core.BackupID, core.Error) {
	if m.target == nil {
		return "", core.ErrBackupFailed
	}
	j, err := m.ExportBackup(snap, m.target)
	if err != core.NoError {
		return "", err
	}
	return j.ID, core.NoError
}

// Job returns an export started by this manager.
func (m *Manager) Job(id core.BackupID) (*BackupJob, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

// ExportBackup starts exporting a snapshot's delta chain to 'target'. The
// chain is pulled from a Healthy replica. A failed export is logged and
// recorded in the job; it never affects the volume.
func (m *Manager) ExportBackup(snap core.SnapshotID, target backup.Target) (*BackupJob, core.Error) {
	info, err := m.c.Snapshot(snap)
	if err != core.NoError {
		return nil, err
	}
	j := &BackupJob{ID: core.NewBackupID(info.Volume), Snapshot: snap, done: make(chan struct{})}

	m.lock.Lock()
	m.jobs[j.ID] = j
	m.exporting[snap]++
	m.lock.Unlock()

	go m.export(j, info, target)
	return j, core.NoError
}

func (m *Manager) export(j *BackupJob, info core.SnapshotInfo, target backup.Target) {
	mExports.Inc()
	op := opm.Start("export")
	defer func() {
		m.lock.Lock()
		if m.exporting[info.ID]--; m.exporting[info.ID] == 0 {
			delete(m.exporting, info.ID)
		}
		m.lock.Unlock()
		mExports.Dec()
		op.EndWithError(&j.err)
		close(j.done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ExportTimeout)
	defer cancel()
	if !m.exportSem.Acquire(ctx) {
		j.err = core.ErrCanceled
		return
	}
	defer m.exportSem.Release()

	j.err = m.doExport(ctx, j, info, target)
	if j.err != core.NoError {
		log.Errorf("@@@ export of %s as %s failed: %s", info.ID, j.ID, j.err)
	} else {
		log.Infof("@@@ exported %s as %s", info.ID, j.ID)
	}
}

func (m *Manager) doExport(ctx context.Context, j *BackupJob, info core.SnapshotInfo, target backup.Target) core.Error {
	v, err := m.c.GetVolume(info.Volume)
	if err != core.NoError {
		return err
	}
	reps, err := m.c.HealthyReplicas(info.Volume)
	if err != core.NoError {
		return err
	}
	if len(reps) == 0 {
		return core.ErrNotHealthy
	}

	var chain []*core.Delta
	err = core.ErrNotHealthy
	for _, r := range reps {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
		chain, err = m.talker.Deltas(rctx, r, info.ID)
		cancel()
		if err == core.NoError {
			break
		}
		log.Errorf("export %s: couldn't get chain of %s from %s: %s", j.ID, info.ID, r.ID, err)
	}
	if err != core.NoError {
		return err
	}

	for _, d := range chain {
		if e := m.tb.Wait(ctx, float64(d.Bytes())); e != nil {
			return core.ErrCanceled
		}
	}
	b := backup.Backup{ID: j.ID, Volume: info.Volume, Snapshot: info.ID, Size: v.Size, Created: info.Created}
	return target.Put(ctx, b, chain)
}

// Prune applies retention to every volume. The head of a volume and any
// snapshot with a retained child are never pruned, nor is anything being
// exported. Deltas are deleted from replicas before the records go.
func (m *Manager) Prune(ctx context.Context, now time.Time) {
	if m.cfg.MaxCount == 0 && m.cfg.MaxAge == 0 {
		return
	}
	op := opm.Start("prune")
	defer op.End()
	for _, v := range m.c.ListVolumes() {
		m.pruneVolume(ctx, v, now)
	}
}

func (m *Manager) pruneVolume(ctx context.Context, v core.VolumeInfo, now time.Time) {
	snaps, err := m.c.Snapshots(v.ID)
	if err != core.NoError || len(snaps) == 0 {
		return
	}
	byID := make(map[core.SnapshotID]core.SnapshotInfo, len(snaps))
	for _, s := range snaps {
		byID[s.ID] = s
	}

	m.lock.Lock()
	keep := make(map[core.SnapshotID]bool)
	for i, s := range snaps {
		newest := len(snaps) - i
		switch {
		case s.ID == v.Head, m.exporting[s.ID] > 0:
			keep[s.ID] = true
		case m.cfg.MaxCount > 0 && newest > m.cfg.MaxCount:
		case m.cfg.MaxAge > 0 && now.Sub(s.Created) > m.cfg.MaxAge:
		default:
			keep[s.ID] = true
		}
	}
	m.lock.Unlock()

	// Everything a kept snapshot is built on is kept too.
	for id := range keep {
		for p := byID[id].Parent; p != ""; p = byID[p].Parent {
			if _, ok := byID[p]; !ok || keep[p] {
				break
			}
			keep[p] = true
		}
	}

	var victims []core.SnapshotInfo
	for _, s := range snaps {
		if !keep[s.ID] {
			victims = append(victims, s)
		}
	}
	if len(victims) == 0 {
		return
	}
	// Children go before their parents.
	sort.Slice(victims, func(i, j int) bool {
		if !victims[i].Created.Equal(victims[j].Created) {
			return victims[i].Created.After(victims[j].Created)
		}
		return victims[i].ID > victims[j].ID
	})

	reps, err := m.c.HealthyReplicas(v.ID)
	if err != core.NoError {
		return
	}
	for _, s := range victims {
		if !m.deleteDeltas(ctx, reps, s.ID) {
			// Parents of this one would be refused anyway.
			return
		}
		if err := m.c.ForgetSnapshot(s.ID); err != core.NoError {
			log.Errorf("failed to forget snapshot %s: %s", s.ID, err)
			return
		}
		mPruned.Inc()
		log.Infof("pruned snapshot %s of %s", s.ID, v.ID)
	}
}

// deleteDeltas removes a snapshot's delta from every replica. A replica that
// doesn't have it is fine.
func (m *Manager) deleteDeltas(ctx context.Context, reps []core.ReplicaAddr, id core.SnapshotID) bool {
	for _, r := range reps {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.RPCTimeout)
		err := m.talker.DeleteDelta(rctx, r, id)
		cancel()
		if err != core.NoError && err != core.ErrNoSuchSnapshot {
			log.Errorf("failed to delete delta %s from %s: %s", id, r.ID, err)
			return false
		}
	}
	return true
}

// RestoreBackup replays a backup into a store, which must be at least as big
// as the volume was.
func RestoreBackup(ctx context.Context, target backup.Target, id core.BackupID, store blockstore.Store) (err core.Error) {
	op := opm.Start("restore")
	defer op.EndWithError(&err)

	b, chain, err := target.Get(ctx, id)
	if err != core.NoError {
		return err
	}
	if store.Size() < b.Size {
		log.Errorf("restore of %s: store has %d bytes, backup needs %d", id, store.Size(), b.Size)
		return core.ErrCapacityExceeded
	}
	if err = store.Restore(chain); err != core.NoError {
		log.Errorf("restore of %s failed: %s", id, err)
		return err
	}
	log.Infof("@@@ restored backup %s of %s (%d deltas)", id, b.Volume, len(chain))
	return core.NoError
}
