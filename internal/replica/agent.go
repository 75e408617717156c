// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package replica

import (
	"context"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/blockstore"
	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/server"
	"github.com/westerndigitalcorporation/blockvol/pkg/retry"
	"github.com/westerndigitalcorporation/blockvol/pkg/tokenbucket"
)

// Agent serves one replica of a volume on top of a block store.
//
// The agent fences engines by epoch: once it has accepted a request at epoch
// E, it rejects anything tagged with an epoch below E with ErrStaleEpoch.
// Writes are applied one at a time in arrival order.
//
// The agent never decides its own state; the controller does, and tells it
// through SetState. An I/O fault that survives the retries is returned to the
// caller, and the controller decides whether the replica has failed.
type Agent struct {
	id     core.ReplicaID
	volume core.VolumeID
	store  blockstore.Store
	cfg    Config

	// Injected failures, keyed by replica ID. May be nil.
	faults *server.OpFailure

	// Limits how fast a rebuild pulls data.
	rebuildRate *tokenbucket.TokenBucket

	// Serializes writes, snapshots and state changes.
	lock sync.Mutex

	state core.ReplicaState

	// Highest epoch accepted, and the last engine sequence number applied
	// under it.
	epoch      core.Epoch
	appliedSeq uint64
}

// NewAgent returns an agent serving 'store' as replica 'id' of 'volume'.
func NewAgent(id core.ReplicaID, volume core.VolumeID, store blockstore.Store, state core.ReplicaState, cfg Config) *Agent {
	return &Agent{
		id:          id,
		volume:      volume,
		store:       store,
		cfg:         cfg,
		state:       state,
		rebuildRate: tokenbucket.New(float64(cfg.RebuildRate), float64(cfg.RebuildRate)),
	}
}

// ID returns the replica ID.
func (a *Agent) ID() core.ReplicaID {
	return a.id
}

// SetFaults sets where the agent looks up injected failures.
func (a *Agent) SetFaults(f *server.OpFailure) {
	a.faults = f
}

func (a *Agent) injected() core.Error {
	if a.faults == nil {
		return core.NoError
	}
	return a.faults.Get(string(a.id))
}

// checkEpoch validates 'epoch' and adopts it if it's newer. Must be called
// with the lock held. A zero epoch is never valid for data operations.
func (a *Agent) checkEpoch(epoch core.Epoch) core.Error {
	if epoch == 0 {
		return core.ErrInvalidArgument
	}
	if epoch < a.epoch {
		log.Errorf("%s: rejecting epoch %d, have seen %d", a.id, epoch, a.epoch)
		return core.ErrStaleEpoch
	}
	if epoch > a.epoch {
		log.Infof("%s: epoch %d -> %d", a.id, a.epoch, epoch)
		a.epoch = epoch
		a.appliedSeq = 0
	}
	return core.NoError
}

// withIORetries runs op, retrying it while it fails with ErrIOFault.
func (a *Agent) withIORetries(op func() core.Error) (err core.Error) {
	r := retry.Retrier{MinSleep: a.cfg.IORetrySleep, MaxSleep: 10 * a.cfg.IORetrySleep, MaxNumRetries: a.cfg.IORetries + 1}
	r.Do(context.Background(), func(i int) bool {
		if err = op(); err == core.ErrIOFault {
			log.Errorf("%s: I/O fault on attempt %d", a.id, i+1)
			return false
		}
		return true
	})
	return
}

// Attach raises the agent's epoch to 'epoch'.
func (a *Agent) Attach(epoch core.Epoch) core.Error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state == core.ReplicaDeleted {
		return core.ErrNoSuchReplica
	}
	return a.checkEpoch(epoch)
}

// Write applies an engine write.
func (a *Agent) Write(req *core.ReplicaWriteReq) core.Error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if err := a.checkEpoch(req.Epoch); err != core.NoError {
		return err
	}
	if !a.state.Writable() {
		return core.ErrNotHealthy
	}
	if req.Seq != 0 && req.Seq <= a.appliedSeq {
		// A resend of something we already applied. Nothing after it was
		// sent to us yet, so there's nothing to redo.
		log.V(1).Infof("%s: duplicate write seq %d (applied %d)", a.id, req.Seq, a.appliedSeq)
		return core.NoError
	}
	if err := a.injected(); err != core.NoError {
		return err
	}

	err := a.withIORetries(func() core.Error { return a.store.Write(req.Offset, req.B) })
	if err != core.NoError {
		return err
	}
	if req.Seq != 0 {
		a.appliedSeq = req.Seq
	}
	return core.NoError
}

// Read reads from the replica. Only healthy replicas serve reads.
func (a *Agent) Read(offset int64, length int) ([]byte, core.Error) {
	a.lock.Lock()
	state := a.state
	a.lock.Unlock()
	if state != core.ReplicaHealthy {
		return nil, core.ErrNotHealthy
	}
	if err := a.injected(); err != core.NoError {
		return nil, err
	}

	var b []byte
	err := a.withIORetries(func() (e core.Error) {
		b, e = a.store.Read(offset, length)
		return
	})
	return b, err
}

// Snapshot takes a snapshot ordered with respect to writes from the engine.
func (a *Agent) Snapshot(epoch core.Epoch, id, parent core.SnapshotID) core.Error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if err := a.checkEpoch(epoch); err != core.NoError {
		return err
	}
	if a.state != core.ReplicaHealthy {
		return core.ErrNotHealthy
	}
	if err := a.injected(); err != core.NoError {
		return err
	}
	_, err := a.store.Snapshot(id, parent)
	return err
}

// Deltas returns the delta chain ending at upTo.
func (a *Agent) Deltas(upTo core.SnapshotID) ([]*core.Delta, core.Error) {
	if a.State() == core.ReplicaDeleted {
		return nil, core.ErrNoSuchReplica
	}
	return a.store.Deltas(upTo)
}

// DeleteDelta removes a delta from the replica's catalog.
func (a *Agent) DeleteDelta(id core.SnapshotID) core.Error {
	return a.store.DeleteDelta(id)
}

// Ping returns the status of the replica. A non-zero epoch is checked like
// any other request, so a fenced engine finds out even when it's idle.
func (a *Agent) Ping(epoch core.Epoch) (core.ReplicaStatus, core.Error) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if epoch != 0 && epoch < a.epoch {
		return a.statusLocked(), core.ErrStaleEpoch
	}
	return a.statusLocked(), a.injected()
}

// Status returns the status of the replica.
func (a *Agent) Status() core.ReplicaStatus {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.statusLocked()
}

func (a *Agent) statusLocked() core.ReplicaStatus {
	return core.ReplicaStatus{
		ID:         a.id,
		Volume:     a.volume,
		State:      a.state,
		Epoch:      a.epoch,
		AppliedSeq: a.appliedSeq,
		Size:       a.store.Size(),
	}
}

// State returns the current state.
func (a *Agent) State() core.ReplicaState {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

// SetState moves the replica to a new state. Deleted is terminal.
func (a *Agent) SetState(s core.ReplicaState) core.Error {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state == core.ReplicaDeleted && s != core.ReplicaDeleted {
		return core.ErrInvalidState
	}
	if a.state != s {
		log.Infof("%s: %s -> %s", a.id, a.state, s)
		a.state = s
	}
	return core.NoError
}

// Rebuild pulls the delta chain ending at 'upTo' from 'src' and replays it.
// Writes keep arriving while this runs; the store keeps them over older
// replayed data. The replica must be Rebuilding; the controller promotes it
// afterwards.
func (a *Agent) Rebuild(ctx context.Context, t Talker, src core.ReplicaAddr, upTo core.SnapshotID) core.Error {
	if a.State() != core.ReplicaRebuilding {
		return core.ErrInvalidState
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RebuildTimeout)
	defer cancel()

	log.Infof("%s: rebuilding from %s up to %s", a.id, src.ID, upTo)
	chain, err := t.Deltas(ctx, src, upTo)
	if err != core.NoError {
		log.Errorf("%s: failed to fetch chain from %s: %s", a.id, src.ID, err)
		return err
	}
	var total int64
	for _, d := range chain {
		total += d.Bytes()
	}
	if e := a.rebuildRate.Wait(ctx, float64(total)); e != nil {
		return core.ErrCanceled
	}
	if err = a.store.Restore(chain); err != core.NoError {
		log.Errorf("%s: restore failed: %s", a.id, err)
		return err
	}
	log.Infof("%s: rebuilt %d deltas (%d bytes) from %s", a.id, len(chain), total, src.ID)
	return core.NoError
}

// Close closes the store.
func (a *Agent) Close() core.Error {
	return a.store.Close()
}
