// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/replica"
	"github.com/westerndigitalcorporation/blockvol/internal/server"
	"github.com/westerndigitalcorporation/blockvol/pkg/retry"
)

var opm = server.NewOpMetric("engine_ops", "Volume engine operations", "op")

// Reporter receives reports about replicas that an engine stopped trusting.
// Reports are advisory: the controller decides what happens to the replica.
type Reporter interface {
	ReportSuspect(req core.ReportSuspectReq)
}

// Engine is the single write path and read router of one attached volume.
//
// Writes are numbered and queued to every writable replica under the submit
// lock, and each replica has one sender goroutine draining its queue, so
// every replica sees writes in submission order. A write is acknowledged
// once a quorum of Healthy replicas applied it. Rebuilding replicas get the
// writes too but never count.
//
// A replica that fails a request, falls too far behind, or misses too many
// pings becomes suspect: it's reported and excluded from later writes and
// reads. An ErrStaleEpoch from any replica means a newer engine exists; the
// engine fences itself and fails everything from then on.
type Engine struct {
	volume  core.VolumeID
	node    core.NodeID
	size    int64
	desired int
	cfg     Config

	talker   replica.Talker
	reporter Reporter

	// Held while submitting work to replicas and while changing the
	// replica set.
	submitLock sync.Mutex

	// Protects everything below.
	lock sync.Mutex

	epoch    core.Epoch
	seq      uint64 // last sequence number assigned
	ackedSeq uint64 // highest acknowledged write
	fenced   bool
	closed   bool
	replicas map[core.ReplicaID]*replicaConn

	// Cancelled on detach; in flight requests of the attachment stop.
	attachCtx    context.Context
	attachCancel context.CancelFunc

	senders sync.WaitGroup
	stop    chan struct{}
	pinger  sync.WaitGroup
}

// replicaConn is the engine's view of one replica.
type replicaConn struct {
	addr  core.ReplicaAddr
	state core.ReplicaState

	suspect bool
	missed  int     // consecutive failed pings
	applied uint64  // every write up to this one was applied
	latency float64 // EWMA in nanoseconds, 0 if unknown

	queue  chan task
	ctx    context.Context
	cancel context.CancelFunc
}

// op is a write or a snapshot marker, shared by all its targets.
type op struct {
	epoch core.Epoch

	seq    uint64
	offset int64
	b      []byte

	snap, parent core.SnapshotID

	w *waiter
}

func (o *op) isSnapshot() bool {
	return o.snap != ""
}

// task is an op queued for one replica. Only Healthy targets count toward
// the quorum.
type task struct {
	op     *op
	counts bool
}

// waiter collects outcomes of an op.
type waiter struct {
	lock    sync.Mutex
	need    int
	pending int
	acks    int
	fired   bool
	acked   map[core.ReplicaID]bool
	done    chan core.Error
}

func newWaiter(need, targets int) *waiter {
	return &waiter{need: need, pending: targets, acked: make(map[core.ReplicaID]bool), done: make(chan core.Error, 1)}
}

func (w *waiter) fire(err core.Error) {
	if !w.fired {
		w.fired = true
		w.done <- err
	}
}

func (w *waiter) result(id core.ReplicaID, counts bool, err core.Error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if err == core.ErrStaleEpoch {
		w.fire(err)
		return
	}
	if !counts {
		return
	}
	w.pending--
	if err == core.NoError {
		w.acks++
		w.acked[id] = true
	}
	if w.acks >= w.need {
		w.fire(core.NoError)
	} else if w.acks+w.pending < w.need {
		w.fire(core.ErrWriteFailed)
	}
}

func (w *waiter) hasAcked(id core.ReplicaID) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.acked[id]
}

// New creates an engine for 'volume' running on 'node'. It does nothing until
// it's attached.
func New(cfg Config, volume core.VolumeID, node core.NodeID, size int64, desired int, t replica.Talker, r Reporter) *Engine {
	e := &Engine{
		volume:   volume,
		node:     node,
		size:     size,
		desired:  desired,
		cfg:      cfg,
		talker:   t,
		reporter: r,
		replicas: make(map[core.ReplicaID]*replicaConn),
		stop:     make(chan struct{}),
	}
	e.attachCtx, e.attachCancel = context.WithCancel(context.Background())
	e.pinger.Add(1)
	go e.pingLoop()
	return e
}

// Volume returns the volume the engine serves.
func (e *Engine) Volume() core.VolumeID {
	return e.volume
}

// Size returns the size of the volume in bytes.
func (e *Engine) Size() int64 {
	return e.size
}

// Epoch returns the current epoch.
func (e *Engine) Epoch() core.Epoch {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.epoch
}

// Quorum returns how many Healthy acks a write needs.
func (e *Engine) Quorum() int {
	if e.cfg.QuorumOverride > 0 {
		return e.cfg.QuorumOverride
	}
	return core.Quorum(e.desired)
}

// Attach attaches the engine to 'replicas' at 'epoch', detaching it from its
// previous replica set first. The epoch must be newer than any the engine
// used before. Replicas that can't be attached are reported as suspect; the
// attach only fails if one of them already saw a newer epoch.
func (e *Engine) Attach(ctx context.Context, replicas []core.EngineReplica, epoch core.Epoch) core.Error {
	e.submitLock.Lock()
	defer e.submitLock.Unlock()

	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return core.ErrNotAttached
	}
	if epoch == 0 || epoch <= e.epoch {
		e.lock.Unlock()
		return core.ErrStaleEpoch
	}
	e.lock.Unlock()

	e.detach()

	results := make([]core.Error, len(replicas))
	var g errgroup.Group
	for i, r := range replicas {
		i, r := i, r
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
			defer cancel()
			results[i] = e.talker.Attach(actx, r.Addr, epoch)
			return nil
		})
	}
	g.Wait()

	e.lock.Lock()
	defer e.lock.Unlock()
	e.epoch, e.seq, e.ackedSeq, e.fenced = epoch, 0, 0, false
	e.attachCtx, e.attachCancel = context.WithCancel(context.Background())

	attached := 0
	for i, r := range replicas {
		if results[i] == core.ErrStaleEpoch {
			log.Errorf("@@@ %s: replica %s has seen an epoch newer than %d", e.volume, r.Addr.ID, epoch)
			e.fenced = true
			return core.ErrStaleEpoch
		}
		rc := e.newConnLocked(r)
		if results[i] != core.NoError {
			log.Errorf("%s: failed to attach replica %s at epoch %d: %s", e.volume, r.Addr.ID, epoch, results[i])
			e.markSuspectLocked(rc, results[i])
		} else {
			attached++
		}
	}
	log.Infof("@@@ %s: engine attached at epoch %d to %d/%d replicas", e.volume, epoch, attached, len(replicas))
	if attached == 0 && len(replicas) > 0 {
		return core.ErrNotHealthy
	}
	return core.NoError
}

// newConnLocked adds a replica and starts its sender. e.lock must be held.
func (e *Engine) newConnLocked(r core.EngineReplica) *replicaConn {
	rc := &replicaConn{addr: r.Addr, state: r.State, queue: make(chan task, e.cfg.QueueDepth)}
	rc.ctx, rc.cancel = context.WithCancel(e.attachCtx)
	e.replicas[r.Addr.ID] = rc
	e.senders.Add(1)
	go e.sender(rc)
	return rc
}

// detach stops all senders. Queued work fails. e.submitLock must be held.
func (e *Engine) detach() {
	e.lock.Lock()
	e.attachCancel()
	for id, rc := range e.replicas {
		rc.suspect = true
		close(rc.queue)
		delete(e.replicas, id)
	}
	e.lock.Unlock()
	e.senders.Wait()
}

// Close detaches the engine and stops it for good.
func (e *Engine) Close() {
	e.submitLock.Lock()
	defer e.submitLock.Unlock()
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		return
	}
	e.closed = true
	e.lock.Unlock()

	close(e.stop)
	e.detach()
	e.pinger.Wait()
	log.Infof("%s: engine closed", e.volume)
}

// checkUsable returns an error if the engine can't serve I/O. e.lock must be held.
func (e *Engine) checkUsableLocked() core.Error {
	switch {
	case e.fenced:
		return core.ErrStaleEpoch
	case e.closed || e.epoch == 0:
		return core.ErrNotAttached
	}
	return core.NoError
}

func (e *Engine) checkRange(offset int64, length int) core.Error {
	if !core.Aligned(offset, length) || length == 0 || length > core.MaxIOSize || offset+int64(length) > e.size {
		return core.ErrInvalidArgument
	}
	return core.NoError
}

// Write writes 'b' at 'offset' and returns once a quorum of Healthy replicas
// applied it. A write that fails or times out may still have landed on some
// replicas.
func (e *Engine) Write(ctx context.Context, offset int64, b []byte) (err core.Error) {
	mo := opm.Start("write")
	defer mo.EndWithError(&err)

	if err = e.checkRange(offset, len(b)); err != core.NoError {
		return
	}
	o := &op{offset: offset, b: b}
	if err = e.submit(o, true); err != core.NoError {
		return
	}
	if err = e.wait(ctx, o); err == core.NoError {
		e.lock.Lock()
		if o.seq > e.ackedSeq {
			e.ackedSeq = o.seq
		}
		e.lock.Unlock()
	}
	return
}

// Snapshot takes snapshot 'id' with parent 'parent' on every Healthy
// replica, ordered after every write submitted before it. It succeeds once a
// quorum of Healthy replicas took it.
func (e *Engine) Snapshot(ctx context.Context, id, parent core.SnapshotID) (err core.Error) {
	mo := opm.Start("snapshot")
	defer mo.EndWithError(&err)

	if id == "" {
		return core.ErrInvalidArgument
	}
	o := &op{snap: id, parent: parent}
	if err = e.submit(o, false); err != core.NoError {
		return
	}
	if err = e.wait(ctx, o); err == core.NoError {
		log.Infof("%s: took snapshot %s (parent %q)", e.volume, id, parent)
	}
	return
}

// submit numbers 'op' and queues it to its targets: every writable replica
// for a write, only Healthy ones otherwise.
func (e *Engine) submit(o *op, write bool) core.Error {
	e.submitLock.Lock()
	defer e.submitLock.Unlock()
	e.lock.Lock()
	defer e.lock.Unlock()

	if err := e.checkUsableLocked(); err != core.NoError {
		return err
	}

	var targets []*replicaConn
	healthy := 0
	for _, rc := range e.replicas {
		if rc.suspect || !rc.state.Writable() || (!write && rc.state != core.ReplicaHealthy) {
			continue
		}
		targets = append(targets, rc)
		if rc.state == core.ReplicaHealthy {
			healthy++
		}
	}
	need := e.Quorum()
	if healthy < need {
		log.Errorf("%s: only %d healthy replicas, need %d", e.volume, healthy, need)
		return core.ErrWriteFailed
	}

	if write {
		e.seq++
		o.seq = e.seq
	}
	o.epoch = e.epoch
	o.w = newWaiter(need, healthy)
	for _, rc := range targets {
		t := task{op: o, counts: rc.state == core.ReplicaHealthy}
		select {
		case rc.queue <- t:
		default:
			log.Errorf("%s: replica %s is too far behind", e.volume, rc.addr.ID)
			e.markSuspectLocked(rc, core.ErrTooBusy)
			o.w.result(rc.addr.ID, t.counts, core.ErrTooBusy)
		}
	}
	return core.NoError
}

// wait waits for the outcome of a submitted op.
func (e *Engine) wait(ctx context.Context, o *op) core.Error {
	timer := time.NewTimer(e.cfg.WriteTimeout)
	defer timer.Stop()

	select {
	case err := <-o.w.done:
		if err == core.ErrStaleEpoch {
			e.fence()
		}
		return err
	case <-timer.C:
		e.reportLaggards(o)
		return core.ErrWriteFailed
	case <-ctx.Done():
		return core.FromError(ctx.Err())
	}
}

// reportLaggards marks every Healthy target that didn't ack 'o' suspect.
func (e *Engine) reportLaggards(o *op) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, rc := range e.replicas {
		if rc.state == core.ReplicaHealthy && !rc.suspect && !o.w.hasAcked(rc.addr.ID) {
			log.Errorf("%s: replica %s didn't ack seq %d in time", e.volume, rc.addr.ID, o.seq)
			e.markSuspectLocked(rc, core.ErrWriteFailed)
		}
	}
}

// sender delivers queued work to one replica, in order.
func (e *Engine) sender(rc *replicaConn) {
	defer e.senders.Done()
	for t := range rc.queue {
		e.lock.Lock()
		suspect := rc.suspect
		e.lock.Unlock()
		if suspect {
			t.op.w.result(rc.addr.ID, t.counts, core.ErrNotHealthy)
			continue
		}

		start := time.Now()
		err := e.deliver(rc, t.op)

		e.lock.Lock()
		switch err {
		case core.NoError:
			rc.observe(time.Since(start))
			if !t.op.isSnapshot() {
				rc.applied = t.op.seq
			}
		case core.ErrStaleEpoch:
			log.Errorf("@@@ %s: replica %s rejected epoch %d", e.volume, rc.addr.ID, t.op.epoch)
			e.fenced = true
		default:
			e.markSuspectLocked(rc, err)
		}
		e.lock.Unlock()
		t.op.w.result(rc.addr.ID, t.counts, err)
	}
}

// deliver sends 'o' to a replica, resending on transient errors for up to
// the retry window. Resends are safe since replicas ignore duplicate seqs.
func (e *Engine) deliver(rc *replicaConn, o *op) (err core.Error) {
	r := retry.Retrier{MinSleep: e.cfg.RetrySleep, MaxSleep: 10 * e.cfg.RetrySleep, MaxRetry: e.cfg.WriteRetryWindow}
	_, cancelled := r.Do(rc.ctx, func(i int) bool {
		ctx, cancel := context.WithTimeout(rc.ctx, e.cfg.WriteTimeout)
		defer cancel()
		if o.isSnapshot() {
			err = e.talker.Snapshot(ctx, rc.addr, o.epoch, o.snap, o.parent)
		} else {
			err = e.talker.Write(ctx, rc.addr, &core.ReplicaWriteReq{Epoch: o.epoch, Seq: o.seq, Offset: o.offset, B: o.b})
		}
		switch err {
		case core.ErrRPC, core.ErrTooBusy, core.ErrCanceled:
			log.V(1).Infof("%s: attempt %d to %s failed: %s", e.volume, i+1, rc.addr.ID, err)
			return false
		}
		return true
	})
	if cancelled {
		err = core.ErrCanceled
	}
	return
}

// observe folds a latency sample into the EWMA.
func (rc *replicaConn) observe(d time.Duration) {
	if rc.latency == 0 {
		rc.latency = float64(d)
	} else {
		rc.latency = 0.8*rc.latency + 0.2*float64(d)
	}
}

// markSuspectLocked excludes a replica and reports it. e.lock must be held.
func (e *Engine) markSuspectLocked(rc *replicaConn, err core.Error) {
	if rc.suspect {
		return
	}
	rc.suspect = true
	log.Errorf("@@@ %s: replica %s is suspect: %s", e.volume, rc.addr.ID, err)
	if e.reporter != nil {
		req := core.ReportSuspectReq{Volume: e.volume, Epoch: e.epoch, Replica: rc.addr.ID, Err: err}
		go e.reporter.ReportSuspect(req)
	}
}

func (e *Engine) fence() {
	e.lock.Lock()
	defer e.lock.Unlock()
	if !e.fenced {
		log.Errorf("@@@ %s: engine at epoch %d is fenced", e.volume, e.epoch)
		e.fenced = true
	}
}

// Read reads from the best replica that has every acknowledged write,
// falling back to the next best ones on failure.
func (e *Engine) Read(ctx context.Context, offset int64, length int) (b []byte, err core.Error) {
	mo := opm.Start("read")
	defer mo.EndWithError(&err)

	if err = e.checkRange(offset, length); err != core.NoError {
		return nil, err
	}
	e.lock.Lock()
	if err = e.checkUsableLocked(); err != core.NoError {
		e.lock.Unlock()
		return nil, err
	}
	candidates := e.readCandidatesLocked()
	e.lock.Unlock()

	for _, addr := range candidates {
		start := time.Now()
		rctx, cancel := context.WithTimeout(ctx, e.cfg.ReadTimeout)
		b, err = e.talker.Read(rctx, addr, offset, length)
		cancel()
		if err == core.NoError {
			e.lock.Lock()
			if rc := e.replicas[addr.ID]; rc != nil {
				rc.observe(time.Since(start))
			}
			e.lock.Unlock()
			return b, core.NoError
		}
		log.Errorf("%s: read from %s failed: %s", e.volume, addr.ID, err)
		if ctx.Err() != nil {
			return nil, core.FromError(ctx.Err())
		}
		if err == core.ErrIOFault {
			e.lock.Lock()
			if rc := e.replicas[addr.ID]; rc != nil {
				e.markSuspectLocked(rc, err)
			}
			e.lock.Unlock()
		}
	}
	return nil, core.ErrReadFailed
}

// readCandidatesLocked orders the replicas reads may use: same node first,
// then by observed latency, unmeasured ones last in random order.
func (e *Engine) readCandidatesLocked() []core.ReplicaAddr {
	var cands []*replicaConn
	for _, rc := range e.replicas {
		if rc.state == core.ReplicaHealthy && !rc.suspect && rc.applied >= e.ackedSeq {
			cands = append(cands, rc)
		}
	}
	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if la, lb := a.addr.Node == e.node, b.addr.Node == e.node; la != lb {
			return la
		}
		if (a.latency == 0) != (b.latency == 0) {
			return b.latency == 0
		}
		return a.latency < b.latency
	})
	addrs := make([]core.ReplicaAddr, len(cands))
	for i, rc := range cands {
		addrs[i] = rc.addr
	}
	return addrs
}

// AddReplica attaches a replica at the current epoch and starts sending it
// every write submitted from now on. Adding a replica that's already
// attached and trusted does nothing.
func (e *Engine) AddReplica(ctx context.Context, r core.EngineReplica) core.Error {
	e.submitLock.Lock()
	defer e.submitLock.Unlock()

	e.lock.Lock()
	if err := e.checkUsableLocked(); err != core.NoError {
		e.lock.Unlock()
		return err
	}
	if rc, ok := e.replicas[r.Addr.ID]; ok {
		suspect := rc.suspect
		e.lock.Unlock()
		if suspect {
			return core.ErrNotHealthy
		}
		return core.NoError
	}
	epoch := e.epoch
	e.lock.Unlock()

	actx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()
	if err := e.talker.Attach(actx, r.Addr, epoch); err != core.NoError {
		if err == core.ErrStaleEpoch {
			e.fence()
		}
		return err
	}

	e.lock.Lock()
	e.newConnLocked(r)
	e.lock.Unlock()
	log.Infof("%s: added replica %s as %s", e.volume, r.Addr.ID, r.State)
	return core.NoError
}

// PromoteReplica lets a rebuilt replica count toward the quorum and serve reads.
func (e *Engine) PromoteReplica(id core.ReplicaID) core.Error {
	e.lock.Lock()
	defer e.lock.Unlock()
	rc, ok := e.replicas[id]
	if !ok {
		return core.ErrNoSuchReplica
	}
	if rc.suspect {
		return core.ErrNotHealthy
	}
	if rc.state != core.ReplicaHealthy {
		log.Infof("%s: promoting replica %s", e.volume, id)
		rc.state = core.ReplicaHealthy
	}
	return core.NoError
}

// RemoveReplica stops sending anything to a replica.
func (e *Engine) RemoveReplica(id core.ReplicaID) core.Error {
	e.submitLock.Lock()
	defer e.submitLock.Unlock()
	e.lock.Lock()
	defer e.lock.Unlock()
	rc, ok := e.replicas[id]
	if !ok {
		return core.ErrNoSuchReplica
	}
	rc.suspect = true
	rc.cancel()
	close(rc.queue)
	delete(e.replicas, id)
	log.Infof("%s: removed replica %s", e.volume, id)
	return core.NoError
}

// Status returns the engine's view of itself and its replicas.
func (e *Engine) Status() core.EngineStatus {
	e.lock.Lock()
	defer e.lock.Unlock()
	st := core.EngineStatus{
		Volume:   e.volume,
		Node:     e.node,
		Epoch:    e.epoch,
		Desired:  e.desired,
		Fenced:   e.fenced,
		AckedSeq: e.ackedSeq,
	}
	for _, rc := range e.replicas {
		st.Replicas = append(st.Replicas, core.EngineReplicaStatus{
			ID:      rc.addr.ID,
			State:   rc.state,
			Suspect: rc.suspect,
			Applied: rc.applied,
			Latency: int64(rc.latency),
		})
	}
	sort.Slice(st.Replicas, func(i, j int) bool { return st.Replicas[i].ID < st.Replicas[j].ID })
	return st
}

// pingLoop checks on replicas that aren't suspect yet.
func (e *Engine) pingLoop() {
	defer e.pinger.Done()
	ticker := time.NewTicker(e.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.pingAll()
		}
	}
}

func (e *Engine) pingAll() {
	e.lock.Lock()
	if e.checkUsableLocked() != core.NoError {
		e.lock.Unlock()
		return
	}
	epoch, ctx := e.epoch, e.attachCtx
	var targets []*replicaConn
	for _, rc := range e.replicas {
		if !rc.suspect {
			targets = append(targets, rc)
		}
	}
	e.lock.Unlock()

	var g errgroup.Group
	for _, rc := range targets {
		rc := rc
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, e.cfg.PingTimeout)
			defer cancel()
			start := time.Now()
			_, err := e.talker.Ping(pctx, rc.addr, epoch)

			e.lock.Lock()
			defer e.lock.Unlock()
			switch err {
			case core.NoError:
				rc.missed = 0
				rc.observe(time.Since(start))
			case core.ErrStaleEpoch:
				if !e.fenced {
					log.Errorf("@@@ %s: replica %s rejected ping at epoch %d", e.volume, rc.addr.ID, epoch)
					e.fenced = true
				}
			default:
				rc.missed++
				log.V(1).Infof("%s: replica %s missed ping %d: %s", e.volume, rc.addr.ID, rc.missed, err)
				if rc.missed >= e.cfg.MissedHeartbeats {
					e.markSuspectLocked(rc, core.ErrNodeUnreachable)
				}
			}
			return nil
		})
	}
	g.Wait()
}
