// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package blockstore

import (
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// Store persists the fixed-size blocks of one replica and keeps a catalog of
// the snapshot deltas taken on it.
//
// Every write is stamped with a store-local sequence number. A snapshot
// captures the blocks whose sequence is newer than its parent's, which makes
// the delta a function of the block state at capture time only.
type Store interface {
	// Write applies data at offset. Both must be block aligned.
	Write(offset int64, data []byte) core.Error

	// Read returns length bytes at offset. Never written blocks read as zeros.
	Read(offset int64, length int) ([]byte, core.Error)

	// Snapshot captures the blocks changed since 'parent' (all written blocks
	// if parent is empty or unknown locally) and records the delta as 'id'.
	// It is atomic with respect to concurrent writes.
	Snapshot(id, parent core.SnapshotID) (*core.Delta, core.Error)

	// Restore replays an ordered chain of deltas, base first. Blocks written
	// to the store before Restore are newer than anything in the chain and
	// are kept.
	Restore(chain []*core.Delta) core.Error

	// Deltas returns the chain from a base up to and including 'upTo'.
	Deltas(upTo core.SnapshotID) ([]*core.Delta, core.Error)

	// DeleteDelta removes a delta from the catalog. A delta that's the parent
	// of another cataloged delta can't be removed.
	DeleteDelta(id core.SnapshotID) core.Error

	// Snapshots lists the cataloged snapshot IDs.
	Snapshots() []core.SnapshotID

	// Size returns the size of the store in bytes.
	Size() int64

	// Close releases all resources. Every later call returns ErrStoreClosed.
	Close() core.Error
}

// backend is where a LocalStore keeps its bytes.
type backend interface {
	// load returns the persisted sequence of every written block and the
	// catalog of deltas (without block data).
	load() (map[int64]uint64, map[core.SnapshotID]deltaMeta, error)

	// readBlock fills b with the contents of a written block.
	readBlock(idx int64, b []byte) error

	// writeBlock stores data for a block along with its sequence.
	writeBlock(idx int64, data []byte, seq uint64) error

	// setSeq changes the sequence of an already written block.
	setSeq(idx int64, seq uint64) error

	putDelta(d *core.Delta) error
	getDelta(id core.SnapshotID) (*core.Delta, error)
	deleteDelta(id core.SnapshotID) error

	// hasRoom returns whether a new block can be allocated.
	hasRoom() bool

	close() error
}

// deltaMeta is the in-memory catalog entry for a delta.
type deltaMeta struct {
	parent    core.SnapshotID
	requested core.SnapshotID
	seq       uint64
}

func metaOf(d *core.Delta) deltaMeta {
	return deltaMeta{parent: d.Parent, requested: d.RequestedParent, seq: d.Seq}
}

// matches reports whether a request with parent could have produced the
// delta.
func (m deltaMeta) matches(parent core.SnapshotID) bool {
	if m.requested != "" {
		return parent == m.requested
	}
	return parent == m.parent
}

// LocalStore implements Store on top of a backend.
type LocalStore struct {
	// Writes and snapshots take this exclusively, reads take it shared.
	lock sync.RWMutex

	size   int64
	be     backend
	closed bool

	// Sequence of every written block.
	seqs map[int64]uint64

	// Last sequence handed out.
	seq uint64

	deltas map[core.SnapshotID]deltaMeta
}

func newLocalStore(size int64, be backend) (*LocalStore, core.Error) {
	if size <= 0 || size%core.BlockSize != 0 {
		return nil, core.ErrInvalidArgument
	}
	seqs, deltas, err := be.load()
	if err != nil {
		log.Errorf("failed to load block store: %s", err)
		return nil, toVolError(err)
	}
	s := &LocalStore{size: size, be: be, seqs: seqs, deltas: deltas}
	for _, q := range seqs {
		if q > s.seq {
			s.seq = q
		}
	}
	for _, m := range deltas {
		if m.seq > s.seq {
			s.seq = m.seq
		}
	}
	return s, core.NoError
}

// NewMemStore returns a store of the given size that keeps everything in memory.
func NewMemStore(size int64) (*LocalStore, core.Error) {
	return newLocalStore(size, newMemBackend())
}

// checkRange validates an I/O range and returns the first block and block count.
func (s *LocalStore) checkRange(offset int64, length int) (int64, int, core.Error) {
	if !core.Aligned(offset, length) || length > core.MaxIOSize {
		return 0, 0, core.ErrInvalidArgument
	}
	if offset+int64(length) > s.size {
		return 0, 0, core.ErrCapacityExceeded
	}
	return offset / core.BlockSize, length / core.BlockSize, core.NoError
}

// Write implements Store.
func (s *LocalStore) Write(offset int64, data []byte) core.Error {
	first, n, err := s.checkRange(offset, len(data))
	if err != core.NoError {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}

	for i := 0; i < n; i++ {
		if _, ok := s.seqs[first+int64(i)]; !ok && !s.be.hasRoom() {
			return core.ErrCapacityExceeded
		}
	}

	s.seq++
	for i := 0; i < n; i++ {
		idx := first + int64(i)
		if e := s.be.writeBlock(idx, data[i*core.BlockSize:(i+1)*core.BlockSize], s.seq); e != nil {
			log.Errorf("write of block %d failed: %s", idx, e)
			return toVolError(e)
		}
		s.seqs[idx] = s.seq
	}
	return core.NoError
}

// Read implements Store.
func (s *LocalStore) Read(offset int64, length int) ([]byte, core.Error) {
	first, n, err := s.checkRange(offset, length)
	if err != core.NoError {
		return nil, err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}

	b := make([]byte, length)
	for i := 0; i < n; i++ {
		idx := first + int64(i)
		if _, ok := s.seqs[idx]; !ok {
			continue
		}
		if e := s.be.readBlock(idx, b[i*core.BlockSize:(i+1)*core.BlockSize]); e != nil {
			log.Errorf("read of block %d failed: %s", idx, e)
			return nil, toVolError(e)
		}
	}
	return b, core.NoError
}

// Snapshot implements Store.
func (s *LocalStore) Snapshot(id, parent core.SnapshotID) (*core.Delta, core.Error) {
	if id == "" || id == parent {
		return nil, core.ErrInvalidArgument
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}

	// A retried snapshot request gets the delta that was already taken.
	if m, ok := s.deltas[id]; ok {
		if !m.matches(parent) {
			return nil, core.ErrInvalidArgument
		}
		d, e := s.be.getDelta(id)
		if e != nil || d == nil {
			return nil, core.ErrCorruptData
		}
		return d, core.NoError
	}

	var since uint64
	var requested core.SnapshotID
	if parent != "" {
		if m, ok := s.deltas[parent]; ok {
			since = m.seq
		} else {
			// Without the parent here the delta has to be a base, or the
			// chain ending at it couldn't be replayed.
			log.Infof("snapshot %s: parent %s not cataloged here, capturing all blocks", id, parent)
			requested, parent = parent, ""
		}
	}

	d := &core.Delta{ID: id, Parent: parent, RequestedParent: requested, Seq: s.seq, Created: time.Now(), Blocks: make(map[int64][]byte)}
	for idx, q := range s.seqs {
		if q <= since {
			continue
		}
		b := make([]byte, core.BlockSize)
		if e := s.be.readBlock(idx, b); e != nil {
			log.Errorf("snapshot %s: read of block %d failed: %s", id, idx, e)
			return nil, toVolError(e)
		}
		d.Blocks[idx] = b
	}

	if e := s.be.putDelta(d); e != nil {
		log.Errorf("snapshot %s: failed to persist delta: %s", id, e)
		return nil, toVolError(e)
	}
	s.deltas[id] = metaOf(d)
	log.V(1).Infof("snapshot %s (parent %q): %d blocks", id, parent, len(d.Blocks))
	return d, core.NoError
}

// Restore implements Store.
func (s *LocalStore) Restore(chain []*core.Delta) core.Error {
	if len(chain) == 0 {
		return core.NoError
	}
	if chain[0].Parent != "" {
		return core.ErrInvalidArgument
	}
	for i := 1; i < len(chain); i++ {
		if chain[i].Parent != chain[i-1].ID {
			return core.ErrInvalidArgument
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}

	live := make(map[int64]bool, len(s.seqs))
	for idx := range s.seqs {
		live[idx] = true
	}

	for _, d := range chain {
		if _, ok := s.deltas[d.ID]; ok {
			// Already have it, which means we already have what it describes.
			continue
		}
		s.seq++
		for idx, b := range d.Blocks {
			if idx < 0 || (idx+1)*core.BlockSize > s.size || len(b) != core.BlockSize {
				return core.ErrCapacityExceeded
			}
			if live[idx] {
				continue
			}
			if e := s.be.writeBlock(idx, b, s.seq); e != nil {
				log.Errorf("restore of %s: write of block %d failed: %s", d.ID, idx, e)
				return toVolError(e)
			}
			s.seqs[idx] = s.seq
		}
		local := *d
		local.Seq = s.seq
		if e := s.be.putDelta(&local); e != nil {
			return toVolError(e)
		}
		s.deltas[d.ID] = metaOf(&local)
	}

	// Blocks written during the replay must show up in the next delta.
	if len(live) > 0 {
		s.seq++
		for idx := range live {
			if e := s.be.setSeq(idx, s.seq); e != nil {
				return toVolError(e)
			}
			s.seqs[idx] = s.seq
		}
	}
	log.Infof("restored %d deltas, kept %d newer blocks", len(chain), len(live))
	return core.NoError
}

// Deltas implements Store.
func (s *LocalStore) Deltas(upTo core.SnapshotID) ([]*core.Delta, core.Error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, core.ErrStoreClosed
	}

	var chain []*core.Delta
	for id := upTo; id != ""; {
		m, ok := s.deltas[id]
		if !ok {
			return nil, core.ErrNoSuchSnapshot
		}
		d, e := s.be.getDelta(id)
		if e != nil {
			return nil, toVolError(e)
		}
		if d == nil {
			return nil, core.ErrNoSuchSnapshot
		}
		chain = append(chain, d)
		id = m.parent
		if len(chain) > len(s.deltas) {
			log.Errorf("cycle in delta catalog at %s", id)
			return nil, core.ErrCorruptData
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, core.NoError
}

// DeleteDelta implements Store.
func (s *LocalStore) DeleteDelta(id core.SnapshotID) core.Error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return core.ErrStoreClosed
	}
	if _, ok := s.deltas[id]; !ok {
		return core.ErrNoSuchSnapshot
	}
	for child, m := range s.deltas {
		if m.parent == id {
			log.Errorf("not deleting delta %s, %s depends on it", id, child)
			return core.ErrInvalidState
		}
	}
	if e := s.be.deleteDelta(id); e != nil {
		return toVolError(e)
	}
	delete(s.deltas, id)
	return core.NoError
}

// Snapshots implements Store.
func (s *LocalStore) Snapshots() []core.SnapshotID {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]core.SnapshotID, 0, len(s.deltas))
	for id := range s.deltas {
		out = append(out, id)
	}
	return out
}

// Size implements Store.
func (s *LocalStore) Size() int64 {
	return s.size
}

// Close implements Store.
func (s *LocalStore) Close() core.Error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return core.NoError
	}
	s.closed = true
	return toVolError(s.be.close())
}
