// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package blockstore

import (
	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// memBackend keeps blocks and deltas in maps. The LocalStore lock protects it.
type memBackend struct {
	blocks map[int64][]byte
	seqs   map[int64]uint64
	deltas map[core.SnapshotID]*core.Delta

	// Maximum number of blocks, zero for no limit. Tests use it to simulate a
	// full disk.
	maxBlocks int
}

func newMemBackend() *memBackend {
	return &memBackend{
		blocks: make(map[int64][]byte),
		seqs:   make(map[int64]uint64),
		deltas: make(map[core.SnapshotID]*core.Delta),
	}
}

func (m *memBackend) load() (map[int64]uint64, map[core.SnapshotID]deltaMeta, error) {
	seqs := make(map[int64]uint64, len(m.seqs))
	for k, v := range m.seqs {
		seqs[k] = v
	}
	deltas := make(map[core.SnapshotID]deltaMeta, len(m.deltas))
	for id, d := range m.deltas {
		deltas[id] = metaOf(d)
	}
	return seqs, deltas, nil
}

func (m *memBackend) readBlock(idx int64, b []byte) error {
	copy(b, m.blocks[idx])
	return nil
}

func (m *memBackend) writeBlock(idx int64, data []byte, seq uint64) error {
	b, ok := m.blocks[idx]
	if !ok {
		b = make([]byte, core.BlockSize)
		m.blocks[idx] = b
	}
	copy(b, data)
	m.seqs[idx] = seq
	return nil
}

func (m *memBackend) setSeq(idx int64, seq uint64) error {
	m.seqs[idx] = seq
	return nil
}

// Deltas are immutable, so handing out the same one is fine as long as we
// copy on the way in.
func (m *memBackend) putDelta(d *core.Delta) error {
	c := *d
	c.Blocks = make(map[int64][]byte, len(d.Blocks))
	for idx, b := range d.Blocks {
		c.Blocks[idx] = append([]byte(nil), b...)
	}
	m.deltas[d.ID] = &c
	return nil
}

func (m *memBackend) getDelta(id core.SnapshotID) (*core.Delta, error) {
	return m.deltas[id], nil
}

func (m *memBackend) deleteDelta(id core.SnapshotID) error {
	delete(m.deltas, id)
	return nil
}

func (m *memBackend) hasRoom() bool {
	return m.maxBlocks == 0 || len(m.blocks) < m.maxBlocks
}

func (m *memBackend) close() error {
	return nil
}
