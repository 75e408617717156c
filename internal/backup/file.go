// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package backup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/snappy"
	"github.com/klauspost/reedsolomon"

	// Import sqlite3 driver so that we can create the catalog backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

const (
	catalogFileName = "catalog.db"
	deltaDirName    = "deltas"
)

// FileConfig controls a FileTarget.
type FileConfig struct {
	// Where everything lives. Usually a mounted object store.
	Dir string

	// Every delta is split into DataShards pieces plus ParityShards parity
	// pieces, each in its own file. Up to ParityShards files of a delta can
	// be lost.
	DataShards   int
	ParityShards int
}

// DefaultFileConfig is the default configuration for file targets.
var DefaultFileConfig = FileConfig{
	DataShards:   4,
	ParityShards: 2,
}

// FileTarget keeps backups in a directory. Each delta is gob encoded, snappy
// compressed and Reed-Solomon coded into shard files; a sqlite catalog
// records backups, their chains and the stored deltas.
type FileTarget struct {
	cfg FileConfig
	enc reedsolomon.Encoder
	db  *sql.DB

	// Serializes changes so deltas shared between backups are counted right.
	lock sync.Mutex
}

// NewFileTarget opens or creates a FileTarget in cfg.Dir.
func NewFileTarget(cfg FileConfig) (*FileTarget, error) {
	enc, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, deltaDirName), 0700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", filepath.Join(cfg.Dir, catalogFileName))
	if err != nil {
		return nil, err
	}
	// Non-integer primary keys have to be NOT NULL explicitly in sqlite.
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS backups (id TEXT NOT NULL PRIMARY KEY, volume TEXT NOT NULL, snapshot TEXT NOT NULL, size INTEGER NOT NULL, created INTEGER NOT NULL)",
		"CREATE TABLE IF NOT EXISTS chains (backup TEXT NOT NULL, pos INTEGER NOT NULL, snapshot TEXT NOT NULL, PRIMARY KEY (backup, pos))",
		"CREATE TABLE IF NOT EXISTS deltas (snapshot TEXT NOT NULL PRIMARY KEY, volume TEXT NOT NULL, length INTEGER NOT NULL)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create catalog: %s", err)
		}
	}
	return &FileTarget{cfg: cfg, enc: enc, db: db}, nil
}

// Close closes the catalog.
func (t *FileTarget) Close() error {
	return t.db.Close()
}

func (t *FileTarget) shardPath(id core.SnapshotID, i int) string {
	return filepath.Join(t.cfg.Dir, deltaDirName, fmt.Sprintf("%s.%d", id, i))
}

// writeDelta stores one delta's shards and returns the length of the coded
// payload.
func (t *FileTarget) writeDelta(d *core.Delta) (int, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return 0, err
	}
	payload := snappy.Encode(nil, buf.Bytes())
	shards, err := t.enc.Split(payload)
	if err != nil {
		return 0, err
	}
	if err = t.enc.Encode(shards); err != nil {
		return 0, err
	}
	for i, s := range shards {
		path := t.shardPath(d.ID, i)
		if err = os.WriteFile(path+".tmp", s, 0600); err != nil {
			return 0, err
		}
		if err = os.Rename(path+".tmp", path); err != nil {
			return 0, err
		}
	}
	return len(payload), nil
}

// readDelta reads a delta back, reconstructing missing or short shards.
func (t *FileTarget) readDelta(id core.SnapshotID, length int) (*core.Delta, error) {
	n := t.cfg.DataShards + t.cfg.ParityShards
	size := (length + t.cfg.DataShards - 1) / t.cfg.DataShards
	shards := make([][]byte, n)
	for i := range shards {
		s, err := os.ReadFile(t.shardPath(id, i))
		if err != nil {
			log.Errorf("shard %d of delta %s unreadable: %s", i, id, err)
			continue
		}
		if len(s) != size {
			log.Errorf("shard %d of delta %s is %d bytes, expected %d", i, id, len(s), size)
			continue
		}
		shards[i] = s
	}
	if err := t.enc.Reconstruct(shards); err != nil {
		return nil, err
	}
	if ok, err := t.enc.Verify(shards); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("verification of delta %s failed", id)
	}
	var buf bytes.Buffer
	if err := t.enc.Join(&buf, shards, length); err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, buf.Bytes())
	if err != nil {
		return nil, err
	}
	d := new(core.Delta)
	if err = gob.NewDecoder(bytes.NewReader(raw)).Decode(d); err != nil {
		return nil, err
	}
	if d.ID != id {
		return nil, fmt.Errorf("shards of %s hold %s", id, d.ID)
	}
	return d, nil
}

func (t *FileTarget) removeDelta(id core.SnapshotID) {
	for i := 0; i < t.cfg.DataShards+t.cfg.ParityShards; i++ {
		if err := os.Remove(t.shardPath(id, i)); err != nil && !os.IsNotExist(err) {
			log.Errorf("failed to remove shard %d of %s: %s", i, id, err)
		}
	}
}

// Put implements Target.
func (t *FileTarget) Put(ctx context.Context, b Backup, chain []*core.Delta) core.Error {
	if err := checkChain(&b, chain); err != core.NoError {
		return err
	}
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, d := range chain {
		if ctx.Err() != nil {
			return core.ErrCanceled
		}
		var have int
		if err := t.db.QueryRow("SELECT COUNT(*) FROM deltas WHERE snapshot=?", string(d.ID)).Scan(&have); err != nil {
			log.Errorf("catalog lookup of %s failed: %s", d.ID, err)
			return core.ErrBackupFailed
		}
		if have > 0 {
			log.V(1).Infof("backup %s: delta %s already stored", b.ID, d.ID)
			continue
		}
		length, err := t.writeDelta(d)
		if err != nil {
			log.Errorf("backup %s: failed to store delta %s: %s", b.ID, d.ID, err)
			t.removeDelta(d.ID)
			return core.ErrBackupFailed
		}
		if _, err = t.db.Exec("INSERT INTO deltas (snapshot, volume, length) VALUES (?, ?, ?)", string(d.ID), string(b.Volume), length); err != nil {
			log.Errorf("backup %s: failed to catalog delta %s: %s", b.ID, d.ID, err)
			return core.ErrBackupFailed
		}
	}

	tx, err := t.db.Begin()
	if err != nil {
		return core.ErrBackupFailed
	}
	_, err = tx.Exec("INSERT OR REPLACE INTO backups (id, volume, snapshot, size, created) VALUES (?, ?, ?, ?, ?)",
		string(b.ID), string(b.Volume), string(b.Snapshot), b.Size, b.Created.UnixNano())
	for i, s := range b.Chain {
		if err != nil {
			break
		}
		_, err = tx.Exec("INSERT OR REPLACE INTO chains (backup, pos, snapshot) VALUES (?, ?, ?)", string(b.ID), i, string(s))
	}
	if err != nil {
		tx.Rollback()
		log.Errorf("backup %s: failed to catalog: %s", b.ID, err)
		return core.ErrBackupFailed
	}
	if err = tx.Commit(); err != nil {
		log.Errorf("backup %s: failed to commit catalog: %s", b.ID, err)
		return core.ErrBackupFailed
	}
	return core.NoError
}

// getLocked reads a backup's catalog entry. t.lock must be held.
func (t *FileTarget) getLocked(id core.BackupID) (Backup, core.Error) {
	b := Backup{ID: id}
	var vol, snap string
	var created int64
	err := t.db.QueryRow("SELECT volume, snapshot, size, created FROM backups WHERE id=?", string(id)).Scan(&vol, &snap, &b.Size, &created)
	if err == sql.ErrNoRows {
		return b, core.ErrNoSuchBackup
	} else if err != nil {
		log.Errorf("catalog lookup of %s failed: %s", id, err)
		return b, core.ErrBackupFailed
	}
	b.Volume, b.Snapshot, b.Created = core.VolumeID(vol), core.SnapshotID(snap), time.Unix(0, created)

	rows, err := t.db.Query("SELECT snapshot FROM chains WHERE backup=? ORDER BY pos", string(id))
	if err != nil {
		return b, core.ErrBackupFailed
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return b, core.ErrBackupFailed
		}
		b.Chain = append(b.Chain, core.SnapshotID(s))
	}
	if rows.Err() != nil {
		return b, core.ErrBackupFailed
	}
	return b, core.NoError
}

// Get implements Target.
func (t *FileTarget) Get(ctx context.Context, id core.BackupID) (Backup, []*core.Delta, core.Error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	b, verr := t.getLocked(id)
	if verr != core.NoError {
		return Backup{}, nil, verr
	}
	chain := make([]*core.Delta, 0, len(b.Chain))
	for _, s := range b.Chain {
		if ctx.Err() != nil {
			return Backup{}, nil, core.ErrCanceled
		}
		var length int
		if err := t.db.QueryRow("SELECT length FROM deltas WHERE snapshot=?", string(s)).Scan(&length); err != nil {
			log.Errorf("backup %s: delta %s missing from catalog: %s", id, s, err)
			return Backup{}, nil, core.ErrCorruptData
		}
		d, err := t.readDelta(s, length)
		if err != nil {
			log.Errorf("backup %s: failed to read delta %s: %s", id, s, err)
			return Backup{}, nil, core.ErrCorruptData
		}
		chain = append(chain, d)
	}
	return b, chain, core.NoError
}

// List implements Target.
func (t *FileTarget) List(vol core.VolumeID) ([]Backup, core.Error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	rows, err := t.db.Query("SELECT id FROM backups WHERE ?='' OR volume=?", string(vol), string(vol))
	if err != nil {
		log.Errorf("failed to list backups: %s", err)
		return nil, core.ErrBackupFailed
	}
	var ids []core.BackupID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, core.ErrBackupFailed
		}
		ids = append(ids, core.BackupID(id))
	}
	rows.Close()

	out := make([]Backup, 0, len(ids))
	for _, id := range ids {
		b, verr := t.getLocked(id)
		if verr != core.NoError {
			return nil, verr
		}
		out = append(out, b)
	}
	sortBackups(out)
	return out, core.NoError
}

// Delete implements Target.
func (t *FileTarget) Delete(ctx context.Context, id core.BackupID) core.Error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, verr := t.getLocked(id); verr != core.NoError {
		return verr
	}

	tx, err := t.db.Begin()
	if err != nil {
		return core.ErrBackupFailed
	}
	if _, err = tx.Exec("DELETE FROM chains WHERE backup=?", string(id)); err == nil {
		_, err = tx.Exec("DELETE FROM backups WHERE id=?", string(id))
	}
	if err != nil {
		tx.Rollback()
		return core.ErrBackupFailed
	}
	if err = tx.Commit(); err != nil {
		return core.ErrBackupFailed
	}

	// Deltas nothing refers to anymore.
	rows, err := t.db.Query("SELECT snapshot FROM deltas WHERE snapshot NOT IN (SELECT snapshot FROM chains)")
	if err != nil {
		log.Errorf("failed to find unused deltas: %s", err)
		return core.NoError
	}
	var unused []core.SnapshotID
	for rows.Next() {
		var s string
		if rows.Scan(&s) == nil {
			unused = append(unused, core.SnapshotID(s))
		}
	}
	rows.Close()
	for _, s := range unused {
		t.removeDelta(s)
		if _, err := t.db.Exec("DELETE FROM deltas WHERE snapshot=?", string(s)); err != nil {
			log.Errorf("failed to uncatalog delta %s: %s", s, err)
		}
	}
	log.Infof("deleted backup %s and %d unused deltas", id, len(unused))
	return core.NoError
}
