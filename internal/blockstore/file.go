// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package blockstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"
	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

const (
	dataFileName = "blocks.img"
	metaFileName = "meta.db"

	// How long a free space reading is trusted.
	freeSpaceTTL = time.Second
)

var (
	blocksBucket = []byte("blocks")
	deltasBucket = []byte("deltas")
	metaBucket   = []byte("meta")
	sizeKey      = []byte("size")
)

// Config controls a file backed store.
type Config struct {
	// Fsync the data file after every write.
	Sync bool

	// Writes that allocate new blocks fail with ErrCapacityExceeded once the
	// filesystem has less than this many bytes available.
	MinFreeBytes int64
}

// DefaultConfig is the default configuration for file backed stores.
var DefaultConfig = Config{
	Sync:         true,
	MinFreeBytes: 1 << 30,
}

// fileBackend keeps block data in a sparse file and everything else in a
// bolt database next to it. The LocalStore lock protects it.
type fileBackend struct {
	dir  string
	cfg  Config
	data *os.File
	db   *bolt.DB

	lastFree     int64
	lastFreeTime time.Time
}

// OpenFileStore opens or creates a store of the given size in dir.
func OpenFileStore(dir string, size int64, cfg Config) (*LocalStore, core.Error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Errorf("failed to create store dir %s: %s", dir, err)
		return nil, toVolError(err)
	}
	db, err := bolt.Open(filepath.Join(dir, metaFileName), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		log.Errorf("failed to open metadata db in %s: %s", dir, err)
		return nil, toVolError(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{blocksBucket, deltasBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucket)
		if old := meta.Get(sizeKey); old != nil && int64(binary.BigEndian.Uint64(old)) != size {
			log.Errorf("store in %s was created with size %d, opened with %d", dir, binary.BigEndian.Uint64(old), size)
			return core.ErrInvalidArgument.Error()
		}
		return meta.Put(sizeKey, u64Key(uint64(size)))
	})
	if err != nil {
		db.Close()
		return nil, toVolError(err)
	}

	data, err := os.OpenFile(filepath.Join(dir, dataFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		db.Close()
		log.Errorf("failed to open data file in %s: %s", dir, err)
		return nil, toVolError(err)
	}
	// Sparse: never written blocks take no space.
	if err = data.Truncate(size); err != nil {
		data.Close()
		db.Close()
		return nil, toVolError(err)
	}

	return newLocalStore(size, &fileBackend{dir: dir, cfg: cfg, data: data, db: db})
}

func u64Key(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func (f *fileBackend) load() (map[int64]uint64, map[core.SnapshotID]deltaMeta, error) {
	seqs := make(map[int64]uint64)
	deltas := make(map[core.SnapshotID]deltaMeta)
	err := f.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(blocksBucket).ForEach(func(k, v []byte) error {
			seqs[int64(binary.BigEndian.Uint64(k))] = binary.BigEndian.Uint64(v)
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(deltasBucket).ForEach(func(k, v []byte) error {
			d, err := decodeDelta(v)
			if err != nil {
				return err
			}
			deltas[core.SnapshotID(k)] = metaOf(d)
			return nil
		})
	})
	return seqs, deltas, err
}

func (f *fileBackend) readBlock(idx int64, b []byte) error {
	_, err := f.data.ReadAt(b, idx*core.BlockSize)
	return err
}

func (f *fileBackend) writeBlock(idx int64, data []byte, seq uint64) error {
	if _, err := f.data.WriteAt(data, idx*core.BlockSize); err != nil {
		return err
	}
	if f.cfg.Sync {
		if err := f.data.Sync(); err != nil {
			return err
		}
	}
	return f.setSeq(idx, seq)
}

func (f *fileBackend) setSeq(idx int64, seq uint64) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(u64Key(uint64(idx)), u64Key(seq))
	})
}

// Deltas are stored as snappy compressed gob.
func encodeDelta(d *core.Delta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return nil, err
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

func decodeDelta(b []byte) (*core.Delta, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, core.ErrCorruptData.Error()
	}
	var d core.Delta
	if err = gob.NewDecoder(bytes.NewReader(raw)).Decode(&d); err != nil {
		return nil, core.ErrCorruptData.Error()
	}
	return &d, nil
}

func (f *fileBackend) putDelta(d *core.Delta) error {
	b, err := encodeDelta(d)
	if err != nil {
		return err
	}
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deltasBucket).Put([]byte(d.ID), b)
	})
}

func (f *fileBackend) getDelta(id core.SnapshotID) (d *core.Delta, err error) {
	err = f.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(deltasBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		d, err = decodeDelta(v)
		return err
	})
	return
}

func (f *fileBackend) deleteDelta(id core.SnapshotID) error {
	return f.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(deltasBucket).Delete([]byte(id))
	})
}

func (f *fileBackend) hasRoom() bool {
	if f.cfg.MinFreeBytes <= 0 {
		return true
	}
	if time.Since(f.lastFreeTime) > freeSpaceTTL {
		free, err := FreeBytes(f.dir)
		if err != nil {
			log.Errorf("couldn't stat filesystem of %s: %s", f.dir, err)
			return true
		}
		f.lastFree, f.lastFreeTime = free, time.Now()
	}
	return f.lastFree >= f.cfg.MinFreeBytes+core.BlockSize
}

func (f *fileBackend) close() error {
	err := f.data.Close()
	if e := f.db.Close(); err == nil {
		err = e
	}
	return err
}

// FreeBytes returns the number of bytes available to us on the filesystem
// holding path.
func FreeBytes(path string) (int64, error) {
	_, free, err := Capacity(path)
	return free, err
}

// Capacity returns the total and available bytes of the filesystem holding path.
func Capacity(path string) (total, avail int64, err error) {
	fsu := sigar.FileSystemUsage{}
	if err = fsu.Get(path); err != nil {
		return 0, 0, err
	}
	// sigar reports kilobytes.
	return int64(fsu.Total) << 10, int64(fsu.Avail) << 10, nil
}
