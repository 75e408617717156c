// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"encoding/json"
	"os"
	"time"

	"github.com/boltdb/bolt"
	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

var (
	volumeBucket   = []byte("volume")   // Bucket that stores volume records.
	replicaBucket  = []byte("replica")  // Bucket that stores replica records.
	snapshotBucket = []byte("snapshot") // Bucket that stores snapshot records.
)

var mDbSize = promauto.NewGauge(prometheus.GaugeOpts{
	Subsystem: "controller",
	Name:      "db_size",
	Help:      "size of database in bytes",
})

const mode os.FileMode = 0600

// EngineRecord is the engine currently attached to a volume.
type EngineRecord struct {
	ID    core.EngineID
	Node  core.NodeID
	Epoch core.Epoch
}

// VolumeRecord is the durable record of a volume. Replicas are referenced by
// ID only; the replica records point back by volume ID.
type VolumeRecord struct {
	ID       core.VolumeID
	Size     int64
	Desired  int
	State    core.VolumeState
	Degraded bool

	// The last epoch handed out. It only grows, and survives detaching.
	Epoch core.Epoch

	// The attached engine, nil unless State is Attached.
	Engine *EngineRecord

	// Where the consuming workload runs, as told by the scheduler.
	WorkloadNode core.NodeID

	// Most recent snapshot, the parent of the next one.
	Head core.SnapshotID

	Replicas []core.ReplicaID
	Created  time.Time
}

// ReplicaRecord is the durable record of a replica.
type ReplicaRecord struct {
	ID     core.ReplicaID
	Volume core.VolumeID
	Node   core.NodeID
	State  core.ReplicaState

	// Last time the replica showed up in its node's heartbeat. Not
	// meaningful across controller restarts.
	LastSeen time.Time
}

// SnapshotRecord is a node in a volume's snapshot DAG.
type SnapshotRecord struct {
	ID      core.SnapshotID
	Volume  core.VolumeID
	Parent  core.SnapshotID
	Created time.Time
}

// Info converts the record for callers outside the controller.
func (s *SnapshotRecord) Info() core.SnapshotInfo {
	return core.SnapshotInfo{ID: s.ID, Volume: s.Volume, Parent: s.Parent, Created: s.Created}
}

// State is the durable state of the controller, kept in a bolt database.
// Records are stored as JSON keyed by their ID.
type State struct {
	db *bolt.DB
}

// OpenState opens the state database at 'path', creating it if needed.
func OpenState(path string) (*State, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{volumeBucket, replicaBucket, snapshotBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &State{db: db}, nil
}

func (s *State) put(bucket []byte, key string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		mDbSize.Set(float64(tx.Size()))
		return tx.Bucket(bucket).Put([]byte(key), buf)
	})
}

func (s *State) del(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// PutVolume writes a volume record.
func (s *State) PutVolume(v *VolumeRecord) error {
	return s.put(volumeBucket, string(v.ID), v)
}

// DeleteVolume removes a volume record.
func (s *State) DeleteVolume(id core.VolumeID) error {
	return s.del(volumeBucket, string(id))
}

// PutReplica writes a replica record.
func (s *State) PutReplica(r *ReplicaRecord) error {
	return s.put(replicaBucket, string(r.ID), r)
}

// DeleteReplica removes a replica record.
func (s *State) DeleteReplica(id core.ReplicaID) error {
	return s.del(replicaBucket, string(id))
}

// PutSnapshot writes a snapshot record.
func (s *State) PutSnapshot(r *SnapshotRecord) error {
	return s.put(snapshotBucket, string(r.ID), r)
}

// DeleteSnapshot removes a snapshot record.
func (s *State) DeleteSnapshot(id core.SnapshotID) error {
	return s.del(snapshotBucket, string(id))
}

// Load reads every record.
func (s *State) Load() (vols map[core.VolumeID]*VolumeRecord, reps map[core.ReplicaID]*ReplicaRecord, snaps map[core.SnapshotID]*SnapshotRecord, err error) {
	vols = make(map[core.VolumeID]*VolumeRecord)
	reps = make(map[core.ReplicaID]*ReplicaRecord)
	snaps = make(map[core.SnapshotID]*SnapshotRecord)

	err = s.db.View(func(tx *bolt.Tx) error {
		mDbSize.Set(float64(tx.Size()))
		if err := tx.Bucket(volumeBucket).ForEach(func(k, v []byte) error {
			r := new(VolumeRecord)
			if err := json.Unmarshal(v, r); err != nil {
				return err
			}
			vols[r.ID] = r
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(replicaBucket).ForEach(func(k, v []byte) error {
			r := new(ReplicaRecord)
			if err := json.Unmarshal(v, r); err != nil {
				return err
			}
			reps[r.ID] = r
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(snapshotBucket).ForEach(func(k, v []byte) error {
			r := new(SnapshotRecord)
			if err := json.Unmarshal(v, r); err != nil {
				return err
			}
			snaps[r.ID] = r
			return nil
		})
	})
	if err != nil {
		log.Errorf("failed to load state: %s", err)
	}
	return
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}
