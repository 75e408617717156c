// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"sync"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// LockManager provides exclusive access to a volume. The controller holds a
// volume's lock while it changes the volume's replica set or engine, so that
// a reconcile pass and a provisioning request never interleave their steps.
type LockManager interface {
	// LockVolume acquires the lock of a volume.
	LockVolume(core.VolumeID)

	// TryLockVolume acquires the lock of a volume if nobody holds it.
	TryLockVolume(core.VolumeID) bool

	// UnlockVolume releases the lock of a volume.
	UnlockVolume(core.VolumeID)
}

// FineGrainedLock implements LockManager.
type FineGrainedLock struct {
	// Protects cond and things.
	lock sync.Mutex

	// Signals when something is unlocked.
	cond sync.Cond

	// If present, the object is locked.
	things map[interface{}]bool
}

// NewFineGrainedLock creates a new FineGrainedLock.
func NewFineGrainedLock() *FineGrainedLock {
	f := new(FineGrainedLock)
	f.cond.L = &f.lock
	f.things = make(map[interface{}]bool)
	return f
}

func (f *FineGrainedLock) lockThing(thing interface{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for f.things[thing] {
		f.cond.Wait()
	}
	f.things[thing] = true
}

func (f *FineGrainedLock) tryLockThing(thing interface{}) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.things[thing] {
		return false
	}
	f.things[thing] = true
	return true
}

func (f *FineGrainedLock) unlockThing(thing interface{}) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.things[thing] {
		panic("wasn't locked!")
	}
	delete(f.things, thing)
	f.cond.Broadcast()
}

// LockVolume locks a volume.
func (f *FineGrainedLock) LockVolume(id core.VolumeID) {
	f.lockThing(id)
}

// TryLockVolume locks a volume if it's not locked.
func (f *FineGrainedLock) TryLockVolume(id core.VolumeID) bool {
	return f.tryLockThing(id)
}

// UnlockVolume unlocks a volume.
func (f *FineGrainedLock) UnlockVolume(id core.VolumeID) {
	f.unlockThing(id)
}
