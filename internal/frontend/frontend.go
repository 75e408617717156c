// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// This package exposes the volumes attached on a node as files using FUSE.
// Every volume with an engine on the node shows up as a file named after it,
// and reads and writes of the file go through the engine.
//
// This is not for production use! It's intended for diagnostics only.

package frontend

import (
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"golang.org/x/net/context"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// Device is something with a volume's I/O interface. Offsets and lengths
// must be block aligned.
type Device interface {
	Size() int64
	Read(ctx context.Context, offset int64, length int) ([]byte, core.Error)
	Write(ctx context.Context, offset int64, b []byte) core.Error
}

// Devices lists the attached volumes.
type Devices interface {
	// Volumes returns the attached volumes.
	Volumes() []core.VolumeID

	// Device returns the device of an attached volume, or nil.
	Device(vol core.VolumeID) Device
}

// MountState holds information about a current mount.
type MountState struct {
	path   string       // the path we mounted on
	err    atomic.Value // an error value returned from fuse, or nil if no error so far
	exited atomic.Value // nil if the fuse server goroutine is still running, non-nil if not
}

// Mount mounts the attached volumes on the given path and runs the FUSE
// server in a goroutine. It returns immediately.
func Mount(d Devices, name, path string) *MountState {
	ms := &MountState{path: path}
	go ms.mount(d, name)
	return ms
}

func (ms *MountState) mount(d Devices, name string) {
	defer ms.exited.Store("true")

	conn, err := fuse.Mount(
		ms.path,
		fuse.FSName(name),
		fuse.Subtype("blockvol"),
		fuse.MaxReadahead(1<<20),
		// There's no harm in async reads, so allow that.
		fuse.AsyncRead(),
	)
	if err != nil {
		ms.err.Store(err)
		return
	}
	defer conn.Close()

	if err = fs.Serve(conn, &volFS{d: d}); err != nil {
		ms.err.Store(err)
		return
	}

	<-conn.Ready
	if conn.MountError != nil {
		ms.err.Store(conn.MountError)
	}
}

// Unmount tries to unmount an existing FUSE mount.
func (ms *MountState) Unmount() error {
	return fuse.Unmount(ms.path)
}

// String returns a string representation of the state of this mount.
func (ms *MountState) String() string {
	return fmt.Sprintf("on %q, error %v, exited %v", ms.path, ms.err.Load(), ms.Exited())
}

// Exited returns true if the FUSE goroutine has exited.
func (ms *MountState) Exited() bool {
	return ms.exited.Load() != nil
}

type volFS struct {
	d Devices

	// Held by writes that merge partial blocks.
	rmw sync.Mutex
}

func (v *volFS) Root() (fs.Node, error) {
	return (*rootDir)(v), nil
}

type rootDir volFS

func (r *rootDir) Attr(ctx context.Context, a *fuse.Attr) error {
	a.Inode = 1
	a.Mode = os.ModeDir | 0555
	return nil
}

func (r *rootDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	var out []fuse.Dirent
	for _, vol := range r.d.Volumes() {
		out = append(out, fuse.Dirent{Inode: inode(vol), Name: string(vol), Type: fuse.DT_File})
	}
	return out, nil
}

func (r *rootDir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	vol := core.VolumeID(name)
	if r.d.Device(vol) == nil {
		return nil, fuse.ENOENT
	}
	return &volNode{fs: (*volFS)(r), vol: vol}, nil
}

// volNode is both Node and Handle. The device is looked up on every call so
// a detached volume stops serving right away.
type volNode struct {
	fs  *volFS
	vol core.VolumeID
}

func (n *volNode) device() (Device, error) {
	if dev := n.fs.d.Device(n.vol); dev != nil {
		return dev, nil
	}
	return nil, fuse.ENOENT
}

func (n *volNode) Attr(ctx context.Context, a *fuse.Attr) error {
	dev, err := n.device()
	if err != nil {
		return err
	}
	a.Inode = inode(n.vol)
	a.Mode = 0644
	a.Size = uint64(dev.Size())
	a.Blocks = a.Size / 512
	a.BlockSize = core.BlockSize
	return nil
}

func (n *volNode) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	dev, err := n.device()
	if err != nil {
		return err
	}
	b, verr := readAt(ctx, dev, req.Offset, req.Size)
	if verr != core.NoError {
		return translateError(verr)
	}
	resp.Data = b
	return nil
}

func (n *volNode) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	dev, err := n.device()
	if err != nil {
		return err
	}
	if !core.Aligned(req.Offset, len(req.Data)) {
		n.fs.rmw.Lock()
		defer n.fs.rmw.Unlock()
	}
	if verr := writeAt(ctx, dev, req.Offset, req.Data); verr != core.NoError {
		return translateError(verr)
	}
	resp.Size = len(req.Data)
	return nil
}

// Writes are synchronous already.
func (n *volNode) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return nil
}

// inode derives a stable inode number from a volume name. The root is 1.
func inode(vol core.VolumeID) uint64 {
	h := fnv.New64a()
	h.Write([]byte(vol))
	return h.Sum64() | 2
}

func translateError(err core.Error) error {
	switch err {
	case core.ErrInvalidArgument:
		return fuse.Errno(syscall.EINVAL)
	case core.ErrCapacityExceeded:
		return fuse.Errno(syscall.EFBIG)
	case core.ErrNotAttached, core.ErrStaleEpoch, core.ErrNoSuchVolume:
		return fuse.Errno(syscall.ENXIO)
	case core.ErrCanceled:
		return fuse.Errno(syscall.EINTR)
	}
	return fuse.Errno(syscall.EIO)
}
