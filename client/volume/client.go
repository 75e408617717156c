// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package volume is a client of the controller's provisioning interface.
package volume

import (
	"context"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/pkg/retry"
	"github.com/westerndigitalcorporation/blockvol/pkg/rpc"
	"github.com/westerndigitalcorporation/blockvol/platform/discovery"
)

const (
	dialTimeout = 5 * time.Second
	rpcTimeout  = core.RPCTimeout

	// DefaultControllerPort is used for controller names given without a port.
	DefaultControllerPort = "58000"
)

// Options for creating a client.
type Options struct {
	// Controller addresses or DNS names, comma separated. The first one
	// that answers is used.
	Controller string

	// How long to keep retrying requests that failed in a retriable way.
	// Zero means don't retry.
	RetryTimeout time.Duration
}

// Client talks to a controller.
type Client struct {
	spec  string
	cc    *rpc.ConnectionCache
	retry retry.Retrier
}

// NewClient returns a new client using 'opts'.
func NewClient(opts Options) *Client {
	return &Client{
		spec:  opts.Controller,
		cc:    rpc.NewConnectionCache(dialTimeout, rpcTimeout, 0),
		retry: retry.Retrier{
			MinSleep: 100 * time.Millisecond,
			MaxSleep: 2 * time.Second,
			MaxRetry: opts.RetryTimeout,
		},
	}
}

// Close drops connections to the controller.
func (c *Client) Close() {
	c.cc.CloseAll()
}

// send sends a request, trying every controller address until one answers.
// 'getErr' pulls the controller's error out of 'reply'.
func (c *Client) send(ctx context.Context, method string, req, reply interface{}, getErr func() core.Error) (err core.Error) {
	c.retry.Do(ctx, func(attempt int) bool {
		err = core.ErrRPC
		addrs, e := discovery.Resolve(ctx, c.spec, DefaultControllerPort)
		if e != nil {
			log.Errorf("couldn't resolve controller %q: %s", c.spec, e)
		} else if len(addrs) == 0 {
			err = core.ErrInvalidArgument
			return true
		}
		for _, addr := range addrs {
			if e := c.cc.Send(ctx, addr, method, req, reply); e != nil {
				log.V(1).Infof("%s to %s failed: %s", method, addr, e)
				continue
			}
			err = getErr()
			break
		}
		if err != core.NoError && c.retry.MaxRetry > 0 && core.IsRetriableError(err) {
			log.Errorf("%s: %s, will retry (attempt %d)", method, err, attempt)
			return false
		}
		return true
	})
	if ctx.Err() != nil && err == core.ErrRPC {
		err = core.ErrCanceled
	}
	return
}

// Create creates a volume of 'size' bytes with 'replicas' copies.
func (c *Client) Create(ctx context.Context, vol core.VolumeID, size int64, replicas int) (core.VolumeInfo, core.Error) {
	req := core.CreateVolumeReq{Volume: vol, Size: size, Replicas: replicas}
	var reply core.GetVolumeReply
	err := c.send(ctx, core.CreateVolumeMethod, req, &reply, func() core.Error { return reply.Err })
	return reply.Info, err
}

// Delete deletes a volume and its replicas.
func (c *Client) Delete(ctx context.Context, vol core.VolumeID) core.Error {
	var reply core.Error
	return c.send(ctx, core.DeleteVolumeMethod, vol, &reply, func() core.Error { return reply })
}

// Attach starts the volume's engine on 'node'.
func (c *Client) Attach(ctx context.Context, vol core.VolumeID, node core.NodeID) core.Error {
	var reply core.Error
	req := core.AttachVolumeReq{Volume: vol, Node: node}
	return c.send(ctx, core.AttachVolumeMethod, req, &reply, func() core.Error { return reply })
}

// Detach stops the volume's engine.
func (c *Client) Detach(ctx context.Context, vol core.VolumeID) core.Error {
	var reply core.Error
	return c.send(ctx, core.DetachVolumeMethod, vol, &reply, func() core.Error { return reply })
}

// WorkloadMoved tells the controller the volume's consumer now runs on 'node'.
func (c *Client) WorkloadMoved(ctx context.Context, vol core.VolumeID, node core.NodeID) core.Error {
	var reply core.Error
	req := core.AttachVolumeReq{Volume: vol, Node: node}
	return c.send(ctx, core.WorkloadMovedMethod, req, &reply, func() core.Error { return reply })
}

// Get returns what the controller knows about a volume.
func (c *Client) Get(ctx context.Context, vol core.VolumeID) (core.VolumeInfo, core.Error) {
	var reply core.GetVolumeReply
	err := c.send(ctx, core.GetVolumeMethod, vol, &reply, func() core.Error { return reply.Err })
	return reply.Info, err
}

// List lists the volumes whose names start with 'prefix'.
func (c *Client) List(ctx context.Context, prefix string) ([]core.VolumeInfo, core.Error) {
	var reply core.ListVolumesReply
	err := c.send(ctx, core.ListVolumesMethod, prefix, &reply, func() core.Error { return reply.Err })
	return reply.Volumes, err
}

// Snapshot takes a snapshot of an attached volume.
func (c *Client) Snapshot(ctx context.Context, vol core.VolumeID) (core.SnapshotInfo, core.Error) {
	var reply core.CreateSnapshotReply
	err := c.send(ctx, core.CreateSnapshotMethod, vol, &reply, func() core.Error { return reply.Err })
	return reply.Snap, err
}

// Snapshots lists a volume's snapshots, oldest first.
func (c *Client) Snapshots(ctx context.Context, vol core.VolumeID) ([]core.SnapshotInfo, core.Error) {
	var reply core.ListSnapshotsReply
	err := c.send(ctx, core.ListSnapshotsMethod, vol, &reply, func() core.Error { return reply.Err })
	return reply.Snaps, err
}

// ExportBackup starts exporting a snapshot to the controller's backup target.
// It returns as soon as the export has started.
func (c *Client) ExportBackup(ctx context.Context, snap core.SnapshotID) (core.BackupID, core.Error) {
	var reply core.ExportBackupReply
	err := c.send(ctx, core.ExportBackupMethod, snap, &reply, func() core.Error { return reply.Err })
	return reply.Backup, err
}
