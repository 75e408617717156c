// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"context"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/server"
)

var (
	srvOpm = server.NewOpMetric("controller_srv_rpc", "Controller provisioning RPCs", "method")
	ctlOpm = server.NewOpMetric("controller_ctl_rpc", "Controller report RPCs", "method")
)

// ControllerSrvHandler handles provisioning and snapshot requests.
type ControllerSrvHandler struct {
	c *Controller

	// Limits the number of pending requests.
	pendingSem server.Semaphore

	opm *server.OpMetric
}

func newControllerSrvHandler(c *Controller) *ControllerSrvHandler {
	return &ControllerSrvHandler{c: c, pendingSem: server.NewSemaphore(c.cfg.RejectReqThreshold), opm: srvOpm}
}

// begin takes a slot in the pending semaphore. The caller must release it
// if this returns NoError.
func (h *ControllerSrvHandler) begin(op *server.Op, method string) core.Error {
	if !h.pendingSem.TryAcquire() {
		op.TooBusy()
		log.Errorf("%s: too busy, rejecting req", method)
		return core.ErrTooBusy
	}
	return core.NoError
}

func (h *ControllerSrvHandler) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), core.RPCTimeout)
}

// CreateVolume creates a volume.
func (h *ControllerSrvHandler) CreateVolume(req core.CreateVolumeReq, reply *core.GetVolumeReply) error {
	op := h.opm.Start("CreateVolume")
	defer op.EndWithError(&reply.Err)
	if reply.Err = h.begin(op, "CreateVolume"); reply.Err != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	ctx, cancel := h.ctx()
	defer cancel()
	reply.Info, reply.Err = h.c.CreateVolume(ctx, req)
	log.Infof("CreateVolume: req %+v reply %s", req, reply.Err)
	return nil
}

// DeleteVolume deletes a volume.
func (h *ControllerSrvHandler) DeleteVolume(vol core.VolumeID, reply *core.Error) error {
	op := h.opm.Start("DeleteVolume")
	defer op.EndWithError(reply)
	if *reply = h.begin(op, "DeleteVolume"); *reply != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	ctx, cancel := h.ctx()
	defer cancel()
	*reply = h.c.DeleteVolume(ctx, vol)
	log.Infof("DeleteVolume: %s reply %s", vol, *reply)
	return nil
}

// AttachVolume attaches a volume on a node.
func (h *ControllerSrvHandler) AttachVolume(req core.AttachVolumeReq, reply *core.Error) error {
	op := h.opm.Start("AttachVolume")
	defer op.EndWithError(reply)
	if *reply = h.begin(op, "AttachVolume"); *reply != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	ctx, cancel := h.ctx()
	defer cancel()
	*reply = h.c.AttachVolume(ctx, req.Volume, req.Node)
	log.Infof("AttachVolume: req %+v reply %s", req, *reply)
	return nil
}

// DetachVolume detaches a volume.
func (h *ControllerSrvHandler) DetachVolume(vol core.VolumeID, reply *core.Error) error {
	op := h.opm.Start("DetachVolume")
	defer op.EndWithError(reply)
	if *reply = h.begin(op, "DetachVolume"); *reply != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	ctx, cancel := h.ctx()
	defer cancel()
	*reply = h.c.DetachVolume(ctx, vol)
	log.Infof("DetachVolume: %s reply %s", vol, *reply)
	return nil
}

// WorkloadMoved moves a volume's engine to follow its workload.
func (h *ControllerSrvHandler) WorkloadMoved(req core.AttachVolumeReq, reply *core.Error) error {
	op := h.opm.Start("WorkloadMoved")
	defer op.EndWithError(reply)
	if *reply = h.begin(op, "WorkloadMoved"); *reply != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	ctx, cancel := h.ctx()
	defer cancel()
	*reply = h.c.WorkloadMoved(ctx, req.Volume, req.Node)
	log.Infof("WorkloadMoved: req %+v reply %s", req, *reply)
	return nil
}

// GetVolume returns a volume's info.
func (h *ControllerSrvHandler) GetVolume(vol core.VolumeID, reply *core.GetVolumeReply) error {
	op := h.opm.Start("GetVolume")
	defer op.EndWithError(&reply.Err)
	reply.Info, reply.Err = h.c.GetVolume(vol)
	log.V(1).Infof("GetVolume: %s reply %s", vol, reply.Err)
	return nil
}

// ListVolumes lists the volumes whose names start with 'prefix'.
func (h *ControllerSrvHandler) ListVolumes(prefix string, reply *core.ListVolumesReply) error {
	op := h.opm.Start("ListVolumes")
	defer op.EndWithError(&reply.Err)
	for _, v := range h.c.ListVolumes() {
		if strings.HasPrefix(string(v.ID), prefix) {
			reply.Volumes = append(reply.Volumes, v)
		}
	}
	return nil
}

// CreateSnapshot takes a snapshot of a volume.
func (h *ControllerSrvHandler) CreateSnapshot(vol core.VolumeID, reply *core.CreateSnapshotReply) error {
	op := h.opm.Start("CreateSnapshot")
	defer op.EndWithError(&reply.Err)
	if reply.Err = h.begin(op, "CreateSnapshot"); reply.Err != core.NoError {
		return nil
	}
	defer h.pendingSem.Release()

	ctx, cancel := h.ctx()
	defer cancel()
	if h.c.snaps != nil {
		reply.Snap, reply.Err = h.c.snaps.CreateSnapshot(ctx, vol)
	} else {
		reply.Snap, reply.Err = h.c.TakeSnapshot(ctx, vol, false)
	}
	log.Infof("CreateSnapshot: %s reply %s", vol, reply.Err)
	return nil
}

// ListSnapshots lists the snapshots of a volume.
func (h *ControllerSrvHandler) ListSnapshots(vol core.VolumeID, reply *core.ListSnapshotsReply) error {
	op := h.opm.Start("ListSnapshots")
	defer op.EndWithError(&reply.Err)
	reply.Snaps, reply.Err = h.c.Snapshots(vol)
	return nil
}

// ExportBackup starts exporting a snapshot to the backup target.
func (h *ControllerSrvHandler) ExportBackup(snap core.SnapshotID, reply *core.ExportBackupReply) error {
	op := h.opm.Start("ExportBackup")
	defer op.EndWithError(&reply.Err)
	if h.c.snaps == nil {
		reply.Err = core.ErrBackupFailed
		return nil
	}
	reply.Backup, reply.Err = h.c.snaps.StartExport(snap)
	log.Infof("ExportBackup: %s reply %s %s", snap, reply.Backup, reply.Err)
	return nil
}

// ControllerCtlHandler handles heartbeats and reports from node agents and
// engines.
type ControllerCtlHandler struct {
	c   *Controller
	opm *server.OpMetric
}

func newControllerCtlHandler(c *Controller) *ControllerCtlHandler {
	return &ControllerCtlHandler{c: c, opm: ctlOpm}
}

// NodeHeartbeat takes a heartbeat from a node agent.
func (h *ControllerCtlHandler) NodeHeartbeat(req core.NodeHeartbeatReq, reply *core.NodeHeartbeatReply) error {
	op := h.opm.Start("NodeHeartbeat")
	defer op.EndWithError(&reply.Err)
	reply.Err = h.c.NodeHeartbeat(req)
	log.V(2).Infof("NodeHeartbeat: node %s with %d replicas reply %s", req.Node, len(req.Replicas), reply.Err)
	return nil
}

// ReportSuspect takes an engine's report about a replica.
func (h *ControllerCtlHandler) ReportSuspect(req core.ReportSuspectReq, reply *core.Error) error {
	op := h.opm.Start("ReportSuspect")
	defer op.EndWithError(reply)
	*reply = h.c.ReportSuspect(req)
	log.Infof("ReportSuspect: req %+v reply %s", req, *reply)
	return nil
}
