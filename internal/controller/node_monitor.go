// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

const (
	// Have we received a heartbeat recently from the node?
	statusHealthy = "healthy"

	// The node shouldn't get new replicas but hasn't been gone long enough
	// to fail over what it hosts.
	statusUnhealthy = "unhealthy"

	// Has it been long enough from the last heartbeat that we should assume
	// the node is dead?
	statusDown = "down"
)

// nodeData is all the state we have for a node. Exported fields so it can be
// dumped in status pages.
type nodeData struct {
	ID   core.NodeID
	Addr string
	Rack string

	// When did the node last beat? Zero if never.
	LastBeat time.Time

	Capacity int64
	Free     int64

	// Reported unreachable since its last beat.
	Down bool

	// Current status, may be stale.
	Status string
}

// domain returns the failure domain of the node. A node without a rack is
// its own domain.
func (d nodeData) domain() string {
	if d.Rack == "" {
		return string(d.ID)
	}
	return d.Rack
}

// nodeMonitor stores and analyzes node heartbeats.
type nodeMonitor struct {
	lock sync.Mutex

	nodes map[core.NodeID]nodeData

	// When did the monitor start? No node is unhealthy or down until it's had
	// a chance to beat to us.
	start time.Time

	cfg *Config

	// A time-providing function, shim layer inserted for testing.
	getTime func() time.Time
}

func newNodeMonitor(cfg *Config, getTime func() time.Time) *nodeMonitor {
	return &nodeMonitor{
		nodes:   make(map[core.NodeID]nodeData),
		start:   getTime(),
		cfg:     cfg,
		getTime: getTime,
	}
}

// Restart the grace period timer.
func (m *nodeMonitor) Restart() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.start = m.getTime()
}

// String returns a summary of the health of all nodes.
func (m *nodeMonitor) String() string {
	var healthy, unhealthy, down int
	for _, d := range m.getData() {
		switch d.Status {
		case statusHealthy:
			healthy++
		case statusUnhealthy:
			unhealthy++
		default:
			down++
		}
	}
	return fmt.Sprintf("%d nodes, %d healthy, %d unhealthy, %d down", healthy+unhealthy+down, healthy, unhealthy, down)
}

// expect adds entries for nodes that host data but haven't beaten to us, so
// they can be declared down if they never do.
func (m *nodeMonitor) expect(ids []core.NodeID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, id := range ids {
		if _, ok := m.nodes[id]; !ok && id != "" {
			m.nodes[id] = nodeData{ID: id}
		}
	}
}

// assumes lock held.
func (m *nodeMonitor) statusLocked(d nodeData, now time.Time) string {
	if d.Down {
		return statusDown
	}
	if now.Sub(m.start) < m.cfg.NodeHeartbeatGracePeriod {
		// Nothing can be unhealthy or down until it's been long enough to get heartbeats.
		return statusHealthy
	}
	since := d.LastBeat
	if since.IsZero() {
		since = m.start
	}
	switch gap := now.Sub(since); {
	case gap < m.cfg.NodeUnhealthy:
		return statusHealthy
	case gap < m.cfg.NodeDown:
		return statusUnhealthy
	default:
		return statusDown
	}
}

// recvHeartbeat is called when a node beats.
func (m *nodeMonitor) recvHeartbeat(req core.NodeHeartbeatReq) {
	m.lock.Lock()
	defer m.lock.Unlock()

	old, ok := m.nodes[req.Node]
	if !ok || old.LastBeat.IsZero() {
		log.Infof("first heartbeat from node %s at %s", req.Node, req.Addr)
	} else if old.Addr != req.Addr {
		log.Errorf("node %s moved from %s to %s", req.Node, old.Addr, req.Addr)
	}
	m.nodes[req.Node] = nodeData{
		ID:       req.Node,
		Addr:     req.Addr,
		Rack:     req.Rack,
		LastBeat: m.getTime(),
		Capacity: req.Capacity,
		Free:     req.Free,
		Status:   statusHealthy,
	}
}

// markDown makes a node down right away, as when an engine or the scheduler
// says it's unreachable, grace period or not. The next heartbeat brings it
// back.
func (m *nodeMonitor) markDown(id core.NodeID) {
	m.lock.Lock()
	defer m.lock.Unlock()
	d := m.nodes[id]
	d.ID = id
	d.Down = true
	d.Status = statusDown
	m.nodes[id] = d
}

// get returns the current data for a node.
func (m *nodeMonitor) get(id core.NodeID) (nodeData, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	d, ok := m.nodes[id]
	if !ok {
		return d, false
	}
	d.Status = m.statusLocked(d, m.getTime())
	return d, true
}

// status returns the status of a node. A node we never heard of is down.
func (m *nodeMonitor) status(id core.NodeID) string {
	if d, ok := m.get(id); ok {
		return d.Status
	}
	return statusDown
}

// addr returns the most recent address of a node.
func (m *nodeMonitor) addr(id core.NodeID) (string, bool) {
	d, ok := m.get(id)
	return d.Addr, ok && d.Addr != ""
}

// healthy returns the healthy nodes that have beaten at least once, which
// are the only ones we can place data on.
func (m *nodeMonitor) healthy() []nodeData {
	var out []nodeData
	for _, d := range m.getData() {
		if d.Status == statusHealthy && !d.LastBeat.IsZero() {
			out = append(out, d)
		}
	}
	return out
}

// reserve takes 'size' bytes off a node's free space until its next beat, so
// placements made between beats don't overcommit it.
func (m *nodeMonitor) reserve(id core.NodeID, size int64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if d, ok := m.nodes[id]; ok {
		d.Free -= size
		m.nodes[id] = d
	}
}

// getData returns all node data with fresh statuses, sorted by node ID.
func (m *nodeMonitor) getData() []nodeData {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.getTime()
	ret := make([]nodeData, 0, len(m.nodes))
	for id, d := range m.nodes {
		d.Status = m.statusLocked(d, now)
		m.nodes[id] = d
		ret = append(ret, d)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}
