// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"sort"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// pickNodes picks up to 'num' nodes for new replicas of a volume of 'size'
// bytes.
//
// 'existing' are the nodes that already host a live replica of the volume.
// They're never picked, and we try not to pick nodes from their failure
// domains either, but may do so if no other options are available.
//
// Candidates are healthy and have at least 'size' bytes free. Among equally
// good domains, the node with the most free space wins, then the lowest node
// ID. Picked nodes have 'size' reserved so back to back picks don't overcommit
// a node.
func pickNodes(mon *nodeMonitor, num int, size int64, existing []core.NodeID) (picked []nodeData) {
	if num <= 0 {
		return nil
	}
	used := make(map[core.NodeID]bool)
	domains := make(map[string]bool)
	for _, id := range existing {
		used[id] = true
		if d, ok := mon.get(id); ok {
			domains[d.domain()] = true
		}
	}

	var candidates []nodeData
	for _, d := range mon.healthy() {
		if used[d.ID] {
			continue
		}
		if d.Free < size {
			log.V(2).Infof("node %s has %d bytes free, need %d", d.ID, d.Free, size)
			continue
		}
		candidates = append(candidates, d)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Free != candidates[j].Free {
			return candidates[i].Free > candidates[j].Free
		}
		return candidates[i].ID < candidates[j].ID
	})

	// First pass takes at most one node per new domain, the second fills in
	// with whatever's left.
	taken := make(map[core.NodeID]bool)
	for _, d := range candidates {
		if len(picked) == num {
			break
		}
		if domains[d.domain()] {
			continue
		}
		domains[d.domain()] = true
		taken[d.ID] = true
		picked = append(picked, d)
	}
	for _, d := range candidates {
		if len(picked) == num {
			break
		}
		if !taken[d.ID] {
			taken[d.ID] = true
			picked = append(picked, d)
		}
	}

	for _, d := range picked {
		mon.reserve(d.ID, size)
	}
	if len(picked) < num {
		log.Errorf("wanted %d nodes for %d bytes, only found %d", num, size, len(picked))
	}
	return picked
}
