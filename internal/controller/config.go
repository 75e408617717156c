// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package controller

import (
	"fmt"
	"time"
)

// Config encapsulates parameters for the controller.
type Config struct {
	Addr               string // Address for RPCs.
	StatePath          string // Where the durable state lives.
	UseFailure         bool   // Whether to enable the failure service.
	RejectReqThreshold int    // Pending request limit.

	// --- Node Monitor ---

	// Unhealthy is a node that hasn't beaten recently. It won't get new
	// replicas, but what it hosts is left alone.
	NodeUnhealthy time.Duration

	// Down is a node that hasn't beaten in so long that its engines are
	// failed over and its replicas are considered gone.
	NodeDown time.Duration

	// Nodes can't be unhealthy or down until the controller has been up
	// this long, so a restarted controller doesn't fail over everything.
	NodeHeartbeatGracePeriod time.Duration

	// A replica missing from its node's heartbeats for this long is Failed.
	ReplicaHeartbeatTimeout time.Duration

	// --- Reconcile Loop ---

	// How often every volume is reconciled, even when nothing was reported.
	ReconcileInterval time.Duration

	// At most how many rebuilds run at once.
	MaxConcurrentRebuilds int

	// How long a single control RPC to a node may take.
	NodeRPCTimeout time.Duration

	// How long a rebuild may take, including the copy.
	RebuildTimeout time.Duration
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c *Config) Validate() error {
	if c.StatePath == "" {
		return fmt.Errorf("StatePath can not be empty")
	}
	if c.NodeUnhealthy <= 0 || c.NodeDown < c.NodeUnhealthy {
		return fmt.Errorf("need 0 < NodeUnhealthy <= NodeDown")
	}
	if c.ReplicaHeartbeatTimeout <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("ReplicaHeartbeatTimeout and ReconcileInterval must be positive")
	}
	if c.MaxConcurrentRebuilds <= 0 {
		return fmt.Errorf("MaxConcurrentRebuilds must be positive")
	}
	if c.NodeRPCTimeout <= 0 || c.RebuildTimeout <= 0 {
		return fmt.Errorf("NodeRPCTimeout and RebuildTimeout must be positive")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production environment.
var DefaultProdConfig = Config{
	Addr:               ":58000",
	StatePath:          "/var/lib/blockvol/controller.db",
	UseFailure:         false,
	RejectReqThreshold: 100,

	// --- Node Monitor ---
	// NOTE: Related to node.Config.HeartbeatInterval. Missing a handful of
	// beats makes a node unhealthy; being gone for a while fails it over.
	NodeUnhealthy:            15 * time.Second,
	NodeDown:                 time.Minute,
	NodeHeartbeatGracePeriod: 2 * time.Minute,
	ReplicaHeartbeatTimeout:  time.Minute,

	// --- Reconcile Loop ---
	ReconcileInterval:     5 * time.Second,
	MaxConcurrentRebuilds: 4,
	NodeRPCTimeout:        10 * time.Second,
	RebuildTimeout:        6 * time.Hour,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing environment.
var DefaultTestConfig = Config{
	Addr:               "localhost:0",
	StatePath:          "controller.db",
	UseFailure:         true,
	RejectReqThreshold: 100,

	NodeUnhealthy:            200 * time.Millisecond,
	NodeDown:                 500 * time.Millisecond,
	NodeHeartbeatGracePeriod: 0,
	ReplicaHeartbeatTimeout:  500 * time.Millisecond,

	ReconcileInterval:     20 * time.Millisecond,
	MaxConcurrentRebuilds: 2,
	NodeRPCTimeout:        time.Second,
	RebuildTimeout:        5 * time.Second,
}
