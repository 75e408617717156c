// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package node

import (
	"fmt"
	"time"

	"github.com/westerndigitalcorporation/blockvol/internal/blockstore"
	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/engine"
	"github.com/westerndigitalcorporation/blockvol/internal/replica"
)

// Config encapsulates parameters for node agents.
type Config struct {
	ID             core.NodeID // Identity of this node.
	Addr           string      // Address for service.
	Rack           string      // Failure domain, may be empty.
	ControllerAddr string      // Where the controller is.

	// Where replica data lives, one directory per replica. If empty,
	// replicas are kept in memory and Capacity is what's reported.
	DataDir  string
	Capacity int64

	// How often to send heartbeats to the controller.
	HeartbeatInterval time.Duration

	// Pending replica requests are rejected after this threshold.
	RejectReqThreshold int

	// Whether to enable the failure service.
	UseFailure bool

	Replica replica.Config
	Engine  engine.Config
	Store   blockstore.Config
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("ID of the node can not be empty")
	}
	if c.DataDir == "" && c.Capacity <= 0 {
		return fmt.Errorf("in-memory nodes need a Capacity")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HeartbeatInterval must be positive")
	}
	if c.RejectReqThreshold < 1 {
		return fmt.Errorf("RejectReqThreshold must be at least 1")
	}
	if err := c.Replica.Validate(); err != nil {
		return err
	}
	return c.Engine.Validate()
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	Addr:               "localhost:58100",
	ControllerAddr:     "localhost:58000",
	DataDir:            "/var/lib/blockvol",
	HeartbeatInterval:  2 * time.Second,
	RejectReqThreshold: 1000,
	UseFailure:         false,
	Replica:            replica.DefaultProdConfig,
	Engine:             engine.DefaultProdConfig,
	Store:              blockstore.DefaultConfig,
}

// DefaultTestConfig specifies the default values for Config that is used for testing.
var DefaultTestConfig = Config{
	Capacity:           1 << 30,
	HeartbeatInterval:  20 * time.Millisecond,
	RejectReqThreshold: 100,
	UseFailure:         true,
	Replica:            replica.DefaultTestConfig,
	Engine:             engine.DefaultTestConfig,
	Store:              blockstore.DefaultConfig,
}
