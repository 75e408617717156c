// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package snapshot

import (
	"fmt"
	"time"
)

// Config encapsulates parameters for the snapshot manager.
type Config struct {
	// A volume's chain of incremental snapshots is at most this long; the
	// next snapshot is a base. Zero means never take a base after the first.
	MaxChainLength int

	// Retention. A snapshot is kept if it's among the newest MaxCount of its
	// volume and younger than MaxAge. Zero disables either rule.
	MaxCount int
	MaxAge   time.Duration

	// How often retention runs.
	PruneInterval time.Duration

	// Bytes per second an export may pull from replicas. Zero is unlimited.
	ExportRate float64

	// At most how many exports run at once, and how long each may take.
	MaxConcurrentExports int
	ExportTimeout        time.Duration

	// How long a single request to a replica may take.
	RPCTimeout time.Duration
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.MaxChainLength < 0 || c.MaxCount < 0 || c.MaxAge < 0 || c.ExportRate < 0 {
		return fmt.Errorf("chain length, retention and rate can not be negative")
	}
	if c.PruneInterval <= 0 {
		return fmt.Errorf("PruneInterval must be positive")
	}
	if c.MaxConcurrentExports < 1 {
		return fmt.Errorf("MaxConcurrentExports must be at least 1")
	}
	if c.ExportTimeout <= 0 || c.RPCTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	MaxChainLength:       32,
	MaxCount:             48,
	MaxAge:               7 * 24 * time.Hour,
	PruneInterval:        10 * time.Minute,
	ExportRate:           50 * 1024 * 1024,
	MaxConcurrentExports: 2,
	ExportTimeout:        12 * time.Hour,
	RPCTimeout:           time.Minute,
}

// DefaultTestConfig specifies the default values for Config that is used for testing.
var DefaultTestConfig = Config{
	MaxChainLength:       0,
	MaxCount:             0,
	MaxAge:               0,
	PruneInterval:        time.Hour,
	ExportRate:           0,
	MaxConcurrentExports: 2,
	ExportTimeout:        10 * time.Second,
	RPCTimeout:           time.Second,
}
