// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package replica

import (
	"fmt"
	"time"
)

// Config encapsulates parameters for replica agents.
type Config struct {
	// How many times a write or read that hit a local I/O fault is retried
	// before the fault is returned to the engine.
	IORetries int
	// How long to wait before the first I/O retry. Later waits grow.
	IORetrySleep time.Duration

	// Bytes per second a rebuild may pull from its source. Zero means unlimited.
	RebuildRate int64
	// How long a rebuild may take before it's abandoned.
	RebuildTimeout time.Duration
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.IORetries < 0 {
		return fmt.Errorf("IORetries can not be negative")
	}
	if c.RebuildRate < 0 {
		return fmt.Errorf("RebuildRate can not be negative")
	}
	if c.RebuildTimeout <= 0 {
		return fmt.Errorf("RebuildTimeout must be positive")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	IORetries:    3,
	IORetrySleep: 50 * time.Millisecond,

	// A full rebuild of a 100GB volume takes a bit under 20 minutes at this rate.
	RebuildRate:    100 * 1024 * 1024,
	RebuildTimeout: 6 * time.Hour,
}

// DefaultTestConfig specifies the default values for Config that is used for testing.
var DefaultTestConfig = Config{
	IORetries:      2,
	IORetrySleep:   time.Millisecond,
	RebuildRate:    0,
	RebuildTimeout: 10 * time.Second,
}
