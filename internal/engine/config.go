// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"
	"time"
)

// Config encapsulates parameters for engines.
type Config struct {
	// Number of Healthy acks a write needs. Zero means a majority of the
	// desired replica count.
	QuorumOverride int

	// How long a write (or snapshot) may wait for its quorum. Also bounds
	// each individual request to a replica.
	WriteTimeout time.Duration

	// How long a replica sender keeps resending a write that failed with a
	// transient error before giving up on the replica.
	WriteRetryWindow time.Duration

	// Initial backoff between resends.
	RetrySleep time.Duration

	// Replica liveness checking. A replica that fails MissedHeartbeats pings
	// in a row is reported as suspect.
	PingInterval     time.Duration
	PingTimeout      time.Duration
	MissedHeartbeats int

	// How long one replica read may take before we move on to the next one.
	ReadTimeout time.Duration

	// Writes queued for one replica. A replica that falls this far behind is
	// treated as failed.
	QueueDepth int
}

// Validate validates the configuration object has reasonable (not obviously
// wrong) values.
func (c Config) Validate() error {
	switch {
	case c.QuorumOverride < 0:
		return fmt.Errorf("QuorumOverride can not be negative")
	case c.WriteTimeout <= 0 || c.ReadTimeout <= 0 || c.PingTimeout <= 0:
		return fmt.Errorf("timeouts must be positive")
	case c.PingInterval <= 0:
		return fmt.Errorf("PingInterval must be positive")
	case c.MissedHeartbeats < 1:
		return fmt.Errorf("MissedHeartbeats must be at least 1")
	case c.QueueDepth < 1:
		return fmt.Errorf("QueueDepth must be at least 1")
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production.
var DefaultProdConfig = Config{
	WriteTimeout:     8 * time.Second,
	WriteRetryWindow: 4 * time.Second,
	RetrySleep:       50 * time.Millisecond,
	PingInterval:     2 * time.Second,
	PingTimeout:      time.Second,
	MissedHeartbeats: 3,
	ReadTimeout:      4 * time.Second,
	QueueDepth:       1024,
}

// DefaultTestConfig specifies the default values for Config that is used for testing.
var DefaultTestConfig = Config{
	WriteTimeout:     time.Second,
	WriteRetryWindow: 100 * time.Millisecond,
	RetrySleep:       5 * time.Millisecond,
	PingInterval:     20 * time.Millisecond,
	PingTimeout:      50 * time.Millisecond,
	MissedHeartbeats: 2,
	ReadTimeout:      200 * time.Millisecond,
	QueueDepth:       64,
}
