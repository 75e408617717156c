// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"time"
)

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for single component, probably it should not be
// placed here.
const (
	// BlockSize is the fixed block size of 4 KB. All I/O offsets and lengths
	// are multiples of it.
	BlockSize = 4096

	// MaxReplicationFactor is the maximum allowed desired replica count of a volume.
	MaxReplicationFactor int = 10

	// MaxIOSize bounds the length of a single read or write.
	MaxIOSize = 4 * 1024 * 1024

	// RPCTimeout bounds a single control-plane RPC.
	RPCTimeout = 10 * time.Second
)

// Aligned returns whether offset and length describe a non-empty,
// block-aligned range.
func Aligned(offset int64, length int) bool {
	return offset >= 0 && length > 0 && offset%BlockSize == 0 && length%BlockSize == 0
}

// Quorum returns the number of acknowledgments required for a write to a
// volume with the given desired replica count: a simple majority.
func Quorum(desired int) int {
	return desired/2 + 1
}
