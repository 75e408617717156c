// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"testing"
)

func TestParseSize(t *testing.T) {
	for in, want := range map[string]int64{
		"4096": 4096,
		"8k":   8 << 10,
		"16M":  16 << 20,
		" 2G ": 2 << 30,
		"1T":   1 << 40,
	} {
		if got, err := parseSize(in); err != nil || got != want {
			t.Errorf("%q: expected %d, got %d (%v)", in, want, got, err)
		}
	}
	for _, in := range []string{"", "G", "-1", "0", "1.5G", "12X"} {
		if _, err := parseSize(in); err == nil {
			t.Errorf("%q should not parse", in)
		}
	}
}
