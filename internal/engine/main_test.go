// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"testing"

	"github.com/westerndigitalcorporation/blockvol/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}
