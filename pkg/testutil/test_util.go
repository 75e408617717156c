// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Helpers for tests that need scratch space on disk. Put this in a file named
// main_test.go in your package and the process temp directory is removed
// after a successful run (failed runs keep it around for inspection):
/*

package mypkg

import (
	"testing"

	"github.com/westerndigitalcorporation/blockvol/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

*/

package testutil

import (
	"flag"
	"os"
	"path/filepath"
	"sync"
	"testing"

	log "github.com/golang/glog"
)

var (
	tempDirOnce sync.Once
	tempDir     string
)

// TempDir gets a temp directory that's exclusive to this process (but not
// necessarily other tests in the same process). Use os.MkdirTemp on the
// result to get a directory exclusive to a particular test.
func TempDir() string {
	tempDirOnce.Do(func() {
		var err error
		tempDir, err = os.MkdirTemp("", filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("couldn't create temp dir: %s", err)
		}
	})
	return tempDir
}

// TestMain should be called from your package TestMain to ensure that the process
// temp directory is cleaned up on successful runs.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 && tempDir != "" {
		os.RemoveAll(tempDir)
	}
	os.Exit(ret)
}
