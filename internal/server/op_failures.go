// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/core"
)

// OpFailure maps names (operations, replicas) to injected errors. Its Handler
// is registered with the failure service.
type OpFailure struct {
	lock     sync.Mutex
	failures map[string]core.Error
}

// NewOpFailure creates a new OpFailure.
func NewOpFailure() *OpFailure {
	return &OpFailure{failures: make(map[string]core.Error)}
}

// Get returns the registered error for 'name', NoError if there is none.
func (f *OpFailure) Get(name string) core.Error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.failures[name]
}

// Handler updates the failure configuration from a JSON object of names to
// error numbers. nil clears it.
func (f *OpFailure) Handler(config json.RawMessage) error {
	var failures map[string]core.Error
	if config != nil {
		if err := json.Unmarshal(config, &failures); err != nil {
			log.Errorf("failed to unmarshal failure config: %s", err)
			return err
		}
	}
	if failures == nil {
		failures = make(map[string]core.Error)
	}

	f.lock.Lock()
	f.failures = failures
	f.lock.Unlock()
	log.Infof("injected failures are now %v", failures)
	return nil
}
