// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures implements the failure injection service. It keeps a
// process-wide map from keys to JSON values. A component that can fail on
// purpose registers a handler under a key; the handler is called with the new
// value whenever the key is set, and with nil when it's cleared.
//
// The configuration is exposed over HTTP: GET returns all keys and values as
// a JSON object, POST replaces the whole configuration. Keys missing from a
// POST are cleared, so posting "{}" resets every failure:
//
//	curl http://<host>:<port>/__failure__ -XPOST -d '{"replica_faults": {"vol-r-1a2b3c4d": 1}}'
//
// Tests use Set to do the same without going through HTTP.
package failures

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	log "github.com/golang/glog"
)

// DefaultFailureServicePath is the path that the failure service handler will
// be mounted on, by default.
const DefaultFailureServicePath = "/__failure__"

// Handler interprets the value of a key. A nil value means no failure.
type Handler func(json.RawMessage) error

var registry = struct {
	lock     sync.Mutex
	values   map[string]json.RawMessage
	handlers map[string]Handler
}{
	values:   make(map[string]json.RawMessage),
	handlers: make(map[string]Handler),
}

// Init mounts the failure service on the default path on the default http mux.
func Init() {
	http.HandleFunc(DefaultFailureServicePath, ServeHTTP)
}

// Register registers a failure handler under 'key'. A key can only be
// registered once per process.
func Register(key string, h Handler) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	if _, ok := registry.handlers[key]; ok {
		return fmt.Errorf("key %q is already registered", key)
	}
	registry.handlers[key] = h
	registry.values[key] = nil
	return nil
}

// Set sets the value of one key, leaving the others alone. A nil value clears it.
func Set(key string, value json.RawMessage) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return set(key, value)
}

func set(key string, value json.RawMessage) error {
	h, ok := registry.handlers[key]
	if !ok {
		return fmt.Errorf("key %q is not registered", key)
	}
	if value == nil && registry.values[key] == nil {
		return nil
	}
	if err := h(value); err != nil {
		return err
	}
	registry.values[key] = value
	log.Infof("failure config %q is now %s", key, string(value))
	return nil
}

// replace makes 'updates' the whole configuration.
func replace(updates map[string]json.RawMessage) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	for key := range updates {
		if _, ok := registry.handlers[key]; !ok {
			return fmt.Errorf("key %q is not registered", key)
		}
	}
	for key := range registry.handlers {
		if err := set(key, updates[key]); err != nil {
			return err
		}
	}
	return nil
}

// ServeHTTP serves GET and POST on the failure configuration.
func ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		registry.lock.Lock()
		b, err := json.Marshal(registry.values)
		registry.lock.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	case "POST":
		var updates map[string]json.RawMessage
		if err := json.NewDecoder(req.Body).Decode(&updates); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := replace(updates); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, fmt.Sprintf("unsupported method %s", req.Method), http.StatusMethodNotAllowed)
	}
}
