// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/client/volume"
	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/frontend"
	"github.com/westerndigitalcorporation/blockvol/internal/node"
	"github.com/westerndigitalcorporation/blockvol/internal/replica"
	"github.com/westerndigitalcorporation/blockvol/pkg/failures"
	"github.com/westerndigitalcorporation/blockvol/platform/discovery"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'node.DefaultProdConfig'.

  (2) An optional configuration file (in json format) can be specified via
      the command-line flag '-nodeCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in
      the previous two steps, e.g., '-controller="ctl1:58000,ctl2:58000"'.

*/

var (
	cfg = node.DefaultProdConfig

	nodeFile = flag.String("nodeCfg", "", "configuration file for the node agent")

	id         = flag.String("id", "", "node ID, defaults to the hostname")
	addr       = flag.String("addr", "", "service address")
	rack       = flag.String("rack", "", "failure domain of this node")
	ctl        = flag.String("controller", "", "controller address spec")
	dataDir    = flag.String("dataDir", "", "directory replicas are kept in")
	mountPoint = flag.String("mount", "", "where to expose attached volumes with FUSE; off if empty")
	useFailure = flag.Bool("useFailure", false, "whether to enable the failure service")
)

// Initialize config parameters. It first tries to read from configuration files
// and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	if *nodeFile != "" {
		f, err := os.Open(*nodeFile)
		if err != nil {
			log.Fatalf("couldn't open the provided config file: %s", err)
		}
		if err = json.NewDecoder(f).Decode(&cfg); err != nil {
			log.Fatalf("failed to decode the config file: %s", err)
		}
		f.Close()
	}

	if *id != "" {
		cfg.ID = core.NodeID(*id)
	}
	if cfg.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatalf("no node ID given and no hostname: %s", err)
		}
		cfg.ID = core.NodeID(host)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *rack != "" {
		cfg.Rack = *rack
	}
	if *ctl != "" {
		cfg.ControllerAddr = *ctl
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *useFailure {
		cfg.UseFailure = true
	}
}

// engines exposes the node's engines to the frontend.
type engines struct {
	n *node.Node
}

func (e engines) Volumes() []core.VolumeID {
	return e.n.Volumes()
}

func (e engines) Device(vol core.VolumeID) frontend.Device {
	if eng := e.n.Engine(vol); eng != nil {
		return eng
	}
	return nil
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.UseFailure {
		log.Infof("enabling failure service")
		failures.Init()
	}

	// Heartbeats go to the first resolved controller address.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	addrs, err := discovery.Resolve(ctx, cfg.ControllerAddr, volume.DefaultControllerPort)
	cancel()
	if err != nil || len(addrs) == 0 {
		log.Fatalf("couldn't resolve controller %q: %v", cfg.ControllerAddr, err)
	}

	n := node.NewNode(cfg, replica.NewRPCTalker(), node.NewRPCControllerTalker(addrs[0]))
	n.Start()

	var ms *frontend.MountState
	if *mountPoint != "" {
		ms = frontend.Mount(engines{n}, string(cfg.ID), *mountPoint)
		log.Infof("mounted volumes %s", ms)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		if ms != nil {
			if err := ms.Unmount(); err != nil {
				log.Errorf("unmount failed: %s", err)
			}
		}
		n.Close()
		log.Flush()
		os.Exit(1)
	}()

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatalf("couldn't listen on %s: %s", cfg.Addr, err)
	}
	log.Infof("starting node agent %s...", cfg.ID)
	if err := n.Serve(l); err != nil {
		log.Fatalf("node agent stopped: %s", err)
	}
}
