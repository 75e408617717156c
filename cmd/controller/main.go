// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"net"
	"os"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/blockvol/internal/backup"
	"github.com/westerndigitalcorporation/blockvol/internal/controller"
	"github.com/westerndigitalcorporation/blockvol/internal/replica"
	"github.com/westerndigitalcorporation/blockvol/internal/snapshot"
	"github.com/westerndigitalcorporation/blockvol/pkg/failures"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'controller.DefaultProdConfig',
      'snapshot.DefaultProdConfig' and 'backup.DefaultFileConfig'.

  (2) Optional configuration files (in json format) can be specified via
      command-line flags '-controllerCfg', '-snapshotCfg' and '-backupCfg' to
      override the default values.

  (3) Optional flags can be used to override each individual parameter set in
      the previous two steps, e.g., '-addr=":58000"'.

*/

var (
	cfg       = controller.DefaultProdConfig
	snapCfg   = snapshot.DefaultProdConfig
	backupCfg = backup.DefaultFileConfig

	// Config file names.
	controllerFile = flag.String("controllerCfg", "", "configuration file for the controller")
	snapshotFile   = flag.String("snapshotCfg", "", "configuration file for snapshots and retention")
	backupFile     = flag.String("backupCfg", "", "configuration file for the backup target")

	addr       = flag.String("addr", "", "service address")
	statePath  = flag.String("state", "", "path of the durable state")
	backupDir  = flag.String("backupDir", "", "directory backups are exported to; no backups if empty")
	useFailure = flag.Bool("useFailure", false, "whether to enable the failure service")
)

func decodeFile(name string, v interface{}) {
	if name == "" {
		return
	}
	f, err := os.Open(name)
	if err != nil {
		log.Fatalf("couldn't open the provided config file: %s", err)
	}
	defer f.Close()
	if err = json.NewDecoder(f).Decode(v); err != nil {
		log.Fatalf("failed to decode the config file %s: %s", name, err)
	}
}

// Initialize config parameters. It first tries to read from configuration files
// and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	decodeFile(*controllerFile, &cfg)
	decodeFile(*snapshotFile, &snapCfg)
	decodeFile(*backupFile, &backupCfg)

	// Flags only override when set to something other than their zero value.
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *statePath != "" {
		cfg.StatePath = *statePath
	}
	if *backupDir != "" {
		backupCfg.Dir = *backupDir
	}
	if *useFailure {
		cfg.UseFailure = true
	}
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid controller configuration: %v", err)
	}
	if err := snapCfg.Validate(); err != nil {
		log.Fatalf("invalid snapshot configuration: %v", err)
	}

	if cfg.UseFailure {
		log.Infof("enabling failure service")
		failures.Init()
	}

	c, err := controller.NewController(cfg, controller.NewRPCNodeTalker())
	if err != nil {
		log.Fatalf("couldn't create controller: %s", err)
	}
	defer c.Close()

	var target backup.Target
	if backupCfg.Dir != "" {
		ft, err := backup.NewFileTarget(backupCfg)
		if err != nil {
			log.Fatalf("couldn't open backup target: %s", err)
		}
		defer ft.Close()
		target = ft
	} else {
		log.Infof("no backup directory configured, exports are disabled")
	}

	m := snapshot.NewManager(snapCfg, c, replica.NewRPCTalker(), target)
	defer m.Close()
	c.SetSnapshotService(m)
	m.Start()
	c.Start()

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatalf("couldn't listen on %s: %s", cfg.Addr, err)
	}
	log.Infof("starting controller...")
	if err := c.Serve(l); err != nil {
		log.Fatalf("controller stopped: %s", err)
	}
}
