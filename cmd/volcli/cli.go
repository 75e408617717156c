// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"
	"golang.org/x/net/context/ctxhttp"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/blockvol/client/volume"
	"github.com/westerndigitalcorporation/blockvol/internal/backup"
	"github.com/westerndigitalcorporation/blockvol/internal/blockstore"
	"github.com/westerndigitalcorporation/blockvol/internal/core"
	"github.com/westerndigitalcorporation/blockvol/internal/snapshot"
	"github.com/westerndigitalcorporation/blockvol/pkg/failures"
)

var usage = `
	volcli is a tool to manage volumes through a running controller.

	You can use volcli in two modes: either issue one command:

		volcli [--controller <spec>] <subcommand> [<flags>...]

	or start a command line interpreter to issue commands interactively:

		volcli [--controller <spec>] shell

	The controller spec is a comma separated list of host:port addresses or
	DNS names; names get the default controller port.
	`

// volCli lets users manage volumes, snapshots and backups.
type volCli struct {
	// the actual client we'll use to talk to the controller.
	clt *volume.Client
	// Cache key to know when we can reuse clt.
	cltCacheKey string
	// the command line framework we'll use to launch commands.
	app *cli.App
	// True if we are running a shell.
	inShell bool
}

func newVolCli() *volCli {
	b := &volCli{}
	app := cli.NewApp()
	app.Name = "volcli"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "controller, c",
			Usage: "controller address spec",
			Value: "localhost:" + volume.DefaultControllerPort,
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "how long a command may take, including retries",
			Value: 30 * time.Second,
		},
	}

	volFlag := cli.StringFlag{
		Name:  "volume, v",
		Usage: "volume name",
	}
	nodeFlag := cli.StringFlag{
		Name:  "node, n",
		Usage: "node ID",
	}
	snapFlag := cli.StringFlag{
		Name:  "snapshot, s",
		Usage: "snapshot ID",
	}

	app.Commands = []cli.Command{
		{
			Name:    "create",
			Aliases: []string{"c"},
			Usage:   "Creates a new volume.",
			Flags: []cli.Flag{
				volFlag,
				cli.StringFlag{
					Name:  "size",
					Usage: "size in bytes, with an optional K, M, G or T suffix",
				},
				cli.IntFlag{
					Name:  "replicas, r",
					Usage: "number of replicas",
					Value: 3,
				},
			},
			Action: b.cmdCreate,
		},
		{
			Name:    "stat",
			Aliases: []string{"s"},
			Usage:   "Shows a volume and its replicas.",
			Flags:   []cli.Flag{volFlag},
			Action:  b.cmdStat,
		},
		{
			Name:    "rm",
			Aliases: []string{"delete"},
			Usage:   "Deletes a volume.",
			Flags:   []cli.Flag{volFlag},
			Action:  b.cmdRm,
		},
		{
			Name:      "ls",
			Usage:     "Lists volumes.",
			ArgsUsage: "[prefix]",
			Action:    b.cmdList,
		},
		{
			Name:   "attach",
			Usage:  "Attaches a volume on a node.",
			Flags:  []cli.Flag{volFlag, nodeFlag},
			Action: b.cmdAttach,
		},
		{
			Name:   "detach",
			Usage:  "Detaches a volume.",
			Flags:  []cli.Flag{volFlag},
			Action: b.cmdDetach,
		},
		{
			Name:   "moved",
			Usage:  "Tells the controller a volume's workload moved to another node.",
			Flags:  []cli.Flag{volFlag, nodeFlag},
			Action: b.cmdMoved,
		},
		{
			Name:   "snapshot",
			Usage:  "Takes a snapshot of an attached volume.",
			Flags:  []cli.Flag{volFlag},
			Action: b.cmdSnapshot,
		},
		{
			Name:   "snapshots",
			Usage:  "Lists the snapshots of a volume.",
			Flags:  []cli.Flag{volFlag},
			Action: b.cmdSnapshots,
		},
		{
			Name:   "backup",
			Usage:  "Starts exporting a snapshot to the controller's backup target.",
			Flags:  []cli.Flag{snapFlag},
			Action: b.cmdBackup,
		},
		{
			Name:  "backups",
			Usage: "Lists the backups in a backup directory.",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "dir, d", Usage: "backup directory"},
				volFlag,
			},
			Action: b.cmdBackups,
		},
		{
			Name:  "restore",
			Usage: "Restores a backup from a backup directory into a replica directory.",
			Description: `
Reads the backup straight from the backup directory, so it works without a
controller. The output directory can be used as the data of a new replica.`,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "dir, d", Usage: "backup directory"},
				cli.StringFlag{Name: "backup, b", Usage: "backup ID"},
				cli.StringFlag{Name: "out, o", Usage: "directory to restore into"},
			},
			Action: b.cmdRestore,
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: b.cmdShell,
		},
		{
			Name:      "fget",
			Usage:     "Return current failure configuration of a node agent or controller.",
			ArgsUsage: "<host:port>",
			Action:    b.cmdFailureConfigGet,
		},
		{
			Name:      "fset",
			Usage:     "Replace the failure configuration of a node agent or controller.",
			ArgsUsage: "<host:port> <key1> <value1> <key2> <value2> ...",
			Description: `
Replaces the failure configuration of a service with the given key-value pairs.
Keys that aren't given are cleared, so giving none resets every failure.`,
			Action: b.cmdFailureConfigSet,
		},
	}
	b.app = app

	// By default 'HelpName' will be the parent command name('cli' in our case) +
	// command name. Overwrite 'HelpName' to be command name only.
	for i := range b.app.Commands {
		b.app.Commands[i].HelpName = b.app.Commands[i].Name
	}
	return b
}

// run starts a command specified by users.
func (b *volCli) run(args []string) error {
	return b.app.Run(args)
}

// stop frees up all resource used by the volCli object.
func (b *volCli) stop() {
	if b.clt != nil {
		b.clt.Close()
	}
}

// getClient returns a client for the controller, reusing the last one if it
// talks to the same controllers.
func (b *volCli) getClient(c *cli.Context) *volume.Client {
	spec := c.GlobalString("controller")
	if b.clt != nil && b.cltCacheKey == spec {
		return b.clt
	}
	if b.clt != nil {
		b.clt.Close()
	}
	b.clt = volume.NewClient(volume.Options{Controller: spec, RetryTimeout: c.GlobalDuration("timeout")})
	b.cltCacheKey = spec
	return b.clt
}

func (b *volCli) ctx(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.GlobalDuration("timeout"))
}

// volumeArg returns the --volume flag, complaining if it's missing.
func volumeArg(c *cli.Context) (core.VolumeID, bool) {
	vol := core.VolumeID(c.String("volume"))
	if !vol.Valid() {
		log.Errorf("Missing or invalid volume name %q", vol)
		return "", false
	}
	return vol, true
}

// parseSize parses a byte count like "10G". Suffixes are powers of 1024.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K':
			mult = 1 << 10
		case 'M':
			mult = 1 << 20
		case 'G':
			mult = 1 << 30
		case 'T':
			mult = 1 << 40
		}
		if mult != 1 {
			s = s[:n-1]
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return v * mult, nil
}

func printVolume(info core.VolumeInfo) {
	engine := "---"
	if info.EngineNode != "" {
		engine = fmt.Sprintf("%s@%s", info.EngineNode, info.Epoch)
	}
	degraded := ""
	if info.Degraded {
		degraded = " DEGRADED"
	}
	log.Infof("%s Size=%d Desired=%d State=%s Engine=%s Head=%s%s",
		info.ID, info.Size, info.Desired, info.State, engine, info.Head, degraded)
}

// cmdCreate implements the "create" subcommand.
func (b *volCli) cmdCreate(c *cli.Context) {
	vol, ok := volumeArg(c)
	if !ok {
		return
	}
	size, err := parseSize(c.String("size"))
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	ctx, cancel := b.ctx(c)
	defer cancel()
	info, verr := b.getClient(c).Create(ctx, vol, size, c.Int("replicas"))
	if verr != core.NoError {
		log.Errorf("Couldn't create volume: %s", verr)
		return
	}
	printVolume(info)
}

// cmdStat implements the "stat" subcommand.
func (b *volCli) cmdStat(c *cli.Context) {
	vol, ok := volumeArg(c)
	if !ok {
		return
	}
	ctx, cancel := b.ctx(c)
	defer cancel()
	info, err := b.getClient(c).Get(ctx, vol)
	if err != core.NoError {
		log.Errorf("Couldn't get volume: %s", err)
		return
	}
	printVolume(info)
	for _, r := range info.Replicas {
		log.Infof("     %s on %s: %s", r.ID, r.Node, r.State)
	}
}

// cmdRm implements the "rm" subcommand.
func (b *volCli) cmdRm(c *cli.Context) {
	vol, ok := volumeArg(c)
	if !ok {
		return
	}
	ctx, cancel := b.ctx(c)
	defer cancel()
	if err := b.getClient(c).Delete(ctx, vol); err != core.NoError {
		log.Errorf("Error: %s", err)
	}
}

// cmdList implements the "ls" subcommand.
func (b *volCli) cmdList(c *cli.Context) {
	ctx, cancel := b.ctx(c)
	defer cancel()
	vols, err := b.getClient(c).List(ctx, c.Args().First())
	if err != core.NoError {
		log.Errorf("Error: %s", err)
		return
	}
	for _, v := range vols {
		printVolume(v)
	}
}

// cmdAttach implements the "attach" subcommand.
func (b *volCli) cmdAttach(c *cli.Context) {
	vol, ok := volumeArg(c)
	if !ok {
		return
	}
	ctx, cancel := b.ctx(c)
	defer cancel()
	if err := b.getClient(c).Attach(ctx, vol, core.NodeID(c.String("node"))); err != core.NoError {
		log.Errorf("Couldn't attach: %s", err)
	}
}

// cmdDetach implements the "detach" subcommand.
func (b *volCli) cmdDetach(c *cli.Context) {
	vol, ok := volumeArg(c)
	if !ok {
		return
	}
	ctx, cancel := b.ctx(c)
	defer cancel()
	if err := b.getClient(c).Detach(ctx, vol); err != core.NoError {
		log.Errorf("Couldn't detach: %s", err)
	}
}

// cmdMoved implements the "moved" subcommand.
func (b *volCli) cmdMoved(c *cli.Context) {
	vol, ok := volumeArg(c)
	if !ok {
		return
	}
	ctx, cancel := b.ctx(c)
	defer cancel()
	if err := b.getClient(c).WorkloadMoved(ctx, vol, core.NodeID(c.String("node"))); err != core.NoError {
		log.Errorf("Couldn't move: %s", err)
	}
}

// cmdSnapshot implements the "snapshot" subcommand.
func (b *volCli) cmdSnapshot(c *cli.Context) {
	vol, ok := volumeArg(c)
	if !ok {
		return
	}
	ctx, cancel := b.ctx(c)
	defer cancel()
	s, err := b.getClient(c).Snapshot(ctx, vol)
	if err != core.NoError {
		log.Errorf("Couldn't take snapshot: %s", err)
		return
	}
	log.Infof("New snapshot: %s", s.ID)
}

// cmdSnapshots implements the "snapshots" subcommand.
func (b *volCli) cmdSnapshots(c *cli.Context) {
	vol, ok := volumeArg(c)
	if !ok {
		return
	}
	ctx, cancel := b.ctx(c)
	defer cancel()
	snaps, err := b.getClient(c).Snapshots(ctx, vol)
	if err != core.NoError {
		log.Errorf("Error: %s", err)
		return
	}
	for _, s := range snaps {
		parent := string(s.Parent)
		if parent == "" {
			parent = "(base)"
		}
		log.Infof("%s %s parent=%s", s.Created.Format(time.RFC3339), s.ID, parent)
	}
}

// cmdBackup implements the "backup" subcommand.
func (b *volCli) cmdBackup(c *cli.Context) {
	snap := core.SnapshotID(c.String("snapshot"))
	if snap == "" {
		log.Errorf("Missing snapshot")
		return
	}
	ctx, cancel := b.ctx(c)
	defer cancel()
	id, err := b.getClient(c).ExportBackup(ctx, snap)
	if err != core.NoError {
		log.Errorf("Couldn't start export: %s", err)
		return
	}
	log.Infof("Exporting as backup %s", id)
}

func openTarget(c *cli.Context) (*backup.FileTarget, bool) {
	cfg := backup.DefaultFileConfig
	if cfg.Dir = c.String("dir"); cfg.Dir == "" {
		log.Errorf("Missing backup directory")
		return nil, false
	}
	t, err := backup.NewFileTarget(cfg)
	if err != nil {
		log.Errorf("Couldn't open backup directory: %s", err)
		return nil, false
	}
	return t, true
}

// cmdBackups implements the "backups" subcommand.
func (b *volCli) cmdBackups(c *cli.Context) {
	t, ok := openTarget(c)
	if !ok {
		return
	}
	defer t.Close()
	list, err := t.List(core.VolumeID(c.String("volume")))
	if err != core.NoError {
		log.Errorf("Error: %s", err)
		return
	}
	for _, bk := range list {
		log.Infof("%s %s of %s snapshot=%s size=%d deltas=%d",
			bk.Created.Format(time.RFC3339), bk.ID, bk.Volume, bk.Snapshot, bk.Size, len(bk.Chain))
	}
}

// cmdRestore implements the "restore" subcommand.
func (b *volCli) cmdRestore(c *cli.Context) {
	id, out := core.BackupID(c.String("backup")), c.String("out")
	if id == "" || out == "" {
		log.Errorf("Both --backup and --out are required")
		return
	}
	t, ok := openTarget(c)
	if !ok {
		return
	}
	defer t.Close()

	list, err := t.List("")
	if err != core.NoError {
		log.Errorf("Error: %s", err)
		return
	}
	var size int64
	for _, bk := range list {
		if bk.ID == id {
			size = bk.Size
		}
	}
	if size == 0 {
		log.Errorf("No backup %s", id)
		return
	}

	store, err := blockstore.OpenFileStore(out, size, blockstore.DefaultConfig)
	if err != core.NoError {
		log.Errorf("Couldn't open %s: %s", out, err)
		return
	}
	defer store.Close()
	ctx, cancel := b.ctx(c)
	defer cancel()
	if err := snapshot.RestoreBackup(ctx, t, id, store); err != core.NoError {
		log.Errorf("Restore failed: %s", err)
		return
	}
	log.Infof("Restored %s into %s", id, out)
}

// cmdShell implements "shell" subcommand.
func (b *volCli) cmdShell(c *cli.Context) {
	b.inShell = true
	defer func() { b.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})
	defer liner.Close()

	for {
		input, err := liner.Prompt("(volcli) ")
		if err != nil {
			log.Errorf("error: %v", err)
			return
		}

		// Tokens follow shell rules for quoting and comments.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return
		}
		if b.runCommand(c, args...) == nil {
			liner.AppendHistory(input)
		}
	}
}

func failureURL(addr string) string {
	return "http://" + addr + failures.DefaultFailureServicePath
}

// cmdFailureConfigGet implements "fget" subcommand.
func (b *volCli) cmdFailureConfigGet(c *cli.Context) {
	if len(c.Args()) != 1 {
		b.app.Run([]string{"volcli", c.Command.Name, "-h"})
		return
	}
	ctx, cancel := b.ctx(c)
	defer cancel()
	resp, err := ctxhttp.Get(ctx, http.DefaultClient, failureURL(c.Args().First()))
	if err != nil {
		log.Errorf("Failed to get failure config: %v", err)
		return
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Errorf("Failed to get failure config: %s: %s", resp.Status, body)
		return
	}
	log.Infof("%s", body)
}

// cmdFailureConfigSet implements "fset" subcommand.
func (b *volCli) cmdFailureConfigSet(c *cli.Context) {
	kvs := c.Args().Tail()
	if len(c.Args()) < 1 || len(kvs)%2 != 0 {
		b.app.Run([]string{"volcli", c.Command.Name, "-h"})
		return
	}
	config := make(map[string]json.RawMessage)
	for i := 0; i < len(kvs); i += 2 {
		config[kvs[i]] = json.RawMessage(kvs[i+1])
	}
	data, err := json.Marshal(config)
	if err != nil {
		log.Errorf("Invalid value: %v", err)
		return
	}

	ctx, cancel := b.ctx(c)
	defer cancel()
	resp, err := ctxhttp.Post(ctx, http.DefaultClient, failureURL(c.Args().First()), "application/json", bytes.NewReader(data))
	if err != nil {
		log.Errorf("Failed to set the failure config: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		log.Errorf("Failed to set the failure config: %s: %s", resp.Status, body)
		return
	}
	log.Infof("Successfully replaced the failure config")
}

// runCommand runs a command after the cli gets started already, from the
// command interpreter.
func (b *volCli) runCommand(c *cli.Context, args ...string) error {
	cmdArgs := []string{"volcli", "--controller", c.GlobalString("controller"),
		"--timeout", c.GlobalDuration("timeout").String()}
	return b.run(append(cmdArgs, args...))
}
