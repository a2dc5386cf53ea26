// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/signal"

	"acln.ro/perfdb"
	"acln.ro/perfdb/capture"
	"acln.ro/perfdb/eventlog"
	"acln.ro/perfdb/sqlitestore"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var recordFlags struct {
	events    []string
	output    string
	cpus      []int
	period    uint64
	branches  bool
	eventsOut string
}

var recordCmd = &cobra.Command{
	Use:   "record [flags] -- <command> [args]",
	Short: "Record a command and export its samples.",
	Long: `Record a command and export its samples to a new database.

The command is started stopped, sampling is set up on every CPU, and the
command then runs to completion. Samples are exported as they are read.
Memory level information needs a memory load event, for example:

	perfdb record -e cpu/mem-loads,ldlat=30/P -- ./a.out
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecord,
}

func init() {
	f := recordCmd.Flags()
	f.StringArrayVarP(&recordFlags.events, "event", "e", nil, "event to sample, repeatable (default cycles)")
	f.StringVarP(&recordFlags.output, "output", "o", "perf.db", "database to create")
	f.IntSliceVar(&recordFlags.cpus, "cpu", nil, "CPUs to sample on (default all online CPUs)")
	f.Uint64VarP(&recordFlags.period, "count", "c", capture.DefaultSamplePeriod, "sample period")
	f.BoolVarP(&recordFlags.branches, "branch-any", "b", false, "sample taken branches, exported as the branch side of each sample")
	f.StringVar(&recordFlags.eventsOut, "events-out", "", "also write the recorded events to this event log")
	addSessionFlags(recordCmd)
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	opts, err := sessionOptions(cmd)
	if err != nil {
		return err
	}
	store, err := sqlitestore.Create(recordFlags.output)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := capture.Config{
		Events:       recordFlags.events,
		CPUs:         recordFlags.cpus,
		CallGraph:    opts.CallGraph,
		BranchStack:  recordFlags.branches,
		SamplePeriod: recordFlags.period,
	}
	child := exec.Command(args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	var rec *capture.Recorder
	err = capture.StartTraced(child, func(pid int) error {
		r, err := capture.NewRecorder(cfg, pid)
		if err != nil {
			return err
		}
		if err := r.Enable(); err != nil {
			r.Close()
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx := cmd.Context()
	rec.Start(ctx)

	// Interrupts reach the child too: stop reading once it is gone, or
	// when interrupted again.
	sigctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	waited := make(chan error, 1)
	go func() {
		waited <- child.Wait()
		if err := rec.Stop(); err != nil {
			glog.Warningf("stopping capture: %v", err)
		}
	}()
	go func() {
		<-sigctx.Done()
		rec.Stop()
	}()

	var src perfdb.Source = rec
	var log *eventlog.Writer
	if recordFlags.eventsOut != "" {
		f, err := os.Create(recordFlags.eventsOut)
		if err != nil {
			return err
		}
		defer f.Close()
		log = eventlog.NewWriter(f)
		src = eventlog.Tee(src, log)
	}

	report, err := export(context.WithoutCancel(ctx), store, opts, src)
	if err != nil {
		return err
	}
	if log != nil {
		if err := log.Flush(); err != nil {
			return err
		}
	}
	printReport(cmd.OutOrStdout(), recordFlags.output, report)

	if err := <-waited; err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return err
		}
		glog.Warningf("%s: %v", args[0], err)
	}
	return nil
}
