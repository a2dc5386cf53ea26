// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"acln.ro/perfdb"

	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// DefaultEvents are the events sampled when Config.Events is empty.
var DefaultEvents = []string{"cycles"}

// DefaultSamplePeriod is the sample period used when Config.SamplePeriod
// is zero.
const DefaultSamplePeriod = 10000

// Config configures a Recorder.
type Config struct {
	// Events are the descriptions of the events to sample, as accepted
	// by ParseEvent.
	Events []string

	// CPUs are the CPUs to sample on. If empty, all online CPUs are used.
	CPUs []int

	// CallGraph requests callchains with every sample.
	CallGraph bool

	// BranchStack requests the taken branch stack with every sample.
	// The most recent branch becomes the branch side of the sample.
	BranchStack bool

	// SamplePeriod is the number of events between samples.
	SamplePeriod uint64

	// PMURoot is where PMUs are described. If empty, DefaultPMURoot is used.
	PMURoot string

	// SysRoot is the sysfs mount point. If empty, /sys is used.
	SysRoot string

	// RingPages is the number of data pages of each ring buffer.
	RingPages int

	// Symbolizer resolves sample addresses. If nil, an ELFSymbolizer
	// is used.
	Symbolizer Symbolizer
}

// Recorder samples a process on every configured CPU, and implements
// perfdb.Source over the resulting records. Rings are read concurrently,
// one goroutine per event and CPU, but records are translated and
// returned by Next one at a time.
type Recorder struct {
	cfg    Config
	pid    int
	attrs  []*Attr
	events []ringEvent
	host   *Host

	records chan taggedRecord
	done    chan struct{}
	err     error // set before done is closed

	startOnce sync.Once
	cancel    context.CancelFunc
	stopOnce  sync.Once
	stopErr   error
	pending   []perfdb.Event
}

type ringEvent struct {
	ev    *Event
	evsel uint64
	cpu   int
}

type taggedRecord struct {
	evsel uint64
	rec   Record
}

var _ perfdb.Source = (*Recorder)(nil)

// NewRecorder opens the configured events for process pid on every CPU.
// The events start disabled: call Enable to start sampling. If pid is
// positive, the current state of the process is synthesized into the
// event stream.
func NewRecorder(cfg Config, pid int) (*Recorder, error) {
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents
	}
	if cfg.SamplePeriod == 0 {
		cfg.SamplePeriod = DefaultSamplePeriod
	}
	if cfg.Symbolizer == nil {
		cfg.Symbolizer = &ELFSymbolizer{}
	}
	cpus := cfg.CPUs
	if len(cpus) == 0 {
		var err error
		cpus, err = OnlineCPUs(cfg.SysRoot)
		if err != nil {
			return nil, err
		}
	}
	r := &Recorder{
		cfg:     cfg,
		pid:     pid,
		host:    NewHost(cfg.CallGraph, cfg.Symbolizer),
		records: make(chan taggedRecord, 256),
		done:    make(chan struct{}),
	}
	for i, desc := range cfg.Events {
		attr, err := ParseEvent(cfg.PMURoot, desc)
		if err != nil {
			return nil, err
		}
		configureSampling(attr, cfg, i == 0)
		r.attrs = append(r.attrs, attr)
	}
	for i, attr := range r.attrs {
		for _, cpu := range cpus {
			ev, err := openPrecise(attr, pid, cpu, cfg.RingPages)
			if err != nil {
				r.closeEvents()
				return nil, fmt.Errorf("capture: opening %s on cpu %d: %w", attr.Label, cpu, err)
			}
			r.events = append(r.events, ringEvent{ev: ev, evsel: uint64(i + 1), cpu: cpu})
		}
	}
	labels := make([]string, len(r.attrs))
	for i, attr := range r.attrs {
		labels[i] = attr.Label
	}
	r.pending = append(r.pending, r.host.Start(labels)...)
	if pid > 0 {
		recs, err := SynthesizeProcess("", pid)
		if err != nil {
			r.closeEvents()
			return nil, err
		}
		for _, rec := range recs {
			r.pending = append(r.pending, r.host.Translate(0, rec)...)
		}
	}
	glog.V(1).Infof("capture: opened %d events on %d cpus", len(r.attrs), len(cpus))
	return r, nil
}

// configureSampling sets the sample format and options of a recorded
// event. Side band records are requested from the first event only.
func configureSampling(attr *Attr, cfg Config, sideband bool) {
	if attr.Sample == 0 {
		attr.SetSamplePeriod(cfg.SamplePeriod)
	}
	attr.SampleFormat = SampleFormat{
		IP:         true,
		Tid:        true,
		Time:       true,
		CPU:        true,
		Period:     true,
		Callchain:  cfg.CallGraph,
		Weight:     true,
		DataSource: true,
	}
	if attr.Type != SoftwareEvent {
		attr.SampleFormat.Transaction = true
	}
	if cfg.BranchStack {
		attr.SampleFormat.BranchStack = true
		attr.BranchSampleType = unix.PERF_SAMPLE_BRANCH_ANY | unix.PERF_SAMPLE_BRANCH_TYPE_SAVE
	}
	attr.Options.Disabled = true
	attr.Options.Inherit = true
	attr.Options.SampleIDAll = true
	if sideband {
		attr.Options.Mmap = true
		attr.Options.Comm = true
		attr.Options.Task = true
		attr.Options.CommExec = true
	}
}

// openPrecise opens attr, lowering the skid constraint until the PMU
// accepts it if attr.PreciseMax is set.
func openPrecise(attr *Attr, pid, cpu, ringPages int) (*Event, error) {
	if !attr.PreciseMax {
		return Open(attr, pid, cpu, ringPages)
	}
	a := *attr
	for skid := MustHaveZeroSkid; ; skid-- {
		a.Options.PreciseIP = skid
		ev, err := Open(&a, pid, cpu, ringPages)
		if err == nil || skid == CanHaveArbitrarySkid {
			return ev, err
		}
		if !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.EOPNOTSUPP) {
			return nil, err
		}
	}
}

// OnlineCPUs returns the online CPUs listed in <sysRoot>/devices/system/cpu/online.
func OnlineCPUs(sysRoot string) ([]int, error) {
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	content, err := os.ReadFile(sysRoot + "/devices/system/cpu/online")
	if err != nil {
		return nil, err
	}
	return parseCPUList(strings.TrimSpace(string(content)))
}

// parseCPUList parses lists such as "0-3,6,8-9".
func parseCPUList(s string) ([]int, error) {
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("capture: bad cpu list %q", s)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil || last < first {
				return nil, fmt.Errorf("capture: bad cpu list %q", s)
			}
		}
		for cpu := first; cpu <= last; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

// Enable enables every event.
func (r *Recorder) Enable() error {
	for _, re := range r.events {
		if err := re.ev.Enable(); err != nil {
			return err
		}
	}
	return nil
}

// Start starts reading the rings. Reading stops when ctx is done, or
// when every monitored task has exited: the records remaining in the
// rings are then drained, after which Next returns io.EOF.
func (r *Recorder) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		g, ctx := errgroup.WithContext(ctx)
		for _, re := range r.events {
			re := re
			g.Go(func() error { return r.read(ctx, re) })
		}
		go func() {
			r.err = g.Wait()
			close(r.records)
			close(r.done)
		}()
	})
}

func (r *Recorder) read(ctx context.Context, re ringEvent) error {
	for {
		rec, err := re.ev.ReadRecord(ctx)
		switch {
		case err == nil:
			r.records <- taggedRecord{evsel: re.evsel, rec: rec}
			continue
		case err == io.EOF:
			return nil
		case ctx.Err() != nil:
			// Drain what the kernel wrote before we stopped.
			for {
				rec, ok := re.ev.TryReadRecord()
				if !ok {
					return nil
				}
				r.records <- taggedRecord{evsel: re.evsel, rec: rec}
			}
		default:
			return fmt.Errorf("capture: reading cpu %d ring: %w", re.cpu, err)
		}
	}
}

// Stop disables every event and stops reading the rings. Next returns
// the records already written, then io.EOF. Only the first call has
// an effect; later calls return the same error.
func (r *Recorder) Stop() error {
	r.stopOnce.Do(func() {
		var result *multierror.Error
		for _, re := range r.events {
			if err := re.ev.Disable(); err != nil {
				result = multierror.Append(result, fmt.Errorf("cpu %d: %w", re.cpu, err))
			}
		}
		r.stopErr = result.ErrorOrNil()
		if r.cancel != nil {
			r.cancel()
		}
	})
	return r.stopErr
}

// Next returns the next event. It implements perfdb.Source.
func (r *Recorder) Next(ctx context.Context) (perfdb.Event, error) {
	for len(r.pending) == 0 {
		r.Start(context.Background())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case tr, ok := <-r.records:
			if !ok {
				<-r.done
				if r.err != nil {
					return nil, r.err
				}
				if lost := r.host.Lost(); lost > 0 {
					glog.Warningf("capture: %d records lost", lost)
				}
				return nil, io.EOF
			}
			r.pending = append(r.pending, r.host.Translate(tr.evsel, tr.rec)...)
		}
	}
	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}

// Close stops reading and closes every event.
func (r *Recorder) Close() error {
	r.Stop()
	if r.cancel != nil {
		// Unblock readers waiting to send, then wait for them.
		go func() {
			for range r.records {
			}
		}()
		<-r.done
	}
	return r.closeEvents()
}

func (r *Recorder) closeEvents() error {
	var result *multierror.Error
	for _, re := range r.events {
		if err := re.ev.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("cpu %d: %w", re.cpu, err))
		}
	}
	r.events = nil
	return result.ErrorOrNil()
}
