// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// EventType is the overall type of a performance event.
type EventType uint32

// Supported event types.
const (
	HardwareEvent      EventType = unix.PERF_TYPE_HARDWARE
	SoftwareEvent      EventType = unix.PERF_TYPE_SOFTWARE
	TracepointEvent    EventType = unix.PERF_TYPE_TRACEPOINT
	HardwareCacheEvent EventType = unix.PERF_TYPE_HW_CACHE
	RawEvent           EventType = unix.PERF_TYPE_RAW
)

// Attr configures a sampling event.
type Attr struct {
	// Label is the name the event was selected by.
	Label string

	// Type is the major type of the event.
	Type EventType

	// Config is the type-specific event configuration.
	Config uint64

	// Config1 and Config2 carry PMU specific extensions, such as the
	// load latency threshold of memory load events.
	Config1 uint64
	Config2 uint64

	// Sample is the sample period, or the sample frequency if
	// Options.Freq is set.
	Sample uint64

	// SampleFormat configures the content of sample records.
	SampleFormat SampleFormat

	// Options contains more fine grained event configuration.
	Options Options

	// PreciseMax requests the highest Options.PreciseIP the PMU
	// accepts. NewRecorder lowers the skid constraint until the event opens.
	PreciseMax bool

	// Wakeup is the number of samples before the ring wakes up readers.
	Wakeup uint32

	// BranchSampleType selects the branches recorded in branch stacks,
	// as a mask of PERF_SAMPLE_BRANCH_* flags.
	BranchSampleType uint64

	// SampleMaxStack is the maximum number of frames in a callchain.
	SampleMaxStack uint16
}

func (a *Attr) sysAttr() *unix.PerfEventAttr {
	return &unix.PerfEventAttr{
		Type:               uint32(a.Type),
		Size:               uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:             a.Config,
		Ext1:               a.Config1,
		Ext2:               a.Config2,
		Sample:             a.Sample,
		Sample_type:        a.SampleFormat.marshal(),
		Bits:               a.Options.marshal(),
		Wakeup:             a.Wakeup,
		Branch_sample_type: a.BranchSampleType,
		Sample_max_stack:   a.SampleMaxStack,
	}
}

// SetSamplePeriod sets the sample period and clears Options.Freq.
func (a *Attr) SetSamplePeriod(p uint64) {
	a.Sample = p
	a.Options.Freq = false
}

// SampleFormat configures information requested in sample records.
// Only the fields SampleRecord decodes can be requested: read values,
// raw tracepoint data and register or stack dumps are not.
type SampleFormat struct {
	IP          bool
	Tid         bool
	Time        bool
	Addr        bool
	Callchain   bool
	ID          bool
	CPU         bool
	Period      bool
	StreamID    bool
	BranchStack bool
	Weight      bool
	DataSource  bool
	Identifier  bool
	Transaction bool
}

// marshal packs the SampleFormat into a uint64.
func (sf SampleFormat) marshal() uint64 {
	// Always keep this in sync with PERF_SAMPLE_* bit order.
	fields := []bool{
		sf.IP,
		sf.Tid,
		sf.Time,
		sf.Addr,
		false, // read
		sf.Callchain,
		sf.ID,
		sf.CPU,
		sf.Period,
		sf.StreamID,
		false, // raw
		sf.BranchStack,
		false, // regs_user
		false, // stack_user
		sf.Weight,
		sf.DataSource,
		sf.Identifier,
		sf.Transaction,
	}
	return marshalBitwiseUint64(fields)
}

// Skid is an instruction pointer skid constraint.
type Skid int

// Supported skid constraints.
const (
	CanHaveArbitrarySkid Skid = 0
	MustHaveConstantSkid Skid = 1
	RequestedZeroSkid    Skid = 2
	MustHaveZeroSkid     Skid = 3
)

// Options contains fine grained event configuration.
type Options struct {
	Disabled          bool
	Inherit           bool
	Pinned            bool
	Exclusive         bool
	ExcludeUser       bool
	ExcludeKernel     bool
	ExcludeHypervisor bool
	ExcludeIdle       bool
	Mmap              bool
	Comm              bool
	Freq              bool
	InheritStat       bool
	EnableOnExec      bool
	Task              bool
	Watermark         bool

	// PreciseIP is the skid constraint of sampled instruction pointers.
	PreciseIP Skid

	MmapData               bool
	SampleIDAll            bool
	ExcludeHost            bool
	ExcludeGuest           bool
	ExcludeKernelCallchain bool
	ExcludeUserCallchain   bool
	Mmap2                  bool
	CommExec               bool
}

// marshal packs the Options into a uint64.
func (opt Options) marshal() uint64 {
	// Always keep this in sync with the type definition above.
	fields := []bool{
		opt.Disabled,
		opt.Inherit,
		opt.Pinned,
		opt.Exclusive,
		opt.ExcludeUser,
		opt.ExcludeKernel,
		opt.ExcludeHypervisor,
		opt.ExcludeIdle,
		opt.Mmap,
		opt.Comm,
		opt.Freq,
		opt.InheritStat,
		opt.EnableOnExec,
		opt.Task,
		opt.Watermark,
		opt.PreciseIP&1 != 0,
		opt.PreciseIP&2 != 0,
		opt.MmapData,
		opt.SampleIDAll,
		opt.ExcludeHost,
		opt.ExcludeGuest,
		opt.ExcludeKernelCallchain,
		opt.ExcludeUserCallchain,
		opt.Mmap2,
		opt.CommExec,
	}
	return marshalBitwiseUint64(fields)
}

// marshalBitwiseUint64 marshals a set of bitwise flags into a
// uint64, LSB first.
func marshalBitwiseUint64(fields []bool) uint64 {
	var res uint64
	for shift, set := range fields {
		if set {
			res |= 1 << uint(shift)
		}
	}
	return res
}
