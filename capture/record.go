// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"encoding/binary"
	"fmt"

	"acln.ro/perfdb"

	"golang.org/x/sys/unix"
)

// RecordType is the type of a ring buffer record.
type RecordType uint32

// Known record types.
const (
	RecordTypeMmap        RecordType = unix.PERF_RECORD_MMAP
	RecordTypeLost        RecordType = unix.PERF_RECORD_LOST
	RecordTypeComm        RecordType = unix.PERF_RECORD_COMM
	RecordTypeExit        RecordType = unix.PERF_RECORD_EXIT
	RecordTypeThrottle    RecordType = unix.PERF_RECORD_THROTTLE
	RecordTypeUnthrottle  RecordType = unix.PERF_RECORD_UNTHROTTLE
	RecordTypeFork        RecordType = unix.PERF_RECORD_FORK
	RecordTypeRead        RecordType = unix.PERF_RECORD_READ
	RecordTypeSample      RecordType = unix.PERF_RECORD_SAMPLE
	RecordTypeMmap2       RecordType = unix.PERF_RECORD_MMAP2
	RecordTypeLostSamples RecordType = unix.PERF_RECORD_LOST_SAMPLES
)

var recordTypeNames = map[RecordType]string{
	RecordTypeMmap:        "mmap",
	RecordTypeLost:        "lost",
	RecordTypeComm:        "comm",
	RecordTypeExit:        "exit",
	RecordTypeThrottle:    "throttle",
	RecordTypeUnthrottle:  "unthrottle",
	RecordTypeFork:        "fork",
	RecordTypeRead:        "read",
	RecordTypeSample:      "sample",
	RecordTypeMmap2:       "mmap2",
	RecordTypeLostSamples: "lost_samples",
}

func (rt RecordType) String() string {
	if name, ok := recordTypeNames[rt]; ok {
		return name
	}
	return fmt.Sprintf("record_%d", uint32(rt))
}

// RecordHeader is the header present in every record.
type RecordHeader struct {
	Type RecordType
	Misc uint16
	Size uint16
}

const recordHeaderSize = 8

// Header returns rh itself, so that types which embed a RecordHeader
// automatically implement a part of the Record interface.
func (rh RecordHeader) Header() RecordHeader { return rh }

// CPUMode returns the CPU mode in use when the record was generated.
func (rh RecordHeader) CPUMode() CPUMode {
	return CPUMode(rh.Misc & cpuModeMask)
}

func decodeHeader(b []byte) RecordHeader {
	return RecordHeader{
		Type: RecordType(binary.NativeEndian.Uint32(b)),
		Misc: binary.NativeEndian.Uint16(b[4:]),
		Size: binary.NativeEndian.Uint16(b[6:]),
	}
}

// CPUMode is a CPU operation mode.
type CPUMode uint8

const cpuModeMask = 7

// Known CPU modes.
const (
	UnknownMode     CPUMode = 0
	KernelMode      CPUMode = 1
	UserMode        CPUMode = 2
	HypervisorMode  CPUMode = 3
	GuestKernelMode CPUMode = 4
	GuestUserMode   CPUMode = 5
)

const (
	mmapDataBit = 1 << 13 // PERF_RECORD_MISC_MMAP_DATA
	commExecBit = 1 << 13 // PERF_RECORD_MISC_COMM_EXEC
	exactIPBit  = 1 << 14 // PERF_RECORD_MISC_EXACT_IP
)

// RawRecord is a raw record read from a ring buffer. Data holds the
// record body, without the header.
type RawRecord struct {
	Header RecordHeader
	Data   []byte
}

func (raw *RawRecord) fields() fields { return fields(raw.Data) }

// Record is the interface implemented by all record types.
type Record interface {
	Header() RecordHeader
	DecodeFrom(raw *RawRecord, a *Attr)
}

// DecodeRecord decodes raw according to the format configured by a.
// The returned record does not reference raw.Data.
func DecodeRecord(raw *RawRecord, a *Attr) Record {
	var rec Record
	switch raw.Header.Type {
	case RecordTypeMmap:
		rec = &MmapRecord{}
	case RecordTypeMmap2:
		rec = &Mmap2Record{}
	case RecordTypeLost:
		rec = &LostRecord{}
	case RecordTypeComm:
		rec = &CommRecord{}
	case RecordTypeExit:
		rec = &ExitRecord{}
	case RecordTypeFork:
		rec = &ForkRecord{}
	case RecordTypeSample:
		rec = &SampleRecord{}
	default:
		rec = &UnknownRecord{}
	}
	rec.DecodeFrom(raw, a)
	return rec
}

// RecordID contains identifiers for when and where a record was collected.
// It is present if Options.SampleIDAll is set.
type RecordID struct {
	Pid        uint32
	Tid        uint32
	Time       uint64
	ID         uint64
	StreamID   uint64
	CPU        uint32
	Res        uint32
	Identifier uint64
}

// MmapRecord (PERF_RECORD_MMAP) records PROT_EXEC mappings such that
// user-space IPs can be correlated to code.
type MmapRecord struct {
	RecordHeader
	Pid        uint32
	Tid        uint32
	Addr       uint64
	Len        uint64
	PageOffset uint64
	Filename   string
	RecordID
}

func (mr *MmapRecord) DecodeFrom(raw *RawRecord, a *Attr) {
	mr.RecordHeader = raw.Header
	f := raw.fields()
	f.uint32(&mr.Pid, &mr.Tid)
	f.uint64(&mr.Addr)
	f.uint64(&mr.Len)
	f.uint64(&mr.PageOffset)
	f.string(&mr.Filename)
	f.id(&mr.RecordID, a)
}

// Executable reports whether the mapping is executable.
func (mr *MmapRecord) Executable() bool {
	return mr.RecordHeader.Misc&mmapDataBit == 0
}

// Mmap2Record (PERF_RECORD_MMAP2) is an MmapRecord which also identifies
// the backing file.
type Mmap2Record struct {
	RecordHeader
	Pid             uint32
	Tid             uint32
	Addr            uint64
	Len             uint64
	PageOffset      uint64
	MajorID         uint32
	MinorID         uint32
	Inode           uint64
	InodeGeneration uint64
	Prot            uint32
	Flags           uint32
	Filename        string
	RecordID
}

func (mr *Mmap2Record) DecodeFrom(raw *RawRecord, a *Attr) {
	mr.RecordHeader = raw.Header
	f := raw.fields()
	f.uint32(&mr.Pid, &mr.Tid)
	f.uint64(&mr.Addr)
	f.uint64(&mr.Len)
	f.uint64(&mr.PageOffset)
	f.uint32(&mr.MajorID, &mr.MinorID)
	f.uint64(&mr.Inode)
	f.uint64(&mr.InodeGeneration)
	f.uint32(&mr.Prot, &mr.Flags)
	f.string(&mr.Filename)
	f.id(&mr.RecordID, a)
}

// Executable reports whether the mapping is executable.
func (mr *Mmap2Record) Executable() bool {
	return mr.RecordHeader.Misc&mmapDataBit == 0
}

// LostRecord (PERF_RECORD_LOST) reports records the kernel dropped
// because the ring was full.
type LostRecord struct {
	RecordHeader
	ID   uint64
	Lost uint64
	RecordID
}

func (lr *LostRecord) DecodeFrom(raw *RawRecord, a *Attr) {
	lr.RecordHeader = raw.Header
	f := raw.fields()
	f.uint64(&lr.ID)
	f.uint64(&lr.Lost)
	f.id(&lr.RecordID, a)
}

// CommRecord (PERF_RECORD_COMM) indicates a change in the process name.
type CommRecord struct {
	RecordHeader
	Pid     uint32
	Tid     uint32
	NewName string
	RecordID
}

func (cr *CommRecord) DecodeFrom(raw *RawRecord, a *Attr) {
	cr.RecordHeader = raw.Header
	f := raw.fields()
	f.uint32(&cr.Pid, &cr.Tid)
	f.string(&cr.NewName)
	f.id(&cr.RecordID, a)
}

// WasExec reports whether the name changed because of an exec.
func (cr *CommRecord) WasExec() bool {
	return cr.RecordHeader.Misc&commExecBit != 0
}

// ExitRecord (PERF_RECORD_EXIT) indicates a process exit.
type ExitRecord struct {
	RecordHeader
	Pid  uint32
	Ppid uint32
	Tid  uint32
	Ptid uint32
	Time uint64
	RecordID
}

func (er *ExitRecord) DecodeFrom(raw *RawRecord, a *Attr) {
	er.RecordHeader = raw.Header
	f := raw.fields()
	f.uint32(&er.Pid, &er.Ppid)
	f.uint32(&er.Tid, &er.Ptid)
	f.uint64(&er.Time)
	f.id(&er.RecordID, a)
}

// ForkRecord (PERF_RECORD_FORK) indicates a fork event.
type ForkRecord struct {
	RecordHeader
	Pid  uint32
	Ppid uint32
	Tid  uint32
	Ptid uint32
	Time uint64
	RecordID
}

func (fr *ForkRecord) DecodeFrom(raw *RawRecord, a *Attr) {
	fr.RecordHeader = raw.Header
	f := raw.fields()
	f.uint32(&fr.Pid, &fr.Ppid)
	f.uint32(&fr.Tid, &fr.Ptid)
	f.uint64(&fr.Time)
	f.id(&fr.RecordID, a)
}

// SampleRecord (PERF_RECORD_SAMPLE) is a sample. Fields are present
// according to the SampleFormat of the event.
type SampleRecord struct {
	RecordHeader
	Identifier  uint64
	IP          uint64
	Pid         uint32
	Tid         uint32
	Time        uint64
	Addr        uint64
	ID          uint64
	StreamID    uint64
	CPU         uint32
	Res         uint32
	Period      uint64
	Callchain   []uint64
	BranchStack []BranchEntry
	Weight      uint64
	DataSource  perfdb.DataSource
	Transaction uint64
}

// BranchEntry is an entry of a sampled branch stack.
type BranchEntry struct {
	From             uint64
	To               uint64
	Mispredicted     bool
	Predicted        bool
	InTransaction    bool
	TransactionAbort bool
	Cycles           uint16

	// BranchType is a PERF_BR_* branch classification. It is zero
	// unless PERF_SAMPLE_BRANCH_TYPE_SAVE was requested.
	BranchType uint8
}

func (sr *SampleRecord) DecodeFrom(raw *RawRecord, a *Attr) {
	sr.RecordHeader = raw.Header
	sf := a.SampleFormat
	f := raw.fields()
	f.uint64If(sf.Identifier, &sr.Identifier)
	f.uint64If(sf.IP, &sr.IP)
	f.uint32If(sf.Tid, &sr.Pid, &sr.Tid)
	f.uint64If(sf.Time, &sr.Time)
	f.uint64If(sf.Addr, &sr.Addr)
	f.uint64If(sf.ID, &sr.ID)
	f.uint64If(sf.StreamID, &sr.StreamID)
	f.uint32If(sf.CPU, &sr.CPU, &sr.Res)
	f.uint64If(sf.Period, &sr.Period)
	if sf.Callchain {
		var nr uint64
		f.uint64(&nr)
		if nr > uint64(len(f)/8) {
			nr = uint64(len(f) / 8)
		}
		sr.Callchain = make([]uint64, nr)
		for i := range sr.Callchain {
			f.uint64(&sr.Callchain[i])
		}
	}
	if sf.BranchStack {
		var nr uint64
		f.uint64(&nr)
		if nr > uint64(len(f)/24) {
			nr = uint64(len(f) / 24)
		}
		sr.BranchStack = make([]BranchEntry, nr)
		for i := range sr.BranchStack {
			var from, to, tmp uint64
			f.uint64(&from)
			f.uint64(&to)
			f.uint64(&tmp)
			sr.BranchStack[i] = BranchEntry{
				From:             from,
				To:               to,
				Mispredicted:     tmp&(1<<0) != 0,
				Predicted:        tmp&(1<<1) != 0,
				InTransaction:    tmp&(1<<2) != 0,
				TransactionAbort: tmp&(1<<3) != 0,
				Cycles:           uint16(tmp >> 4),
				BranchType:       uint8(tmp>>20) & 0xf,
			}
		}
	}
	f.uint64If(sf.Weight, &sr.Weight)
	if sf.DataSource {
		var ds uint64
		f.uint64(&ds)
		sr.DataSource = perfdb.DataSource(ds)
	}
	f.uint64If(sf.Transaction, &sr.Transaction)
}

// ExactIP reports whether IP points at the instruction which caused
// the sample.
func (sr *SampleRecord) ExactIP() bool {
	return sr.RecordHeader.Misc&exactIPBit != 0
}

// UnknownRecord is a record of a type the capture host does not decode.
type UnknownRecord struct {
	RecordHeader
	Size int
}

func (ur *UnknownRecord) DecodeFrom(raw *RawRecord, a *Attr) {
	ur.RecordHeader = raw.Header
	ur.Size = len(raw.Data)
}
