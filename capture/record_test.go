// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"encoding/binary"
	"testing"

	"acln.ro/perfdb"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

// body builds record bodies in native byte order.
type body []byte

func (b body) u64(vs ...uint64) body {
	for _, v := range vs {
		b = binary.NativeEndian.AppendUint64(b, v)
	}
	return b
}

func (b body) u32(x, y uint32) body {
	b = binary.NativeEndian.AppendUint32(b, x)
	return binary.NativeEndian.AppendUint32(b, y)
}

func (b body) str(s string) body {
	b = append(b, s...)
	b = append(b, 0)
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

func (b body) raw(typ RecordType, misc uint16) *RawRecord {
	return &RawRecord{
		Header: RecordHeader{Type: typ, Misc: misc, Size: uint16(recordHeaderSize + len(b))},
		Data:   b,
	}
}

func TestMarshal(t *testing.T) {
	t.Run("SampleFormat", func(t *testing.T) {
		sf := SampleFormat{IP: true, Tid: true, Callchain: true, Weight: true, DataSource: true, Transaction: true}
		want := uint64(unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_CALLCHAIN |
			unix.PERF_SAMPLE_WEIGHT | unix.PERF_SAMPLE_DATA_SRC | unix.PERF_SAMPLE_TRANSACTION)
		if got := sf.marshal(); got != want {
			t.Fatalf("got %#x, want %#x", got, want)
		}
		sf = SampleFormat{Period: true, BranchStack: true, Identifier: true}
		want = uint64(unix.PERF_SAMPLE_PERIOD | unix.PERF_SAMPLE_BRANCH_STACK | unix.PERF_SAMPLE_IDENTIFIER)
		if got := sf.marshal(); got != want {
			t.Fatalf("got %#x, want %#x", got, want)
		}
	})
	t.Run("Options", func(t *testing.T) {
		opt := Options{Disabled: true, Mmap: true, PreciseIP: RequestedZeroSkid, SampleIDAll: true}
		want := uint64(1<<0 | 1<<8 | 1<<16 | 1<<18)
		if got := opt.marshal(); got != want {
			t.Fatalf("got %#x, want %#x", got, want)
		}
		opt.PreciseIP = MustHaveZeroSkid
		if got := opt.marshal(); got&(3<<15) != 3<<15 {
			t.Fatalf("got %#x, want precise_ip 3", got)
		}
	})
}

func TestDecodeSample(t *testing.T) {
	attr := &Attr{SampleFormat: SampleFormat{
		IP: true, Tid: true, Time: true, CPU: true, Period: true,
		Callchain: true, Weight: true, DataSource: true, Transaction: true,
	}}
	const contextUserMarker = ^uint64(512) + 1
	b := body(nil).
		u64(0x401010).
		u32(4242, 4243).
		u64(1000).
		u32(3, 0).
		u64(1).
		u64(3, contextUserMarker, 0x401010, 0x400500).
		u64(37).
		u64(0xc<<33 | 0x2).
		u64(0x2)

	got := DecodeRecord(b.raw(RecordTypeSample, uint16(UserMode)|exactIPBit), attr)
	want := &SampleRecord{
		RecordHeader: RecordHeader{Type: RecordTypeSample, Misc: uint16(UserMode) | exactIPBit, Size: uint16(8 + len(b))},
		IP:           0x401010,
		Pid:          4242,
		Tid:          4243,
		Time:         1000,
		CPU:          3,
		Period:       1,
		Callchain:    []uint64{contextUserMarker, 0x401010, 0x400500},
		Weight:       37,
		DataSource:   perfdb.DataSource(0xc<<33 | 0x2),
		Transaction:  0x2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sample mismatch (-want +got):\n%s", diff)
	}
	sr := got.(*SampleRecord)
	if !sr.ExactIP() {
		t.Errorf("ExactIP() = false, want true")
	}
	if sr.CPUMode() != UserMode {
		t.Errorf("got mode %d, want %d", sr.CPUMode(), UserMode)
	}
}

func TestDecodeBranchStack(t *testing.T) {
	attr := &Attr{SampleFormat: SampleFormat{IP: true, BranchStack: true, Weight: true}}
	flags := func(typ, cycles uint64) uint64 { return typ<<20 | cycles<<4 }
	b := body(nil).
		u64(0x401010).
		u64(2).
		u64(0x401000, 0x402000, flags(unix.PERF_BR_CALL, 0x1234)|1<<1).
		u64(0x402010, 0x401004, flags(unix.PERF_BR_RET, 7)|1<<0|1<<2).
		u64(99)

	got := DecodeRecord(b.raw(RecordTypeSample, uint16(UserMode)), attr).(*SampleRecord)
	want := []BranchEntry{
		{From: 0x401000, To: 0x402000, Predicted: true, Cycles: 0x1234, BranchType: unix.PERF_BR_CALL},
		{From: 0x402010, To: 0x401004, Mispredicted: true, InTransaction: true, Cycles: 7, BranchType: unix.PERF_BR_RET},
	}
	if diff := cmp.Diff(want, got.BranchStack); diff != "" {
		t.Errorf("branch stack mismatch (-want +got):\n%s", diff)
	}
	if got.Weight != 99 {
		t.Errorf("got weight %d after the branch stack, want 99", got.Weight)
	}
}

func TestDecodeSideband(t *testing.T) {
	attr := &Attr{
		SampleFormat: SampleFormat{Tid: true, Time: true},
		Options:      Options{SampleIDAll: true},
	}
	t.Run("Comm", func(t *testing.T) {
		b := body(nil).u32(10, 11).str("a.out").u32(10, 11).u64(500)
		got := DecodeRecord(b.raw(RecordTypeComm, commExecBit), attr).(*CommRecord)
		if got.NewName != "a.out" {
			t.Errorf("got name %q, want %q", got.NewName, "a.out")
		}
		if !got.WasExec() {
			t.Errorf("WasExec() = false, want true")
		}
		want := RecordID{Pid: 10, Tid: 11, Time: 500}
		if got.RecordID != want {
			t.Errorf("got id %+v, want %+v", got.RecordID, want)
		}
	})
	t.Run("CommLongName", func(t *testing.T) {
		// 8 bytes of name and a terminator: padded to 16.
		b := body(nil).u32(10, 11).str("abcdefgh").u32(10, 11).u64(600)
		got := DecodeRecord(b.raw(RecordTypeComm, 0), attr).(*CommRecord)
		if got.NewName != "abcdefgh" || got.Time != 600 {
			t.Errorf("got %q at %d, want %q at 600", got.NewName, got.Time, "abcdefgh")
		}
	})
	t.Run("Mmap2", func(t *testing.T) {
		b := body(nil).
			u32(10, 10).
			u64(0x400000, 0x1000, 0).
			u32(8, 2).
			u64(1234, 1).
			u32(unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE).
			str("/tmp/a.out").
			u32(10, 10).u64(700)
		got := DecodeRecord(b.raw(RecordTypeMmap2, uint16(UserMode)), attr).(*Mmap2Record)
		if got.Filename != "/tmp/a.out" || got.Addr != 0x400000 || got.Len != 0x1000 || got.Inode != 1234 {
			t.Errorf("got %+v", got)
		}
		if !got.Executable() {
			t.Errorf("Executable() = false, want true")
		}
		if got.Time != 700 {
			t.Errorf("got time %d, want 700", got.Time)
		}
	})
	t.Run("Fork", func(t *testing.T) {
		b := body(nil).u32(20, 10).u32(21, 11).u64(800).u32(20, 21).u64(800)
		got := DecodeRecord(b.raw(RecordTypeFork, 0), attr).(*ForkRecord)
		want := ForkRecord{Pid: 20, Ppid: 10, Tid: 21, Ptid: 11, Time: 800}
		if got.Pid != want.Pid || got.Ppid != want.Ppid || got.Tid != want.Tid || got.Ptid != want.Ptid || got.Time != want.Time {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})
	t.Run("Lost", func(t *testing.T) {
		b := body(nil).u64(1, 99)
		got := DecodeRecord(b.raw(RecordTypeLost, 0), &Attr{}).(*LostRecord)
		if got.Lost != 99 {
			t.Errorf("got %d lost, want 99", got.Lost)
		}
	})
	t.Run("Unknown", func(t *testing.T) {
		b := body(nil).u64(1, 2)
		got := DecodeRecord(b.raw(RecordTypeThrottle, 0), &Attr{})
		if _, ok := got.(*UnknownRecord); !ok {
			t.Fatalf("got %T, want *UnknownRecord", got)
		}
		if got.Header().Type.String() != "throttle" {
			t.Errorf("got type %v, want throttle", got.Header().Type)
		}
	})
}

func TestDecodeTruncated(t *testing.T) {
	attr := &Attr{SampleFormat: SampleFormat{IP: true, Tid: true, Callchain: true, DataSource: true}}
	// A callchain claiming more entries than the record holds.
	b := body(nil).u64(0x401000).u32(1, 1).u64(1 << 40)
	got := DecodeRecord(b.raw(RecordTypeSample, 0), attr).(*SampleRecord)
	if got.IP != 0x401000 || len(got.Callchain) != 0 || got.DataSource != 0 {
		t.Fatalf("got %+v", got)
	}
}

// newTestRing returns an Event backed by a heap allocated ring of size
// bytes, with no file descriptors.
func newTestRing(attr *Attr, size int) *Event {
	return &Event{
		state:    eventStateOK,
		attr:     attr,
		meta:     new(unix.PerfEventMmapPage),
		ringdata: make([]byte, size),
	}
}

// put writes a record at the head of the ring.
func put(ev *Event, typ RecordType, b body) {
	hdr := binary.NativeEndian.AppendUint32(nil, uint32(typ))
	hdr = binary.NativeEndian.AppendUint16(hdr, 0)
	hdr = binary.NativeEndian.AppendUint16(hdr, uint16(recordHeaderSize+len(b)))
	rec := append(hdr, b...)
	head := ev.meta.Data_head
	for i, c := range rec {
		ev.ringdata[(head+uint64(i))%uint64(len(ev.ringdata))] = c
	}
	ev.meta.Data_head = head + uint64(len(rec))
}

func TestRingRead(t *testing.T) {
	attr := &Attr{}
	ev := newTestRing(attr, 64)

	if _, ok := ev.TryReadRecord(); ok {
		t.Fatal("read a record from an empty ring")
	}

	// 24 bytes, then 24 bytes, then a 24 byte record wrapping around
	// the end of the 64 byte ring.
	for i := uint64(1); i <= 2; i++ {
		put(ev, RecordTypeLost, body(nil).u64(i, i*10))
		rec, ok := ev.TryReadRecord()
		if !ok {
			t.Fatalf("record %d: not found", i)
		}
		if lr := rec.(*LostRecord); lr.Lost != i*10 {
			t.Fatalf("record %d: got %d lost, want %d", i, lr.Lost, i*10)
		}
	}
	put(ev, RecordTypeLost, body(nil).u64(3, 30))
	rec, ok := ev.TryReadRecord()
	if !ok {
		t.Fatal("wrapped record: not found")
	}
	if lr := rec.(*LostRecord); lr.ID != 3 || lr.Lost != 30 {
		t.Fatalf("wrapped record: got %+v", lr)
	}
	if ev.meta.Data_tail != ev.meta.Data_head {
		t.Fatalf("tail %d, want head %d", ev.meta.Data_tail, ev.meta.Data_head)
	}
}

func TestRingDecodeCopies(t *testing.T) {
	ev := newTestRing(&Attr{}, 64)
	put(ev, RecordTypeComm, body(nil).u32(1, 1).str("first"))
	rec, ok := ev.TryReadRecord()
	if !ok {
		t.Fatal("record not found")
	}
	// Overwrite the released space: the decoded record must not change.
	put(ev, RecordTypeComm, body(nil).u32(2, 2).str("second"))
	put(ev, RecordTypeComm, body(nil).u32(3, 3).str("third"))
	if got := rec.(*CommRecord).NewName; got != "first" {
		t.Fatalf("got %q, want %q", got, "first")
	}
}
