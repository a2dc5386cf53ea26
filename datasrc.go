// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import (
	"fmt"
	"strings"
)

// DataSource is the packed memory access descriptor carried by a sample
// (PERF_SAMPLE_DATA_SRC). From the least significant bit, it holds the
// following fields:
//
//	op             5 bits
//	hit/miss       3 bits
//	level         11 bits
//	snoop          5 bits
//	lock           2 bits
//	dTLB hit/miss  3 bits
//	dTLB           4 bits
//	level number   4 bits
//	remote         1 bit
//
// Bits above the remote flag are ignored.
type DataSource uint64

const (
	memOpShift          = 0
	memOpBits           = 5
	memHitMissShift     = 5
	memHitMissBits      = 3
	memLevelShift       = 8
	memLevelBits        = 11
	memSnoopShift       = 19
	memSnoopBits        = 5
	memLockShift        = 24
	memLockBits         = 2
	memDTLBHitMissShift = 26
	memDTLBHitMissBits  = 3
	memDTLBShift        = 29
	memDTLBBits         = 4
	memLevelNumShift    = 33
	memLevelNumBits     = 4
	memRemoteShift      = 37
)

func (ds DataSource) field(shift, bits uint) uint64 {
	return uint64(ds) >> shift & (1<<bits - 1)
}

// MemOp is a memory operation.
type MemOp uint8

// Known memory operations.
const (
	MemOpNA MemOp = 1 << iota
	MemOpLoad
	MemOpStore
	MemOpPrefetch
	MemOpExec
)

// MemHitMiss describes whether an access hit or missed. It is used for
// both the memory level and the data TLB.
type MemHitMiss uint8

// Known hit/miss values.
const (
	MemHitMissNA MemHitMiss = 1 << iota
	MemHit
	MemMiss
)

// MemLevel is a memory level.
type MemLevel uint16

// Known memory levels.
const (
	MemLevelL1 MemLevel = 1 << iota
	MemLevelLFB
	MemLevelL2
	MemLevelL3
	MemLevelLocalDRAM
	MemLevelRemoteDRAM1
	MemLevelRemoteDRAM2
	MemLevelRemoteCache1
	MemLevelRemoteCache2
	MemLevelIO
	MemLevelUncached
)

// MemLevelNumber is the extended memory level encoding, used by hardware
// which leaves the legacy level field zero.
type MemLevelNumber uint8

// MemSnoop is a memory snoop mode.
type MemSnoop uint8

// Known memory snoop modes.
const (
	MemSnoopNA MemSnoop = 1 << iota
	MemSnoopNone
	MemSnoopHit
	MemSnoopMiss
	MemSnoopHitModified
)

// MemLock describes whether an access was locked.
type MemLock uint8

// Known lock values.
const (
	MemLockNA MemLock = 1 << iota
	MemLocked
)

// MemTLB is the data TLB level which served an access.
type MemTLB uint8

// Known data TLB levels.
const (
	MemTLBL1 MemTLB = 1 << iota
	MemTLBL2
	MemTLBWalker
	MemTLBOSFault
)

// levelNumbers maps extended level numbers to legacy levels, for local
// and remote accesses respectively. Level numbers not present, and zero
// entries, have no legacy equivalent and decode to a zero level.
var levelNumbers = map[MemLevelNumber][2]MemLevel{
	0x1: {MemLevelL1, MemLevelL1},
	0x2: {MemLevelLFB, MemLevelLFB},
	0x3: {MemLevelL2, MemLevelRemoteCache2},
	0xb: {0, MemLevelRemoteCache2},
	0xc: {MemLevelL3, MemLevelL3},
	0xd: {MemLevelLocalDRAM, MemLevelRemoteDRAM1},
}

// Op returns the raw memory operation field.
func (ds DataSource) Op() MemOp { return MemOp(ds.field(memOpShift, memOpBits)) }

// HitMiss returns the raw hit/miss field.
func (ds DataSource) HitMiss() MemHitMiss {
	return MemHitMiss(ds.field(memHitMissShift, memHitMissBits))
}

// Level returns the raw, legacy memory level field.
func (ds DataSource) Level() MemLevel { return MemLevel(ds.field(memLevelShift, memLevelBits)) }

// Snoop returns the raw snoop field.
func (ds DataSource) Snoop() MemSnoop { return MemSnoop(ds.field(memSnoopShift, memSnoopBits)) }

// Lock returns the raw lock field.
func (ds DataSource) Lock() MemLock { return MemLock(ds.field(memLockShift, memLockBits)) }

// DTLBHitMiss returns the raw data TLB hit/miss field.
func (ds DataSource) DTLBHitMiss() MemHitMiss {
	return MemHitMiss(ds.field(memDTLBHitMissShift, memDTLBHitMissBits))
}

// DTLB returns the raw data TLB level field.
func (ds DataSource) DTLB() MemTLB { return MemTLB(ds.field(memDTLBShift, memDTLBBits)) }

// LevelNumber returns the raw extended level number field.
func (ds DataSource) LevelNumber() MemLevelNumber {
	return MemLevelNumber(ds.field(memLevelNumShift, memLevelNumBits))
}

// Remote reports whether the remote bit is set.
func (ds DataSource) Remote() bool { return ds.field(memRemoteShift, 1) != 0 }

// A MemoryEvent is the decoded form of a DataSource.
type MemoryEvent struct {
	Op          MemOp
	HitMiss     MemHitMiss
	Level       MemLevel
	Snoop       MemSnoop
	Lock        MemLock
	DTLBHitMiss MemHitMiss
	DTLB        MemTLB

	unsupported bool
}

// Decode decodes the data source. If the legacy level field is non-zero,
// it is used as is. Otherwise, the level is derived from the extended
// level number and the remote bit.
func (ds DataSource) Decode() MemoryEvent {
	ev := MemoryEvent{
		Op:          ds.Op(),
		HitMiss:     ds.HitMiss(),
		Level:       ds.Level(),
		Snoop:       ds.Snoop(),
		Lock:        ds.Lock(),
		DTLBHitMiss: ds.DTLBHitMiss(),
		DTLB:        ds.DTLB(),
	}
	if ev.Level != 0 {
		return ev
	}
	num := ds.LevelNumber()
	if num == 0 {
		return ev
	}
	levels, ok := levelNumbers[num]
	if !ok {
		ev.unsupported = true
		return ev
	}
	if ds.Remote() {
		ev.Level = levels[1]
	} else {
		ev.Level = levels[0]
	}
	ev.unsupported = ev.Level == 0
	return ev
}

// LevelDecoded reports whether the memory level was decoded. It is false
// when the data source carried an extended level number with no known
// mapping, in which case Level is zero.
func (ev MemoryEvent) LevelDecoded() bool { return !ev.unsupported }

// String returns a human readable rendering of the event, naming each
// field using the lookup tables.
func (ev MemoryEvent) String() string {
	var sb strings.Builder
	fields := []struct {
		name  string
		table Table
		code  uint64
	}{
		{"op", TableMemoryOpcodes, uint64(ev.Op)},
		{"hit_miss", TableMemoryHitMiss, uint64(ev.HitMiss)},
		{"level", TableMemoryLevels, uint64(ev.Level)},
		{"snoop", TableMemorySnoop, uint64(ev.Snoop)},
		{"lock", TableMemoryLock, uint64(ev.Lock)},
		{"dtlb_hit_miss", TableMemoryDTLBHitMiss, uint64(ev.DTLBHitMiss)},
		{"dtlb", TableMemoryDTLB, uint64(ev.DTLB)},
	}
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%q", f.name, LookupName(f.table, f.code))
	}
	return sb.String()
}
