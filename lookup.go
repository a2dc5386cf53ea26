// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import "fmt"

// A LookupEntry is a (code, name) pair of one of the fixed lookup tables.
type LookupEntry struct {
	Code uint64
	Name string

	table Table
}

// Table implements Row.
func (e LookupEntry) Table() Table { return e.table }

// Values implements Row.
func (e LookupEntry) Values() []any { return []any{int64(e.Code), e.Name} }

// Known branch type codes.
const (
	BranchNone             = 0
	BranchUnconditional    = 1
	BranchCall             = 3
	BranchReturn           = 5
	BranchConditional      = 9
	BranchSyscall          = 19
	BranchSyscallReturn    = 21
	BranchAsync            = 33
	BranchSoftInterrupt    = 67
	BranchInterruptReturn  = 69
	BranchHardInterrupt    = 99
	BranchTransactionAbort = 129
	BranchTraceBegin       = 257
	BranchTraceEnd         = 513
)

var lookupTables = map[Table][]LookupEntry{
	TableMemoryOpcodes: {
		{Code: uint64(MemOpNA), Name: "NA"},
		{Code: uint64(MemOpLoad), Name: "Load"},
		{Code: uint64(MemOpStore), Name: "Store"},
		{Code: uint64(MemOpPrefetch), Name: "Prefetch"},
		{Code: uint64(MemOpExec), Name: "Code"},
	},
	TableMemoryHitMiss: {
		{Code: uint64(MemHitMissNA), Name: "NA"},
		{Code: uint64(MemHit), Name: "Hit"},
		{Code: uint64(MemMiss), Name: "Miss"},
	},
	TableMemoryLevels: {
		{Code: uint64(MemLevelL1), Name: "L1"},
		{Code: uint64(MemLevelLFB), Name: "LFB"},
		{Code: uint64(MemLevelL2), Name: "L2"},
		{Code: uint64(MemLevelL3), Name: "L3"},
		{Code: uint64(MemLevelLocalDRAM), Name: "Local DRAM"},
		{Code: uint64(MemLevelRemoteDRAM1), Name: "Remote DRAM (1 hop)"},
		{Code: uint64(MemLevelRemoteDRAM2), Name: "Remote DRAM (2 hops)"},
		{Code: uint64(MemLevelRemoteCache1), Name: "Remote Cache (1 hop)"},
		{Code: uint64(MemLevelRemoteCache2), Name: "Remote Cache (2 hops)"},
		{Code: uint64(MemLevelIO), Name: "I/O"},
		{Code: uint64(MemLevelUncached), Name: "Uncached Memory"},
	},
	TableMemorySnoop: {
		{Code: uint64(MemSnoopNA), Name: "NA"},
		{Code: uint64(MemSnoopNone), Name: "No Snoop"},
		{Code: uint64(MemSnoopHit), Name: "Snoop Hit"},
		{Code: uint64(MemSnoopMiss), Name: "Snoop Miss"},
		{Code: uint64(MemSnoopHitModified), Name: "Snoop Hit Modified"},
		{Code: uint64(MemSnoopNone | MemSnoopMiss), Name: "No Snoop and Snoop Miss"},
	},
	TableMemoryLock: {
		{Code: uint64(MemLockNA), Name: "NA"},
		{Code: uint64(MemLocked), Name: "Locked"},
	},
	TableMemoryDTLBHitMiss: {
		{Code: uint64(MemHitMissNA), Name: "NA"},
		{Code: uint64(MemHit), Name: "Hit"},
		{Code: uint64(MemMiss), Name: "Miss"},
	},
	TableMemoryDTLB: {
		{Code: uint64(MemTLBL1), Name: "L1"},
		{Code: uint64(MemTLBL2), Name: "L2"},
		{Code: uint64(MemTLBL1 | MemTLBL2), Name: "L1 or L2"},
		{Code: uint64(MemTLBWalker), Name: "Hardware Walker"},
		{Code: uint64(MemTLBOSFault), Name: "OS Fault Handler"},
	},
	TableBranchTypes: {
		{Code: BranchNone, Name: "no branch"},
		{Code: BranchCall, Name: "call"},
		{Code: BranchReturn, Name: "return"},
		{Code: BranchConditional, Name: "conditional jump"},
		{Code: BranchUnconditional, Name: "unconditional jump"},
		{Code: BranchSoftInterrupt, Name: "software interrupt"},
		{Code: BranchInterruptReturn, Name: "return from interrupt"},
		{Code: BranchSyscall, Name: "system call"},
		{Code: BranchSyscallReturn, Name: "return from system call"},
		{Code: BranchAsync, Name: "asynchronous branch"},
		{Code: BranchHardInterrupt, Name: "hardware interrupt"},
		{Code: BranchTransactionAbort, Name: "transaction abort"},
		{Code: BranchTraceBegin, Name: "trace begin"},
		{Code: BranchTraceEnd, Name: "trace end"},
	},
}

func init() {
	for t, entries := range lookupTables {
		for i := range entries {
			entries[i].table = t
		}
	}
}

// LookupTables returns the fixed lookup tables, in creation order.
func LookupTables() []Table {
	return []Table{
		TableBranchTypes,
		TableMemoryOpcodes,
		TableMemoryHitMiss,
		TableMemoryLevels,
		TableMemorySnoop,
		TableMemoryLock,
		TableMemoryDTLBHitMiss,
		TableMemoryDTLB,
	}
}

// LookupEntries returns the fixed contents of the lookup table t, or nil
// if t is not a lookup table. The returned slice is a copy.
func LookupEntries(t Table) []LookupEntry {
	entries := lookupTables[t]
	if entries == nil {
		return nil
	}
	return append([]LookupEntry(nil), entries...)
}

// LookupName returns the name associated with code in table t. Zero codes
// render as "NA". Codes with no entry render in hexadecimal.
func LookupName(t Table, code uint64) string {
	for _, e := range lookupTables[t] {
		if e.Code == code {
			return e.Name
		}
	}
	if code == 0 {
		return "NA"
	}
	return fmt.Sprintf("%#x", code)
}
