// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb_test

import (
	"testing"

	"acln.ro/perfdb"

	"github.com/stretchr/testify/assert"
)

func TestLookupTables(t *testing.T) {
	sizes := map[perfdb.Table]int{
		perfdb.TableBranchTypes:       14,
		perfdb.TableMemoryOpcodes:     5,
		perfdb.TableMemoryHitMiss:     3,
		perfdb.TableMemoryLevels:      11,
		perfdb.TableMemorySnoop:       6,
		perfdb.TableMemoryLock:        2,
		perfdb.TableMemoryDTLBHitMiss: 3,
		perfdb.TableMemoryDTLB:        5,
	}
	for _, lt := range perfdb.LookupTables() {
		entries := perfdb.LookupEntries(lt)
		assert.Len(t, entries, sizes[lt], "table %v", lt)
		seen := make(map[uint64]bool)
		for _, e := range entries {
			assert.False(t, seen[e.Code], "table %v: duplicate code %#x", lt, e.Code)
			seen[e.Code] = true
			assert.Equal(t, lt, e.Table())
			assert.Len(t, e.Values(), len(lt.Columns()))
		}
	}
	assert.Nil(t, perfdb.LookupEntries(perfdb.TableSamples))
}

func TestLookupName(t *testing.T) {
	tests := []struct {
		table perfdb.Table
		code  uint64
		want  string
	}{
		{perfdb.TableMemoryOpcodes, 0x10, "Code"},
		{perfdb.TableMemoryLevels, 0x100, "Remote Cache (2 hops)"},
		{perfdb.TableMemorySnoop, 0x0a, "No Snoop and Snoop Miss"},
		{perfdb.TableMemoryDTLB, 0x03, "L1 or L2"},
		{perfdb.TableBranchTypes, perfdb.BranchTraceEnd, "trace end"},
		{perfdb.TableBranchTypes, 0, "no branch"},
		{perfdb.TableMemoryLevels, 0, "NA"},
		{perfdb.TableMemoryLevels, 0x3, "0x3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, perfdb.LookupName(tt.table, tt.code), "table %v code %#x", tt.table, tt.code)
	}
}

func TestSchemaTables(t *testing.T) {
	plain := perfdb.Schema{}.Tables()
	assert.NotContains(t, plain, perfdb.TableCalls)
	assert.Empty(t, perfdb.Schema{}.Indexes())

	full := perfdb.Schema{CallGraph: true}.Tables()
	assert.Equal(t, len(plain)+2, len(full))
	for _, tbl := range full {
		assert.NotEmpty(t, tbl.Columns(), "table %v", tbl)
		assert.NotEqual(t, "unknown", tbl.String())
	}
	assert.Len(t, perfdb.TableSamples.Columns(), 29)
}
