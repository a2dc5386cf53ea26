// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perfdb exports perf trace events (samples, callchains, thread,
// process and module metadata) into a relational store.
//
// A Session consumes one ordered stream of events. Entity events are
// recorded in append-only registries, samples are decoded and buffered by
// a SampleWriter which commits them in atomic batches, and call paths and
// call/return pairs are written by a CallGraphWriter when call graph export
// is enabled. The storage engine is abstracted by the Store interface; see
// package sqlitestore for the SQLite implementation.
package perfdb

import (
	"context"
)

// A Store is a transactional row store. Implementations must not retain
// the rows passed to Insert or InsertBatch after the call returns.
type Store interface {
	// CreateSchema creates the tables and views described by s.
	CreateSchema(ctx context.Context, s Schema) error

	// Insert inserts a single row.
	Insert(ctx context.Context, r Row) error

	// InsertBatch inserts rows into t as a single all-or-nothing
	// transaction.
	InsertBatch(ctx context.Context, t Table, rows []Row) error

	// CreateIndex creates the specified index.
	CreateIndex(ctx context.Context, idx Index) error
}

// A Row is a row destined for a specific table. Values returns the column
// values in the order given by Table().Columns().
type Row interface {
	Table() Table
	Values() []any
}

// Table identifies a table of the persisted schema.
type Table int

// Tables of the persisted schema.
const (
	TableSelectedEvents Table = iota
	TableMachines
	TableThreads
	TableComms
	TableCommThreads
	TableDSOs
	TableSymbols
	TableBranchTypes
	TableMemoryOpcodes
	TableMemoryHitMiss
	TableMemoryLevels
	TableMemorySnoop
	TableMemoryLock
	TableMemoryDTLBHitMiss
	TableMemoryDTLB
	TableSamples
	TableCallPaths
	TableCalls

	numTables
)

var tableNames = [numTables]string{
	TableSelectedEvents:    "selected_events",
	TableMachines:          "machines",
	TableThreads:           "threads",
	TableComms:             "comms",
	TableCommThreads:       "comm_threads",
	TableDSOs:              "dsos",
	TableSymbols:           "symbols",
	TableBranchTypes:       "branch_types",
	TableMemoryOpcodes:     "memory_opcodes",
	TableMemoryHitMiss:     "memory_hit_miss",
	TableMemoryLevels:      "memory_levels",
	TableMemorySnoop:       "memory_snoop",
	TableMemoryLock:        "memory_lock",
	TableMemoryDTLBHitMiss: "memory_dtlb_hit_miss",
	TableMemoryDTLB:        "memory_dtlb",
	TableSamples:           "samples",
	TableCallPaths:         "call_paths",
	TableCalls:             "calls",
}

var lookupColumns = []string{"id", "name"}

var tableColumns = [numTables][]string{
	TableSelectedEvents:    {"id", "name"},
	TableMachines:          {"id", "pid", "root_dir"},
	TableThreads:           {"id", "machine_id", "process_id", "pid", "tid"},
	TableComms:             {"id", "comm"},
	TableCommThreads:       {"id", "comm_id", "thread_id"},
	TableDSOs:              {"id", "machine_id", "short_name", "long_name", "build_id"},
	TableSymbols:           {"id", "dso_id", "sym_start", "sym_end", "binding", "name"},
	TableBranchTypes:       lookupColumns,
	TableMemoryOpcodes:     lookupColumns,
	TableMemoryHitMiss:     lookupColumns,
	TableMemoryLevels:      lookupColumns,
	TableMemorySnoop:       lookupColumns,
	TableMemoryLock:        lookupColumns,
	TableMemoryDTLBHitMiss: lookupColumns,
	TableMemoryDTLB:        lookupColumns,
	TableSamples: {
		"id", "evsel_id", "machine_id", "thread_id", "comm_id",
		"dso_id", "symbol_id", "sym_offset", "ip", "time", "cpu",
		"to_dso_id", "to_symbol_id", "to_sym_offset", "to_ip",
		"period", "weight", "transaction_id", "data_src",
		"memory_opcode", "memory_hit_miss", "memory_level",
		"memory_snoop", "memory_lock", "memory_dtlb_hit_miss",
		"memory_dtlb", "branch_type", "in_tx", "call_path_id",
	},
	TableCallPaths: {"id", "parent_id", "symbol_id", "ip"},
	TableCalls: {
		"id", "thread_id", "comm_id", "call_path_id", "call_time",
		"return_time", "branch_count", "call_id", "return_id",
		"parent_call_path_id", "flags",
	},
}

// String returns the SQL name of the table.
func (t Table) String() string {
	if t < 0 || t >= numTables {
		return "unknown"
	}
	return tableNames[t]
}

// Columns returns the column names of the table, in insertion order.
// Callers must not modify the returned slice.
func (t Table) Columns() []string {
	if t < 0 || t >= numTables {
		return nil
	}
	return tableColumns[t]
}

// Schema describes the set of tables, views and deferred indexes a Session
// needs.
type Schema struct {
	// CallGraph enables the call_paths and calls tables and their views.
	CallGraph bool
}

// Tables returns the tables of the schema in creation order.
func (s Schema) Tables() []Table {
	tables := make([]Table, 0, numTables)
	for t := TableSelectedEvents; t <= TableSamples; t++ {
		tables = append(tables, t)
	}
	if s.CallGraph {
		tables = append(tables, TableCallPaths, TableCalls)
	}
	return tables
}

// Indexes returns the indexes which are built once all rows are written.
func (s Schema) Indexes() []Index {
	if !s.CallGraph {
		return nil
	}
	return []Index{
		{Name: "pcpid_idx", Table: TableCalls, Columns: []string{"parent_call_path_id"}},
	}
}

// An Index is a secondary index over some columns of a table.
type Index struct {
	Name    string
	Table   Table
	Columns []string
}
