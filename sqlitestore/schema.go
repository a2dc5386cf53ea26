// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlitestore

import (
	"acln.ro/perfdb"
)

func lookupTableDDL(name string) string {
	return `CREATE TABLE ` + name + ` (
		id   integer NOT NULL PRIMARY KEY,
		name varchar(80))`
}

var tableDDL = map[perfdb.Table]string{
	perfdb.TableSelectedEvents: `CREATE TABLE selected_events (
		id   integer PRIMARY KEY,
		name varchar(80))`,
	perfdb.TableMachines: `CREATE TABLE machines (
		id       integer PRIMARY KEY,
		pid      integer,
		root_dir varchar(4096))`,
	perfdb.TableThreads: `CREATE TABLE threads (
		id         integer PRIMARY KEY,
		machine_id bigint,
		process_id bigint,
		pid        integer,
		tid        integer)`,
	perfdb.TableComms: `CREATE TABLE comms (
		id   integer PRIMARY KEY,
		comm varchar(16))`,
	perfdb.TableCommThreads: `CREATE TABLE comm_threads (
		id        integer PRIMARY KEY,
		comm_id   bigint,
		thread_id bigint)`,
	perfdb.TableDSOs: `CREATE TABLE dsos (
		id         integer PRIMARY KEY,
		machine_id bigint,
		short_name varchar(256),
		long_name  varchar(4096),
		build_id   varchar(64))`,
	perfdb.TableSymbols: `CREATE TABLE symbols (
		id        integer PRIMARY KEY,
		dso_id    bigint,
		sym_start bigint,
		sym_end   bigint,
		binding   integer,
		name      varchar(2048))`,
	perfdb.TableBranchTypes:       lookupTableDDL("branch_types"),
	perfdb.TableMemoryOpcodes:     lookupTableDDL("memory_opcodes"),
	perfdb.TableMemoryHitMiss:     lookupTableDDL("memory_hit_miss"),
	perfdb.TableMemoryLevels:      lookupTableDDL("memory_levels"),
	perfdb.TableMemorySnoop:       lookupTableDDL("memory_snoop"),
	perfdb.TableMemoryLock:        lookupTableDDL("memory_lock"),
	perfdb.TableMemoryDTLBHitMiss: lookupTableDDL("memory_dtlb_hit_miss"),
	perfdb.TableMemoryDTLB:        lookupTableDDL("memory_dtlb"),
	perfdb.TableSamples: `CREATE TABLE samples (
		id                   integer PRIMARY KEY,
		evsel_id             bigint,
		machine_id           bigint,
		thread_id            bigint,
		comm_id              bigint,
		dso_id               bigint,
		symbol_id            bigint,
		sym_offset           bigint,
		ip                   bigint,
		time                 bigint,
		cpu                  integer,
		to_dso_id            bigint,
		to_symbol_id         bigint,
		to_sym_offset        bigint,
		to_ip                bigint,
		period               bigint,
		weight               bigint,
		transaction_id       bigint,
		data_src             bigint,
		memory_opcode        integer,
		memory_hit_miss      integer,
		memory_level         integer,
		memory_snoop         integer,
		memory_lock          integer,
		memory_dtlb_hit_miss integer,
		memory_dtlb          integer,
		branch_type          integer,
		in_tx                boolean,
		call_path_id         bigint)`,
	perfdb.TableCallPaths: `CREATE TABLE call_paths (
		id        integer PRIMARY KEY,
		parent_id bigint,
		symbol_id bigint,
		ip        bigint)`,
	perfdb.TableCalls: `CREATE TABLE calls (
		id                  integer PRIMARY KEY,
		thread_id           bigint,
		comm_id             bigint,
		call_path_id        bigint,
		call_time           bigint,
		return_time         bigint,
		branch_count        bigint,
		call_id             bigint,
		return_id           bigint,
		parent_call_path_id bigint,
		flags               integer)`,
}

var views = []string{
	`CREATE VIEW machines_view AS SELECT
		id,
		pid,
		root_dir,
		CASE WHEN id = 0 THEN 'unknown' WHEN pid = -1 THEN 'host' ELSE 'guest' END AS host_or_guest
	FROM machines`,

	`CREATE VIEW dsos_view AS SELECT
		id,
		machine_id,
		(SELECT host_or_guest FROM machines_view WHERE id = machine_id) AS host_or_guest,
		short_name,
		long_name,
		build_id
	FROM dsos`,

	`CREATE VIEW symbols_view AS SELECT
		id,
		name,
		(SELECT short_name FROM dsos WHERE id = dso_id) AS dso,
		dso_id,
		sym_start,
		sym_end,
		CASE WHEN binding = 0 THEN 'local' WHEN binding = 1 THEN 'global' ELSE 'weak' END AS binding
	FROM symbols`,

	`CREATE VIEW threads_view AS SELECT
		id,
		machine_id,
		(SELECT host_or_guest FROM machines_view WHERE id = machine_id) AS host_or_guest,
		process_id,
		pid,
		tid
	FROM threads`,

	`CREATE VIEW comm_threads_view AS SELECT
		comm_id,
		(SELECT comm FROM comms WHERE id = comm_id) AS command,
		thread_id,
		(SELECT pid FROM threads WHERE id = thread_id) AS pid,
		(SELECT tid FROM threads WHERE id = thread_id) AS tid
	FROM comm_threads`,

	`CREATE VIEW samples_view AS SELECT
		id,
		time,
		cpu,
		(SELECT pid FROM threads WHERE id = thread_id) AS pid,
		(SELECT tid FROM threads WHERE id = thread_id) AS tid,
		(SELECT comm FROM comms WHERE id = comm_id) AS command,
		(SELECT name FROM selected_events WHERE id = evsel_id) AS event,
		printf('%X', ip) AS ip_hex,
		(SELECT name FROM symbols WHERE id = symbol_id) AS symbol,
		sym_offset,
		(SELECT short_name FROM dsos WHERE id = dso_id) AS dso_short_name,
		printf('%X', to_ip) AS to_ip,
		(SELECT name FROM symbols WHERE id = to_symbol_id) AS to_symbol,
		to_sym_offset,
		(SELECT short_name FROM dsos WHERE id = to_dso_id) AS to_dso_short_name,
		(SELECT name FROM branch_types WHERE id = branch_type) AS branch_type_name,
		in_tx
	FROM samples`,

	`CREATE VIEW samples_memory_view AS SELECT
		id,
		time,
		cpu,
		(SELECT comm FROM comms WHERE id = comm_id) AS command,
		(SELECT name FROM selected_events WHERE id = evsel_id) AS event,
		printf('%X', ip) AS ip_hex,
		(SELECT name FROM symbols WHERE id = symbol_id) AS symbol,
		weight,
		printf('%X', data_src) AS data_src,
		COALESCE((SELECT name FROM memory_opcodes WHERE id = s.memory_opcode), 'NA') AS opcode,
		COALESCE((SELECT name FROM memory_hit_miss WHERE id = s.memory_hit_miss), 'NA') AS hit_miss,
		COALESCE((SELECT name FROM memory_levels WHERE id = s.memory_level), 'NA') AS level,
		COALESCE((SELECT name FROM memory_snoop WHERE id = s.memory_snoop), 'NA') AS snoop,
		COALESCE((SELECT name FROM memory_lock WHERE id = s.memory_lock), 'NA') AS lock,
		COALESCE((SELECT name FROM memory_dtlb_hit_miss WHERE id = s.memory_dtlb_hit_miss), 'NA') AS dtlb_hit_miss,
		COALESCE((SELECT name FROM memory_dtlb WHERE id = s.memory_dtlb), 'NA') AS dtlb
	FROM samples s`,
}

var callGraphViews = []string{
	`CREATE VIEW call_paths_view AS SELECT
		c.id,
		printf('%X', c.ip) AS ip,
		c.symbol_id,
		(SELECT name FROM symbols WHERE id = c.symbol_id) AS symbol,
		(SELECT dso_id FROM symbols WHERE id = c.symbol_id) AS dso_id,
		(SELECT dso FROM symbols_view WHERE id = c.symbol_id) AS dso_short_name,
		c.parent_id,
		printf('%X', p.ip) AS parent_ip,
		p.symbol_id AS parent_symbol_id,
		(SELECT name FROM symbols WHERE id = p.symbol_id) AS parent_symbol,
		(SELECT dso_id FROM symbols WHERE id = p.symbol_id) AS parent_dso_id,
		(SELECT dso FROM symbols_view WHERE id = p.symbol_id) AS parent_dso_short_name
	FROM call_paths c INNER JOIN call_paths p ON p.id = c.parent_id`,

	`CREATE VIEW calls_view AS SELECT
		calls.id,
		thread_id,
		(SELECT pid FROM threads WHERE id = thread_id) AS pid,
		(SELECT tid FROM threads WHERE id = thread_id) AS tid,
		(SELECT comm FROM comms WHERE id = comm_id) AS command,
		call_path_id,
		printf('%X', ip) AS ip,
		symbol_id,
		(SELECT name FROM symbols WHERE id = symbol_id) AS symbol,
		call_time,
		return_time,
		return_time - call_time AS elapsed_time,
		branch_count,
		call_id,
		return_id,
		CASE WHEN flags = 1 THEN 'no call' WHEN flags = 2 THEN 'no return' WHEN flags = 3 THEN 'no call/return' ELSE '' END AS flags,
		parent_call_path_id
	FROM calls INNER JOIN call_paths ON call_paths.id = call_path_id`,
}

// schemaStatements returns the statements creating the tables and views
// of s, in order.
func schemaStatements(s perfdb.Schema) []string {
	var stmts []string
	for _, t := range s.Tables() {
		stmts = append(stmts, tableDDL[t])
	}
	stmts = append(stmts, views...)
	if s.CallGraph {
		stmts = append(stmts, callGraphViews...)
	}
	return stmts
}
