// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"acln.ro/perfdb"
)

// DefaultLoadEvents matches the names of memory load sampling events.
const DefaultLoadEvents = "cpu/mem-loads%"

// LevelFilter selects the samples considered by MemoryLevels.
type LevelFilter struct {
	// Events is a LIKE pattern matched against selected event names.
	// If empty, DefaultLoadEvents is used.
	Events string

	// Symbol, if not empty, restricts the breakdown to samples in the
	// named symbol.
	Symbol string
}

// LevelCount is the number of samples served by one memory level.
type LevelCount struct {
	Level   string
	Count   int64
	Percent float64

	// AvgLatency is the average sample weight, in cycles for memory
	// load events.
	AvgLatency float64
}

// MemoryLevels returns the breakdown of matching samples by memory level,
// most frequent first. Levels without a name are reported as "NA".
func (s *Store) MemoryLevels(ctx context.Context, f LevelFilter) ([]LevelCount, error) {
	events := f.Events
	if events == "" {
		events = DefaultLoadEvents
	}
	q := `SELECT COALESCE((SELECT name FROM memory_levels WHERE id = s.memory_level), 'NA') AS level,
		COUNT(*) AS n,
		AVG(s.weight)
	FROM samples s
	WHERE s.id != 0
		AND s.evsel_id IN (SELECT id FROM selected_events WHERE name LIKE ?)`
	args := []any{events}
	if f.Symbol != "" {
		q += ` AND s.symbol_id IN (SELECT id FROM symbols WHERE name = ?)`
		args = append(args, f.Symbol)
	}
	q += ` GROUP BY level ORDER BY n DESC, level`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory levels: %w", err)
	}
	defer rows.Close()

	var (
		counts []LevelCount
		total  int64
	)
	for rows.Next() {
		var lc LevelCount
		if err := rows.Scan(&lc.Level, &lc.Count, &lc.AvgLatency); err != nil {
			return nil, fmt.Errorf("failed to scan memory level: %w", err)
		}
		total += lc.Count
		counts = append(counts, lc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query memory levels: %w", err)
	}
	for i := range counts {
		counts[i].Percent = 100 * float64(counts[i].Count) / float64(total)
	}
	return counts, nil
}

// FunctionCoherency is the cache coherency summary of the samples of one
// function. Weights are averaged over all of its samples, and over the
// loads that hit a modified line in another core's cache (HITM).
type FunctionCoherency struct {
	Function       string
	Samples        int64
	AvgLatency     float64
	HITM           int64
	HITMAvgLatency float64
}

// Coherency returns the coherency summary of the named functions, or of
// every sampled function if names is empty, most HITM samples first.
// Functions sharing a name in different modules are reported separately.
func (s *Store) Coherency(ctx context.Context, names []string) ([]FunctionCoherency, error) {
	hitm := int64(perfdb.MemSnoopHitModified)
	q := `SELECT sym.name,
		COUNT(*),
		AVG(s.weight),
		SUM(CASE WHEN s.memory_snoop = ? THEN 1 ELSE 0 END) AS hitm,
		AVG(CASE WHEN s.memory_snoop = ? THEN s.weight END)
	FROM samples s JOIN symbols sym ON sym.id = s.symbol_id
	WHERE s.id != 0 AND s.symbol_id != 0`
	args := []any{hitm, hitm}
	if len(names) > 0 {
		q += ` AND sym.name IN (?` + strings.Repeat(", ?", len(names)-1) + `)`
		for _, name := range names {
			args = append(args, name)
		}
	}
	q += ` GROUP BY s.symbol_id ORDER BY hitm DESC, sym.name`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query coherency: %w", err)
	}
	defer rows.Close()

	var funcs []FunctionCoherency
	for rows.Next() {
		var (
			fc      FunctionCoherency
			hitmAvg sql.NullFloat64
		)
		if err := rows.Scan(&fc.Function, &fc.Samples, &fc.AvgLatency, &fc.HITM, &hitmAvg); err != nil {
			return nil, fmt.Errorf("failed to scan coherency: %w", err)
		}
		fc.HITMAvgLatency = hitmAvg.Float64
		funcs = append(funcs, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query coherency: %w", err)
	}
	return funcs, nil
}
