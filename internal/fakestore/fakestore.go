// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakestore provides an in-memory perfdb.Store for tests.
package fakestore

import (
	"context"
	"errors"
	"fmt"

	"acln.ro/perfdb"
)

// ErrInjected is the error returned by injected failures.
var ErrInjected = errors.New("fakestore: injected failure")

// Batch is a committed InsertBatch call.
type Batch struct {
	Table perfdb.Table
	Rows  [][]any
}

// Store is an in-memory perfdb.Store. Rows are copied on insertion, as a
// real store would do.
type Store struct {
	Schema        perfdb.Schema
	SchemaCreated bool
	Batches       []Batch
	Indexes       []perfdb.Index

	// FailInsert, if not nil, is consulted before every Insert. A
	// non-nil return value fails the insertion.
	FailInsert func(t perfdb.Table) error

	// FailBatch, if not nil, is consulted before every InsertBatch,
	// with the zero-based number of the batch for the table.
	FailBatch func(t perfdb.Table, n int) error

	rows    map[perfdb.Table][][]any
	batchNo map[perfdb.Table]int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rows:    make(map[perfdb.Table][][]any),
		batchNo: make(map[perfdb.Table]int),
	}
}

func (s *Store) CreateSchema(ctx context.Context, schema perfdb.Schema) error {
	if s.SchemaCreated {
		return errors.New("fakestore: schema already created")
	}
	s.Schema = schema
	s.SchemaCreated = true
	return nil
}

func (s *Store) hasTable(t perfdb.Table) bool {
	for _, st := range s.Schema.Tables() {
		if st == t {
			return true
		}
	}
	return false
}

func (s *Store) Insert(ctx context.Context, r perfdb.Row) error {
	t := r.Table()
	if !s.hasTable(t) {
		return fmt.Errorf("fakestore: no such table: %v", t)
	}
	if s.FailInsert != nil {
		if err := s.FailInsert(t); err != nil {
			return err
		}
	}
	s.rows[t] = append(s.rows[t], r.Values())
	return nil
}

func (s *Store) InsertBatch(ctx context.Context, t perfdb.Table, rows []perfdb.Row) error {
	if !s.hasTable(t) {
		return fmt.Errorf("fakestore: no such table: %v", t)
	}
	n := s.batchNo[t]
	s.batchNo[t]++
	if s.FailBatch != nil {
		if err := s.FailBatch(t, n); err != nil {
			return err
		}
	}
	b := Batch{Table: t, Rows: make([][]any, 0, len(rows))}
	for _, r := range rows {
		if r.Table() != t {
			return fmt.Errorf("fakestore: %v row in %v batch", r.Table(), t)
		}
		b.Rows = append(b.Rows, r.Values())
	}
	s.Batches = append(s.Batches, b)
	s.rows[t] = append(s.rows[t], b.Rows...)
	return nil
}

func (s *Store) CreateIndex(ctx context.Context, idx perfdb.Index) error {
	if !s.hasTable(idx.Table) {
		return fmt.Errorf("fakestore: no such table: %v", idx.Table)
	}
	s.Indexes = append(s.Indexes, idx)
	return nil
}

// Rows returns the rows of t, in insertion order.
func (s *Store) Rows(t perfdb.Table) [][]any { return s.rows[t] }

// Row returns the row of t whose first column (the identifier) is id.
func (s *Store) Row(t perfdb.Table, id int64) ([]any, bool) {
	for _, r := range s.rows[t] {
		if len(r) > 0 && r[0] == id {
			return r, true
		}
	}
	return nil, false
}

// BatchesFor returns the batches committed to t.
func (s *Store) BatchesFor(t perfdb.Table) []Batch {
	var bs []Batch
	for _, b := range s.Batches {
		if b.Table == t {
			bs = append(bs, b)
		}
	}
	return bs
}
