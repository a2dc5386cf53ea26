// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/golang/glog"
)

// State is the lifecycle state of a Session.
type State int

// Session states.
const (
	StateUninitialized State = iota
	StateInitialized
	StateDraining
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// A Report summarizes a finalized export.
type Report struct {
	Samples         int            // samples committed
	Batches         int            // sample batches committed
	Unhandled       int            // events with no handler
	UnhandledByKind map[string]int // unhandled events, by kind
	Duplicates      map[string]int // rejected duplicate identifiers, by registry
	UndecodedLevels int            // samples with an unsupported memory level number
	CallPaths       int            // call path nodes, root included
	Calls           int            // call/return pairs
}

// A Session exports one ordered stream of events to a Store.
//
// Init must be called before the first Dispatch, and Finalize after the
// last one. A Session is not safe for concurrent use.
type Session struct {
	opts  Options
	store Store
	m     *metrics

	state State
	err   error

	reg         *Registries
	samples     *SampleWriter
	calls       *CallGraphWriter
	branchTypes map[uint64]string

	unhandled       int
	unhandledByKind map[string]int
	duplicates      map[string]int
}

// NewSession returns an uninitialized session writing to store.
func NewSession(store Store, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("perfdb: registering metrics: %w", err)
	}
	s := &Session{
		opts:            opts,
		store:           store,
		m:               m,
		reg:             NewRegistries(store),
		samples:         newSampleWriter(store, opts.batchSize(), m),
		branchTypes:     make(map[uint64]string),
		unhandledByKind: make(map[string]int),
		duplicates:      make(map[string]int),
	}
	if opts.CallGraph {
		s.calls = NewCallGraphWriter(store)
	}
	return s, nil
}

// State returns the current state of the session.
func (s *Session) State() State { return s.state }

// Err returns the error which caused the session to fail, if any.
func (s *Session) Err() error { return s.err }

// Registries returns the entity registries of the session.
func (s *Session) Registries() *Registries { return s.reg }

// SampleWriter returns the sample writer of the session.
func (s *Session) SampleWriter() *SampleWriter { return s.samples }

// CallGraphWriter returns the call graph writer of the session, or nil if
// call graph export is disabled.
func (s *Session) CallGraphWriter() *CallGraphWriter { return s.calls }

func (s *Session) schema() Schema { return Schema{CallGraph: s.opts.CallGraph} }

// Init creates the schema, registers the id-0 placeholder of every
// registry and fills the lookup tables.
func (s *Session) Init(ctx context.Context) error {
	switch s.state {
	case StateUninitialized:
	case StateFinalized:
		return ErrFinalized
	case StateFailed:
		return s.err
	default:
		return ErrAlreadyInitialized
	}
	schema := s.schema()
	if err := s.store.CreateSchema(ctx, schema); err != nil {
		return s.fail(&PersistenceError{Op: "create schema", Err: err})
	}
	for _, e := range placeholders() {
		if _, err := s.reg.register(ctx, e); err != nil {
			return s.fail(err)
		}
	}
	if err := s.store.Insert(ctx, &SampleRow{}); err != nil {
		return s.fail(&PersistenceError{Op: "insert", Table: TableSamples.String(), Err: err})
	}
	if s.calls != nil {
		if err := s.calls.RecordCallPath(ctx, CallPathNode{}); err != nil {
			return s.fail(err)
		}
	}
	for _, t := range LookupTables() {
		entries := lookupTables[t]
		rows := make([]Row, len(entries))
		for i, e := range entries {
			rows[i] = e
			if t == TableBranchTypes {
				s.branchTypes[e.Code] = e.Name
			}
		}
		if err := s.store.InsertBatch(ctx, t, rows); err != nil {
			return s.fail(&PersistenceError{Op: "insert batch", Table: t.String(), Err: err})
		}
	}
	s.state = StateInitialized
	glog.Infof("perfdb: schema created (%d tables, call graph export %t)", len(schema.Tables()), schema.CallGraph)
	return nil
}

// Dispatch processes a single event.
//
// Events with no handler are counted and otherwise ignored. A duplicate
// identifier is counted and returned, and leaves the session usable. A
// store failure is returned as a *PersistenceError, and causes every
// later call to fail with the same error.
func (s *Session) Dispatch(ctx context.Context, ev Event) error {
	if err := s.usable(); err != nil {
		return err
	}
	s.state = StateDraining
	if ok, err := s.reg.register(ctx, ev); ok {
		return s.check(err)
	}
	switch ev := ev.(type) {
	case Sample:
		return s.check(s.samples.Append(ctx, ev))
	case BranchType:
		return s.check(s.branchType(ctx, ev))
	case CallPathNode:
		if s.calls != nil {
			return s.check(s.calls.RecordCallPath(ctx, ev))
		}
	case CallReturn:
		if s.calls != nil {
			return s.check(s.calls.RecordCallReturn(ctx, ev))
		}
	}
	s.unhandledEvent(ev)
	return nil
}

func (s *Session) usable() error {
	switch s.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateFinalized:
		return ErrFinalized
	case StateFailed:
		return s.err
	}
	return nil
}

func (s *Session) branchType(ctx context.Context, bt BranchType) error {
	name, ok := s.branchTypes[bt.Code]
	if ok {
		if name == bt.Name {
			return nil
		}
		return &DuplicateIdentifierError{Registry: TableBranchTypes.String(), ID: bt.Code}
	}
	e := LookupEntry{Code: bt.Code, Name: bt.Name, table: TableBranchTypes}
	if err := s.store.Insert(ctx, e); err != nil {
		return &PersistenceError{Op: "insert", Table: TableBranchTypes.String(), Err: err}
	}
	s.branchTypes[bt.Code] = bt.Name
	return nil
}

func (s *Session) unhandledEvent(ev Event) {
	kind := "<nil>"
	if ev != nil {
		kind = ev.Kind()
	}
	s.unhandled++
	s.unhandledByKind[kind]++
	s.m.unhandledEvent()
}

// check classifies the error returned by a handler.
func (s *Session) check(err error) error {
	if err == nil {
		return nil
	}
	var dup *DuplicateIdentifierError
	if errors.As(err, &dup) {
		s.duplicates[dup.Registry]++
		s.m.duplicate(dup.Registry)
		return err
	}
	return s.fail(err)
}

func (s *Session) fail(err error) error {
	s.state = StateFailed
	s.err = err
	glog.Errorf("%v", err)
	return err
}

// Finalize flushes buffered samples, builds the deferred indexes and
// returns a summary of the export. Finalize may be called only once.
func (s *Session) Finalize(ctx context.Context) (Report, error) {
	if err := s.usable(); err != nil {
		return Report{}, err
	}
	if err := s.samples.Flush(ctx); err != nil {
		return Report{}, s.fail(err)
	}
	for _, idx := range s.schema().Indexes() {
		if err := s.store.CreateIndex(ctx, idx); err != nil {
			return Report{}, s.fail(&PersistenceError{Op: "create index", Table: idx.Table.String(), Err: err})
		}
	}
	s.state = StateFinalized
	r := s.report()
	glog.Infof("perfdb: export done: %d samples in %d batches", r.Samples, r.Batches)
	if r.Unhandled > 0 {
		glog.Warningf("perfdb: %d unhandled events", r.Unhandled)
	}
	return r, nil
}

func (s *Session) report() Report {
	r := Report{
		Samples:         s.samples.Written(),
		Batches:         s.samples.Batches(),
		Unhandled:       s.unhandled,
		UnhandledByKind: make(map[string]int, len(s.unhandledByKind)),
		Duplicates:      make(map[string]int, len(s.duplicates)),
		UndecodedLevels: s.samples.Undecoded(),
	}
	for k, n := range s.unhandledByKind {
		r.UnhandledByKind[k] = n
	}
	for k, n := range s.duplicates {
		r.Duplicates[k] = n
	}
	if s.calls != nil {
		r.CallPaths = s.calls.CallPaths().Len()
		r.Calls = s.calls.Calls()
	}
	return r
}

// Run initializes the session if needed, dispatches every event produced
// by src until io.EOF, then finalizes the session. Duplicate identifiers
// are logged and skipped. Any other error stops the export; samples still
// buffered at that point are not written.
func (s *Session) Run(ctx context.Context, src Source) (Report, error) {
	if s.state == StateUninitialized {
		if err := s.Init(ctx); err != nil {
			return Report{}, err
		}
	}
	for {
		ev, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Report{}, fmt.Errorf("perfdb: reading events: %w", err)
		}
		if err := s.Dispatch(ctx, ev); err != nil {
			if errors.Is(err, ErrDuplicateIdentifier) {
				glog.Warningf("perfdb: skipping %s event: %v", ev.Kind(), err)
				continue
			}
			return Report{}, err
		}
	}
	return s.Finalize(ctx)
}
