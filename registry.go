// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import (
	"context"
)

// A Registry is an append-only set of entities of one kind, keyed by
// identifier. Every registered entity is written to the store as it is
// registered. A Registry is not safe for concurrent use.
type Registry[E Entity] struct {
	name  string
	store Store
	rows  map[uint64]E
}

// NewRegistry returns an empty registry which writes to store. The name
// identifies the registry in errors and diagnostics.
func NewRegistry[E Entity](name string, store Store) *Registry[E] {
	return &Registry[E]{
		name:  name,
		store: store,
		rows:  make(map[uint64]E),
	}
}

// Name returns the name of the registry.
func (r *Registry[E]) Name() string { return r.name }

// Register records e and inserts it into the store. If the identifier of
// e is already registered, Register returns a *DuplicateIdentifierError
// and the existing entry is unchanged.
func (r *Registry[E]) Register(ctx context.Context, e E) error {
	id := e.RowID()
	if _, ok := r.rows[id]; ok {
		return &DuplicateIdentifierError{Registry: r.name, ID: id}
	}
	if err := r.store.Insert(ctx, e); err != nil {
		return &PersistenceError{Op: "insert", Table: e.Table().String(), Err: err}
	}
	r.rows[id] = e
	return nil
}

// Lookup returns the entity registered under id.
func (r *Registry[E]) Lookup(id uint64) (E, bool) {
	e, ok := r.rows[id]
	return e, ok
}

// Len returns the number of registered entities, placeholders included.
func (r *Registry[E]) Len() int { return len(r.rows) }

// Registries holds one registry per entity kind.
type Registries struct {
	SelectedEvents *Registry[SelectedEvent]
	Machines       *Registry[Machine]
	Threads        *Registry[Thread]
	Comms          *Registry[Comm]
	CommThreads    *Registry[CommThread]
	Modules        *Registry[Module]
	Symbols        *Registry[Symbol]
}

// NewRegistries returns empty registries writing to store.
func NewRegistries(store Store) *Registries {
	return &Registries{
		SelectedEvents: NewRegistry[SelectedEvent]("selected_events", store),
		Machines:       NewRegistry[Machine]("machines", store),
		Threads:        NewRegistry[Thread]("threads", store),
		Comms:          NewRegistry[Comm]("comms", store),
		CommThreads:    NewRegistry[CommThread]("comm_threads", store),
		Modules:        NewRegistry[Module]("dsos", store),
		Symbols:        NewRegistry[Symbol]("symbols", store),
	}
}

// placeholders returns the id-0 entities standing for "unknown".
func placeholders() []Entity {
	return []Entity{
		SelectedEvent{ID: 0, Name: "unknown"},
		Machine{ID: 0, Pid: 0, RootDir: "unknown"},
		Thread{ID: 0, MachineID: 0, ProcessID: 0, Pid: -1, Tid: -1},
		Comm{ID: 0, Name: "unknown"},
		CommThread{ID: 0, CommID: 0, ThreadID: 0},
		Module{ID: 0, MachineID: 0, ShortName: "unknown", LongName: "unknown", BuildID: ""},
		Symbol{ID: 0, ModuleID: 0, Start: 0, End: 0, Binding: BindingLocal, Name: "unknown"},
	}
}

// register dispatches e to the registry for its kind. It reports false if
// e has no registry.
func (rs *Registries) register(ctx context.Context, e Event) (bool, error) {
	switch e := e.(type) {
	case SelectedEvent:
		return true, rs.SelectedEvents.Register(ctx, e)
	case Machine:
		return true, rs.Machines.Register(ctx, e)
	case Thread:
		return true, rs.Threads.Register(ctx, e)
	case Comm:
		return true, rs.Comms.Register(ctx, e)
	case CommThread:
		return true, rs.CommThreads.Register(ctx, e)
	case Module:
		return true, rs.Modules.Register(ctx, e)
	case Symbol:
		return true, rs.Symbols.Register(ctx, e)
	}
	return false, nil
}
