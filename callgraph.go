// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import (
	"context"
)

type callPathKey struct {
	parent, symbol, ip uint64
}

// CallGraphWriter writes call path tree nodes and call/return pairs as
// they arrive.
type CallGraphWriter struct {
	paths  *Registry[CallPathNode]
	tuples map[callPathKey]uint64
	store  Store
	calls  map[uint64]struct{}
}

// NewCallGraphWriter returns a call graph writer for store.
func NewCallGraphWriter(store Store) *CallGraphWriter {
	return &CallGraphWriter{
		paths:  NewRegistry[CallPathNode]("call_paths", store),
		tuples: make(map[callPathKey]uint64),
		store:  store,
		calls:  make(map[uint64]struct{}),
	}
}

// CallPaths returns the registry of call path nodes.
func (w *CallGraphWriter) CallPaths() *Registry[CallPathNode] { return w.paths }

// Calls returns the number of call/return pairs written.
func (w *CallGraphWriter) Calls() int { return len(w.calls) }

// RecordCallPath writes n. Each (parent, symbol, ip) tuple maps to a
// single node: recording a second node for an existing tuple, or reusing
// an identifier, fails with a *DuplicateIdentifierError.
func (w *CallGraphWriter) RecordCallPath(ctx context.Context, n CallPathNode) error {
	key := callPathKey{parent: n.ParentID, symbol: n.SymbolID, ip: n.IP}
	if id, ok := w.tuples[key]; ok && id != n.ID {
		return &DuplicateIdentifierError{Registry: w.paths.Name(), ID: n.ID}
	}
	if err := w.paths.Register(ctx, n); err != nil {
		return err
	}
	w.tuples[key] = n.ID
	return nil
}

// RecordCallReturn writes c.
func (w *CallGraphWriter) RecordCallReturn(ctx context.Context, c CallReturn) error {
	if _, ok := w.calls[c.ID]; ok {
		return &DuplicateIdentifierError{Registry: "calls", ID: c.ID}
	}
	if err := w.store.Insert(ctx, c); err != nil {
		return &PersistenceError{Op: "insert", Table: TableCalls.String(), Err: err}
	}
	w.calls[c.ID] = struct{}{}
	return nil
}

// CallPathTree interns call path nodes, assigning identifiers in order of
// first appearance. The root, identifier 0, is implicit.
type CallPathTree struct {
	next  uint64
	nodes map[callPathKey]uint64
}

// NewCallPathTree returns a tree holding only the root.
func NewCallPathTree() *CallPathTree {
	return &CallPathTree{
		next:  1,
		nodes: make(map[callPathKey]uint64),
	}
}

// Intern returns the node for (parent, symbol, ip). If the node is new, it
// is returned with created set, and must be announced with its identifier.
func (t *CallPathTree) Intern(parent, symbol, ip uint64) (n CallPathNode, created bool) {
	key := callPathKey{parent: parent, symbol: symbol, ip: ip}
	n = CallPathNode{ParentID: parent, SymbolID: symbol, IP: ip}
	if id, ok := t.nodes[key]; ok {
		n.ID = id
		return n, false
	}
	n.ID = t.next
	t.next++
	t.nodes[key] = n.ID
	return n, true
}

// Len returns the number of interned nodes, not counting the root.
func (t *CallPathTree) Len() int { return len(t.nodes) }
