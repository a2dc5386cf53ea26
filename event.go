// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
)

// An Event is one element of the ordered stream consumed by a Session.
//
// The entity types (SelectedEvent, Machine, Thread, Comm, CommThread,
// Module, Symbol, BranchType, CallPathNode, CallReturn) and Sample are
// events. Anything else the producer cannot translate is delivered as an
// UnhandledEvent.
type Event interface {
	Kind() string
}

// Event kinds.
const (
	KindSelectedEvent = "evsel"
	KindMachine       = "machine"
	KindThread        = "thread"
	KindComm          = "comm"
	KindCommThread    = "comm_thread"
	KindModule        = "dso"
	KindSymbol        = "symbol"
	KindBranchType    = "branch_type"
	KindSample        = "sample"
	KindCallPath      = "call_path"
	KindCallReturn    = "call_return"
)

// UnhandledEvent is an event the exporter has no handler for, such as a
// tracepoint. It is counted and otherwise ignored.
type UnhandledEvent struct {
	Name   string
	Fields map[string]any
}

func (u UnhandledEvent) Kind() string { return u.Name }

// String returns the event name followed by its fields, sorted by name.
func (u UnhandledEvent) String() string {
	keys := make([]string, 0, len(u.Fields))
	for k := range u.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(u.Name)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, u.Fields[k])
	}
	return sb.String()
}

// A Source produces the events of one trace, in order. Next returns io.EOF
// once the trace is exhausted.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// SliceSource is a Source over a fixed sequence of events.
type SliceSource []Event

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(*s) == 0 {
		return nil, io.EOF
	}
	ev := (*s)[0]
	*s = (*s)[1:]
	return ev, nil
}
