// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eventlog reads and writes perfdb event streams as JSON lines.
//
// Each line holds one event:
//
//	{"kind": "comm", "args": [1, "a.out"]}
//
// The arguments are positional, in the order of the corresponding perfdb
// entity fields. Blank lines are ignored. Unknown kinds are read as
// perfdb.UnhandledEvent values.
package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"acln.ro/perfdb"
)

const maxLineSize = 1 << 20

type record struct {
	Kind string            `json:"kind"`
	Args []json.RawMessage `json:"args"`
}

// SyntaxError describes a malformed line.
type SyntaxError struct {
	Line int
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("eventlog: line %d: %v", e.Line, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Reader reads events from a JSON lines stream. It implements
// perfdb.Source.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

var _ perfdb.Source = (*Reader)(nil)

// NewReader returns a Reader reading from r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Reader{sc: sc}
}

// Next returns the next event, or io.EOF at the end of the stream.
func (r *Reader) Next(ctx context.Context) (perfdb.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !r.sc.Scan() {
			if err := r.sc.Err(); err != nil {
				return nil, fmt.Errorf("eventlog: line %d: %w", r.line+1, err)
			}
			return nil, io.EOF
		}
		r.line++
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := decodeLine(line)
		if err != nil {
			return nil, &SyntaxError{Line: r.line, Err: err}
		}
		return ev, nil
	}
}

// Line returns the number of the last line read.
func (r *Reader) Line() int { return r.line }

func decodeLine(line []byte) (perfdb.Event, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	if rec.Kind == "" {
		return nil, fmt.Errorf("missing event kind")
	}
	dec, ok := decoders[rec.Kind]
	if !ok {
		return unhandled(rec)
	}
	a := &args{kind: rec.Kind, raw: rec.Args}
	if len(a.raw) != dec.arity {
		return nil, fmt.Errorf("%s: got %d arguments, want %d", rec.Kind, len(a.raw), dec.arity)
	}
	ev := dec.decode(a)
	if a.err != nil {
		return nil, a.err
	}
	return ev, nil
}

func unhandled(rec record) (perfdb.Event, error) {
	u := perfdb.UnhandledEvent{Name: rec.Kind}
	if len(rec.Args) > 0 {
		u.Fields = make(map[string]any, len(rec.Args))
		for i, raw := range rec.Args {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("%s: argument %d: %v", rec.Kind, i, err)
			}
			u.Fields[fmt.Sprintf("arg%d", i)] = v
		}
	}
	return u, nil
}

// args decodes positional arguments, keeping the first error.
type args struct {
	kind string
	raw  []json.RawMessage
	err  error
}

func (a *args) decode(i int, v any, what string) {
	if a.err != nil {
		return
	}
	if err := json.Unmarshal(a.raw[i], v); err != nil {
		a.err = fmt.Errorf("%s: argument %d: want %s: %v", a.kind, i, what, err)
	}
}

func (a *args) u64(i int) uint64 {
	var v uint64
	a.decode(i, &v, "unsigned integer")
	return v
}

func (a *args) i64(i int) int64 {
	var v int64
	a.decode(i, &v, "integer")
	return v
}

func (a *args) str(i int) string {
	var v string
	a.decode(i, &v, "string")
	return v
}

// flag accepts true, false, 0 and 1.
func (a *args) flag(i int) bool {
	if a.err != nil {
		return false
	}
	var b bool
	if err := json.Unmarshal(a.raw[i], &b); err == nil {
		return b
	}
	switch a.u64(i) {
	case 0:
		return false
	case 1:
		return true
	}
	if a.err == nil {
		a.err = fmt.Errorf("%s: argument %d: want boolean", a.kind, i)
	}
	return false
}

type decoder struct {
	arity  int
	decode func(a *args) perfdb.Event
}

var decoders = map[string]decoder{
	perfdb.KindSelectedEvent: {2, func(a *args) perfdb.Event {
		return perfdb.SelectedEvent{ID: a.u64(0), Name: a.str(1)}
	}},
	perfdb.KindMachine: {3, func(a *args) perfdb.Event {
		return perfdb.Machine{ID: a.u64(0), Pid: a.i64(1), RootDir: a.str(2)}
	}},
	perfdb.KindThread: {5, func(a *args) perfdb.Event {
		return perfdb.Thread{
			ID:        a.u64(0),
			MachineID: a.u64(1),
			ProcessID: a.u64(2),
			Pid:       a.i64(3),
			Tid:       a.i64(4),
		}
	}},
	perfdb.KindComm: {2, func(a *args) perfdb.Event {
		return perfdb.Comm{ID: a.u64(0), Name: a.str(1)}
	}},
	perfdb.KindCommThread: {3, func(a *args) perfdb.Event {
		return perfdb.CommThread{ID: a.u64(0), CommID: a.u64(1), ThreadID: a.u64(2)}
	}},
	perfdb.KindModule: {5, func(a *args) perfdb.Event {
		return perfdb.Module{
			ID:        a.u64(0),
			MachineID: a.u64(1),
			ShortName: a.str(2),
			LongName:  a.str(3),
			BuildID:   a.str(4),
		}
	}},
	perfdb.KindSymbol: {6, func(a *args) perfdb.Event {
		return perfdb.Symbol{
			ID:       a.u64(0),
			ModuleID: a.u64(1),
			Start:    a.u64(2),
			End:      a.u64(3),
			Binding:  perfdb.Binding(a.i64(4)),
			Name:     a.str(5),
		}
	}},
	perfdb.KindBranchType: {2, func(a *args) perfdb.Event {
		return perfdb.BranchType{Code: a.u64(0), Name: a.str(1)}
	}},
	perfdb.KindSample: {22, func(a *args) perfdb.Event {
		return perfdb.Sample{
			ID:          a.u64(0),
			EventID:     a.u64(1),
			MachineID:   a.u64(2),
			ThreadID:    a.u64(3),
			CommID:      a.u64(4),
			ModuleID:    a.u64(5),
			SymbolID:    a.u64(6),
			SymOffset:   a.u64(7),
			IP:          a.u64(8),
			Time:        a.u64(9),
			CPU:         int32(a.i64(10)),
			ToModuleID:  a.u64(11),
			ToSymbolID:  a.u64(12),
			ToSymOffset: a.u64(13),
			ToIP:        a.u64(14),
			Period:      a.u64(15),
			Weight:      a.u64(16),
			Transaction: a.u64(17),
			DataSource:  perfdb.DataSource(a.u64(18)),
			BranchType:  a.u64(19),
			InTx:        a.flag(20),
			CallPathID:  a.u64(21),
		}
	}},
	perfdb.KindCallPath: {4, func(a *args) perfdb.Event {
		return perfdb.CallPathNode{ID: a.u64(0), ParentID: a.u64(1), SymbolID: a.u64(2), IP: a.u64(3)}
	}},
	perfdb.KindCallReturn: {11, func(a *args) perfdb.Event {
		return perfdb.CallReturn{
			ID:               a.u64(0),
			ThreadID:         a.u64(1),
			CommID:           a.u64(2),
			CallPathID:       a.u64(3),
			CallTime:         a.u64(4),
			ReturnTime:       a.u64(5),
			BranchCount:      a.u64(6),
			CallID:           a.u64(7),
			ReturnID:         a.u64(8),
			ParentCallPathID: a.u64(9),
			Flags:            perfdb.CallFlags(a.u64(10)),
		}
	}},
}
