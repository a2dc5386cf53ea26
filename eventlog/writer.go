// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"acln.ro/perfdb"
)

// Writer writes events as JSON lines. Writes are buffered: Flush must be
// called once all events are written.
type Writer struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

// NewWriter returns a Writer writing to w.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{bw: bw, enc: json.NewEncoder(bw)}
}

type outRecord struct {
	Kind string `json:"kind"`
	Args []any  `json:"args"`
}

// Write writes ev.
func (w *Writer) Write(ev perfdb.Event) error {
	args, err := encodeArgs(ev)
	if err != nil {
		return err
	}
	if err := w.enc.Encode(outRecord{Kind: ev.Kind(), Args: args}); err != nil {
		return fmt.Errorf("eventlog: writing %s event: %w", ev.Kind(), err)
	}
	return nil
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Tee returns a Source which yields the events of src, writing each one
// to w as it goes. The caller flushes w.
func Tee(src perfdb.Source, w *Writer) perfdb.Source {
	return &teeSource{src: src, w: w}
}

type teeSource struct {
	src perfdb.Source
	w   *Writer
}

func (t *teeSource) Next(ctx context.Context) (perfdb.Event, error) {
	ev, err := t.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.w.Write(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func encodeArgs(ev perfdb.Event) ([]any, error) {
	switch ev := ev.(type) {
	case perfdb.SelectedEvent:
		return []any{ev.ID, ev.Name}, nil
	case perfdb.Machine:
		return []any{ev.ID, ev.Pid, ev.RootDir}, nil
	case perfdb.Thread:
		return []any{ev.ID, ev.MachineID, ev.ProcessID, ev.Pid, ev.Tid}, nil
	case perfdb.Comm:
		return []any{ev.ID, ev.Name}, nil
	case perfdb.CommThread:
		return []any{ev.ID, ev.CommID, ev.ThreadID}, nil
	case perfdb.Module:
		return []any{ev.ID, ev.MachineID, ev.ShortName, ev.LongName, ev.BuildID}, nil
	case perfdb.Symbol:
		return []any{ev.ID, ev.ModuleID, ev.Start, ev.End, int(ev.Binding), ev.Name}, nil
	case perfdb.BranchType:
		return []any{ev.Code, ev.Name}, nil
	case perfdb.Sample:
		return []any{
			ev.ID, ev.EventID, ev.MachineID, ev.ThreadID, ev.CommID,
			ev.ModuleID, ev.SymbolID, ev.SymOffset, ev.IP, ev.Time, ev.CPU,
			ev.ToModuleID, ev.ToSymbolID, ev.ToSymOffset, ev.ToIP,
			ev.Period, ev.Weight, ev.Transaction, uint64(ev.DataSource),
			ev.BranchType, ev.InTx, ev.CallPathID,
		}, nil
	case perfdb.CallPathNode:
		return []any{ev.ID, ev.ParentID, ev.SymbolID, ev.IP}, nil
	case perfdb.CallReturn:
		return []any{
			ev.ID, ev.ThreadID, ev.CommID, ev.CallPathID, ev.CallTime,
			ev.ReturnTime, ev.BranchCount, ev.CallID, ev.ReturnID,
			ev.ParentCallPathID, uint32(ev.Flags),
		}, nil
	case perfdb.UnhandledEvent:
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		args := make([]any, len(keys))
		for i, k := range keys {
			args[i] = ev.Fields[k]
		}
		return args, nil
	case nil:
		return nil, fmt.Errorf("eventlog: nil event")
	}
	return nil, fmt.Errorf("eventlog: cannot encode %T", ev)
}
