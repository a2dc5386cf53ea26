// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import "fmt"

// Identifiers, addresses and timestamps are unsigned 64-bit quantities,
// which relational stores hold as signed 64-bit integers. Values convert
// them bit for bit, so kernel addresses come back negative when read as
// integers, but unchanged when formatted in hexadecimal.
func sqlint(v uint64) int64 { return int64(v) }

// An Entity is a row with a caller-assigned identifier, recorded in a
// Registry.
type Entity interface {
	Row
	Event
	RowID() uint64
}

// SelectedEvent names one of the sampled event selectors.
type SelectedEvent struct {
	ID   uint64
	Name string
}

func (e SelectedEvent) Kind() string  { return KindSelectedEvent }
func (e SelectedEvent) RowID() uint64 { return e.ID }
func (e SelectedEvent) Table() Table  { return TableSelectedEvents }
func (e SelectedEvent) Values() []any { return []any{sqlint(e.ID), e.Name} }

// Machine is a host or a guest.
type Machine struct {
	ID      uint64
	Pid     int64 // -1 for the host
	RootDir string
}

func (m Machine) Kind() string  { return KindMachine }
func (m Machine) RowID() uint64 { return m.ID }
func (m Machine) Table() Table  { return TableMachines }
func (m Machine) Values() []any { return []any{sqlint(m.ID), m.Pid, m.RootDir} }

// Thread is a thread of some process on some machine. ProcessID is the
// identifier of the thread record of the process' main thread.
type Thread struct {
	ID        uint64
	MachineID uint64
	ProcessID uint64
	Pid       int64
	Tid       int64
}

func (t Thread) Kind() string  { return KindThread }
func (t Thread) RowID() uint64 { return t.ID }
func (t Thread) Table() Table  { return TableThreads }
func (t Thread) Values() []any {
	return []any{sqlint(t.ID), sqlint(t.MachineID), sqlint(t.ProcessID), t.Pid, t.Tid}
}

// Comm is a command name.
type Comm struct {
	ID   uint64
	Name string
}

func (c Comm) Kind() string  { return KindComm }
func (c Comm) RowID() uint64 { return c.ID }
func (c Comm) Table() Table  { return TableComms }
func (c Comm) Values() []any { return []any{sqlint(c.ID), c.Name} }

// CommThread associates a command name with a thread which ran it.
type CommThread struct {
	ID       uint64
	CommID   uint64
	ThreadID uint64
}

func (ct CommThread) Kind() string  { return KindCommThread }
func (ct CommThread) RowID() uint64 { return ct.ID }
func (ct CommThread) Table() Table  { return TableCommThreads }
func (ct CommThread) Values() []any {
	return []any{sqlint(ct.ID), sqlint(ct.CommID), sqlint(ct.ThreadID)}
}

// Module is an executable or shared object mapped on a machine (a DSO).
type Module struct {
	ID        uint64
	MachineID uint64
	ShortName string
	LongName  string
	BuildID   string
}

func (m Module) Kind() string  { return KindModule }
func (m Module) RowID() uint64 { return m.ID }
func (m Module) Table() Table  { return TableDSOs }
func (m Module) Values() []any {
	return []any{sqlint(m.ID), sqlint(m.MachineID), m.ShortName, m.LongName, m.BuildID}
}

// Binding is the binding of a symbol.
type Binding int

// Symbol bindings.
const (
	BindingLocal Binding = iota
	BindingGlobal
	BindingWeak
)

func (b Binding) String() string {
	switch b {
	case BindingLocal:
		return "local"
	case BindingGlobal:
		return "global"
	case BindingWeak:
		return "weak"
	default:
		return fmt.Sprintf("Binding(%d)", int(b))
	}
}

// Symbol is a symbol of a module, covering [Start, End).
type Symbol struct {
	ID       uint64
	ModuleID uint64
	Start    uint64
	End      uint64
	Binding  Binding
	Name     string
}

func (s Symbol) Kind() string  { return KindSymbol }
func (s Symbol) RowID() uint64 { return s.ID }
func (s Symbol) Table() Table  { return TableSymbols }
func (s Symbol) Values() []any {
	return []any{sqlint(s.ID), sqlint(s.ModuleID), sqlint(s.Start), sqlint(s.End), int64(s.Binding), s.Name}
}

// BranchType announces a branch type code and its name.
type BranchType struct {
	Code uint64
	Name string
}

func (b BranchType) Kind() string { return KindBranchType }

// CallPathNode is a node of the call path tree: the path to Symbol at IP,
// reached from the node ParentID. The root node has identifier 0.
type CallPathNode struct {
	ID       uint64
	ParentID uint64
	SymbolID uint64
	IP       uint64
}

func (n CallPathNode) Kind() string  { return KindCallPath }
func (n CallPathNode) RowID() uint64 { return n.ID }
func (n CallPathNode) Table() Table  { return TableCallPaths }
func (n CallPathNode) Values() []any {
	return []any{sqlint(n.ID), sqlint(n.ParentID), sqlint(n.SymbolID), sqlint(n.IP)}
}

// CallFlags qualify a CallReturn.
type CallFlags uint32

// Call flags.
const (
	CallFlagNoCall CallFlags = 1 << iota
	CallFlagNoReturn
)

// CallReturn is a matched (or partially matched) call and return pair.
type CallReturn struct {
	ID               uint64
	ThreadID         uint64
	CommID           uint64
	CallPathID       uint64
	CallTime         uint64
	ReturnTime       uint64
	BranchCount      uint64
	CallID           uint64
	ReturnID         uint64
	ParentCallPathID uint64
	Flags            CallFlags
}

func (c CallReturn) Kind() string  { return KindCallReturn }
func (c CallReturn) RowID() uint64 { return c.ID }
func (c CallReturn) Table() Table  { return TableCalls }
func (c CallReturn) Values() []any {
	return []any{
		sqlint(c.ID), sqlint(c.ThreadID), sqlint(c.CommID), sqlint(c.CallPathID),
		sqlint(c.CallTime), sqlint(c.ReturnTime), sqlint(c.BranchCount),
		sqlint(c.CallID), sqlint(c.ReturnID), sqlint(c.ParentCallPathID),
		int64(c.Flags),
	}
}

// Sample is a single sample, referring to previously registered entities
// by identifier.
type Sample struct {
	ID          uint64
	EventID     uint64
	MachineID   uint64
	ThreadID    uint64
	CommID      uint64
	ModuleID    uint64
	SymbolID    uint64
	SymOffset   uint64
	IP          uint64
	Time        uint64
	CPU         int32
	ToModuleID  uint64
	ToSymbolID  uint64
	ToSymOffset uint64
	ToIP        uint64
	Period      uint64
	Weight      uint64
	Transaction uint64
	DataSource  DataSource
	BranchType  uint64
	InTx        bool
	CallPathID  uint64
}

func (s Sample) Kind() string { return KindSample }

// SampleRow is a sample together with its decoded memory event, as
// persisted in the samples table.
type SampleRow struct {
	Sample
	Memory MemoryEvent
}

// NewSampleRow decodes the data source of s.
func NewSampleRow(s Sample) SampleRow {
	return SampleRow{Sample: s, Memory: s.DataSource.Decode()}
}

func (r *SampleRow) Table() Table { return TableSamples }

func (r *SampleRow) Values() []any {
	inTx := int64(0)
	if r.InTx {
		inTx = 1
	}
	return []any{
		sqlint(r.ID),
		sqlint(r.EventID),
		sqlint(r.MachineID),
		sqlint(r.ThreadID),
		sqlint(r.CommID),
		sqlint(r.ModuleID),
		sqlint(r.SymbolID),
		sqlint(r.SymOffset),
		sqlint(r.IP),
		sqlint(r.Time),
		int64(r.CPU),
		sqlint(r.ToModuleID),
		sqlint(r.ToSymbolID),
		sqlint(r.ToSymOffset),
		sqlint(r.ToIP),
		sqlint(r.Period),
		sqlint(r.Weight),
		sqlint(r.Transaction),
		sqlint(uint64(r.DataSource)),
		int64(r.Memory.Op),
		int64(r.Memory.HitMiss),
		int64(r.Memory.Level),
		int64(r.Memory.Snoop),
		int64(r.Memory.Lock),
		int64(r.Memory.DTLBHitMiss),
		int64(r.Memory.DTLB),
		sqlint(r.BranchType),
		inTx,
		sqlint(r.CallPathID),
	}
}
