// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"path/filepath"
	"sort"
	"strings"

	"acln.ro/perfdb"

	"golang.org/x/sys/unix"
)

// HostMachineID is the machine identifier of the host, announced with
// pid -1.
const HostMachineID = 1

// contextMax is PERF_CONTEXT_MAX: callchain entries at or above it mark
// a change of context (kernel, user, guest) rather than a frame.
const contextMax = ^uint64(4095) + 1

const kernelPid = ^uint32(0)

// kernelStart is the lowest kernel address on 64-bit architectures.
const kernelStart = uint64(1) << 63

// Host translates decoded records into perfdb events. It assigns
// identifiers to threads, commands, modules, symbols, samples and call
// paths as they are first seen, and announces each entity before the
// first event which references it.
//
// A Host is not safe for concurrent use.
type Host struct {
	callGraph bool
	symz      Symbolizer
	tree      *perfdb.CallPathTree

	out []perfdb.Event

	nextThread, nextComm, nextCommThread uint64
	nextModule, nextSymbol, nextSample   uint64

	threads     map[uint32]*thread // by tid
	comms       map[string]uint64
	commThreads map[[2]uint64]bool
	procs       map[uint32]*process // by pid, kernelPid for the kernel
	modules     map[string]uint64
	symbols     map[symbolKey]uint64

	lost    uint64
	unknown uint64
}

type thread struct {
	id     uint64
	pid    uint32
	commID uint64
}

type process struct {
	maps []mapping // sorted by start
}

type mapping struct {
	start, end, pgoff uint64
	path              string
	moduleID          uint64
}

type symbolKey struct {
	module uint64
	start  uint64
}

// NewHost returns a Host. If callGraph is set, sample callchains are
// turned into call paths. If symz is nil, samples are not symbolized.
func NewHost(callGraph bool, symz Symbolizer) *Host {
	h := &Host{
		callGraph:      callGraph,
		symz:           symz,
		nextThread:     1,
		nextComm:       1,
		nextCommThread: 1,
		nextModule:     1,
		nextSymbol:     1,
		nextSample:     1,
		threads:        make(map[uint32]*thread),
		comms:          make(map[string]uint64),
		commThreads:    make(map[[2]uint64]bool),
		procs:          make(map[uint32]*process),
		modules:        make(map[string]uint64),
		symbols:        make(map[symbolKey]uint64),
	}
	if callGraph {
		h.tree = perfdb.NewCallPathTree()
	}
	return h
}

// Start returns the events announcing the selected events, whose
// identifiers are their positions in labels plus one, and the host
// machine.
func (h *Host) Start(labels []string) []perfdb.Event {
	h.out = h.out[:0]
	for i, label := range labels {
		h.emit(perfdb.SelectedEvent{ID: uint64(i + 1), Name: label})
	}
	h.emit(perfdb.Machine{ID: HostMachineID, Pid: -1, RootDir: "/"})
	return h.out
}

// Lost returns the number of records the kernel reported lost.
func (h *Host) Lost() uint64 { return h.lost }

// Unknown returns the number of records of types the Host does not
// translate.
func (h *Host) Unknown() uint64 { return h.unknown }

// Translate returns the events for rec, sampled by the selected event
// with identifier evsel. The returned slice is only valid until the next
// call.
func (h *Host) Translate(evsel uint64, rec Record) []perfdb.Event {
	h.out = h.out[:0]
	switch rec := rec.(type) {
	case *SampleRecord:
		h.sample(evsel, rec)
	case *CommRecord:
		t := h.thread(rec.Pid, rec.Tid)
		h.setComm(t, rec.NewName)
	case *ForkRecord:
		h.fork(rec)
	case *MmapRecord:
		if rec.Executable() {
			h.mmap(rec.Pid, rec.Addr, rec.Len, rec.PageOffset, rec.Filename)
		}
	case *Mmap2Record:
		if rec.Executable() {
			h.mmap(rec.Pid, rec.Addr, rec.Len, rec.PageOffset, rec.Filename)
		}
	case *ExitRecord:
	case *LostRecord:
		h.lost += rec.Lost
		h.emit(perfdb.UnhandledEvent{Name: "lost", Fields: map[string]any{"id": rec.ID, "lost": rec.Lost}})
	default:
		h.unknown++
		h.emit(perfdb.UnhandledEvent{Name: rec.Header().Type.String()})
	}
	return h.out
}

func (h *Host) emit(ev perfdb.Event) {
	h.out = append(h.out, ev)
}

// thread returns the thread tid of process pid, announcing it (and the
// thread leading its process) if new.
func (h *Host) thread(pid, tid uint32) *thread {
	if t, ok := h.threads[tid]; ok {
		return t
	}
	processID := uint64(0)
	if pid != tid {
		processID = h.thread(pid, pid).id
	}
	t := &thread{id: h.nextThread, pid: pid}
	h.nextThread++
	if processID == 0 {
		processID = t.id
	}
	h.threads[tid] = t
	h.emit(perfdb.Thread{
		ID:        t.id,
		MachineID: HostMachineID,
		ProcessID: processID,
		Pid:       int64(pid),
		Tid:       int64(tid),
	})
	return t
}

func (h *Host) setComm(t *thread, name string) {
	id, ok := h.comms[name]
	if !ok {
		id = h.nextComm
		h.nextComm++
		h.comms[name] = id
		h.emit(perfdb.Comm{ID: id, Name: name})
	}
	t.commID = id
	key := [2]uint64{id, t.id}
	if !h.commThreads[key] {
		h.commThreads[key] = true
		h.emit(perfdb.CommThread{ID: h.nextCommThread, CommID: id, ThreadID: t.id})
		h.nextCommThread++
	}
}

func (h *Host) fork(rec *ForkRecord) {
	parent, hasParent := h.threads[rec.Ptid]
	if old, ok := h.threads[rec.Tid]; ok && old.pid != rec.Pid {
		// The tid was reused by a new process.
		delete(h.threads, rec.Tid)
	}
	t := h.thread(rec.Pid, rec.Tid)
	if hasParent && parent.commID != 0 && t.commID == 0 {
		t.commID = parent.commID
		key := [2]uint64{t.commID, t.id}
		if !h.commThreads[key] {
			h.commThreads[key] = true
			h.emit(perfdb.CommThread{ID: h.nextCommThread, CommID: t.commID, ThreadID: t.id})
			h.nextCommThread++
		}
	}
	if rec.Pid != rec.Ppid {
		// A new process starts with a copy of its parent's mappings.
		if pp, ok := h.procs[rec.Ppid]; ok {
			h.procs[rec.Pid] = &process{maps: append([]mapping(nil), pp.maps...)}
		}
	}
}

func (h *Host) module(path string) uint64 {
	if id, ok := h.modules[path]; ok {
		return id
	}
	id := h.nextModule
	h.nextModule++
	h.modules[path] = id
	h.emit(perfdb.Module{
		ID:        id,
		MachineID: HostMachineID,
		ShortName: filepath.Base(path),
		LongName:  path,
	})
	return id
}

func (h *Host) mmap(pid uint32, addr, length, pgoff uint64, path string) {
	if pid == kernelPid && strings.HasPrefix(path, KernelModule) {
		// The kernel image is announced as [kernel.kallsyms]_text,
		// and symbolized by address.
		path = KernelModule
		pgoff = addr
	}
	p, ok := h.procs[pid]
	if !ok {
		p = &process{}
		h.procs[pid] = p
	}
	m := mapping{
		start:    addr,
		end:      addr + length,
		pgoff:    pgoff,
		path:     path,
		moduleID: h.module(path),
	}
	// Drop mappings the new one replaces.
	kept := p.maps[:0]
	for _, old := range p.maps {
		if old.end <= m.start || old.start >= m.end {
			kept = append(kept, old)
		}
	}
	p.maps = append(kept, m)
	sort.Slice(p.maps, func(i, j int) bool { return p.maps[i].start < p.maps[j].start })
}

// resolve returns the module, symbol and symbol offset of ip in process
// pid, announcing the module and symbol if new.
func (h *Host) resolve(pid uint32, ip uint64, mode CPUMode) (moduleID, symbolID, symOff uint64) {
	var m mapping
	found := false
	if mode == KernelMode || (mode == UnknownMode && ip >= kernelStart) {
		if kp, ok := h.procs[kernelPid]; ok {
			m, found = kp.find(ip)
		}
		if !found {
			m = mapping{start: 0, end: ^uint64(0), path: KernelModule}
			m.moduleID = h.module(KernelModule)
			found = true
		}
	} else if p, ok := h.procs[pid]; ok {
		m, found = p.find(ip)
	}
	if !found {
		return 0, 0, 0
	}
	if h.symz == nil {
		return m.moduleID, 0, 0
	}
	off := ip - m.start + m.pgoff
	addr, sym, ok := h.symz.Symbolize(m.path, off)
	if !ok {
		return m.moduleID, 0, 0
	}
	key := symbolKey{module: m.moduleID, start: sym.Start}
	id, ok := h.symbols[key]
	if !ok {
		id = h.nextSymbol
		h.nextSymbol++
		h.symbols[key] = id
		h.emit(perfdb.Symbol{
			ID:       id,
			ModuleID: m.moduleID,
			Start:    sym.Start,
			End:      sym.End,
			Binding:  sym.Binding,
			Name:     sym.Name,
		})
	}
	return m.moduleID, id, addr - sym.Start
}

func (p *process) find(ip uint64) (mapping, bool) {
	i := sort.Search(len(p.maps), func(i int) bool { return p.maps[i].start > ip }) - 1
	if i >= 0 && ip < p.maps[i].end {
		return p.maps[i], true
	}
	return mapping{}, false
}

func (h *Host) sample(evsel uint64, rec *SampleRecord) {
	t := h.thread(rec.Pid, rec.Tid)
	mode := rec.CPUMode()
	moduleID, symbolID, symOff := h.resolve(rec.Pid, rec.IP, mode)
	s := perfdb.Sample{
		ID:          h.nextSample,
		EventID:     evsel,
		MachineID:   HostMachineID,
		ThreadID:    t.id,
		CommID:      t.commID,
		ModuleID:    moduleID,
		SymbolID:    symbolID,
		SymOffset:   symOff,
		IP:          rec.IP,
		Time:        rec.Time,
		CPU:         int32(rec.CPU),
		Period:      rec.Period,
		Weight:      rec.Weight,
		Transaction: rec.Transaction,
		DataSource:  rec.DataSource,
		InTx:        rec.Transaction&(txnElision|txnTransaction) != 0,
	}
	h.nextSample++
	if len(rec.BranchStack) > 0 {
		// The branch side is the most recent taken branch.
		br := rec.BranchStack[0]
		s.ToModuleID, s.ToSymbolID, s.ToSymOffset = h.resolve(rec.Pid, br.To, UnknownMode)
		s.ToIP = br.To
		s.BranchType = branchType(br)
		s.InTx = s.InTx || br.InTransaction
	}
	if h.callGraph && len(rec.Callchain) > 0 {
		s.CallPathID = h.callPath(rec.Pid, rec.Callchain, mode)
	}
	h.emit(s)
}

// branchType maps the PERF_BR_* classification of a branch stack
// entry to a branch_types code.
func branchType(br BranchEntry) uint64 {
	if br.TransactionAbort {
		return perfdb.BranchTransactionAbort
	}
	switch br.BranchType {
	case unix.PERF_BR_COND:
		return perfdb.BranchConditional
	case unix.PERF_BR_UNCOND, unix.PERF_BR_IND:
		return perfdb.BranchUnconditional
	case unix.PERF_BR_CALL, unix.PERF_BR_IND_CALL, unix.PERF_BR_COND_CALL:
		return perfdb.BranchCall
	case unix.PERF_BR_RET, unix.PERF_BR_COND_RET:
		return perfdb.BranchReturn
	case unix.PERF_BR_SYSCALL:
		return perfdb.BranchSyscall
	case unix.PERF_BR_SYSRET:
		return perfdb.BranchSyscallReturn
	case unix.PERF_BR_ERET:
		return perfdb.BranchInterruptReturn
	case unix.PERF_BR_IRQ:
		return perfdb.BranchHardInterrupt
	}
	return perfdb.BranchNone
}

// Transaction flags (PERF_TXN_*).
const (
	txnElision     = 1 << 0
	txnTransaction = 1 << 1
)

// Callchain context markers (PERF_CONTEXT_*).
const (
	contextKernel = ^uint64(128) + 1
	contextUser   = ^uint64(512) + 1
)

// callPath interns the callchain, outermost frame first, and returns
// the identifier of the innermost node.
func (h *Host) callPath(pid uint32, chain []uint64, mode CPUMode) uint64 {
	// Find the context of every frame walking innermost first, then
	// intern outermost first.
	type frame struct {
		ip   uint64
		mode CPUMode
	}
	frames := make([]frame, 0, len(chain))
	for _, ip := range chain {
		if ip >= contextMax {
			switch ip {
			case contextKernel:
				mode = KernelMode
			case contextUser:
				mode = UserMode
			}
			continue
		}
		frames = append(frames, frame{ip: ip, mode: mode})
	}
	parent := uint64(0)
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		_, symbolID, _ := h.resolve(pid, f.ip, f.mode)
		node, created := h.tree.Intern(parent, symbolID, f.ip)
		if created {
			h.emit(node)
		}
		parent = node.ID
	}
	return parent
}
