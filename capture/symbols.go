// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"acln.ro/perfdb"
)

// KernelModule is the module name under which kernel samples are recorded.
const KernelModule = "[kernel.kallsyms]"

// SymbolInfo describes a function symbol. Start and End are addresses in
// the module's address space.
type SymbolInfo struct {
	Start   uint64
	End     uint64
	Binding perfdb.Binding
	Name    string
}

// A Symbolizer resolves addresses within modules to symbols.
type Symbolizer interface {
	// Symbolize returns the module-relative address of the given file
	// offset within the module at path, and the symbol containing it,
	// if any. The kernel is symbolized with path KernelModule, for
	// which offsets are kernel addresses.
	Symbolize(path string, off uint64) (addr uint64, sym SymbolInfo, ok bool)
}

// ELFSymbolizer symbolizes ELF modules using their symbol tables, and the
// kernel using a kallsyms file. It caches symbol tables and is safe for
// concurrent use.
type ELFSymbolizer struct {
	// Kallsyms is the kernel symbol file. If empty, /proc/kallsyms
	// is used.
	Kallsyms string

	mu     sync.Mutex
	tables map[string]*symtab
}

// Symbolize implements Symbolizer.
func (s *ELFSymbolizer) Symbolize(path string, off uint64) (uint64, SymbolInfo, bool) {
	tab := s.table(path)
	addr := tab.addr(off)
	sym, ok := tab.lookup(addr)
	return addr, sym, ok
}

func (s *ELFSymbolizer) table(path string) *symtab {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tab, ok := s.tables[path]; ok {
		return tab
	}
	if s.tables == nil {
		s.tables = make(map[string]*symtab)
	}
	var (
		tab *symtab
		err error
	)
	if path == KernelModule {
		name := s.Kallsyms
		if name == "" {
			name = "/proc/kallsyms"
		}
		tab, err = loadKallsyms(name)
	} else {
		tab, err = loadELF(path)
	}
	if err != nil {
		// Unreadable modules are still recorded, without symbols.
		tab = &symtab{}
	}
	s.tables[path] = tab
	return tab
}

// symtab is a sorted table of function symbols.
type symtab struct {
	syms []SymbolInfo

	// loads are the loadable segments of an ELF module, used to map
	// file offsets to addresses. If empty, offsets are addresses.
	loads []elf.ProgHeader
}

func (t *symtab) addr(off uint64) uint64 {
	for _, p := range t.loads {
		if off >= p.Off && off < p.Off+p.Filesz {
			return off - p.Off + p.Vaddr
		}
	}
	return off
}

func (t *symtab) lookup(addr uint64) (SymbolInfo, bool) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Start > addr }) - 1
	if i >= 0 && addr < t.syms[i].End {
		return t.syms[i], true
	}
	return SymbolInfo{}, false
}

func (t *symtab) sort() {
	sort.Slice(t.syms, func(i, j int) bool { return t.syms[i].Start < t.syms[j].Start })
	// Symbols without a size extend to the next symbol.
	for i := range t.syms {
		if t.syms[i].End > t.syms[i].Start {
			continue
		}
		if i+1 < len(t.syms) {
			t.syms[i].End = t.syms[i+1].Start
		} else {
			t.syms[i].End = t.syms[i].Start + 1
		}
	}
}

func loadELF(path string) (*symtab, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tab := &symtab{}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			tab.loads = append(tab.loads, p.ProgHeader)
		}
	}
	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, err = f.DynamicSymbols()
		if err != nil && err != elf.ErrNoSymbols {
			return nil, fmt.Errorf("capture: reading symbols of %s: %w", path, err)
		}
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}
		tab.syms = append(tab.syms, SymbolInfo{
			Start:   sym.Value,
			End:     sym.Value + sym.Size,
			Binding: elfBinding(elf.ST_BIND(sym.Info)),
			Name:    sym.Name,
		})
	}
	tab.sort()
	return tab, nil
}

func elfBinding(b elf.SymBind) perfdb.Binding {
	switch b {
	case elf.STB_GLOBAL:
		return perfdb.BindingGlobal
	case elf.STB_WEAK:
		return perfdb.BindingWeak
	default:
		return perfdb.BindingLocal
	}
}

func loadKallsyms(name string) (*symtab, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseKallsyms(f)
}

// parseKallsyms parses lines of the form "ffffffff81000000 T _text".
// Tables with all addresses hidden (zero) yield no symbols.
func parseKallsyms(r io.Reader) (*symtab, error) {
	tab := &symtab{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || len(fields[1]) != 1 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil || addr == 0 {
			continue
		}
		var binding perfdb.Binding
		switch t := fields[1][0]; {
		case t == 'w' || t == 'W' || t == 'v' || t == 'V':
			binding = perfdb.BindingWeak
		case t >= 'A' && t <= 'Z':
			binding = perfdb.BindingGlobal
		}
		switch fields[1][0] {
		case 't', 'T', 'w', 'W':
		default:
			continue
		}
		tab.syms = append(tab.syms, SymbolInfo{Start: addr, Binding: binding, Name: fields[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	tab.sort()
	return tab, nil
}
