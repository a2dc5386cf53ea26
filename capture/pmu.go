// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultPMURoot is where the kernel describes performance monitoring units.
const DefaultPMURoot = "/sys/bus/event_source/devices"

// ProbePMU reads <root>/<name>/type for the EventType value associated with
// the specified PMU. If root is empty, DefaultPMURoot is used.
func ProbePMU(root, name string) (EventType, error) {
	if root == "" {
		root = DefaultPMURoot
	}
	content, err := os.ReadFile(filepath.Join(root, name, "type"))
	if err != nil {
		return 0, err
	}
	nr := strings.TrimSpace(string(content)) // remove trailing newline
	et, err := strconv.ParseUint(nr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("capture: PMU %s: bad type %q", name, nr)
	}
	return EventType(et), nil
}

type genericEvent struct {
	typ    EventType
	config uint64
}

var genericEvents = map[string]genericEvent{
	"cycles":              {HardwareEvent, unix.PERF_COUNT_HW_CPU_CYCLES},
	"cpu-cycles":          {HardwareEvent, unix.PERF_COUNT_HW_CPU_CYCLES},
	"instructions":        {HardwareEvent, unix.PERF_COUNT_HW_INSTRUCTIONS},
	"cache-references":    {HardwareEvent, unix.PERF_COUNT_HW_CACHE_REFERENCES},
	"cache-misses":        {HardwareEvent, unix.PERF_COUNT_HW_CACHE_MISSES},
	"branches":            {HardwareEvent, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS},
	"branch-instructions": {HardwareEvent, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS},
	"branch-misses":       {HardwareEvent, unix.PERF_COUNT_HW_BRANCH_MISSES},
	"bus-cycles":          {HardwareEvent, unix.PERF_COUNT_HW_BUS_CYCLES},
	"ref-cycles":          {HardwareEvent, unix.PERF_COUNT_HW_REF_CPU_CYCLES},
	"cpu-clock":           {SoftwareEvent, unix.PERF_COUNT_SW_CPU_CLOCK},
	"task-clock":          {SoftwareEvent, unix.PERF_COUNT_SW_TASK_CLOCK},
	"page-faults":         {SoftwareEvent, unix.PERF_COUNT_SW_PAGE_FAULTS},
	"faults":              {SoftwareEvent, unix.PERF_COUNT_SW_PAGE_FAULTS},
	"context-switches":    {SoftwareEvent, unix.PERF_COUNT_SW_CONTEXT_SWITCHES},
	"cs":                  {SoftwareEvent, unix.PERF_COUNT_SW_CONTEXT_SWITCHES},
	"cpu-migrations":      {SoftwareEvent, unix.PERF_COUNT_SW_CPU_MIGRATIONS},
	"migrations":          {SoftwareEvent, unix.PERF_COUNT_SW_CPU_MIGRATIONS},
	"minor-faults":        {SoftwareEvent, unix.PERF_COUNT_SW_PAGE_FAULTS_MIN},
	"major-faults":        {SoftwareEvent, unix.PERF_COUNT_SW_PAGE_FAULTS_MAJ},
}

// ParseEvent parses an event description, as accepted by perf record -e,
// into an Attr. The following forms are understood:
//
//	cycles:pp                       generic hardware or software event
//	r01cd                           raw event
//	cpu/mem-loads,ldlat=30/pp       PMU event with terms and modifiers
//	cpu/event=0xcd,umask=0x1/:u     explicit PMU terms
//	mem-loads                       alias of the cpu PMU
//
// PMU terms and event aliases are resolved under root, which defaults to
// DefaultPMURoot. Modifiers are u (user only), k (kernel only), h
// (hypervisor only), one to three p (precise IP) and P (the most precise
// IP the PMU accepts).
func ParseEvent(root, desc string) (*Attr, error) {
	if root == "" {
		root = DefaultPMURoot
	}
	attr := &Attr{Label: desc}
	var mods string
	if pmu, rest, ok := strings.Cut(desc, "/"); ok {
		terms, tail, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, fmt.Errorf("capture: event %q: missing closing /", desc)
		}
		mods = strings.TrimPrefix(tail, ":")
		if err := parsePMUEvent(root, pmu, terms, attr); err != nil {
			return nil, fmt.Errorf("capture: event %q: %w", desc, err)
		}
	} else {
		name, m, _ := strings.Cut(desc, ":")
		mods = m
		if err := parseNamedEvent(root, name, attr); err != nil {
			return nil, fmt.Errorf("capture: event %q: %w", desc, err)
		}
	}
	if err := applyModifiers(mods, attr); err != nil {
		return nil, fmt.Errorf("capture: event %q: %w", desc, err)
	}
	return attr, nil
}

func parseNamedEvent(root, name string, attr *Attr) error {
	if ge, ok := genericEvents[name]; ok {
		attr.Type = ge.typ
		attr.Config = ge.config
		return nil
	}
	if len(name) > 1 && name[0] == 'r' {
		if v, err := strconv.ParseUint(name[1:], 16, 64); err == nil {
			attr.Type = RawEvent
			attr.Config = v
			return nil
		}
	}
	if _, err := os.Stat(filepath.Join(root, "cpu", "events", name)); err == nil {
		return parsePMUEvent(root, "cpu", name, attr)
	}
	return fmt.Errorf("unknown event %q", name)
}

func parsePMUEvent(root, pmu, terms string, attr *Attr) error {
	typ, err := ProbePMU(root, pmu)
	if err != nil {
		return err
	}
	attr.Type = typ
	dir := filepath.Join(root, pmu)
	for _, term := range splitTerms(terms) {
		name, value, hasValue := strings.Cut(term, "=")
		if !hasValue {
			alias, err := os.ReadFile(filepath.Join(dir, "events", name))
			if err == nil {
				for _, at := range splitTerms(strings.TrimSpace(string(alias))) {
					an, av, _ := strings.Cut(at, "=")
					if err := setTerm(dir, an, av, attr); err != nil {
						return fmt.Errorf("alias %s: %w", name, err)
					}
				}
				continue
			}
			value = "1"
		}
		if err := setTerm(dir, name, value, attr); err != nil {
			return err
		}
	}
	return nil
}

func splitTerms(s string) []string {
	var terms []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

// setTerm places value into the config bits described by the term's
// format file, such as "config:0-7" or "config1:0-15".
func setTerm(dir, name, value string, attr *Attr) error {
	if value == "" {
		value = "1"
	}
	v, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return fmt.Errorf("term %s: bad value %q", name, value)
	}
	if name == "period" {
		attr.SetSamplePeriod(v)
		return nil
	}
	format, err := os.ReadFile(filepath.Join(dir, "format", name))
	if err != nil {
		return fmt.Errorf("unknown term %q", name)
	}
	field, ranges, ok := strings.Cut(strings.TrimSpace(string(format)), ":")
	if !ok {
		return fmt.Errorf("term %s: bad format %q", name, format)
	}
	var dst *uint64
	switch field {
	case "config":
		dst = &attr.Config
	case "config1":
		dst = &attr.Config1
	case "config2":
		dst = &attr.Config2
	default:
		return fmt.Errorf("term %s: unsupported field %q", name, field)
	}
	for _, r := range strings.Split(ranges, ",") {
		lo, hi, err := parseBitRange(r)
		if err != nil {
			return fmt.Errorf("term %s: %w", name, err)
		}
		width := hi - lo + 1
		mask := uint64(1)<<width - 1
		*dst = *dst&^(mask<<lo) | (v&mask)<<lo
		v >>= width
	}
	return nil
}

func parseBitRange(s string) (lo, hi uint, err error) {
	a, b, isRange := strings.Cut(s, "-")
	l, err := strconv.ParseUint(a, 10, 6)
	if err != nil {
		return 0, 0, fmt.Errorf("bad bit range %q", s)
	}
	h := l
	if isRange {
		h, err = strconv.ParseUint(b, 10, 6)
		if err != nil || h < l {
			return 0, 0, fmt.Errorf("bad bit range %q", s)
		}
	}
	return uint(l), uint(h), nil
}

func applyModifiers(mods string, attr *Attr) error {
	var user, kernel, hyper bool
	for _, m := range mods {
		switch m {
		case 'u':
			user = true
		case 'k':
			kernel = true
		case 'h':
			hyper = true
		case 'P':
			attr.PreciseMax = true
		case 'p':
			if attr.Options.PreciseIP == MustHaveZeroSkid {
				return fmt.Errorf("too many p modifiers")
			}
			attr.Options.PreciseIP++
		default:
			return fmt.Errorf("unknown modifier %q", m)
		}
	}
	if user || kernel || hyper {
		attr.Options.ExcludeUser = !user
		attr.Options.ExcludeKernel = !kernel
		attr.Options.ExcludeHypervisor = !hyper
	}
	return nil
}
