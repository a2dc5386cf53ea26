// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"fmt"
	"sort"

	"github.com/prometheus/procfs"
)

// SynthesizeProcess returns the records describing process pid as it
// exists now: the fork and comm records of each of its threads, and an
// mmap record for each of its executable file mappings. They stand in
// for the records the kernel emitted before sampling started.
//
// procRoot is the procfs mount point; if empty, /proc is used.
func SynthesizeProcess(procRoot string, pid int) ([]Record, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("capture: synthesizing process %d: %w", pid, err)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("capture: synthesizing process %d: %w", pid, err)
	}
	var recs []Record
	for _, thread := range processThreads(fs, proc) {
		comm, err := thread.Comm()
		if err != nil {
			comm, err = proc.Comm()
			if err != nil {
				return nil, fmt.Errorf("capture: synthesizing process %d: %w", pid, err)
			}
		}
		recs = append(recs,
			&ForkRecord{
				RecordHeader: RecordHeader{Type: RecordTypeFork},
				Pid:          uint32(pid),
				Ppid:         uint32(pid),
				Tid:          uint32(thread.PID),
				Ptid:         uint32(pid),
			},
			&CommRecord{
				RecordHeader: RecordHeader{Type: RecordTypeComm},
				Pid:          uint32(pid),
				Tid:          uint32(thread.PID),
				NewName:      comm,
			},
		)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("capture: synthesizing process %d: %w", pid, err)
	}
	for _, m := range executableMappings(maps, uint32(pid)) {
		recs = append(recs, m)
	}
	return recs, nil
}

// processThreads returns the threads of proc, leader first. A process
// whose task directory cannot be read is its only thread.
func processThreads(fs procfs.FS, proc procfs.Proc) procfs.Procs {
	threads, err := fs.AllThreads(proc.PID)
	if err != nil || len(threads) == 0 {
		return procfs.Procs{proc}
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].PID == proc.PID {
			return threads[j].PID != proc.PID
		}
		if threads[j].PID == proc.PID {
			return false
		}
		return threads[i].PID < threads[j].PID
	})
	if threads[0].PID != proc.PID {
		threads = append(procfs.Procs{proc}, threads...)
	}
	return threads
}

// executableMappings returns the mmap records of the executable file
// mappings among maps. Anonymous mappings have no pathname and are
// skipped.
func executableMappings(maps []*procfs.ProcMap, pid uint32) []*MmapRecord {
	var recs []*MmapRecord
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute || m.Pathname == "" {
			continue
		}
		recs = append(recs, &MmapRecord{
			RecordHeader: RecordHeader{Type: RecordTypeMmap, Misc: uint16(UserMode)},
			Pid:          pid,
			Tid:          pid,
			Addr:         uint64(m.StartAddr),
			Len:          uint64(m.EndAddr - m.StartAddr),
			PageOffset:   uint64(m.Offset),
			Filename:     m.Pathname,
		})
	}
	return recs
}
