// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const testMaps = `00400000-00452000 r-xp 00000000 08:02 173521      /usr/bin/dbus-daemon
00651000-00652000 r--p 00051000 08:02 173521      /usr/bin/dbus-daemon
00e03000-00e24000 rw-p 00000000 00:00 0           [heap]
7f2c4f000000-7f2c4f1b5000 r-xp 00025000 08:02 135522 /usr/lib/my lib.so
7ffc8ddf4000-7ffc8ddf6000 r-xp 00000000 00:00 0
7ffc8ddf6000-7ffc8ddf8000 r-xp 00000000 00:00 0   [vdso]
`

// fakeProcRoot writes files, relative to a new temporary directory, and
// returns the directory.
func fakeProcRoot(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestSynthesizeProcess(t *testing.T) {
	root := fakeProcRoot(t, map[string]string{
		"100/comm":          "server\n",
		"100/task/102/comm": "worker-2\n",
		"100/task/100/comm": "server\n",
		"100/task/101/comm": "worker-1\n",
		"100/maps":          testMaps,
	})
	recs, err := SynthesizeProcess(root, 100)
	if err != nil {
		t.Fatal(err)
	}
	type mapping struct {
		Addr, Len, PageOffset uint64
		Filename              string
	}
	var (
		comms []string
		tids  []uint32
		maps  []mapping
	)
	for _, rec := range recs {
		switch rec := rec.(type) {
		case *ForkRecord:
			if rec.Pid != 100 {
				t.Errorf("fork of pid %d, want 100", rec.Pid)
			}
			tids = append(tids, rec.Tid)
		case *CommRecord:
			comms = append(comms, rec.NewName)
		case *MmapRecord:
			if rec.Pid != 100 || rec.Tid != 100 || rec.CPUMode() != UserMode {
				t.Errorf("%s: bad header %+v", rec.Filename, rec)
			}
			maps = append(maps, mapping{rec.Addr, rec.Len, rec.PageOffset, rec.Filename})
		default:
			t.Errorf("unexpected %T", rec)
		}
	}
	// The process leader comes first.
	if diff := cmp.Diff([]uint32{100, 101, 102}, tids); diff != "" {
		t.Errorf("threads mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"server", "worker-1", "worker-2"}, comms); diff != "" {
		t.Errorf("comms mismatch (-want +got):\n%s", diff)
	}
	want := []mapping{
		{0x400000, 0x52000, 0, "/usr/bin/dbus-daemon"},
		{0x7f2c4f000000, 0x1b5000, 0x25000, "/usr/lib/my lib.so"},
		{0x7ffc8ddf6000, 0x2000, 0, "[vdso]"},
	}
	if diff := cmp.Diff(want, maps); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}

	if _, err := SynthesizeProcess(root, 200); err == nil {
		t.Error("synthesized a missing process")
	}
}

func TestSynthesizeProcessNoTasks(t *testing.T) {
	root := fakeProcRoot(t, map[string]string{
		"7/comm": "init\n",
		"7/maps": "",
	})
	recs, err := SynthesizeProcess(root, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want fork and comm", len(recs))
	}
	if comm, ok := recs[1].(*CommRecord); !ok || comm.NewName != "init" || comm.Tid != 7 {
		t.Errorf("got %+v, want comm init of thread 7", recs[1])
	}
}

func TestSynthesizeProcessBadMaps(t *testing.T) {
	root := fakeProcRoot(t, map[string]string{
		"1/comm": "x\n",
		"1/maps": "zz-00452000 r-xp 00000000 08:02 1 /bin/x\n",
	})
	if _, err := SynthesizeProcess(root, 1); err == nil {
		t.Fatal("synthesized a process with a bad mapping")
	}
}
