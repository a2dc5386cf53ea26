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
	"golang.org/x/sys/unix"
)

// fakePMURoot lays out a cpu PMU the way sysfs describes one.
func fakePMURoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"cpu/type":             "4\n",
		"cpu/format/event":     "config:0-7\n",
		"cpu/format/umask":     "config:8-15\n",
		"cpu/format/inv":       "config:23\n",
		"cpu/format/ldlat":     "config1:0-15\n",
		"cpu/format/split":     "config:0-3,32-35\n",
		"cpu/format/bogus":     "attr:0-7\n",
		"cpu/events/mem-loads": "event=0xcd,umask=0x1,ldlat=3\n",
		"breakpoint/type":      "5\n",
	}
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

func TestProbePMU(t *testing.T) {
	root := fakePMURoot(t)
	typ, err := ProbePMU(root, "breakpoint")
	if err != nil {
		t.Fatal(err)
	}
	if typ != 5 {
		t.Fatalf("got type %d, want 5", typ)
	}
	if _, err := ProbePMU(root, "nope"); err == nil {
		t.Fatal("probed a missing PMU")
	}
}

func TestParseEvent(t *testing.T) {
	root := fakePMURoot(t)
	tests := []struct {
		desc string
		want Attr
	}{
		{
			desc: "cycles",
			want: Attr{Type: HardwareEvent, Config: unix.PERF_COUNT_HW_CPU_CYCLES},
		},
		{
			desc: "cpu-clock:u",
			want: Attr{
				Type:    SoftwareEvent,
				Config:  unix.PERF_COUNT_SW_CPU_CLOCK,
				Options: Options{ExcludeKernel: true, ExcludeHypervisor: true},
			},
		},
		{
			desc: "r01cd",
			want: Attr{Type: RawEvent, Config: 0x1cd},
		},
		{
			desc: "cpu/mem-loads,ldlat=30/pp",
			want: Attr{
				Type:    4,
				Config:  0x1cd,
				Config1: 30,
				Options: Options{PreciseIP: RequestedZeroSkid},
			},
		},
		{
			desc: "cpu/event=0x3c,umask=0x0/:k",
			want: Attr{
				Type:    4,
				Config:  0x3c,
				Options: Options{ExcludeUser: true, ExcludeHypervisor: true},
			},
		},
		{
			desc: "mem-loads:P",
			want: Attr{Type: 4, Config: 0x1cd, Config1: 3, PreciseMax: true},
		},
		{
			desc: "cpu/event=0xc0,inv/",
			want: Attr{Type: 4, Config: 0xc0 | 1<<23},
		},
		{
			desc: "cpu/split=0xab/",
			want: Attr{Type: 4, Config: 0xb | 0xa<<32},
		},
		{
			desc: "cpu/event=0x3c,period=1000/",
			want: Attr{Type: 4, Config: 0x3c, Sample: 1000},
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := ParseEvent(root, tt.desc)
			if err != nil {
				t.Fatal(err)
			}
			want := tt.want
			want.Label = tt.desc
			if diff := cmp.Diff(&want, got); diff != "" {
				t.Errorf("attr mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseEventErrors(t *testing.T) {
	root := fakePMURoot(t)
	for _, desc := range []string{
		"cpu/event=0x3c",
		"nosuchevent",
		"cycles:pppp",
		"cycles:x",
		"cpu/unknown=1/",
		"cpu/bogus=1/",
		"cpu/event=zz/",
		"nopmu/event=1/",
	} {
		if _, err := ParseEvent(root, desc); err == nil {
			t.Errorf("%q: parsed, want error", desc)
		}
	}
}
