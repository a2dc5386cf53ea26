// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"acln.ro/perfdb"
	"acln.ro/perfdb/internal/fakestore"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		list string
		want []int
	}{
		{list: "0", want: []int{0}},
		{list: "0-3", want: []int{0, 1, 2, 3}},
		{list: "0-1,4,6-7", want: []int{0, 1, 4, 6, 7}},
		{list: "", want: nil},
	}
	for _, tt := range tests {
		got, err := parseCPUList(tt.list)
		if err != nil {
			t.Errorf("%q: %v", tt.list, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%q: cpus mismatch (-want +got):\n%s", tt.list, diff)
		}
	}
	for _, bad := range []string{"a", "3-1", "0-x", "1,,-2"} {
		if _, err := parseCPUList(bad); err == nil {
			t.Errorf("%q: parsed, want error", bad)
		}
	}
}

func TestOnlineCPUs(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "devices", "system", "cpu")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "online"), []byte("0-2,5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := OnlineCPUs(root)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 5}, got); diff != "" {
		t.Fatalf("cpus mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigureSampling(t *testing.T) {
	cfg := Config{CallGraph: true, SamplePeriod: 5000}

	hw := &Attr{Type: HardwareEvent}
	configureSampling(hw, cfg, true)
	if hw.Sample != 5000 {
		t.Errorf("got sample period %d, want 5000", hw.Sample)
	}
	sf := hw.SampleFormat
	if !sf.Callchain || !sf.DataSource || !sf.Weight || !sf.Transaction {
		t.Errorf("hardware sample format %+v lacks requested fields", sf)
	}
	opt := hw.Options
	if !opt.Disabled || !opt.Inherit || !opt.SampleIDAll || !opt.Mmap || !opt.Comm || !opt.Task {
		t.Errorf("first event options %+v lack side band records", opt)
	}

	sw := &Attr{Type: SoftwareEvent, Sample: 77}
	configureSampling(sw, Config{SamplePeriod: 5000}, false)
	if sw.Sample != 77 {
		t.Errorf("explicit period overridden: got %d, want 77", sw.Sample)
	}
	if sw.SampleFormat.Transaction || sw.SampleFormat.Callchain {
		t.Errorf("software sample format %+v", sw.SampleFormat)
	}
	if sw.Options.Mmap || sw.Options.Comm || sw.Options.Task {
		t.Errorf("second event options %+v request side band records", sw.Options)
	}
	if sw.SampleFormat.BranchStack || sw.BranchSampleType != 0 {
		t.Errorf("branch stack requested without Config.BranchStack")
	}

	br := &Attr{Type: HardwareEvent}
	configureSampling(br, Config{BranchStack: true}, false)
	if !br.SampleFormat.BranchStack {
		t.Errorf("sample format %+v lacks the branch stack", br.SampleFormat)
	}
	want := uint64(unix.PERF_SAMPLE_BRANCH_ANY | unix.PERF_SAMPLE_BRANCH_TYPE_SAVE)
	if br.BranchSampleType != want {
		t.Errorf("got branch sample type %#x, want %#x", br.BranchSampleType, want)
	}
	if got := br.sysAttr().Branch_sample_type; got != want {
		t.Errorf("perf_event_attr branch_sample_type = %#x, want %#x", got, want)
	}
}

func TestRecordSelf(t *testing.T) {
	requires(t, paranoid(1), softwarePMU)

	cfg := Config{
		Events:       []string{"cpu-clock"},
		CallGraph:    true,
		SamplePeriod: 100000,
	}
	rec, err := NewRecorder(cfg, os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	defer rec.Close()

	ctx := context.Background()
	rec.Start(ctx)
	if err := rec.Enable(); err != nil {
		t.Fatal(err)
	}
	burn(100 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	burn(10 * time.Millisecond)

	store := fakestore.New()
	sess, err := perfdb.NewSession(store, perfdb.Options{CallGraph: true})
	if err != nil {
		t.Fatal(err)
	}
	report, err := sess.Run(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if report.Samples == 0 {
		t.Fatal("no samples recorded")
	}
	if report.CallPaths < 2 {
		t.Errorf("got %d call paths, want at least one besides the root", report.CallPaths)
	}
	events := store.Rows(perfdb.TableSelectedEvents)
	found := false
	for _, row := range events {
		if row[1] == "cpu-clock" {
			found = true
		}
	}
	if !found {
		t.Errorf("cpu-clock not among selected events %v", events)
	}
}

func TestRecorderStop(t *testing.T) {
	closed := &Event{state: eventStateClosed}
	cancelled := false
	r := &Recorder{
		events: []ringEvent{{ev: closed, evsel: 1, cpu: 3}},
		cancel: func() { cancelled = true },
	}
	err := r.Stop()
	if !errors.Is(err, os.ErrClosed) {
		t.Fatalf("Stop() = %v, want an error wrapping %v", err, os.ErrClosed)
	}
	if !strings.Contains(err.Error(), "cpu 3") {
		t.Errorf("error %q does not name the cpu", err)
	}
	if !cancelled {
		t.Error("Stop did not stop the readers")
	}
	cancelled = false
	if err2 := r.Stop(); err2 != err || cancelled {
		t.Errorf("second Stop() = %v, cancelled %v; want the first error and no effect", err2, cancelled)
	}
}

//go:noinline
func burn(d time.Duration) {
	deadline := time.Now().Add(d)
	x := 0
	for time.Now().Before(deadline) {
		for i := 0; i < 1000; i++ {
			x += i
		}
	}
	runtime.KeepAlive(x)
}
