// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb_test

import (
	"testing"

	"acln.ro/perfdb"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type dataSourceFields struct {
	op, hitMiss, level, snoop, lock, dtlbHitMiss, dtlb, levelNum uint64
	remote                                                       bool
}

func (f dataSourceFields) pack() perfdb.DataSource {
	ds := f.op |
		f.hitMiss<<5 |
		f.level<<8 |
		f.snoop<<19 |
		f.lock<<24 |
		f.dtlbHitMiss<<26 |
		f.dtlb<<29 |
		f.levelNum<<33
	if f.remote {
		ds |= 1 << 37
	}
	return perfdb.DataSource(ds)
}

var ignoreUnexported = cmpopts.IgnoreUnexported(perfdb.MemoryEvent{})

func TestDecodeLegacyLevel(t *testing.T) {
	tests := []struct {
		name   string
		fields dataSourceFields
		want   perfdb.MemoryEvent
	}{
		{
			name: "L1Load",
			fields: dataSourceFields{
				op: 0x02, hitMiss: 0x02, level: 0x01,
				snoop: 0x01, lock: 0x01, dtlbHitMiss: 0x02, dtlb: 0x01,
			},
			want: perfdb.MemoryEvent{
				Op:          perfdb.MemOpLoad,
				HitMiss:     perfdb.MemHit,
				Level:       perfdb.MemLevelL1,
				Snoop:       perfdb.MemSnoopNA,
				Lock:        perfdb.MemLockNA,
				DTLBHitMiss: perfdb.MemHit,
				DTLB:        perfdb.MemTLBL1,
			},
		},
		{
			name: "ExtendedFieldsIgnored",
			fields: dataSourceFields{
				op: 0x04, hitMiss: 0x04, level: 0x10,
				snoop: 0x0a, lock: 0x02, dtlbHitMiss: 0x04, dtlb: 0x04,
				levelNum: 0x3, remote: true,
			},
			want: perfdb.MemoryEvent{
				Op:          perfdb.MemOpStore,
				HitMiss:     perfdb.MemMiss,
				Level:       perfdb.MemLevelLocalDRAM,
				Snoop:       perfdb.MemSnoopNone | perfdb.MemSnoopMiss,
				Lock:        perfdb.MemLocked,
				DTLBHitMiss: perfdb.MemMiss,
				DTLB:        perfdb.MemTLBWalker,
			},
		},
		{
			name:   "AllOnes",
			fields: dataSourceFields{op: 0x1f, hitMiss: 0x7, level: 0x7ff, snoop: 0x1f, lock: 0x3, dtlbHitMiss: 0x7, dtlb: 0xf, levelNum: 0xf, remote: true},
			want: perfdb.MemoryEvent{
				Op:          0x1f,
				HitMiss:     0x7,
				Level:       0x7ff,
				Snoop:       0x1f,
				Lock:        0x3,
				DTLBHitMiss: 0x7,
				DTLB:        0xf,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fields.pack().Decode()
			if diff := cmp.Diff(tt.want, got, ignoreUnexported); diff != "" {
				t.Errorf("Decode mismatch (-want +got):\n%s", diff)
			}
			if !got.LevelDecoded() {
				t.Errorf("LevelDecoded() = false, want true")
			}
		})
	}
}

func TestDecodeLevelNumber(t *testing.T) {
	tests := []struct {
		levelNum uint64
		local    perfdb.MemLevel
		remote   perfdb.MemLevel
	}{
		{0x1, perfdb.MemLevelL1, perfdb.MemLevelL1},
		{0x2, perfdb.MemLevelLFB, perfdb.MemLevelLFB},
		{0x3, perfdb.MemLevelL2, perfdb.MemLevelRemoteCache2},
		{0xb, 0, perfdb.MemLevelRemoteCache2}, // local access: no legacy level
		{0xc, perfdb.MemLevelL3, perfdb.MemLevelL3},
		{0xd, perfdb.MemLevelLocalDRAM, perfdb.MemLevelRemoteDRAM1},
	}
	for _, tt := range tests {
		for _, remote := range []bool{false, true} {
			f := dataSourceFields{op: 0x02, snoop: 0x01, levelNum: tt.levelNum, remote: remote}
			ev := f.pack().Decode()
			want := tt.local
			if remote {
				want = tt.remote
			}
			if ev.Level != want {
				t.Errorf("level number %#x, remote %t: got level %#x, want %#x", tt.levelNum, remote, ev.Level, want)
			}
			if ev.LevelDecoded() != (want != 0) {
				t.Errorf("level number %#x, remote %t: LevelDecoded() = %t, want %t", tt.levelNum, remote, ev.LevelDecoded(), want != 0)
			}
			if ev.Op != perfdb.MemOpLoad || ev.Snoop != perfdb.MemSnoopNA {
				t.Errorf("level number %#x: other fields disturbed: %+v", tt.levelNum, ev)
			}
		}
	}
}

func TestDecodeUnsupportedLevelNumber(t *testing.T) {
	for _, num := range []uint64{0x4, 0x5, 0x8, 0xa, 0xe, 0xf} {
		for _, remote := range []bool{false, true} {
			f := dataSourceFields{op: 0x02, hitMiss: 0x04, levelNum: num, remote: remote}
			ev := f.pack().Decode()
			if ev.Level != 0 {
				t.Errorf("level number %#x, remote %t: got level %#x, want 0", num, remote, ev.Level)
			}
			if ev.LevelDecoded() {
				t.Errorf("level number %#x, remote %t: LevelDecoded() = true, want false", num, remote)
			}
			if ev.Op != perfdb.MemOpLoad || ev.HitMiss != perfdb.MemMiss {
				t.Errorf("level number %#x: other fields disturbed: %+v", num, ev)
			}
		}
	}
}

func TestDecodeZero(t *testing.T) {
	ev := perfdb.DataSource(0).Decode()
	if diff := cmp.Diff(perfdb.MemoryEvent{}, ev, ignoreUnexported); diff != "" {
		t.Errorf("Decode(0) mismatch (-want +got):\n%s", diff)
	}
	if !ev.LevelDecoded() {
		t.Errorf("Decode(0): LevelDecoded() = false, want true")
	}
}

func TestDecodeReservedBitsIgnored(t *testing.T) {
	base := dataSourceFields{op: 0x02, level: 0x08}.pack()
	got := (base | perfdb.DataSource(^(uint64(1)<<38 - 1))).Decode()
	want := base.Decode()
	if diff := cmp.Diff(want, got, ignoreUnexported); diff != "" {
		t.Errorf("reserved bits changed the result (-want +got):\n%s", diff)
	}
}

func TestDataSourceAccessors(t *testing.T) {
	ds := dataSourceFields{levelNum: 0xd, remote: true}.pack()
	if got := ds.LevelNumber(); got != 0xd {
		t.Errorf("LevelNumber() = %#x, want 0xd", got)
	}
	if !ds.Remote() {
		t.Errorf("Remote() = false, want true")
	}
	if ds.Level() != 0 {
		t.Errorf("Level() = %#x, want 0", ds.Level())
	}
}

func TestMemoryEventString(t *testing.T) {
	ev := perfdb.DataSource(0x2).Decode()
	want := `op="Load" hit_miss="NA" level="NA" snoop="NA" lock="NA" dtlb_hit_miss="NA" dtlb="NA"`
	if got := ev.String(); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func BenchmarkDecode(b *testing.B) {
	ds := dataSourceFields{op: 0x02, snoop: 0x01, levelNum: 0xd, remote: true}.pack()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = ds.Decode()
	}
}
