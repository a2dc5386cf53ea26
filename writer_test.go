// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb_test

import (
	"context"
	"errors"
	"testing"

	"acln.ro/perfdb"
	"acln.ro/perfdb/internal/fakestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSampleStore(t *testing.T) *fakestore.Store {
	t.Helper()
	store := fakestore.New()
	require.NoError(t, store.CreateSchema(context.Background(), perfdb.Schema{}))
	return store
}

func appendSamples(t *testing.T, w *perfdb.SampleWriter, from, n int) {
	t.Helper()
	ctx := context.Background()
	for i := from; i < from+n; i++ {
		require.NoError(t, w.Append(ctx, perfdb.Sample{ID: uint64(i), IP: uint64(0x1000 + i)}))
	}
}

func sampleIDs(rows [][]any) []int64 {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r[0].(int64)
	}
	return ids
}

func TestSampleWriterBelowThreshold(t *testing.T) {
	store := newSampleStore(t)
	w := perfdb.NewSampleWriter(store, perfdb.DefaultBatchSize)

	appendSamples(t, w, 1, 4999)
	assert.Empty(t, store.Batches, "no batch should be committed before the threshold")
	assert.Equal(t, 4999, w.Buffered())

	require.NoError(t, w.Flush(context.Background()))
	batches := store.BatchesFor(perfdb.TableSamples)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Rows, 4999)
	for i, id := range sampleIDs(batches[0].Rows) {
		if id != int64(i+1) {
			t.Fatalf("row %d has id %d, want %d", i, id, i+1)
		}
	}
	assert.Equal(t, 0, w.Buffered())
	assert.Equal(t, 1, w.Batches())
	assert.Equal(t, 4999, w.Written())
}

func TestSampleWriterAtThreshold(t *testing.T) {
	store := newSampleStore(t)
	w := perfdb.NewSampleWriter(store, perfdb.DefaultBatchSize)

	appendSamples(t, w, 1, 5000)
	require.Len(t, store.BatchesFor(perfdb.TableSamples), 1)
	assert.Equal(t, 0, w.Buffered())

	require.NoError(t, w.Flush(context.Background()))
	assert.Len(t, store.BatchesFor(perfdb.TableSamples), 1, "flushing an empty buffer must not commit")
}

func TestSampleWriterAboveThreshold(t *testing.T) {
	store := newSampleStore(t)
	w := perfdb.NewSampleWriter(store, perfdb.DefaultBatchSize)

	appendSamples(t, w, 1, 5001)
	require.NoError(t, w.Flush(context.Background()))

	batches := store.BatchesFor(perfdb.TableSamples)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Rows, 5000)
	require.Len(t, batches[1].Rows, 1)
	assert.Equal(t, int64(5001), batches[1].Rows[0][0], "the sample which triggered the flush must not be dropped")
	assert.Equal(t, 5001, w.Written())
}

func TestSampleWriterBufferReuse(t *testing.T) {
	store := newSampleStore(t)
	w := perfdb.NewSampleWriter(store, 3)

	appendSamples(t, w, 1, 6)
	batches := store.BatchesFor(perfdb.TableSamples)
	require.Len(t, batches, 2)
	assert.Equal(t, []int64{1, 2, 3}, sampleIDs(batches[0].Rows))
	assert.Equal(t, []int64{4, 5, 6}, sampleIDs(batches[1].Rows))
}

func TestSampleWriterFlushFailure(t *testing.T) {
	store := newSampleStore(t)
	store.FailBatch = func(perfdb.Table, int) error { return fakestore.ErrInjected }
	w := perfdb.NewSampleWriter(store, 10)

	appendSamples(t, w, 1, 4)
	err := w.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fakestore.ErrInjected))

	var pe *perfdb.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "insert batch", pe.Op)
	assert.Equal(t, "samples", pe.Table)

	assert.Equal(t, 4, w.Buffered(), "a failed flush must keep the buffer")
	assert.Equal(t, 0, w.Written())
	assert.Empty(t, store.Rows(perfdb.TableSamples))
}

func TestSampleWriterDecodesMemory(t *testing.T) {
	store := newSampleStore(t)
	w := perfdb.NewSampleWriter(store, 10)
	ctx := context.Background()

	// op Load, level number 0xd (DRAM), remote.
	ds := perfdb.DataSource(0x02 | 0xd<<33 | 1<<37)
	require.NoError(t, w.Append(ctx, perfdb.Sample{ID: 1, DataSource: ds, InTx: true}))
	// unsupported level number 0xe
	require.NoError(t, w.Append(ctx, perfdb.Sample{ID: 2, DataSource: perfdb.DataSource(0xe << 33)}))
	require.NoError(t, w.Flush(ctx))

	rows := store.Rows(perfdb.TableSamples)
	require.Len(t, rows, 2)
	cols := perfdb.TableSamples.Columns()
	require.Len(t, rows[0], len(cols))
	col := func(row []any, name string) any {
		for i, c := range cols {
			if c == name {
				return row[i]
			}
		}
		t.Fatalf("no column %q", name)
		return nil
	}
	assert.Equal(t, int64(perfdb.MemOpLoad), col(rows[0], "memory_opcode"))
	assert.Equal(t, int64(perfdb.MemLevelRemoteDRAM1), col(rows[0], "memory_level"))
	assert.Equal(t, int64(ds), col(rows[0], "data_src"))
	assert.Equal(t, int64(1), col(rows[0], "in_tx"))
	assert.Equal(t, int64(0), col(rows[1], "memory_level"))
	assert.Equal(t, 1, w.Undecoded())
}

func TestSampleWriterCountsLocalRemoteCacheNumber(t *testing.T) {
	store := newSampleStore(t)
	w := perfdb.NewSampleWriter(store, 10)
	ctx := context.Background()

	// Level number 0xb has a legacy level only for remote accesses.
	local := perfdb.DataSource(0x02 | 0xb<<33)
	remote := local | 1<<37
	require.NoError(t, w.Append(ctx, perfdb.Sample{ID: 1, DataSource: local}))
	require.NoError(t, w.Append(ctx, perfdb.Sample{ID: 2, DataSource: remote}))
	require.NoError(t, w.Flush(ctx))

	assert.Equal(t, 1, w.Undecoded())
	assert.False(t, local.Decode().LevelDecoded())
	assert.Equal(t, perfdb.MemLevelRemoteCache2, remote.Decode().Level)
}

func TestSampleRowKernelAddress(t *testing.T) {
	row := perfdb.NewSampleRow(perfdb.Sample{IP: 0xffffffff81000000})
	vals := row.Values()
	assert.Equal(t, int64(-0x7f000000), vals[8], "addresses are stored bit for bit")
}
