// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import (
	"context"
	"time"

	"github.com/golang/glog"
)

// SampleWriter buffers decoded samples and commits them to the store in
// batches. Each batch is committed as a single transaction. A SampleWriter
// is not safe for concurrent use.
type SampleWriter struct {
	store Store
	size  int
	m     *metrics

	rows  []SampleRow
	batch []Row

	batches   int
	written   int
	undecoded int
}

// NewSampleWriter returns a writer which flushes every batchSize samples.
// If batchSize is not positive, DefaultBatchSize is used.
func NewSampleWriter(store Store, batchSize int) *SampleWriter {
	return newSampleWriter(store, batchSize, nil)
}

func newSampleWriter(store Store, batchSize int, m *metrics) *SampleWriter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &SampleWriter{
		store: store,
		size:  batchSize,
		m:     m,
		rows:  make([]SampleRow, 0, batchSize),
		batch: make([]Row, 0, batchSize),
	}
}

// Append decodes s and adds it to the buffer. If the buffer reaches the
// batch size, Append flushes it before returning, and returns the error
// from Flush, if any.
func (w *SampleWriter) Append(ctx context.Context, s Sample) error {
	row := NewSampleRow(s)
	if !row.Memory.LevelDecoded() {
		w.undecoded++
		glog.V(2).Infof("perfdb: sample %d: unsupported memory level number %#x (remote %t)",
			s.ID, s.DataSource.LevelNumber(), s.DataSource.Remote())
	}
	w.rows = append(w.rows, row)
	w.m.sampleAppended()
	if len(w.rows) >= w.size {
		return w.Flush(ctx)
	}
	return nil
}

// Flush commits the buffered samples as one batch. Flushing an empty
// buffer does nothing. If the commit fails, the buffer is kept, and a
// *PersistenceError is returned.
func (w *SampleWriter) Flush(ctx context.Context) error {
	if len(w.rows) == 0 {
		return nil
	}
	w.batch = w.batch[:0]
	for i := range w.rows {
		w.batch = append(w.batch, &w.rows[i])
	}
	start := time.Now()
	if err := w.store.InsertBatch(ctx, TableSamples, w.batch); err != nil {
		return &PersistenceError{Op: "insert batch", Table: TableSamples.String(), Err: err}
	}
	elapsed := time.Since(start)
	w.m.batchCommitted(elapsed)
	w.batches++
	w.written += len(w.rows)
	glog.V(1).Infof("perfdb: committed batch %d (%d samples) in %v", w.batches, len(w.rows), elapsed)
	w.rows = w.rows[:0]
	return nil
}

// Buffered returns the number of samples waiting to be flushed.
func (w *SampleWriter) Buffered() int { return len(w.rows) }

// Batches returns the number of batches committed.
func (w *SampleWriter) Batches() int { return w.batches }

// Written returns the number of samples committed.
func (w *SampleWriter) Written() int { return w.written }

// Undecoded returns the number of appended samples whose memory level
// could not be decoded.
func (w *SampleWriter) Undecoded() int { return w.undecoded }
