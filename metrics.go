// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	samples    prometheus.Counter
	batches    prometheus.Counter
	unhandled  prometheus.Counter
	duplicates *prometheus.CounterVec
	commit     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfdb_samples_appended_total",
			Help: "Number of samples appended to the sample writer.",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfdb_batches_committed_total",
			Help: "Number of sample batches committed to the store.",
		}),
		unhandled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perfdb_unhandled_events_total",
			Help: "Number of events with no handler.",
		}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perfdb_duplicate_ids_total",
			Help: "Number of rejected duplicate registrations, by registry.",
		}, []string{"registry"}),
		commit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perfdb_batch_commit_seconds",
			Help:    "Time taken to commit a batch of samples.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.samples, err = register(reg, m.samples); err != nil {
		return nil, err
	}
	if m.batches, err = register(reg, m.batches); err != nil {
		return nil, err
	}
	if m.unhandled, err = register(reg, m.unhandled); err != nil {
		return nil, err
	}
	if m.duplicates, err = register(reg, m.duplicates); err != nil {
		return nil, err
	}
	if m.commit, err = register(reg, m.commit); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c with reg. If an identical collector is already
// registered, as happens when several sessions share a registry, the
// existing collector is returned instead.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, err
}

func (m *metrics) sampleAppended() {
	if m != nil {
		m.samples.Inc()
	}
}

func (m *metrics) batchCommitted(d time.Duration) {
	if m != nil {
		m.batches.Inc()
		m.commit.Observe(d.Seconds())
	}
}

func (m *metrics) unhandledEvent() {
	if m != nil {
		m.unhandled.Inc()
	}
}

func (m *metrics) duplicate(registry string) {
	if m != nil {
		m.duplicates.WithLabelValues(registry).Inc()
	}
}
