// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultBatchSize is the number of samples committed per transaction.
const DefaultBatchSize = 5000

// EnvPrefix is the prefix of the environment variables read by
// LoadOptions.
const EnvPrefix = "PERFDB"

// Options configure a Session.
type Options struct {
	// CallGraph enables export of call paths and call/return pairs.
	CallGraph bool `split_words:"true" default:"false"`

	// BatchSize is the number of buffered samples which triggers a
	// flush. Zero means DefaultBatchSize.
	BatchSize int `split_words:"true" default:"5000"`

	// Registerer, if not nil, receives the session's metrics.
	Registerer prometheus.Registerer `ignored:"true"`
}

// LoadOptions reads options from the environment: PERFDB_CALL_GRAPH and
// PERFDB_BATCH_SIZE.
func LoadOptions() (Options, error) {
	var opts Options
	if err := envconfig.Process(EnvPrefix, &opts); err != nil {
		return Options{}, fmt.Errorf("perfdb: loading options: %w", err)
	}
	if err := opts.validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o Options) validate() error {
	if o.BatchSize < 0 {
		return fmt.Errorf("perfdb: invalid batch size %d", o.BatchSize)
	}
	return nil
}

func (o Options) batchSize() int {
	if o.BatchSize == 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}
