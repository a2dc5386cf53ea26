// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command perfdb exports perf samples into a SQLite database, and queries
// the result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"acln.ro/perfdb"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	metricsAddr string
	callchain   bool
	batchSize   int
)

// registry collects the metrics of the sessions run by a command.
var registry = prometheus.NewRegistry()

var rootCmd = &cobra.Command{
	Use:   "perfdb",
	Short: "Export perf samples to a SQLite database.",
	Long: `Export perf samples to a SQLite database.

Samples come either from an event log, one JSON event per line:

	perfdb import events.jsonl perf.db

or from recording a command directly (linux only):

	perfdb record -e cpu/mem-loads,ldlat=30/P -- ./a.out

The resulting database can then be queried with SQL, or with the
levels sub-command for a memory level breakdown.
`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cmd.Flags().Visit(func(f *pflag.Flag) {
			glog.V(1).Infof("flag --%s=%v", f.Name, f.Value)
		})
		return serveMetrics(metricsAddr)
	},
}

func init() {
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
}

// addSessionFlags registers the flags overriding perfdb.Options.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&callchain, "callchain", false, "export call paths and calls (overrides PERFDB_CALL_GRAPH)")
	cmd.Flags().IntVar(&batchSize, "batch-size", perfdb.DefaultBatchSize, "samples per committed batch (overrides PERFDB_BATCH_SIZE)")
}

// sessionOptions loads perfdb.Options from the environment, then applies
// the flags set on cmd.
func sessionOptions(cmd *cobra.Command) (perfdb.Options, error) {
	opts, err := perfdb.LoadOptions()
	if err != nil {
		return perfdb.Options{}, err
	}
	if cmd.Flags().Changed("callchain") {
		opts.CallGraph = callchain
	}
	if cmd.Flags().Changed("batch-size") {
		if batchSize <= 0 {
			return perfdb.Options{}, fmt.Errorf("invalid --batch-size %d", batchSize)
		}
		opts.BatchSize = batchSize
	}
	opts.Registerer = registry
	return opts, nil
}

func serveMetrics(addr string) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("serving metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.Serve(ln, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Errorf("metrics server: %v", err)
		}
	}()
	glog.Infof("serving metrics on http://%s/metrics", ln.Addr())
	return nil
}

// export runs a session over src.
func export(ctx context.Context, store perfdb.Store, opts perfdb.Options, src perfdb.Source) (perfdb.Report, error) {
	sess, err := perfdb.NewSession(store, opts)
	if err != nil {
		return perfdb.Report{}, err
	}
	return sess.Run(ctx, src)
}

func printReport(w io.Writer, path string, r perfdb.Report) {
	fmt.Fprintf(w, "%s: %s samples in %s batches\n", path, humanize.Comma(int64(r.Samples)), humanize.Comma(int64(r.Batches)))
	if r.CallPaths > 0 {
		fmt.Fprintf(w, "%s call paths, %s calls\n", humanize.Comma(int64(r.CallPaths)), humanize.Comma(int64(r.Calls)))
	}
	if r.Unhandled > 0 {
		fmt.Fprintf(w, "%s unhandled events\n", humanize.Comma(int64(r.Unhandled)))
	}
	for name, n := range r.Duplicates {
		fmt.Fprintf(w, "%s duplicate %s skipped\n", humanize.Comma(int64(n)), name)
	}
	if r.UndecodedLevels > 0 {
		fmt.Fprintf(w, "%s samples with an undecoded memory level\n", humanize.Comma(int64(r.UndecodedLevels)))
	}
}

func main() {
	// glog reads its flags from the standard flag set.
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	if err := rootCmd.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
}
