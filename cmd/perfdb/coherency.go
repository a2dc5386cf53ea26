// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"

	"acln.ro/perfdb/sqlitestore"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var coherencyCmd = &cobra.Command{
	Use:   "coherency <db> [function...]",
	Short: "Print the cache coherency summary of sampled functions.",
	Long: `Print, per function, the number of samples which hit a modified
line in another core's cache (HITM), their average latency, and the
average latency of all samples of the function. Without function names,
every sampled function is listed.
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCoherency,
}

func init() {
	rootCmd.AddCommand(coherencyCmd)
}

func runCoherency(cmd *cobra.Command, args []string) error {
	store, err := sqlitestore.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	funcs, err := store.Coherency(cmd.Context(), args[1:])
	if err != nil {
		return err
	}
	if len(funcs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no samples in matching functions")
		return nil
	}
	writeCoherency(cmd.OutOrStdout(), funcs)
	return nil
}

func writeCoherency(w io.Writer, funcs []sqlitestore.FunctionCoherency) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Function", "Samples", "Avg latency", "HITM", "HITM avg latency"})
	for _, f := range funcs {
		table.Append([]string{
			f.Function,
			humanize.Comma(f.Samples),
			humanize.FormatFloat("#,###.##", f.AvgLatency),
			humanize.Comma(f.HITM),
			humanize.FormatFloat("#,###.##", f.HITMAvgLatency),
		})
	}
	table.Render()
}
