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

var levelsFilter sqlitestore.LevelFilter

var levelsCmd = &cobra.Command{
	Use:   "levels <db>",
	Short: "Print the memory level breakdown of load samples.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLevels,
}

func init() {
	levelsCmd.Flags().StringVar(&levelsFilter.Events, "event", sqlitestore.DefaultLoadEvents, "SQL LIKE pattern of the selected events to consider")
	levelsCmd.Flags().StringVar(&levelsFilter.Symbol, "symbol", "", "only consider samples in this symbol")
	rootCmd.AddCommand(levelsCmd)
}

func runLevels(cmd *cobra.Command, args []string) error {
	store, err := sqlitestore.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.MemoryLevels(cmd.Context(), levelsFilter)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no samples of events matching %q\n", levelsFilter.Events)
		return nil
	}
	writeLevels(cmd.OutOrStdout(), counts)
	return nil
}

func writeLevels(w io.Writer, counts []sqlitestore.LevelCount) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Memory level", "Samples", "Avg latency", "Percent"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, c := range counts {
		table.Append([]string{
			c.Level,
			humanize.Comma(c.Count),
			humanize.FormatFloat("#,###.##", c.AvgLatency),
			fmt.Sprintf("%.2f%%", c.Percent),
		})
	}
	table.Render()
}
