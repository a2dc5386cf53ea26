// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strconv"

	"acln.ro/perfdb"

	"github.com/spf13/cobra"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <data_src>...",
	Short: "Decode perf data source words.",
	Long: `Decode perf data source words, given in hex (0x prefix) or decimal,
into their memory operation, level, snoop, lock and TLB fields.
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}

func runDecode(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	for _, arg := range args {
		ds, err := parseDataSource(arg)
		if err != nil {
			return err
		}
		ev := ds.Decode()
		if !ev.LevelDecoded() {
			fmt.Fprintf(w, "%#x: %v (unknown level number %d)\n", uint64(ds), ev, ds.LevelNumber())
			continue
		}
		fmt.Fprintf(w, "%#x: %v\n", uint64(ds), ev)
	}
	return nil
}

func parseDataSource(s string) (perfdb.DataSource, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad data source %q: %w", s, err)
	}
	return perfdb.DataSource(v), nil
}
