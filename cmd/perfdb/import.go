// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"os"

	"acln.ro/perfdb/eventlog"
	"acln.ro/perfdb/sqlitestore"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <events.jsonl> <out.db>",
	Short: "Export an event log to a new database.",
	Long: `Export an event log to a new database, replacing any existing file.

The event log holds one JSON object per line, of the form
{"kind": "sample", "args": [...]}.
`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func init() {
	addSessionFlags(importCmd)
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	opts, err := sessionOptions(cmd)
	if err != nil {
		return err
	}
	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	store, err := sqlitestore.Create(args[1])
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := export(cmd.Context(), store, opts, eventlog.NewReader(bufio.NewReader(in)))
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), args[1], report)
	return nil
}
