// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"

	"github.com/AleutianAI/faultline/services/inject/history"
)

var (
	historyJSON  bool
	historyFired bool

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recorded trials",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
)

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print records as JSON")
	historyCmd.Flags().BoolVar(&historyFired, "fired", false, "only trials that fired a fault")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	store, err := history.Open(cfg.HistoryDir, history.Options{Logger: logger.Slog(), RunID: runID})
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Load(cmd.Context())
	if err != nil {
		return err
	}
	records := snap.Records
	if historyFired {
		records = snap.Fired()
	}
	if historyJSON {
		if records == nil {
			records = []history.Record{}
		}
		return writeJSON(cmd.OutOrStdout(), records)
	}

	if len(records) == 0 {
		printer.Warning("no trials recorded in " + cfg.HistoryDir)
		return nil
	}
	printer.Table(historyHeaders, historyRows(records))
	if snap.Skipped > 0 {
		printer.Warning("unreadable records were skipped; see the log for details")
	}
	return nil
}
