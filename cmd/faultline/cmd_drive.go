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
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/faultline/pkg/ux"
)

var (
	driveTrials int
	driveCheck  string
	driveGrace  time.Duration

	driveCmd = &cobra.Command{
		Use:   "drive [flags] -- command [args...]",
		Short: "Run a target repeatedly, one trial per run",
		Long: `Runs the target command once per trial with the faultline settings in
its environment (FAULTLINE_*). In distributed mode a coordinator is armed
in-process for every trial.

The loop stops when --check exits 0, when --trials runs are done, or when
the window covers every injection point and a trial still fires nothing.`,
		Example: `  faultline drive --trials 50 --check 'grep -q "data loss" out.log' -- ./run-workload.sh`,
		Args:    cobra.MinimumNArgs(1),
		RunE:    runDrive,
	}
)

func init() {
	driveCmd.Flags().IntVarP(&driveTrials, "trials", "n", 0, "maximum number of trials (0 = until exhausted)")
	driveCmd.Flags().StringVar(&driveCheck, "check", "", "shell command run after each trial; exit 0 stops the loop")
	driveCmd.Flags().DurationVar(&driveGrace, "grace", DefaultGrace, "extra time past the trial timeout before the target is killed")
	rootCmd.AddCommand(driveCmd)
}

func runDrive(cmd *cobra.Command, args []string) error {
	d := &driver{
		cfg:    cfg,
		target: args,
		check:  driveCheck,
		grace:  driveGrace,
		runID:  runID,
		logger: logger.Slog(),
		stdout: cmd.OutOrStdout(),
		stderr: cmd.ErrOrStderr(),
	}

	var rows [][]string
	defer func() {
		if len(rows) > 0 {
			printer.Table([]string{"TRIAL", "WINDOW", "FIRED", "EXIT", "NOTE"}, rows)
		}
	}()

	for n := 0; driveTrials == 0 || n < driveTrials; n++ {
		res, err := d.runTrial(cmd.Context())
		if err != nil {
			if errors.Is(err, cmd.Context().Err()) {
				printer.Warning("interrupted")
				return nil
			}
			return err
		}
		rows = append(rows, driveRow(res))

		switch {
		case res.Reproduced:
			printer.Success(fmt.Sprintf("check passed after trial %d", res.Record.TrialID))
			return nil
		case res.Exhausted:
			printer.Warning(fmt.Sprintf("trial %d covered every injection point and fired nothing", res.Record.TrialID))
			return nil
		}
	}
	return nil
}

func driveRow(res *trialResult) []string {
	fired := "-"
	if res.Record.Fired() {
		fired = fmt.Sprintf("%d#%d@%d", *res.Record.ID, *res.Record.Occurrence, *res.Record.PID)
	}
	note := ""
	switch {
	case res.Reproduced:
		note = string(ux.IconSuccess) + " reproduced"
	case res.TimedOut:
		note = "timed out"
	case res.Synthesized:
		note = "no record from target"
	}
	return []string{
		fmt.Sprint(res.Record.TrialID),
		fmt.Sprint(res.Record.Window),
		fired,
		fmt.Sprint(res.ExitCode),
		note,
	}
}
