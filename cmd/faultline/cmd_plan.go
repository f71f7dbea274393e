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
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/faultline/services/inject/config"
	"github.com/AleutianAI/faultline/services/inject/coordinator"
	"github.com/AleutianAI/faultline/services/inject/distributed"
)

var (
	planJSON bool

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Show the next trial's window and allow-set",
		Long: `Replays the history directory exactly as the next trial will and prints
the trial id, the window and the ranked injection points it allows.
Nothing is written.`,
		Args: cobra.NoArgs,
		RunE: runPlan,
	}
)

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the plan as JSON")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, _ []string) error {
	plan, err := previewPlan(cmd.Context(), cfg, runID, logger.Slog())
	if err != nil {
		return err
	}
	view := newPlanView(plan)
	if planJSON {
		return writeJSON(cmd.OutOrStdout(), view)
	}
	renderPlan(printer, view)
	return nil
}

// previewPlan bootstraps the next trial without mirroring or arming it.
func previewPlan(ctx context.Context, c config.Config, runID string, log *slog.Logger) (*coordinator.Plan, error) {
	c.RedisAddr = ""
	store, times, err := distributed.OpenStores(ctx, c, runID, log)
	if err != nil {
		return nil, err
	}
	plan, err := coordinator.Bootstrap(ctx, c, coordinator.Deps{Store: store, Times: times, Logger: log})
	errs := []error{err, store.Close()}
	if times != nil {
		errs = append(errs, times.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return plan, nil
}
