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
	"net"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/faultline/pkg/ux"
	"github.com/AleutianAI/faultline/services/inject/config"
	"github.com/AleutianAI/faultline/services/inject/coordinator"
	"github.com/AleutianAI/faultline/services/inject/distributed"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Serve one distributed trial",
	Long: `Bootstraps the next trial and serves it over gRPC at coordinator_addr
until a client calls Shutdown, the watchdog fires or the process is
interrupted. The trial record is written exactly once before exit.`,
	Args: cobra.NoArgs,
	RunE: runCoordinator,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
}

func runCoordinator(cmd *cobra.Command, _ []string) error {
	c := cfg
	c.Distributed = true
	trial, err := startCoordinator(cmd.Context(), c, runID, logger.Slog(), nil)
	if err != nil {
		return err
	}
	printer.Success(fmt.Sprintf("trial %d armed on %s (window %d)", trial.plan.TrialID, trial.addr, trial.plan.Window))

	err = trial.wait()
	if rec := trial.server.Arbiter().DumpedRecord(); rec != nil && rec.Fired() {
		printer.Success(fmt.Sprintf("trial %d fired %d (occurrence %d) in pid %d", rec.TrialID, *rec.ID, *rec.Occurrence, *rec.PID))
	} else if err == nil {
		printer.Status(ux.IconPending, fmt.Sprintf("trial %d fired nothing", trial.plan.TrialID))
	}
	return err
}

// coordinatorTrial is one armed coordinator and the goroutine serving it.
type coordinatorTrial struct {
	plan   *coordinator.Plan
	server *distributed.Server
	addr   string
	cancel context.CancelFunc
	done   chan error
}

// startCoordinator arms the next trial and serves it in the background.
//
// Inputs:
//
//	ctx - Serving stops when ctx is canceled.
//	c - Config; CoordinatorAddr is where the gRPC listener binds.
//	runID - Recorded with the trial and held in the directory lock.
//	log - Logger.
//	exit - Watchdog exit hook. Nil exits the process.
//
// Outputs:
//
//	*coordinatorTrial - Call stop or wait to end the trial and release the
//	stores.
func startCoordinator(ctx context.Context, c config.Config, runID string, log *slog.Logger, exit func(int)) (*coordinatorTrial, error) {
	store, times, err := distributed.OpenStores(ctx, c, runID, log)
	if err != nil {
		return nil, err
	}
	closeStores := func() error {
		errs := []error{store.Close()}
		if times != nil {
			errs = append(errs, times.Close())
		}
		return errors.Join(errs...)
	}

	plan, err := coordinator.Bootstrap(ctx, c, coordinator.Deps{Store: store, Times: times, Logger: log})
	if err != nil {
		return nil, errors.Join(err, closeStores())
	}

	lis, err := net.Listen("tcp", c.CoordinatorAddr)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("listen %s: %w", c.CoordinatorAddr, err), closeStores())
	}

	srv := distributed.NewServer(plan, distributed.ServerConfig{
		StatusAddr: c.StatusAddr,
		Timeout:    c.Timeout(),
		Exit:       exit,
		Times:      times,
		Arbiter: coordinator.ArbiterConfig{
			Store:           store,
			RunID:           runID,
			BlockGuard:      c.BlockGuard,
			OccurrenceLimit: c.OccurrenceLimit,
			Logger:          log,
		},
	})

	sctx, cancel := context.WithCancel(ctx)
	t := &coordinatorTrial{
		plan:   plan,
		server: srv,
		addr:   lis.Addr().String(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		err := srv.Serve(sctx, lis)
		t.done <- errors.Join(err, closeStores())
	}()
	log.Info("coordinator started",
		slog.Int("trial_id", plan.TrialID),
		slog.String("addr", t.addr))
	return t, nil
}

// wait blocks until the trial ends on its own.
func (t *coordinatorTrial) wait() error {
	err := <-t.done
	t.cancel()
	return err
}

// stop ends the trial and waits for the record to be written.
func (t *coordinatorTrial) stop() error {
	t.cancel()
	return <-t.done
}
