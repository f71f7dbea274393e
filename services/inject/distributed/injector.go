// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package distributed

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/faultline/services/inject/config"
	"github.com/AleutianAI/faultline/services/inject/coordinator"
	"github.com/AleutianAI/faultline/services/inject/history"
)

// Connect returns the Injector an instrumented process should use.
//
// Description:
//
//	In distributed mode this is a Client for cfg.CoordinatorAddr. Otherwise
//	the next trial is bootstrapped from cfg and armed in-process; its
//	history store and time store are closed with the Injector.
func Connect(ctx context.Context, cfg config.Config, runID string, logger *slog.Logger) (coordinator.Injector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Distributed {
		return NewClient(ClientConfig{
			Addr:    cfg.CoordinatorAddr,
			PID:     cfg.PID,
			Timeout: cfg.RPCTimeout,
			Logger:  logger,
		})
	}

	store, times, err := OpenStores(ctx, cfg, runID, logger)
	if err != nil {
		return nil, err
	}
	rt, err := coordinator.Start(ctx, cfg, coordinator.Deps{Store: store, Times: times, Logger: logger}, runID)
	if err != nil {
		_ = store.Close()
		if times != nil {
			_ = times.Close()
		}
		return nil, err
	}
	return &localInjector{Runtime: rt, store: store, times: times}, nil
}

type localInjector struct {
	*coordinator.Runtime
	store *history.Store
	times *history.TimeStore
}

func (l *localInjector) Close(ctx context.Context) error {
	errs := []error{l.Runtime.Close(ctx), l.store.Close()}
	if l.times != nil {
		errs = append(errs, l.times.Close())
	}
	return errors.Join(errs...)
}

// OpenStores opens the stores a trial reads and writes.
//
// Description:
//
//	The history store gets a redis mirror when cfg.RedisAddr is set; a
//	mirror that cannot connect is logged and left out, since records on
//	disk are authoritative. The time store is opened only in
//	time-feedback mode and is nil otherwise.
func OpenStores(ctx context.Context, cfg config.Config, runID string, logger *slog.Logger) (*history.Store, *history.TimeStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := history.Options{Logger: logger, RunID: runID}
	if cfg.RedisAddr != "" {
		mirror, err := history.NewRedisMirror(ctx, history.DefaultRedisMirrorConfig(cfg.RedisAddr))
		if err != nil {
			logger.Warn("redis mirror disabled", slog.String("addr", cfg.RedisAddr), slog.String("error", err.Error()))
		} else {
			opts.Mirrors = append(opts.Mirrors, mirror)
		}
	}
	store, err := history.Open(cfg.HistoryDir, opts)
	if err != nil {
		for _, m := range opts.Mirrors {
			_ = m.Close()
		}
		return nil, nil, err
	}
	if !cfg.TimeFeedback {
		return store, nil, nil
	}
	if cfg.TimeStoreDir == "" {
		logger.Warn("time store is in memory; timestamps will not reach the next trial")
	}
	times, err := history.OpenTimeStore(cfg.TimeStoreDir, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, times, nil
}
