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
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/faultline/pkg/logging"
	"github.com/AleutianAI/faultline/pkg/telemetry"
	"github.com/AleutianAI/faultline/pkg/ux"
	"github.com/AleutianAI/faultline/services/inject/config"
)

// EnvConfig names the config file when --config is not given.
const EnvConfig = "FAULTLINE_CONFIG"

// skipConfig marks commands that run without loading a config.
const skipConfig = "faultline/skip-config"

var (
	configPath string
	logLevel   string
	outputMode string

	// Set by PersistentPreRunE for every command except those marked
	// skipConfig.
	cfg      config.Config
	logRoot  *logging.Logger
	logger   *logging.Logger
	runID    string
	printer  *ux.Printer
	shutdown func(context.Context) error

	rootCmd = &cobra.Command{
		Use:   "faultline",
		Short: "Feedback-guided fault injection",
		Long: `faultline injects at most one fault per trial into an instrumented
system, ranks injection points by their distance to the log events of
earlier trials, and widens its search window when a trial fires nothing.`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $"+EnvConfig+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "", "output style: rich, minimal or machine (default: detect)")
}

// setup loads the config and starts logging and telemetry.
func setup(cmd *cobra.Command, _ []string) error {
	printer = ux.NewPrinter(cmd.OutOrStdout(), levelOf(outputMode))
	if cmd.Annotations[skipConfig] == "true" {
		return nil
	}

	path := configPath
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	cfg = loaded

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Log.Format)
	if err != nil {
		return err
	}
	runID = uuid.NewString()
	logRoot = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "faultline-" + cmd.Name(),
		Format:  format,
		Output:  cmd.ErrOrStderr(),
	})
	logger = logRoot.With(slog.String("run_id", runID))
	slog.SetDefault(logger.Slog())

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "faultline"
	}
	shutdown, err = telemetry.Init(cmd.Context(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

func teardown(cmd *cobra.Command, _ []string) error {
	var err error
	if shutdown != nil {
		err = shutdown(context.Background())
		shutdown = nil
	}
	if logRoot != nil {
		_ = logRoot.Close()
		logRoot = nil
	}
	return err
}

func levelOf(mode string) ux.Level {
	if mode == "" {
		return ""
	}
	return ux.ParseLevel(mode)
}
