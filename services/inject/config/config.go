// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads faultline configuration.
//
// Configuration comes from three layers, later layers winning:
//
//  1. Default()
//  2. an optional YAML file (Load)
//  3. FAULTLINE_* environment variables (ApplyEnv)
//
// The same Config drives the in-process coordinator, the distributed
// coordinator service and the thin RPC client, so instrumented processes
// usually configure themselves purely from the environment set by the
// experiment driver.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/faultline/pkg/telemetry"
)

// Defaults.
const (
	DefaultWindow          = 10
	DefaultMaxWindow       = 1 << 20
	DefaultActivationDelta = 1
	DefaultCoordinatorAddr = "127.0.0.1:7401"
	DefaultStatusAddr      = "127.0.0.1:7402"
	DefaultRPCTimeout      = 2 * time.Second
	DefaultHistoryDir      = "faultline-history"
	DefaultTimeStoreDir    = "faultline-times"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the complete faultline configuration.
type Config struct {
	// GraphSpecPath is the JSON graph spec from the static analyzer.
	GraphSpecPath string `yaml:"graph_spec" validate:"required"`

	// HistoryDir holds one record per trial.
	HistoryDir string `yaml:"history_dir" validate:"required"`

	// DefaultWindow is the window used when the history is empty.
	DefaultWindow int `yaml:"default_window" validate:"min=1"`

	// MaxWindow caps window doubling.
	MaxWindow int `yaml:"max_window" validate:"gtefield=DefaultWindow"`

	// OccurrenceLimit skips occurrences above it. 0 means unlimited.
	OccurrenceLimit int `yaml:"occurrence_limit" validate:"min=0"`

	// ActivationDelta is the bias step per feedback signal.
	ActivationDelta int `yaml:"activation_delta" validate:"min=1"`

	// TimeoutSeconds arms the watchdog. 0 disables it.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"min=0"`

	// BlockGuard allows at most one fired injection per basic block. Blocks
	// that fired in recorded trials count too, so a block fires once per
	// experiment rather than once per trial.
	BlockGuard bool `yaml:"block_guard"`

	// TimeFeedback enables time-bounded allow-sets.
	TimeFeedback bool `yaml:"time_feedback"`

	// TimeStoreDir holds occurrence timestamps. They must outlive the trial
	// that recorded them, so it is required with TimeFeedback.
	TimeStoreDir string `yaml:"time_store_dir" validate:"required_if=TimeFeedback true"`

	// Distributed routes Inject through the coordinator service.
	Distributed bool `yaml:"distributed"`

	// CoordinatorAddr is the coordinator's gRPC address.
	CoordinatorAddr string `yaml:"coordinator_addr" validate:"required_if=Distributed true,omitempty,hostname_port"`

	// StatusAddr is the coordinator's HTTP status address. Empty disables it.
	StatusAddr string `yaml:"status_addr" validate:"omitempty,hostname_port"`

	// RPCTimeout bounds every client call.
	RPCTimeout time.Duration `yaml:"rpc_timeout" validate:"gt=0"`

	// PID identifies this process in injection indices.
	PID int `yaml:"pid" validate:"min=0"`

	// RedisAddr enables the redis history mirror when set.
	RedisAddr string `yaml:"redis_addr" validate:"omitempty,hostname_port"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`

	// Telemetry configures OpenTelemetry exporters.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// LogConfig is the logging section.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		GraphSpecPath:   "graph.json",
		HistoryDir:      DefaultHistoryDir,
		TimeStoreDir:    DefaultTimeStoreDir,
		DefaultWindow:   DefaultWindow,
		MaxWindow:       DefaultMaxWindow,
		ActivationDelta: DefaultActivationDelta,
		CoordinatorAddr: DefaultCoordinatorAddr,
		StatusAddr:      DefaultStatusAddr,
		RPCTimeout:      DefaultRPCTimeout,
		Log:             LogConfig{Level: "info", Format: "auto"},
		Telemetry:       telemetry.DefaultConfig(),
	}
}

// Timeout returns the watchdog timeout, or 0 when disabled.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, describe(verrs))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	var b bytes.Buffer
	for i, fe := range verrs {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s fails %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			fmt.Fprintf(&b, " (%s)", fe.Param())
		}
	}
	return b.String()
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the process environment, then validates it.
//
// Unknown YAML keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// WriteDefault writes Default() as YAML to path, creating parent
// directories. An existing file is left alone.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Environment variable names.
const (
	EnvGraphSpec       = "FAULTLINE_GRAPH_SPEC"
	EnvHistoryDir      = "FAULTLINE_HISTORY_DIR"
	EnvWindow          = "FAULTLINE_WINDOW"
	EnvMaxWindow       = "FAULTLINE_MAX_WINDOW"
	EnvOccurrenceLimit = "FAULTLINE_OCCURRENCE_LIMIT"
	EnvActivationDelta = "FAULTLINE_ACTIVATION_DELTA"
	EnvTimeout         = "FAULTLINE_TIMEOUT"
	EnvBlockGuard      = "FAULTLINE_BLOCK_GUARD"
	EnvTimeFeedback    = "FAULTLINE_TIME_FEEDBACK"
	EnvTimeStoreDir    = "FAULTLINE_TIME_STORE_DIR"
	EnvDistributed     = "FAULTLINE_DISTRIBUTED"
	EnvCoordinator     = "FAULTLINE_COORDINATOR"
	EnvStatusAddr      = "FAULTLINE_STATUS_ADDR"
	EnvRPCTimeout      = "FAULTLINE_RPC_TIMEOUT"
	EnvPID             = "FAULTLINE_PID"
	EnvRedisAddr       = "FAULTLINE_REDIS_ADDR"
	EnvLogLevel        = "FAULTLINE_LOG_LEVEL"
	EnvLogDir          = "FAULTLINE_LOG_DIR"
	EnvLogFormat       = "FAULTLINE_LOG_FORMAT"
)

// ApplyEnv overrides fields from FAULTLINE_* variables.
//
// Inputs:
//
//	lookup - Variable lookup, usually os.LookupEnv.
//
// Outputs:
//
//	error - ErrInvalidEnv naming the first variable that failed to parse.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := []struct {
		key string
		dst *string
	}{
		{EnvGraphSpec, &c.GraphSpecPath},
		{EnvHistoryDir, &c.HistoryDir},
		{EnvTimeStoreDir, &c.TimeStoreDir},
		{EnvCoordinator, &c.CoordinatorAddr},
		{EnvStatusAddr, &c.StatusAddr},
		{EnvRedisAddr, &c.RedisAddr},
		{EnvLogLevel, &c.Log.Level},
		{EnvLogDir, &c.Log.Dir},
		{EnvLogFormat, &c.Log.Format},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{EnvWindow, &c.DefaultWindow},
		{EnvMaxWindow, &c.MaxWindow},
		{EnvOccurrenceLimit, &c.OccurrenceLimit},
		{EnvActivationDelta, &c.ActivationDelta},
		{EnvTimeout, &c.TimeoutSeconds},
		{EnvPID, &c.PID},
	}
	for _, s := range ints {
		v, ok := lookup(s.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, s.key, v, err)
		}
		*s.dst = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{EnvBlockGuard, &c.BlockGuard},
		{EnvTimeFeedback, &c.TimeFeedback},
		{EnvDistributed, &c.Distributed},
	}
	for _, s := range bools {
		v, ok := lookup(s.key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, s.key, v, err)
		}
		*s.dst = b
	}

	if v, ok := lookup(EnvRPCTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidEnv, EnvRPCTimeout, v, err)
		}
		c.RPCTimeout = d
	}
	return nil
}

// Environ renders the settings an instrumented child process needs as
// KEY=VALUE pairs, suitable for exec.Cmd.Env.
func (c *Config) Environ() []string {
	return []string{
		EnvGraphSpec + "=" + c.GraphSpecPath,
		EnvHistoryDir + "=" + c.HistoryDir,
		EnvWindow + "=" + strconv.Itoa(c.DefaultWindow),
		EnvMaxWindow + "=" + strconv.Itoa(c.MaxWindow),
		EnvOccurrenceLimit + "=" + strconv.Itoa(c.OccurrenceLimit),
		EnvActivationDelta + "=" + strconv.Itoa(c.ActivationDelta),
		EnvTimeout + "=" + strconv.Itoa(c.TimeoutSeconds),
		EnvBlockGuard + "=" + strconv.FormatBool(c.BlockGuard),
		EnvTimeFeedback + "=" + strconv.FormatBool(c.TimeFeedback),
		EnvTimeStoreDir + "=" + c.TimeStoreDir,
		EnvDistributed + "=" + strconv.FormatBool(c.Distributed),
		EnvCoordinator + "=" + c.CoordinatorAddr,
		EnvRPCTimeout + "=" + c.RPCTimeout.String(),
	}
}
