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
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/faultline/services/inject/coordinator"
	"github.com/AleutianAI/faultline/services/inject/fault"
)

// DefaultTimeout bounds each client call when ClientConfig.Timeout is 0.
const DefaultTimeout = 2 * time.Second

// warnEvery limits failure warnings. Every failure is still counted.
const warnEvery = time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	// Addr is the coordinator address (host:port or a gRPC target).
	Addr string

	// PID identifies this process.
	PID int

	// Timeout bounds every call.
	Timeout time.Duration

	Logger *slog.Logger

	// DialOptions are appended to the defaults (insecure transport, JSON
	// content-subtype).
	DialOptions []grpc.DialOption
}

// Client is the coordinator client used inside instrumented processes.
//
// Every RPC failure fails closed: Inject reports "not allowed" and the
// error is only logged and counted.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	conn     *grpc.ClientConn
	pid      int
	timeout  time.Duration
	counters coordinator.Counters[int]
	logger   *slog.Logger
	warn     *rate.Limiter
}

// NewClient creates a client. No connection is made until the first call.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, cfg.DialOptions...)
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("create coordinator client for %s: %w", cfg.Addr, err)
	}
	return &Client{
		conn:    conn,
		pid:     cfg.PID,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With(slog.Int("pid", cfg.PID)),
		warn:    rate.NewLimiter(rate.Every(warnEvery), 1),
	}, nil
}

// Inject counts the hit locally and asks the coordinator. Only the single
// winning call of the trial gets a *fault.Fault.
func (c *Client) Inject(ctx context.Context, id, blockID int) error {
	occ := c.counters.Next(id)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp InjectResponse
	err := c.conn.Invoke(ctx, InjectMethod, &InjectRequest{
		PID:        c.pid,
		ID:         id,
		Block:      blockID,
		Occurrence: occ,
	}, &resp)
	if err != nil {
		clientFailures.WithLabelValues("inject").Inc()
		if !c.warn.Allow() {
			return nil
		}
		c.logger.Warn("coordinator unreachable, not injecting",
			slog.Int("id", id),
			slog.Int("occurrence", occ),
			slog.String("error", err.Error()))
		return nil
	}
	if resp.Allowed != 1 {
		return nil
	}
	return fault.Resolve(resp.Exception).Fault(c.pid, id, occ, blockID)
}

// RecordInjectionTime asks the coordinator to timestamp one hit of id.
// Failures are logged only.
func (c *Client) RecordInjectionTime(ctx context.Context, id int) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp RecordTimeResponse
	if err := c.conn.Invoke(ctx, RecordInjectionTimeMethod, &RecordTimeRequest{PID: c.pid, ID: id}, &resp); err != nil {
		clientFailures.WithLabelValues("record_injection_time").Inc()
		if !c.warn.Allow() {
			return nil
		}
		c.logger.Warn("recording injection time failed", slog.Int("id", id), slog.String("error", err.Error()))
	}
	return nil
}

// Shutdown ends the trial on the coordinator. Unlike Inject, errors are
// returned: the caller is the experiment driver, not instrumented code.
func (c *Client) Shutdown(ctx context.Context, reason string) (*ShutdownResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp ShutdownResponse
	if err := c.conn.Invoke(ctx, ShutdownMethod, &ShutdownRequest{Reason: reason}, &resp); err != nil {
		return nil, fmt.Errorf("coordinator shutdown: %w", err)
	}
	return &resp, nil
}

// Occurrences returns the local hit count of id.
func (c *Client) Occurrences(id int) int { return c.counters.Get(id) }

// Close releases the connection. The trial itself is ended by the
// coordinator.
func (c *Client) Close(context.Context) error {
	return c.conn.Close()
}
