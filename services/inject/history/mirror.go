// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror receives a copy of every appended record.
type Mirror interface {
	Publish(ctx context.Context, rec *Record) error
	Close() error
}

// RedisMirrorConfig configures the redis mirror.
type RedisMirrorConfig struct {
	// Address is the redis server address (e.g. "localhost:6379").
	Address string

	// Password for redis authentication (optional).
	Password string

	// Database number. Default: 0.
	Database int

	// Key is the list records are pushed to. Default: "faultline:trials".
	Key string

	// MaxLen trims the list to its newest MaxLen entries. 0 keeps all.
	MaxLen int64

	// Timeout for each redis operation. Default: 2s.
	Timeout time.Duration
}

// DefaultRedisMirrorConfig returns defaults for address.
func DefaultRedisMirrorConfig(address string) RedisMirrorConfig {
	return RedisMirrorConfig{
		Address: address,
		Key:     "faultline:trials",
		Timeout: 2 * time.Second,
	}
}

// RedisMirror pushes records onto a redis list so dashboards and other
// hosts can follow an experiment without sharing the history directory.
type RedisMirror struct {
	cfg    RedisMirrorConfig
	client *redis.Client
}

// NewRedisMirror connects and pings the server.
func NewRedisMirror(ctx context.Context, cfg RedisMirrorConfig) (*RedisMirror, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	m := newRedisMirror(cfg)

	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if err := m.client.Ping(pingCtx).Err(); err != nil {
		m.client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}
	return m, nil
}

// newRedisMirror fills defaults and builds the client without dialing.
func newRedisMirror(cfg RedisMirrorConfig) *RedisMirror {
	if cfg.Key == "" {
		cfg.Key = "faultline:trials"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   1,
	})
	return &RedisMirror{cfg: cfg, client: client}
}

// Publish appends the record to the list, trimming it when MaxLen is set.
func (m *RedisMirror) Publish(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trial record: %w", err)
	}

	pipe := m.client.Pipeline()
	pipe.RPush(ctx, m.cfg.Key, data)
	if m.cfg.MaxLen > 0 {
		pipe.LTrim(ctx, m.cfg.Key, -m.cfg.MaxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish trial %d to redis: %w", rec.TrialID, err)
	}
	return nil
}

// Close closes the redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
