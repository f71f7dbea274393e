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
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AleutianAI/faultline/pkg/telemetry"
	"github.com/AleutianAI/faultline/services/inject/coordinator"
	"github.com/AleutianAI/faultline/services/inject/history"
)

// statusShutdownTimeout bounds the HTTP status server shutdown.
const statusShutdownTimeout = 5 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	// StatusAddr is the HTTP status address. Empty disables it.
	StatusAddr string

	// Timeout arms the watchdog when positive.
	Timeout time.Duration

	// Exit replaces os.Exit for the watchdog.
	Exit func(int)

	// Times stores occurrence timestamps. Nil makes RecordInjectionTime a
	// no-op.
	Times *history.TimeStore

	Arbiter coordinator.ArbiterConfig
}

// Server is the distributed coordinator.
//
// Thread Safety: safe for concurrent use.
type Server struct {
	arbiter  *coordinator.Arbiter
	counters coordinator.Counters[history.InjectionIndex]
	times    *history.TimeStore
	cfg      ServerConfig
	logger   *slog.Logger

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewServer arms plan for remote callers.
func NewServer(plan *coordinator.Plan, cfg ServerConfig) *Server {
	if cfg.Arbiter.Logger == nil {
		cfg.Arbiter.Logger = slog.Default()
	}
	cfg.Arbiter.Mode = history.ModeDistributed
	return &Server{
		arbiter:  coordinator.NewArbiter(plan, cfg.Arbiter),
		times:    cfg.Times,
		cfg:      cfg,
		logger:   cfg.Arbiter.Logger.With(slog.String("component", "coordinator")),
		shutdown: make(chan struct{}),
	}
}

// Arbiter exposes the decision core.
func (s *Server) Arbiter() *coordinator.Arbiter { return s.arbiter }

// Occurrences returns the hits of id seen from pid.
func (s *Server) Occurrences(pid, id int) int {
	return s.counters.Get(history.InjectionIndex{PID: pid, ID: id})
}

// Inject implements CoordinatorServer.
//
// Description:
//
//	Counts the hit for (pid, id) and rules on it with the Arbiter. The
//	caller's own occurrence number is authoritative when present, since the
//	client counted it before calling.
func (s *Server) Inject(ctx context.Context, req *InjectRequest) (*InjectResponse, error) {
	if req.ID < 0 || req.PID < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "negative pid %d or id %d", req.PID, req.ID)
	}
	occ := s.counters.Next(history.InjectionIndex{PID: req.PID, ID: req.ID})
	if req.Occurrence > 0 {
		if req.Occurrence != occ {
			s.logger.Debug("client occurrence differs from coordinator count",
				slog.Int("pid", req.PID),
				slog.Int("id", req.ID),
				slog.Int("client", req.Occurrence),
				slog.Int("coordinator", occ))
		}
		occ = req.Occurrence
	}

	d := s.arbiter.Decide(ctx, history.InjectionIndex{PID: req.PID, ID: req.ID, Occurrence: occ}, req.Block)
	resp := &InjectResponse{Occurrence: occ, Outcome: d.Outcome.String()}
	if d.Outcome == coordinator.OutcomeFired {
		resp.Allowed = 1
		resp.Exception = s.arbiter.Plan().Faults[req.ID].Exception
	}
	return resp, nil
}

// Shutdown implements CoordinatorServer. It writes the trial record and
// stops Serve.
func (s *Server) Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error) {
	s.logger.Info("shutdown requested", slog.String("reason", req.Reason))
	err := s.arbiter.Dump(ctx)
	s.stop()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	_, fired := s.arbiter.Fired()
	return &ShutdownResponse{TrialID: s.arbiter.Plan().TrialID, Fired: fired}, nil
}

// RecordInjectionTime implements CoordinatorServer.
func (s *Server) RecordInjectionTime(ctx context.Context, req *RecordTimeRequest) (*RecordTimeResponse, error) {
	if s.times == nil {
		return &RecordTimeResponse{}, nil
	}
	occ, err := s.times.Record(ctx, s.arbiter.Plan().TrialID, req.PID, req.ID, time.Now())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &RecordTimeResponse{Occurrence: occ}, nil
}

func (s *Server) stop() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// Done is closed once a Shutdown RPC was received.
func (s *Server) Done() <-chan struct{} { return s.shutdown }

// unaryInterceptor traces and times every RPC.
func (s *Server) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	method := path.Base(info.FullMethod)
	ctx, span := tracer.Start(ctx, "distributed."+method)
	defer span.End()

	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	rpcDuration.WithLabelValues(method, code.String()).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return resp, err
}

// NewGRPCServer returns a grpc.Server with the Coordinator registered.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.unaryInterceptor)}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterCoordinatorServer(gs, s)
	return gs
}

// Router returns the status HTTP handler.
//
// Routes:
//
//	GET /health     liveness
//	GET /v1/status  coordinator.Status plus per-process counts
//	GET /metrics    Prometheus metrics
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("faultline-coordinator"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/v1/status", func(c *gin.Context) {
		counts := make(map[string]int)
		for idx, n := range s.counters.Snapshot() {
			counts[fmt.Sprintf("%d/%d", idx.PID, idx.ID)] = n
		}
		c.JSON(http.StatusOK, gin.H{
			"trial":       s.arbiter.Status(),
			"occurrences": counts,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// Serve runs the coordinator until a Shutdown RPC, the watchdog, or ctx
// cancellation, then writes the trial record.
//
// Description:
//
//	The gRPC server on lis and, when configured, the HTTP status server
//	run under one errgroup. Whatever ends the trial, the record is dumped
//	exactly once before Serve returns.
//
// Outputs:
//
//	error - Listener failures and the dump error, joined.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.NewGRPCServer()
	g, gctx := errgroup.WithContext(ctx)

	var watchdog *coordinator.Watchdog
	if s.cfg.Timeout > 0 {
		watchdog = coordinator.StartWatchdog(s.cfg.Timeout, s.arbiter.Dump, s.cfg.Exit, s.logger)
	}

	g.Go(func() error {
		s.logger.Info("coordinator listening", slog.String("addr", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})

	var httpSrv *http.Server
	if s.cfg.StatusAddr != "" {
		httpSrv = &http.Server{
			Addr:              s.cfg.StatusAddr,
			Handler:           s.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("status server listening", slog.String("addr", s.cfg.StatusAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status serve: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdown:
		}
		gs.GracefulStop()
		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}
		return nil
	})

	err := g.Wait()
	watchdog.Stop()
	dumpErr := s.arbiter.Dump(context.Background())
	if dumpErr != nil {
		return errors.Join(err, dumpErr)
	}
	return err
}
