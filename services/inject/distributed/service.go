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

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "faultline.inject.v1.Coordinator"

// Full method names.
const (
	InjectMethod              = "/" + ServiceName + "/Inject"
	ShutdownMethod            = "/" + ServiceName + "/Shutdown"
	RecordInjectionTimeMethod = "/" + ServiceName + "/RecordInjectionTime"
)

// InjectRequest asks whether one occurrence may fire.
type InjectRequest struct {
	PID   int `json:"pid"`
	ID    int `json:"id"`
	Block int `json:"block"`
	// Occurrence is the caller's own count for (pid, id). 0 lets the
	// coordinator number the occurrence.
	Occurrence int `json:"occurrence,omitempty"`
}

// InjectResponse carries the decision. Allowed is 1 for the single winner
// of the trial and 0 otherwise.
type InjectResponse struct {
	Allowed    int    `json:"allowed"`
	Exception  string `json:"exception,omitempty"`
	Occurrence int    `json:"occurrence"`
	Outcome    string `json:"outcome"`
}

// ShutdownRequest ends the trial.
type ShutdownRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ShutdownResponse reports the trial that was written.
type ShutdownResponse struct {
	TrialID int  `json:"trial_id"`
	Fired   bool `json:"fired"`
}

// RecordTimeRequest timestamps one occurrence in time-feedback mode.
type RecordTimeRequest struct {
	PID int `json:"pid"`
	ID  int `json:"id"`
}

// RecordTimeResponse returns the occurrence number that was stamped.
type RecordTimeResponse struct {
	Occurrence int `json:"occurrence"`
}

// CoordinatorServer is the server side of the Coordinator service.
type CoordinatorServer interface {
	Inject(context.Context, *InjectRequest) (*InjectResponse, error)
	Shutdown(context.Context, *ShutdownRequest) (*ShutdownResponse, error)
	RecordInjectionTime(context.Context, *RecordTimeRequest) (*RecordTimeResponse, error)
}

// ServiceDesc describes the Coordinator service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Inject", Handler: injectHandler},
		{MethodName: "Shutdown", Handler: shutdownHandler},
		{MethodName: "RecordInjectionTime", Handler: recordTimeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "faultline/inject/v1/coordinator",
}

// RegisterCoordinatorServer registers srv on s.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func injectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InjectRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Inject(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InjectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).Inject(ctx, req.(*InjectRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func shutdownHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ShutdownRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ShutdownMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).Shutdown(ctx, req.(*ShutdownRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func recordTimeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RecordTimeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).RecordInjectionTime(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RecordInjectionTimeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).RecordInjectionTime(ctx, req.(*RecordTimeRequest))
	}
	return interceptor(ctx, in, info, handler)
}
