// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package distributed extends the single-fire guarantee to several
// instrumented processes.
//
// One coordinator process (Server) hosts the Arbiter for the trial and
// exposes it as the gRPC service faultline.inject.v1.Coordinator. Every
// instrumented process uses a Client, which counts its own occurrences,
// asks the coordinator on each hit and treats any RPC failure as "not
// allowed".
//
// Messages are plain Go structs carried by a JSON codec registered with
// grpc/encoding, so no generated code is involved.
package distributed

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype clients request ("application/grpc+json").
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
