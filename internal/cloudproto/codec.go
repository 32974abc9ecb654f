// Package cloudproto implements the Cloud Uplink's gRPC surface (spec
// §4.10): five logical services (auth, sync, config, notifications,
// health) exposed by a remote cloud endpoint. Since no protoc toolchain is
// available at build time, wire messages are plain Go structs marshalled
// through a custom grpc encoding.Codec rather than generated protobuf
// types — the services still ride real gRPC framing, flow control, and
// TLS, just with JSON instead of protobuf wire bytes.
package cloudproto

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with grpc's encoding registry and selected via
// grpc.CallContentSubtype / the default codec override on the ClientConn.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cloudproto: marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cloudproto: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
