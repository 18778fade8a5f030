// Package grpcapi exposes a minimal Health/Status gRPC service alongside the
// HTTP/WS surfaces, for operators who prefer a gRPC health check over an
// HTTP one (spec.md §6's --port-grpc).
//
// Grounded on internal/egg/server.go's grpc.NewServer +
// ChainUnaryInterceptor(recovery, auth) wiring. Protoc is unavailable in
// this build environment, so instead of generated protobuf bindings the
// service is registered via a hand-built grpc.ServiceDesc and a JSON codec
// — the dependency and the wire protocol stay real, only the message
// encoding trades protobuf for JSON.
package grpcapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "json"

// jsonCodec implements grpc/encoding.Codec using encoding/json, so the
// service can be registered and called without a .proto-generated codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
