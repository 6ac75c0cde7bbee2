// Package vhalapi defines the gRPC transport contract between the two
// daemons and VHAL: subscribe/unsubscribe to a property, set a property,
// and probe property support. No generated protobuf stubs exist in this
// tree, so the service is wired by hand against a JSON codec, mirroring
// the teacher's hand-built gossip.Server/Client pairing over a plain
// grpc.ClientConn rather than protoc-generated code.
package vhalapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with grpc's encoding package so ordinary
// grpc.Dial/grpc.NewServer calls marshal request/response messages as
// JSON instead of protobuf wire format. Callers pass
// grpc.CallContentSubtype(CodecName) as a default call option on dial.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }
