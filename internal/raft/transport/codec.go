package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodec replaces grpc-go's built-in protobuf codec. The retrieval corpus
// this module grew out of never carried generated .pb.go stubs for its wire
// types, so raftpb's messages are plain structs with no protobuf
// descriptors to marshal against. Registering under the "proto" name makes
// gRPC use it for every call that doesn't explicitly request another
// content-subtype, so the rest of the transport (dialing, the "raft" name
// resolver, retries, interceptors) runs unmodified.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
