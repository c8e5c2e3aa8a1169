package ftladmin

import (
	"encoding/json"
	"fmt"
)

// jsonCodec is a grpc encoding.Codec that marshals messages as JSON
// instead of protobuf — this lets the admin service be served over real
// gRPC framing (HTTP/2, streaming, deadlines) without running a protoc
// code-generation step. Every request/response type here is a plain Go
// struct; grpc.ForceCodec on the client side must set the same codec.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ftladmin: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("ftladmin: unmarshal: %w", err)
	}
	return nil
}
