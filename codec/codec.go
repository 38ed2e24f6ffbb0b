// Package codec serializes memoized values for the shared (L2) tier.
package codec

import "fmt"

// Formats accepted by Named and NamedBool.
const (
	FormatCBOR     = "cbor"
	FormatMsgpack  = "msgpack"
	FormatJSON     = "json"
	FormatProtobuf = "protobuf"
)

// Codec encodes/decodes values V to []byte for storage.
// Name identifies the format in logs and in the wire frame check.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
	Name() string
}

// Named returns the codec for a configured format. CBOR is deterministic.
// Protobuf needs a message type and is only offered by NamedBool.
func Named[V any](format string) (Codec[V], error) {
	switch format {
	case FormatCBOR:
		c, err := NewCBOR[V](true)
		if err != nil {
			return nil, err
		}
		return c, nil
	case FormatMsgpack:
		return Msgpack[V]{}, nil
	case FormatJSON:
		return JSON[V]{}, nil
	}
	return nil, fmt.Errorf("codec: unsupported format %q", format)
}

// NamedBool is Named for role flags, plus protobuf via BoolValue.
func NamedBool(format string) (Codec[bool], error) {
	if format == FormatProtobuf {
		return BoolValue{}, nil
	}
	return Named[bool](format)
}
