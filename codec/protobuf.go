package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Protobuf serializes proto messages.
type Protobuf[T proto.Message] struct {
	new func() T // e.g. func() *wrapperspb.BoolValue { return &wrapperspb.BoolValue{} }
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (Protobuf[T]) Name() string { return FormatProtobuf }

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}

var boolValue = NewProtobuf(func() *wrapperspb.BoolValue { return &wrapperspb.BoolValue{} })

// BoolValue stores role flags as google.protobuf.BoolValue, readable by
// services that share the tier without Go.
type BoolValue struct{}

var _ Codec[bool] = BoolValue{}

func (BoolValue) Name() string { return FormatProtobuf }

func (BoolValue) Encode(v bool) ([]byte, error) { return boolValue.Encode(wrapperspb.Bool(v)) }

func (BoolValue) Decode(b []byte) (bool, error) {
	m, err := boolValue.Decode(b)
	if err != nil {
		return false, err
	}
	return m.GetValue(), nil
}
