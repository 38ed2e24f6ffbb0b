package codec

import "github.com/vmihailenco/msgpack/v5"

// Msgpack serializes values using vmihailenco/msgpack/v5. The zero value is ready to use.
// Use `msgpack:"name"` tags when field names must differ from JSON ones.
type Msgpack[V any] struct{}

var _ Codec[bool] = Msgpack[bool]{}

func (Msgpack[V]) Name() string { return FormatMsgpack }

func (Msgpack[V]) Encode(v V) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}
