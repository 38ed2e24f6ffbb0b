// Package wire frames memoized values stored in a shared provider.
//
// Value: magic(4) | ver(1) | kind(1=value) | computedAt(i64 be, unix ms) |
//
//	codecLen(u8) | codec(codecLen) | vlen(u32 be) | payload(vlen)
//
// The computed-at stamp travels with the payload so every reader measures the
// TTL from the original lookup, not from when the entry reached its tier.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version   byte = 1
	kindValue byte = 1
	header         = 4 + 1 + 1 + 8 + 1
)

var (
	ErrCorrupt  = errors.New("livecache: corrupt memo entry")
	ErrCodec    = errors.New("livecache: memo entry written by another codec")
	ErrTooLarge = errors.New("livecache: memo codec name too long")
	magic4      = [...]byte{'L', 'V', 'C', 'M'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Value is a decoded frame. Payload aliases the input buffer.
type Value struct {
	ComputedAt time.Time
	Codec      string
	Payload    []byte
}

func EncodeValue(computedAt time.Time, codecName string, payload []byte) ([]byte, error) {
	if len(codecName) > 0xFF {
		return nil, ErrTooLarge
	}
	var buf bytes.Buffer
	buf.Grow(header + len(codecName) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindValue)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(computedAt.UnixMilli()))
	buf.Write(u8[:])

	buf.WriteByte(byte(len(codecName)))
	buf.WriteString(codecName)

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes(), nil
}

// DecodeValue parses a frame. Trailing bytes are rejected (strict framing).
// When wantCodec is non-empty, a frame written by another codec yields ErrCodec.
func DecodeValue(b []byte, wantCodec string) (Value, error) {
	if len(b) < header || !hasMagic(b) || b[4] != version || b[5] != kindValue {
		return Value{}, ErrCorrupt
	}
	off := 6

	ms := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	clen := int(b[off])
	off++
	if clen > len(b)-off {
		return Value{}, ErrCorrupt
	}
	name := string(b[off : off+clen])
	off += clen

	if off+4 > len(b) {
		return Value{}, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off {
		return Value{}, ErrCorrupt
	}
	if wantCodec != "" && name != wantCodec {
		return Value{}, ErrCodec
	}

	return Value{
		ComputedAt: time.UnixMilli(ms),
		Codec:      name,
		Payload:    b[off : off+vlen],
	}, nil
}
