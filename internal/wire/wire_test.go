package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValueRoundTrip(t *testing.T) {
	at := time.UnixMilli(1_700_000_123_456)
	b, err := EncodeValue(at, "json", []byte(`true`))
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	v, err := DecodeValue(b, "json")
	if err != nil {
		t.Fatalf("DecodeValue: %v", err)
	}
	if !v.ComputedAt.Equal(at) || v.Codec != "json" || string(v.Payload) != "true" {
		t.Fatalf("unexpected frame: %+v", v)
	}
}

func TestDecodeRejectsTrailing(t *testing.T) {
	b, _ := EncodeValue(time.UnixMilli(1), "json", []byte("x"))
	b = append(b, 0xDE, 0xAD)
	if _, err := DecodeValue(b, ""); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("trailing bytes: err=%v, want ErrCorrupt", err)
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	b, _ := EncodeValue(time.UnixMilli(1), "msgpack", []byte("payload"))
	for n := 0; n < len(b); n++ {
		if _, err := DecodeValue(b[:n], ""); err == nil {
			t.Fatalf("truncated frame of %d/%d bytes decoded without error", n, len(b))
		}
	}
}

func TestDecodeRejectsForeignBytes(t *testing.T) {
	if _, err := DecodeValue([]byte("not-a-frame-at-all-really"), ""); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("foreign bytes: err=%v", err)
	}
	other := append([]byte{'C', 'A', 'S', 'C'}, bytes.Repeat([]byte{1}, 32)...)
	if _, err := DecodeValue(other, ""); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("foreign magic: err=%v", err)
	}
}

func TestDecodeCodecMismatch(t *testing.T) {
	b, _ := EncodeValue(time.UnixMilli(1), "cbor", []byte{0xf5})
	if _, err := DecodeValue(b, "json"); !errors.Is(err, ErrCodec) {
		t.Fatalf("codec mismatch: err=%v, want ErrCodec", err)
	}
}

func TestEncodeCodecNameBound(t *testing.T) {
	if _, err := EncodeValue(time.UnixMilli(1), strings.Repeat("c", 0x100), nil); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("long codec name: err=%v", err)
	}
	if _, err := EncodeValue(time.UnixMilli(1), strings.Repeat("c", 0xFF), nil); err != nil {
		t.Fatalf("boundary codec name: %v", err)
	}
}
