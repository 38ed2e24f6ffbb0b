package codec

import (
	"bytes"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestLimitRejectsOversizedPayload(t *testing.T) {
	c := Limit[string]{Inner: JSON[string]{}, MaxDecode: 6}
	if _, err := c.Decode([]byte(`"admin"`)); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("err=%v", err)
	}
	if v, err := c.Decode([]byte(`"ok"`)); err != nil || v != "ok" {
		t.Fatalf("v=%q err=%v", v, err)
	}
	if c.Name() != FormatJSON {
		t.Fatalf("name=%q", c.Name())
	}
	big := `"` + strings.Repeat("x", 1<<16) + `"`
	if _, err := (Limit[string]{Inner: JSON[string]{}}).Decode([]byte(big)); err != nil {
		t.Fatalf("MaxDecode 0 should not limit: %v", err)
	}
}

func TestCBORDeterministicMapOrder(t *testing.T) {
	c, err := NewCBOR[map[string]int](true)
	if err != nil {
		t.Fatal(err)
	}
	m := map[string]int{"b": 2, "a": 1, "c": 3, "aa": 4}
	first, err := c.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, _ := c.Encode(m)
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not stable: %x vs %x", first, again)
		}
	}
}

func TestNamedBoolFormats(t *testing.T) {
	for _, format := range []string{FormatCBOR, FormatMsgpack, FormatJSON, FormatProtobuf} {
		c, err := NamedBool(format)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if c.Name() != format {
			t.Fatalf("name=%q want %q", c.Name(), format)
		}
		for _, want := range []bool{true, false} {
			b, err := c.Encode(want)
			if err != nil {
				t.Fatalf("%s encode: %v", format, err)
			}
			// role flags must fit in the roles package's 16 byte limit
			if len(b) > 16 {
				t.Fatalf("%s: %d bytes", format, len(b))
			}
			got, err := c.Decode(b)
			if err != nil || got != want {
				t.Fatalf("%s decode: got=%v want=%v err=%v", format, got, want, err)
			}
		}
	}
}

func TestNamedRejectsUnknownFormats(t *testing.T) {
	type profile struct{ ID string }
	for _, format := range []string{"", "yaml", FormatProtobuf} {
		if _, err := Named[profile](format); err == nil {
			t.Fatalf("format %q should be rejected", format)
		}
	}
	if _, err := NamedBool("gob"); err == nil {
		t.Fatal("gob should be rejected")
	}
}

func TestBoolValueMatchesWrapperMessage(t *testing.T) {
	b, err := BoolValue{}.Encode(true)
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewProtobuf(func() *wrapperspb.BoolValue { return &wrapperspb.BoolValue{} }).Decode(b)
	if err != nil || !m.GetValue() {
		t.Fatalf("m=%v err=%v", m, err)
	}
	if _, err := (BoolValue{}).Decode([]byte{0xff, 0xff}); err == nil {
		t.Fatal("expected error on garbage")
	}
}
