package livecache

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("lookup: %w", context.DeadlineExceeded), KindTimeout},
		{"jwt expired", errors.New("role lookup: http 401 PGRST301: JWT expired"), KindSession},
		{"refresh token", errors.New("refresh_token_not_found"), KindSession},
		{"sentinel session", fmt.Errorf("x: %w", ErrSession), KindSession},
		{"sentinel transport", ErrTransport, KindTransport},
		{"typed", &Error{Kind: KindTransport, Op: "dial"}, KindTransport},
		{"typed wins over message", &Error{Kind: KindUnknown, Op: "q", Err: errors.New("JWT")}, KindUnknown},
		{"plain", errors.New("connection refused"), KindUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.err); got != c.want {
				t.Fatalf("Classify(%v)=%s want %s", c.err, got, c.want)
			}
		})
	}
}

func TestWrapAndIs(t *testing.T) {
	if Wrap("op", "k", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	base := errors.New("jwt expired")
	err := Wrap("role lookup", "u1", base)
	if !errors.Is(err, ErrSession) || errors.Is(err, ErrTimeout) {
		t.Fatalf("Is mismatch for %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatal("Unwrap lost the cause")
	}
	want := `role lookup "u1": session: jwt expired`
	if err.Error() != want {
		t.Fatalf("Error()=%q want %q", err.Error(), want)
	}
}

func TestCoalesce(t *testing.T) {
	if Coalesce(0, 5) != 5 || Coalesce(3, 5) != 3 {
		t.Fatal("int coalesce")
	}
	var l Logger
	if _, ok := Coalesce[Logger](l, NopLogger{}).(NopLogger); !ok {
		t.Fatal("nil interface should take the default")
	}
}
