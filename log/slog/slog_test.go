package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/skybrasil/livecache"
)

func TestLoggerTextOutput(t *testing.T) {
	var buf bytes.Buffer
	h := stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{
		Level: stdslog.LevelInfo,
		ReplaceAttr: func(_ []string, a stdslog.Attr) stdslog.Attr {
			if a.Key == stdslog.TimeKey {
				return stdslog.Attr{}
			}
			return a
		},
	})
	l := Logger{L: stdslog.New(h)}

	l.Debug("hidden", livecache.Fields{"a": 1})
	l.Info("channel connected", livecache.Fields{"resource_key": "messages:u1", "attempt": 0})

	got := strings.TrimSpace(buf.String())
	want := `level=INFO msg="channel connected" attempt=0 resource_key=messages:u1`
	if got != want {
		t.Fatalf("got  %q\nwant %q", got, want)
	}
}
