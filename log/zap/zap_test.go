package zap

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/skybrasil/livecache"
)

func TestLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core), "realtime")

	l.Warn("reconnect scheduled", livecache.Fields{"resource_key": "messages:u1", "attempt": 2, "err": errors.New("closed")})
	l.Debug("no fields", nil)

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("entries=%d", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "realtime" || e.Level != zapcore.WarnLevel {
		t.Fatalf("entry=%+v", e.Entry)
	}
	var keys []string
	for _, f := range e.Context {
		keys = append(keys, f.Key)
	}
	if diff := cmp.Diff([]string{"attempt", "err", "resource_key"}, keys); diff != "" {
		t.Fatalf("field order (-want +got):\n%s", diff)
	}
	if e.ContextMap()["err"] != "closed" {
		t.Fatalf("err field=%v", e.ContextMap()["err"])
	}
}

func TestNotifierLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := Notifier{L: zap.New(core)}
	n.Notify(livecache.Notice{Severity: livecache.SeverityError, Key: "messages:u1", Title: "Connection lost", Message: "retry budget exhausted"})
	n.Notify(livecache.Notice{Severity: livecache.SeverityInfo, Message: "back online"})

	got := logs.AllUntimed()
	if len(got) != 2 || got[0].Level != zapcore.ErrorLevel || got[1].Level != zapcore.InfoLevel {
		t.Fatalf("entries=%+v", got)
	}
	if got[0].ContextMap()["title"] != "Connection lost" {
		t.Fatalf("ctx=%v", got[0].ContextMap())
	}
}
