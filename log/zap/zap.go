// Package zap adapts go.uber.org/zap to livecache.Logger and livecache.Notifier.
package zap

import (
	"sort"

	"go.uber.org/zap"

	"github.com/skybrasil/livecache"
)

var (
	_ livecache.Logger   = Logger{}
	_ livecache.Notifier = Notifier{}
)

type Logger struct{ L *zap.Logger }

// New returns a Logger named after the component.
func New(l *zap.Logger, component string) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	if component != "" {
		l = l.Named(component)
	}
	return Logger{L: l}
}

func (z Logger) Debug(msg string, f livecache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z Logger) Info(msg string, f livecache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z Logger) Warn(msg string, f livecache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z Logger) Error(msg string, f livecache.Fields) { z.L.Error(msg, zf(f)...) }

// zf sorts keys so output is stable across runs.
func zf(f livecache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

// Notifier writes notices as log lines; used where there is no UI to toast.
type Notifier struct{ L *zap.Logger }

func (n Notifier) Notify(notice livecache.Notice) {
	fields := []zap.Field{
		zap.String("key", notice.Key),
		zap.String("title", notice.Title),
	}
	switch notice.Severity {
	case livecache.SeverityError:
		n.L.Error(notice.Message, fields...)
	case livecache.SeverityWarning:
		n.L.Warn(notice.Message, fields...)
	default:
		n.L.Info(notice.Message, fields...)
	}
}
