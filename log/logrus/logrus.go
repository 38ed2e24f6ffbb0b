package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/skybrasil/livecache"
)

var _ livecache.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New wraps l, tagging every entry with the component name.
func New(l *logrus.Logger, component string) Logger {
	e := logrus.NewEntry(l)
	if component != "" {
		e = e.WithField("component", component)
	}
	return Logger{E: e}
}

func (l Logger) Debug(msg string, f livecache.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f livecache.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f livecache.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f livecache.Fields) { l.with(f).Error(msg) }

func (l Logger) with(f livecache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	if err, ok := f["err"].(error); ok {
		rest := f.With(nil)
		delete(rest, "err")
		return l.E.WithError(err).WithFields(logrus.Fields(rest))
	}
	return l.E.WithFields(logrus.Fields(f))
}
