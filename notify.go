package livecache

// Severity of a user-visible notice.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Notice is a one-shot, user-visible message (a toast in a UI, a line on a CLI).
type Notice struct {
	Severity Severity
	Key      string // resource or cache key the notice is about
	Title    string
	Message  string
}

// Notifier surfaces terminal failures to the user. Components call it once per
// terminal transition, never per retry.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type NopNotifier struct{}

func (NopNotifier) Notify(Notice) {}
