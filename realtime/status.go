package realtime

// Status is the lifecycle state of one resource's channel.
//
//	Idle -> Connecting -> Connected
//	Connected -> Disconnected | Error
//	Disconnected | Error -> Connecting   (reconnect controller)
//	any -> Idle                          (last consumer detached)
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// FeedStatus is what the change-feed reports about a subscription.
type FeedStatus int

const (
	FeedSubscribed FeedStatus = iota
	FeedChannelError
	FeedTimedOut
	FeedClosed
)

func (s FeedStatus) String() string {
	switch s {
	case FeedSubscribed:
		return "SUBSCRIBED"
	case FeedChannelError:
		return "CHANNEL_ERROR"
	case FeedTimedOut:
		return "TIMED_OUT"
	case FeedClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// channelStatus maps a feed report onto the channel lifecycle. A timeout is an
// error for reconnect purposes; a server-initiated close is a disconnect.
func channelStatus(s FeedStatus) Status {
	switch s {
	case FeedSubscribed:
		return StatusConnected
	case FeedClosed:
		return StatusDisconnected
	default:
		return StatusError
	}
}
