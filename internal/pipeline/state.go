package pipeline

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateJoining
	StateSubscribed
	StatePolling
	StateRebalancePause
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateJoining:
		return "joining"
	case StateSubscribed:
		return "subscribed"
	case StatePolling:
		return "polling"
	case StateRebalancePause:
		return "rebalance-pause"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the driver can no longer run.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }
