package kafka

import "sync"

type phase int

const (
	phaseNew phase = iota
	phaseConnected
	phaseJoined
	phaseSubscribed
	phasePolling
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseNew:
		return "disconnected"
	case phaseConnected:
		return "connected"
	case phaseJoined:
		return "joined"
	case phaseSubscribed:
		return "subscribed"
	case phasePolling:
		return "polling"
	case phaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// lifecycle enforces the Connect → JoinGroup → Subscribe → Poll order shared
// by every driver.
type lifecycle struct {
	mu sync.Mutex
	p  phase
}

// advance moves from want to next, or reports op as out of order.
func (l *lifecycle) advance(op string, want, next phase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.p != want {
		return &InvalidStateError{Op: op, State: l.p.String()}
	}
	l.p = next
	return nil
}

// polling flips subscribed to polling on the first Poll and accepts every
// Poll after that.
func (l *lifecycle) polling() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.p {
	case phaseSubscribed:
		l.p = phasePolling
		return nil
	case phasePolling:
		return nil
	default:
		return &InvalidStateError{Op: "poll", State: l.p.String()}
	}
}

func (l *lifecycle) close() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.p == phaseClosed {
		return false
	}
	l.p = phaseClosed
	return true
}
