package lifecycle

import "time"

// Timer is a pending timer. Stop reports whether it prevented the fire.
type Timer interface {
	Stop() bool
}

// Timers creates timers that call f once after d.
type Timers interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realTimers struct{}

func (realTimers) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type timerKind int

const (
	timerIdle timerKind = iota + 1
	timerNoShow
)

func (k timerKind) String() string {
	switch k {
	case timerIdle:
		return "idle"
	case timerNoShow:
		return "no_show"
	default:
		return "unknown"
	}
}

// pendingTimer is the single timer the controller may own at a time.
type pendingTimer struct {
	kind  timerKind
	gen   uint64
	timer Timer
}
