package lifecycle

import "time"

// Effect is a side effect requested by the controller. The runner applies
// effects in the order they are returned.
type Effect interface {
	effect()
}

// RegisterIdentity maps a participant id to a display name for attribution.
type RegisterIdentity struct {
	ID   string
	Name string
}

// Greet asks the runner to welcome a participant.
type Greet struct {
	Name string
}

// Farewell asks the runner to say goodbye to a participant.
type Farewell struct {
	Name string
}

func (RegisterIdentity) effect() {}
func (Greet) effect()            {}
func (Farewell) effect()         {}

// EndReason explains why a session ended.
type EndReason string

const (
	ReasonIdle       EndReason = "idle"
	ReasonEmpty      EndReason = "empty"
	ReasonNoShow     EndReason = "no_show"
	ReasonTerminated EndReason = "terminated"
	ReasonCancelled  EndReason = "cancelled"
)

// SessionEnd is emitted exactly once when the controller terminates.
type SessionEnd struct {
	Reason       EndReason
	At           time.Time
	Participants int
}
