package domain

import "time"

// Participant is a room member seen by the worker.
type Participant struct {
	ID       string
	Name     string
	JoinedAt time.Time
}

// DisplayName returns the participant name, or the id when the name is empty.
func (p Participant) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
