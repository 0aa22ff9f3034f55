package domain

import "time"

// Room is an ephemeral conversation room hosted by the room provider.
type Room struct {
	Name      string
	URL       string
	ExpiresAt time.Time
}

// RoomOptions configures room creation. Zero values use provider defaults.
type RoomOptions struct {
	// ExpiresIn sets the room expiry relative to creation.
	ExpiresIn time.Duration
	// EjectAtExpiry removes participants when the room expires.
	EjectAtExpiry bool
}
