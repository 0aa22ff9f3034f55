// Package events defines the closed set of events a session consumes.
//
// Every event implements Event, which can only be satisfied inside this
// package. Consumers that must handle every kind implement Visitor; adding a
// new event kind adds a Visitor method, so missing handlers fail to compile.
package events

import "time"

// Kind identifies an event variant.
type Kind int

const (
	KindParticipantJoined Kind = iota + 1
	KindParticipantLeft
	KindSpeechStarted
	KindSpeechStopped
	KindTranscriptFragment
)

func (k Kind) String() string {
	switch k {
	case KindParticipantJoined:
		return "participant_joined"
	case KindParticipantLeft:
		return "participant_left"
	case KindSpeechStarted:
		return "speech_started"
	case KindSpeechStopped:
		return "speech_stopped"
	case KindTranscriptFragment:
		return "transcript_fragment"
	default:
		return "unknown"
	}
}

// Event is one item of the session event feed.
type Event interface {
	Kind() Kind
	Accept(v Visitor) error
	sealed()
}

// Visitor handles every event kind.
type Visitor interface {
	ParticipantJoined(ParticipantJoined) error
	ParticipantLeft(ParticipantLeft) error
	SpeechStarted(SpeechStarted) error
	SpeechStopped(SpeechStopped) error
	TranscriptFragment(TranscriptFragment) error
}

// ParticipantJoined is emitted when a participant enters the room.
type ParticipantJoined struct {
	ID   string
	Name string
	At   time.Time
}

// ParticipantLeft is emitted when a participant leaves the room.
type ParticipantLeft struct {
	ID     string
	Name   string
	Reason string
}

// SpeechStarted marks the start of a speech turn. An empty SpeakerID means
// the speaker is unknown, which is the case for voice activity detection on
// mixed room audio.
type SpeechStarted struct {
	SpeakerID string
}

// SpeechStopped marks the end of a speech turn.
type SpeechStopped struct {
	SpeakerID string
}

// TranscriptFragment is a piece of transcribed speech. Timestamp is kept in
// its wire form (ISO-8601, fractional seconds, UTC marker) and parsed by the
// consumer.
type TranscriptFragment struct {
	SpeakerID string
	Text      string
	Timestamp string
	Final     bool
}

func (ParticipantJoined) Kind() Kind  { return KindParticipantJoined }
func (ParticipantLeft) Kind() Kind    { return KindParticipantLeft }
func (SpeechStarted) Kind() Kind      { return KindSpeechStarted }
func (SpeechStopped) Kind() Kind      { return KindSpeechStopped }
func (TranscriptFragment) Kind() Kind { return KindTranscriptFragment }

func (e ParticipantJoined) Accept(v Visitor) error  { return v.ParticipantJoined(e) }
func (e ParticipantLeft) Accept(v Visitor) error    { return v.ParticipantLeft(e) }
func (e SpeechStarted) Accept(v Visitor) error      { return v.SpeechStarted(e) }
func (e SpeechStopped) Accept(v Visitor) error      { return v.SpeechStopped(e) }
func (e TranscriptFragment) Accept(v Visitor) error { return v.TranscriptFragment(e) }

func (ParticipantJoined) sealed()  {}
func (ParticipantLeft) sealed()    {}
func (SpeechStarted) sealed()      {}
func (SpeechStopped) sealed()      {}
func (TranscriptFragment) sealed() {}
